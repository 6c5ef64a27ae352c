package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/httpserver/dto"
)

// Handlers serves runs of one channel from a run repository.
type Handlers struct {
	Runs    ports.RunRepository
	Channel domain.Channel
	Version string
}

// ListRuns returns the channel's runs, newest first.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	if h.Runs == nil {
		respondJSON(w, http.StatusOK, dto.PaginatedResponse[dto.RunDTO]{Data: []dto.RunDTO{}, Page: page, PageSize: pageSize})
		return
	}

	ids, err := h.Runs.List(r.Context(), h.Channel)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list runs", err.Error())
		return
	}

	total := len(ids)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)

	runs := make([]dto.RunDTO, 0, end-start)
	for _, id := range ids[start:end] {
		run, err := h.Runs.Load(r.Context(), id)
		if err != nil {
			continue
		}
		runs = append(runs, dto.FromRun(run))
	}

	respondJSON(w, http.StatusOK, dto.PaginatedResponse[dto.RunDTO]{
		Data:       runs,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	})
}

// LatestRun returns the most recent run of the channel, which is the
// in-flight run while one is executing.
func (h *Handlers) LatestRun(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		respondJSON(w, http.StatusOK, map[string]any{"run": nil})
		return
	}
	run, err := h.Runs.LoadLatest(r.Context(), h.Channel)
	if errors.Is(err, domain.ErrRunNotFound) {
		respondJSON(w, http.StatusOK, map[string]any{"run": nil})
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load latest run", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"run": dto.FromRun(run)})
}

// GetRun returns one run by ID.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing run ID", "")
		return
	}
	if h.Runs == nil {
		respondError(w, http.StatusNotFound, "run not found", "")
		return
	}

	run, err := h.Runs.Load(r.Context(), domain.RunID(id))
	if errors.Is(err, domain.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, "run not found", id)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load run", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, dto.FromRun(run))
}

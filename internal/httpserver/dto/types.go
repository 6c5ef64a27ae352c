// Package dto provides data transfer objects for the run monitor API.
package dto

import (
	"time"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// PaginatedResponse is a generic paginated response.
type PaginatedResponse[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// ErrorResponse is an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// RunDTO is the API representation of a run.
type RunDTO struct {
	ID          string         `json:"id"`
	Channel     string         `json:"channel"`
	Phase       string         `json:"phase"`
	Version     string         `json:"version,omitempty"`
	VersionCode int            `json:"version_code,omitempty"`
	Failed      bool           `json:"failed"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Counts      map[string]int `json:"counts"`
	Stages      []StageDTO     `json:"stages"`
	ReleaseURL  string         `json:"release_url,omitempty"`
}

// StageDTO is the API representation of one stage result.
type StageDTO struct {
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts,omitempty"`
	Error      string   `json:"error,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
	DurationMS int64    `json:"duration_ms,omitempty"`
}

// FromRun maps a run onto its API representation.
func FromRun(run *domain.Run) RunDTO {
	d := RunDTO{
		ID:        run.ID.String(),
		Channel:   run.Channel.String(),
		Phase:     string(run.Phase),
		Failed:    run.Failed(),
		Error:     run.Error,
		StartedAt: run.StartedAt,
		Counts:    make(map[string]int),
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		d.FinishedAt = &t
	}
	if md, ok := run.ReleaseMetadata(); ok {
		d.Version = md.Version
		d.VersionCode = md.VersionCode
	}
	if run.Record != nil {
		d.ReleaseURL = run.Record.URL
	}
	for status, n := range run.Counts() {
		d.Counts[string(status)] = n
	}
	for _, s := range run.StageResults() {
		d.Stages = append(d.Stages, StageDTO{
			Name:       s.Name,
			Kind:       string(s.Kind),
			Status:     string(s.Status),
			Attempts:   s.Attempts,
			Error:      s.Error,
			Reason:     s.Reason,
			Artifacts:  s.Artifacts,
			DurationMS: s.Duration().Milliseconds(),
		})
	}
	return d
}

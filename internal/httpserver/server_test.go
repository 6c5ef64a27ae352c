package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/adapters"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/httpserver/dto"
	"github.com/relicta-tech/shipyard/internal/observability"
)

var testChannel = domain.Channel{ReleaseType: domain.ReleaseBeta, TargetBranch: "main"}

func newTestServer(t *testing.T, runs ...*domain.Run) *Server {
	t.Helper()

	repo := adapters.NewFileRunRepository(t.TempDir())
	for _, run := range runs {
		if err := repo.Save(context.Background(), run); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	return NewServer(ServerDeps{
		Config:  config.MonitorConfig{Address: "127.0.0.1:0"},
		Runs:    repo,
		Channel: testChannel,
		Metrics: observability.NewMetrics("1.0.0-test"),
		Version: "1.0.0-test",
	})
}

func sampleRun(t *testing.T, id string, startedAt time.Time) *domain.Run {
	t.Helper()
	run := domain.NewRun(domain.RunID(id), testChannel, domain.PublishGate{ReleaseType: domain.ReleaseBeta},
		[]domain.StageSpec{
			{Name: "metadata", Kind: domain.KindMetadata},
			{Name: "build_web", Kind: domain.KindBuild},
		}, startedAt)
	if err := run.SetMetadata(domain.ReleaseMetadata{Version: "1.4.2", VersionCode: 42}); err != nil {
		t.Fatalf("SetMetadata() error = %v", err)
	}
	if err := run.StageStarted("metadata", startedAt); err != nil {
		t.Fatalf("StageStarted() error = %v", err)
	}
	if err := run.StageFinished("metadata", domain.StageOutcome{Status: domain.StatusSucceeded, Attempts: 1},
		startedAt.Add(2*time.Second)); err != nil {
		t.Fatalf("StageFinished() error = %v", err)
	}
	return run
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	server := NewServer(ServerDeps{Config: config.MonitorConfig{Address: ":0"}})

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.wsHub == nil {
		t.Error("WebSocket hub should be initialized")
	}
	if server.router == nil {
		t.Error("Router should be initialized")
	}
	if server.EventBroadcaster() == nil {
		t.Error("EventBroadcaster should not be nil")
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := newTestServer(t)

	for _, path := range []string{"/healthz", "/api/v1/health"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(server, http.MethodGet, path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}

			var resp map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["status"] != "healthy" {
				t.Errorf("status = %v, want healthy", resp["status"])
			}
			if resp["version"] != "1.0.0-test" {
				t.Errorf("version = %v, want 1.0.0-test", resp["version"])
			}
		})
	}
}

func TestSecurityHeadersApplied(t *testing.T) {
	rec := serve(newTestServer(t), http.MethodGet, "/healthz")

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := rec.Header().Get("Content-Security-Policy"); !strings.HasPrefix(got, "default-src 'none'") {
		t.Errorf("Content-Security-Policy = %q", got)
	}
}

func TestRunsEndpoints(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := sampleRun(t, "run-older", base)
	newer := sampleRun(t, "run-newer", base.Add(time.Hour))
	server := newTestServer(t, older, newer)

	t.Run("list", func(t *testing.T) {
		rec := serve(server, http.MethodGet, "/api/v1/runs")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var page dto.PaginatedResponse[dto.RunDTO]
		if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if page.Total != 2 || len(page.Data) != 2 {
			t.Fatalf("total = %d, len = %d, want 2", page.Total, len(page.Data))
		}
		if page.Data[0].ID != "run-newer" {
			t.Errorf("first run = %s, want run-newer", page.Data[0].ID)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		rec := serve(server, http.MethodGet, "/api/v1/runs?page=2&page_size=1")
		var page dto.PaginatedResponse[dto.RunDTO]
		if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if page.TotalPages != 2 || len(page.Data) != 1 || page.Data[0].ID != "run-older" {
			t.Errorf("page = %+v", page)
		}
	})

	t.Run("latest", func(t *testing.T) {
		rec := serve(server, http.MethodGet, "/api/v1/runs/latest")
		var resp struct {
			Run *dto.RunDTO `json:"run"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Run == nil || resp.Run.ID != "run-newer" {
			t.Fatalf("latest = %+v, want run-newer", resp.Run)
		}
		if resp.Run.Version != "1.4.2" || resp.Run.VersionCode != 42 {
			t.Errorf("metadata = %s/%d", resp.Run.Version, resp.Run.VersionCode)
		}
		if resp.Run.Counts["succeeded"] != 1 || resp.Run.Counts["pending"] != 1 {
			t.Errorf("counts = %v", resp.Run.Counts)
		}
	})

	t.Run("get", func(t *testing.T) {
		rec := serve(server, http.MethodGet, "/api/v1/runs/run-older")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var run dto.RunDTO
		if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(run.Stages) != 2 || run.Stages[0].Name != "metadata" || run.Stages[0].DurationMS != 2000 {
			t.Errorf("stages = %+v", run.Stages)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		rec := serve(server, http.MethodGet, "/api/v1/runs/does-not-exist")
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestLatestRun_Empty(t *testing.T) {
	rec := serve(newTestServer(t), http.MethodGet, "/api/v1/runs/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"run":null`) {
		t.Errorf("body = %s, want null run", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(newTestServer(t), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "shipyard_info") {
		t.Errorf("metrics body missing shipyard_info:\n%s", rec.Body.String())
	}
}

func TestMetricsEndpoint_DisabledWithoutMetrics(t *testing.T) {
	server := NewServer(ServerDeps{Config: config.MonitorConfig{Address: ":0"}})
	rec := serve(server, http.MethodGet, "/metrics")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	server := newTestServer(t)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	resp, err := http.Get("http://" + server.Address() + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

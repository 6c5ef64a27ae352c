package github

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), "acme", "app", "test-token", WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresSettings(t *testing.T) {
	_, err := NewClient(context.Background(), "", "app", "token")
	assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))

	_, err = NewClient(context.Background(), "acme", "app", "")
	assert.True(t, rperrors.IsKind(err, rperrors.KindConfig))
}

func TestGenerateNotes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/app/releases/generate-notes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "1.4.2", body["tag_name"])
		assert.Equal(t, "1.4.1", body["previous_tag_name"])
		assert.Equal(t, "dev", body["target_commitish"])

		_, _ = io.WriteString(w, `{"name":"1.4.2","body":"## What's Changed\n* \"Login\" fix"}`)
	})

	c := newTestClient(t, mux)
	notes, err := c.GenerateNotes(context.Background(), ports.NotesRequest{
		TagName: "1.4.2", PreviousTag: "1.4.1", Target: "dev",
	})
	require.NoError(t, err)
	assert.Equal(t, "## What's Changed\n* \"Login\" fix", notes)
}

func TestGenerateNotes_ServerErrorIsRetryable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/app/releases/generate-notes", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, `{"message":"bad gateway"}`)
	})

	_, err := newTestClient(t, mux).GenerateNotes(context.Background(), ports.NotesRequest{TagName: "1.0.0"})
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindNetwork))
	assert.True(t, rperrors.IsRecoverable(err))
}

func TestPublish_CreatesPrereleaseAndUploads(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "app-release.apk")
	zip := filepath.Join(dir, "web-1.4.2.zip")
	require.NoError(t, os.WriteFile(apk, []byte("apk"), 0o644))
	require.NoError(t, os.WriteFile(zip, []byte("zip"), 0o644))

	var (
		mu       sync.Mutex
		uploaded []string
		created  map[string]any
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/releases/tags/1.4.2", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("POST /repos/acme/app/releases", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		_, _ = io.WriteString(w, `{"id":7,"prerelease":true,"html_url":"https://github.com/acme/app/releases/tag/1.4.2"}`)
	})
	mux.HandleFunc("POST /repos/acme/app/releases/7/assets", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		uploaded = append(uploaded, r.URL.Query().Get("name"))
		mu.Unlock()
		_, _ = io.WriteString(w, `{"id":1}`)
	})

	c := newTestClient(t, mux)
	rec, err := c.Publish(context.Background(), domain.ReleaseRecord{
		Tag: "1.4.2", Name: "1.4.2", Body: "notes", Prerelease: true,
	}, []string{apk, zip})
	require.NoError(t, err)

	assert.Equal(t, "https://github.com/acme/app/releases/tag/1.4.2", rec.URL)
	assert.True(t, rec.Prerelease)
	assert.Equal(t, []string{"app-release.apk", "web-1.4.2.zip"}, rec.Assets)
	assert.Equal(t, []string{"app-release.apk", "web-1.4.2.zip"}, uploaded)
	assert.Equal(t, "1.4.2", created["tag_name"])
	assert.Equal(t, true, created["prerelease"])
	assert.Equal(t, "notes", created["body"])
}

func TestPublish_ReusesExistingRelease(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "app-release.apk")
	require.NoError(t, os.WriteFile(apk, []byte("apk"), 0o644))

	uploads := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/releases/tags/1.4.2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":9,"prerelease":true,"html_url":"https://example.test/r/9","assets":[{"id":3,"name":"app-release.apk"}]}`)
	})
	mux.HandleFunc("POST /repos/acme/app/releases", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("release must not be created twice")
	})
	mux.HandleFunc("POST /repos/acme/app/releases/9/assets", func(w http.ResponseWriter, _ *http.Request) {
		uploads++
		_, _ = io.WriteString(w, `{"id":4}`)
	})

	rec, err := newTestClient(t, mux).Publish(context.Background(), domain.ReleaseRecord{Tag: "1.4.2", Prerelease: true}, []string{apk})
	require.NoError(t, err)
	assert.Equal(t, 0, uploads)
	assert.Equal(t, []string{"app-release.apk"}, rec.Assets)
	assert.True(t, rec.Prerelease)
}

func TestPublish_ExistingFullReleaseIsNotReused(t *testing.T) {
	dir := t.TempDir()
	apk := filepath.Join(dir, "app-release.apk")
	require.NoError(t, os.WriteFile(apk, []byte("apk"), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/releases/tags/1.4.2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":9,"prerelease":false,"html_url":"https://example.test/r/9"}`)
	})
	mux.HandleFunc("POST /repos/acme/app/releases/9/assets", func(w http.ResponseWriter, _ *http.Request) {
		t.Error("assets must not be attached to a full release")
	})

	_, err := newTestClient(t, mux).Publish(context.Background(), domain.ReleaseRecord{Tag: "1.4.2", Prerelease: true}, []string{apk})
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindConflict))
	assert.Contains(t, err.Error(), "not a pre-release")
}

func TestPublish_MissingAssetFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/releases/tags/1.0.0", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":1}`)
	})

	_, err := newTestClient(t, mux).Publish(context.Background(), domain.ReleaseRecord{Tag: "1.0.0"},
		[]string{filepath.Join(t.TempDir(), "missing.ipa")})
	require.Error(t, err)
	assert.True(t, rperrors.IsKind(err, rperrors.KindArtifact))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		kind   rperrors.Kind
	}{
		{http.StatusUnauthorized, rperrors.KindPermission},
		{http.StatusNotFound, rperrors.KindNotFound},
		{http.StatusUnprocessableEntity, rperrors.KindValidation},
		{http.StatusServiceUnavailable, rperrors.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("POST /repos/acme/app/releases/generate-notes", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			})
			_, err := newTestClient(t, mux).GenerateNotes(context.Background(), ports.NotesRequest{TagName: "1.0.0"})
			assert.Equal(t, tt.kind, rperrors.GetKind(err))
		})
	}
}

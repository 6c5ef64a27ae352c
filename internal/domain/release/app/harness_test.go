package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/adapters"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	"github.com/relicta-tech/shipyard/internal/infrastructure/resilience"
	"github.com/relicta-tech/shipyard/internal/infrastructure/template"
	"github.com/relicta-tech/shipyard/internal/infrastructure/tool"
	"github.com/relicta-tech/shipyard/pkg/plugin"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeHistory struct {
	shallow bool
	commits int
	tags    []string
	latest  string
	subject string
}

func (h *fakeHistory) IsShallow(context.Context) (bool, error)  { return h.shallow, nil }
func (h *fakeHistory) CommitCount(context.Context) (int, error) { return h.commits, nil }
func (h *fakeHistory) Tags(context.Context) ([]string, error)   { return h.tags, nil }
func (h *fakeHistory) LatestTag(context.Context) (string, error) {
	return h.latest, nil
}
func (h *fakeHistory) HeadSubject(context.Context) (string, error) { return h.subject, nil }
func (h *fakeHistory) SubjectsSince(context.Context, string) ([]string, error) {
	return []string{h.subject}, nil
}
func (h *fakeHistory) CurrentBranch(context.Context) (string, error) { return "dev", nil }

type fakeVersions struct {
	raw string
	err error
}

func (v fakeVersions) ReadVersion(context.Context) (string, string, error) {
	return v.raw, "pubspec.yaml", v.err
}

type fakeNotes struct {
	mu   sync.Mutex
	body string
	reqs []ports.NotesRequest
}

func (n *fakeNotes) GenerateNotes(_ context.Context, req ports.NotesRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return n.body, nil
}

type memLedger struct {
	mu    sync.Mutex
	codes map[string]int
}

func newMemLedger() *memLedger { return &memLedger{codes: make(map[string]int)} }

func (l *memLedger) Last(_ context.Context, branch string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.codes[branch], nil
}

func (l *memLedger) Reserve(_ context.Context, branch string, derived int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	code := domain.NextVersionCode(derived, l.codes[branch])
	l.codes[branch] = code
	return code, nil
}

// fakeRunner writes the files each default build command would produce.
// hooks replace the behavior of a stage.
type fakeRunner struct {
	fs    afero.Fs
	mu    sync.Mutex
	calls map[string]int
	invs  map[string]tool.Invocation
	hooks map[string]func(n int, inv tool.Invocation) error
}

func newFakeRunner(fs afero.Fs) *fakeRunner {
	return &fakeRunner{
		fs:    fs,
		calls: make(map[string]int),
		invs:  make(map[string]tool.Invocation),
		hooks: make(map[string]func(int, tool.Invocation) error),
	}
}

func (r *fakeRunner) Run(_ context.Context, inv tool.Invocation) (tool.Result, error) {
	r.mu.Lock()
	r.calls[inv.Stage]++
	n := r.calls[inv.Stage]
	r.invs[inv.Stage] = inv
	hook := r.hooks[inv.Stage]
	r.mu.Unlock()

	if hook != nil {
		if err := hook(n, inv); err != nil {
			return tool.Result{ExitCode: 1}, err
		}
	}

	write := func(rel, content string) error {
		return afero.WriteFile(r.fs, filepath.Join(inv.Dir, rel), []byte(content), 0o644)
	}
	var err error
	switch config.BaseStageName(inv.Stage) {
	case StageBuildAndroid:
		if err = write("app/build/outputs/bundle/release/app-release.aab", "aab"); err == nil {
			err = write("app/build/outputs/apk/release/app-release.apk", "apk")
		}
	case StageBuildIOS:
		err = write("build/Runner.ipa", "ipa")
	case StageBuildDesktop:
		err = write(filepath.Join("dist", inv.Data.OS, "installer-"+inv.Data.OS), "bin")
	case StageBuildWeb:
		if err = write("dist/index.html", "<html></html>"); err == nil {
			err = write("dist/assets/main.js", "console.log(1)")
		}
	}
	return tool.Result{Command: inv.Command}, err
}

func (r *fakeRunner) count(stage string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

func (r *fakeRunner) invocation(stage string) tool.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invs[stage]
}

type fakePublisher struct {
	mu     sync.Mutex
	calls  int
	rec    domain.ReleaseRecord
	assets []string
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, rec domain.ReleaseRecord, assets []string) (domain.ReleaseRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.rec = rec
	p.assets = assets
	if p.err != nil {
		return domain.ReleaseRecord{}, p.err
	}
	rec.URL = "https://github.test/acme/app/releases/tag/" + rec.Tag
	for _, a := range assets {
		rec.Assets = append(rec.Assets, filepath.Base(a))
	}
	return rec, nil
}

type fakeInvoker struct {
	mu   sync.Mutex
	reqs []plugin.InvokeRequest
	resp *plugin.InvokeResponse
	err  error
}

func (i *fakeInvoker) Invoke(_ context.Context, _ string, req plugin.InvokeRequest) (*plugin.InvokeResponse, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reqs = append(i.reqs, req)
	return i.resp, i.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	runs []*domain.Run
}

func (n *fakeNotifier) Notify(_ context.Context, run *domain.Run) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return nil
}

type harness struct {
	fs        afero.Fs
	cfg       *config.Config
	store     *adapters.FileArtifactStore
	runner    *fakeRunner
	publisher *fakePublisher
	plugins   *fakeInvoker
	history   *fakeHistory
	notes     *fakeNotes
	ledger    *memLedger
	repo      *adapters.FileRunRepository
	lock      *adapters.FileLockManager
	notifier  *fakeNotifier
	retry     resilience.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	state := t.TempDir()
	clock := adapters.FixedClock{T: testNow}

	return &harness{
		fs:        fs,
		cfg:       config.DefaultConfig(),
		store:     adapters.NewFileArtifactStore(fs, "/store", clock),
		runner:    newFakeRunner(fs),
		publisher: &fakePublisher{},
		plugins:   &fakeInvoker{resp: &plugin.InvokeResponse{Success: true, Message: "deployed"}},
		history: &fakeHistory{
			commits: 40,
			tags:    []string{"1.0.0", "1.1.0-beta", "1.1.0"},
			latest:  "1.1.0",
			subject: `Fix "login" screen`,
		},
		notes:    &fakeNotes{body: "## What's Changed\r\n* \"Login\" fix\n"},
		ledger:   newMemLedger(),
		repo:     adapters.NewFileRunRepository(state),
		lock:     adapters.NewFileLockManager(state, adapters.WithPollInterval(10*time.Millisecond)),
		notifier: &fakeNotifier{},
		retry:    resilience.Config{Attempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func (h *harness) metadata() *GenerateMetadataUseCase {
	return NewGenerateMetadataUseCase(h.history, fakeVersions{raw: "1.2.0+17"}, h.notes, h.ledger, h.store)
}

func (h *harness) factory(t *testing.T) *StageFactory {
	t.Helper()
	renderer, err := template.NewRenderer()
	require.NoError(t, err)

	deps := StageFactoryDeps{
		Config:      h.cfg,
		Root:        "/repo",
		Fs:          h.fs,
		Store:       h.store,
		Runner:      h.runner,
		Plugins:     h.plugins,
		Renderer:    renderer,
		Metadata:    h.metadata(),
		RetryConfig: &h.retry,
	}
	if h.publisher != nil {
		deps.Publisher = h.publisher
	}
	return NewStageFactory(deps)
}

func (h *harness) useCase(t *testing.T) *RunReleaseUseCase {
	t.Helper()
	return NewRunReleaseUseCase(h.factory(t), h.repo, h.lock,
		WithNotifier(h.notifier),
		WithRunClock(adapters.FixedClock{T: testNow}),
	)
}

func internalChannel() domain.Channel {
	return domain.Channel{ReleaseType: domain.ReleaseInternal, TargetBranch: "dev"}
}

func betaChannel() domain.Channel {
	return domain.Channel{ReleaseType: domain.ReleaseBeta, TargetBranch: "dev"}
}

func allGates(rt domain.ReleaseType) domain.PublishGate {
	return domain.PublishGate{
		PublishAndroid: true,
		PublishIOS:     true,
		PublishDesktop: true,
		PublishWeb:     true,
		BuildIOS:       true,
		ReleaseType:    rt,
	}
}

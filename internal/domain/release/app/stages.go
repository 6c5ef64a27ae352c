package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/relicta-tech/shipyard/internal/config"
	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/domain/release/ports"
	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/infrastructure/resilience"
	"github.com/relicta-tech/shipyard/internal/infrastructure/tool"
	"github.com/relicta-tech/shipyard/internal/pipeline"
	"github.com/relicta-tech/shipyard/internal/plugin/sandbox"
	"github.com/relicta-tech/shipyard/internal/secrets"
	"github.com/relicta-tech/shipyard/pkg/plugin"
)

// ToolInvoker runs a stage through a tool plugin.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, req plugin.InvokeRequest) (*plugin.InvokeResponse, error)
}

// TemplateRenderer expands inline templates.
type TemplateRenderer interface {
	RenderString(ctx context.Context, name, text string, data any) (string, error)
}

// StageFactoryDeps holds what stage functions need.
type StageFactoryDeps struct {
	Config *config.Config
	// Root is the project root; stage directories are relative to it.
	Root string
	// WorkDir holds per-stage output directories.
	WorkDir   string
	Fs        afero.Fs
	Store     ports.ArtifactStore
	Runner    tool.Runner
	Plugins   ToolInvoker
	Vault     *secrets.Vault
	Renderer  TemplateRenderer
	Metadata  *GenerateMetadataUseCase
	Publisher ports.ReleasePublisher
	Logger    *log.Logger
	// RetryConfig overrides the store upload retry policy.
	RetryConfig *resilience.Config
}

// StageFactory turns the stage catalog into runnable pipeline stages
// bound to one run.
type StageFactory struct {
	deps   StageFactoryDeps
	logger *log.Logger
}

// NewStageFactory creates a StageFactory.
func NewStageFactory(deps StageFactoryDeps) *StageFactory {
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.WorkDir == "" {
		deps.WorkDir = filepath.Join(deps.Root, ".shipyard", "work")
	}
	return &StageFactory{deps: deps, logger: deps.Logger}
}

// execution carries the run a graph's stage functions report into. The
// run is attached after the graph is built, since its stage list comes
// from the graph.
type execution struct {
	id      domain.RunID
	channel domain.Channel
	run     *domain.Run
}

// BuildGraph builds the release graph for gate. bind supplies the stage
// functions; nil leaves every stage as a no-op. A non-empty only keeps the
// named stages and their transitive needs.
func BuildGraph(gate domain.PublishGate, only []string, bind func(StageDef) pipeline.StageFunc) (*pipeline.Graph, error) {
	defs := Catalog()
	stages := make([]pipeline.Stage, 0, len(defs))
	for _, def := range defs {
		enabled, reason := def.Enabled(gate)
		st := pipeline.Stage{
			Name:       def.Name,
			Kind:       def.Kind,
			Needs:      def.Needs,
			Enabled:    enabled,
			SkipReason: reason,
		}
		if bind != nil {
			st.Run = bind(def)
		}
		stages = append(stages, st)
	}

	g, err := pipeline.NewGraph(stages)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		return g.Subset(only)
	}
	return g, nil
}

func (f *StageFactory) bind(exec *execution) func(StageDef) pipeline.StageFunc {
	return func(def StageDef) pipeline.StageFunc {
		switch def.Kind {
		case domain.KindMetadata:
			return func(ctx context.Context) pipeline.Result { return f.runMetadata(ctx, exec) }
		case domain.KindBuild:
			return func(ctx context.Context) pipeline.Result { return f.runBuild(ctx, exec, def) }
		case domain.KindPublish:
			return func(ctx context.Context) pipeline.Result { return f.runPublish(ctx, exec, def) }
		case domain.KindAggregate:
			return func(ctx context.Context) pipeline.Result { return f.runAggregate(ctx, exec, def) }
		}
		return nil
	}
}

func (f *StageFactory) runMetadata(ctx context.Context, exec *execution) pipeline.Result {
	const op = "app.runMetadata"
	if f.deps.Metadata == nil {
		return pipeline.Result{Err: rperrors.Internal(op, "no metadata generator configured")}
	}

	out, err := f.deps.Metadata.Execute(ctx, GenerateMetadataInput{
		RunID:        exec.id,
		TargetBranch: exec.channel.TargetBranch,
	})
	if err != nil {
		return pipeline.Result{Err: err}
	}
	if err := exec.run.SetMetadata(out.Metadata); err != nil {
		return pipeline.Result{Err: rperrors.StateWrap(err, op, "failed to record release metadata")}
	}
	return pipeline.Result{Artifacts: artifactNames(out.Artifacts)}
}

// stageEnv is everything a build or publish stage resolves before it
// calls its tool.
type stageEnv struct {
	def    StageDef
	config config.StageConfig
	meta   domain.ReleaseMetadata
	data   tool.TemplateData
	dir    string
	logger *log.Logger
}

func (f *StageFactory) prepare(ctx context.Context, exec *execution, def StageDef) (*stageEnv, error) {
	const op = "app.prepareStage"

	md, ok := exec.run.ReleaseMetadata()
	if !ok {
		return nil, rperrors.State(op, fmt.Sprintf("stage %s: release metadata is not available", def.Name))
	}
	sc := f.deps.Config.StageFor(def.Name)
	module := f.module(def.Platform)

	dir := sc.Dir
	if dir == "" {
		dir = module
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(f.deps.Root, dir)
	}

	outDir := filepath.Join(f.deps.WorkDir, exec.id.String(), workDirName(def.Name))
	if err := f.deps.Fs.MkdirAll(outDir, 0o755); err != nil {
		return nil, rperrors.IOWrap(err, op, "failed to create stage output directory")
	}

	data := tool.TemplateData{
		Version:     md.Version,
		VersionCode: md.VersionCode,
		Module:      module,
		OS:          string(def.OS),
		OutputDir:   outDir,
		Stage:       def.Name,
		Channel:     exec.channel.String(),
	}
	if a, err := f.deps.Store.Get(ctx, exec.id, ArtifactChangelog); err == nil && len(a.Files) > 0 {
		data.ChangelogFile = a.Files[0]
	}
	if a, err := f.deps.Store.Get(ctx, exec.id, ArtifactChangelogBeta); err == nil && len(a.Files) > 0 {
		data.ChangelogBetaFile = a.Files[0]
	}

	return &stageEnv{
		def:    def,
		config: sc,
		meta:   md,
		data:   data,
		dir:    dir,
		logger: f.logger.With("stage", def.Name),
	}, nil
}

func (f *StageFactory) runBuild(ctx context.Context, exec *execution, def StageDef) pipeline.Result {
	se, err := f.prepare(ctx, exec, def)
	if err != nil {
		return pipeline.Result{Err: err}
	}

	reported, attempts, err := f.invoke(ctx, exec, se)
	if err != nil {
		return pipeline.Result{Attempts: attempts, Err: err}
	}

	arts, err := f.collect(ctx, exec, se, reported)
	if err != nil {
		return pipeline.Result{Attempts: attempts, Err: err}
	}
	return pipeline.Result{Attempts: attempts, Artifacts: artifactNames(arts)}
}

// collect stores the build outputs: one artifact per configured variant,
// or the bundle directory as a tree, or whatever files a plugin reported.
func (f *StageFactory) collect(ctx context.Context, exec *execution, se *stageEnv, reported []string) ([]domain.BuildArtifact, error) {
	const op = "app.collectOutputs"
	sc := se.config
	retention := f.deps.Config.Artifacts.RetentionDays

	switch {
	case len(sc.Outputs) > 0:
		variants := make([]string, 0, len(sc.Outputs))
		for v := range sc.Outputs {
			variants = append(variants, v)
		}
		sort.Strings(variants)

		arts := make([]domain.BuildArtifact, 0, len(variants))
		for _, variant := range variants {
			data := se.data
			data.Variant = variant
			patterns, err := f.renderAll(ctx, se.def.Name+".outputs."+variant, sc.Outputs[variant], data)
			if err != nil {
				return nil, err
			}
			files, err := tool.CollectOutputs(f.deps.Fs, se.dir, patterns)
			if err != nil {
				return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("stage %s produced no %s artifact", se.def.Name, variant))
			}
			a, err := f.deps.Store.Put(ctx, exec.id, domain.BuildArtifact{
				Name:          artifactName(se.def, variant),
				Stage:         se.def.Name,
				Platform:      se.def.Platform,
				Variant:       variant,
				Files:         files,
				RetentionDays: retention,
			})
			if err != nil {
				return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("failed to store %s", artifactName(se.def, variant)))
			}
			se.logger.Info("artifact stored", "artifact", a.Name, "files", len(a.Files))
			arts = append(arts, a)
		}
		return arts, nil

	case sc.BundleDir != "":
		rendered, err := f.render(ctx, se.def.Name+".bundle_dir", sc.BundleDir, se.data)
		if err != nil {
			return nil, err
		}
		bundle := rendered
		if !filepath.IsAbs(bundle) {
			bundle = filepath.Join(se.dir, bundle)
		}
		if ok, _ := afero.DirExists(f.deps.Fs, bundle); !ok {
			return nil, rperrors.Artifact(op, fmt.Sprintf("stage %s: bundle directory %s does not exist", se.def.Name, bundle))
		}
		a, err := f.deps.Store.PutTree(ctx, exec.id, domain.BuildArtifact{
			Name:          artifactName(se.def, ""),
			Stage:         se.def.Name,
			Platform:      se.def.Platform,
			RetentionDays: retention,
		}, bundle)
		if err != nil {
			return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("stage %s: failed to store bundle", se.def.Name))
		}
		se.logger.Info("bundle stored", "artifact", a.Name, "files", len(a.Files))
		return []domain.BuildArtifact{a}, nil

	case len(reported) > 0:
		a, err := f.deps.Store.Put(ctx, exec.id, domain.BuildArtifact{
			Name:          artifactName(se.def, ""),
			Stage:         se.def.Name,
			Platform:      se.def.Platform,
			Files:         reported,
			RetentionDays: retention,
		})
		if err != nil {
			return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("stage %s: failed to store plugin outputs", se.def.Name))
		}
		return []domain.BuildArtifact{a}, nil
	}
	return nil, rperrors.Artifact(op, fmt.Sprintf("stage %s declares no outputs", se.def.Name))
}

func (f *StageFactory) runPublish(ctx context.Context, exec *execution, def StageDef) pipeline.Result {
	se, err := f.prepare(ctx, exec, def)
	if err != nil {
		return pipeline.Result{Err: err}
	}

	consumed, err := f.consume(ctx, exec, se)
	if err != nil {
		return pipeline.Result{Err: err}
	}
	names := artifactNames(consumed)

	se.data.Artifacts = make(map[string][]string, len(consumed))
	for _, a := range consumed {
		se.data.Files = append(se.data.Files, a.Files...)
		se.data.Artifacts[a.Name] = a.Files
	}
	if len(se.data.Files) > 0 {
		se.data.File = se.data.Files[0]
	}
	if len(consumed) > 0 {
		se.data.Root = consumed[0].Root
	}

	if def.Placeholder && se.config.Command == "" && se.config.Plugin == "" {
		se.logger.Warn("no publish action is implemented for this platform; artifacts verified only",
			"artifacts", strings.Join(names, ","))
		return pipeline.Result{Attempts: 1, Artifacts: names}
	}

	_, attempts, err := f.invoke(ctx, exec, se)
	return pipeline.Result{Attempts: attempts, Artifacts: names, Err: err}
}

// consume loads the artifacts a publish stage reads. Without a consumes
// list a stage reads what its own platform cell built.
func (f *StageFactory) consume(ctx context.Context, exec *execution, se *stageEnv) ([]domain.BuildArtifact, error) {
	const op = "app.consumeArtifacts"

	if len(se.config.Consumes) > 0 {
		out := make([]domain.BuildArtifact, 0, len(se.config.Consumes))
		for i, raw := range se.config.Consumes {
			name, err := f.render(ctx, fmt.Sprintf("%s.consumes[%d]", se.def.Name, i), raw, se.data)
			if err != nil {
				return nil, err
			}
			a, err := f.deps.Store.Get(ctx, exec.id, name)
			if err != nil {
				return nil, rperrors.ArtifactWrap(err, op, fmt.Sprintf("stage %s: required artifact %s is missing", se.def.Name, name))
			}
			out = append(out, a)
		}
		return out, nil
	}

	sources := se.def.Needs
	if se.def.OS != "" {
		sources = []string{MatrixCell(StageBuildDesktop, se.def.OS)}
	}
	all, err := f.deps.Store.List(ctx, exec.id)
	if err != nil {
		return nil, rperrors.ArtifactWrap(err, op, "failed to list artifacts")
	}
	var out []domain.BuildArtifact
	for _, a := range all {
		for _, s := range sources {
			if a.Stage == s {
				out = append(out, a)
			}
		}
	}
	if len(out) == 0 {
		return nil, rperrors.Artifact(op, fmt.Sprintf("stage %s: no artifact from %s", se.def.Name, strings.Join(sources, ", ")))
	}
	return out, nil
}

// invoke calls the stage's one tool, a command or a plugin, and returns
// any files the tool reported along with how many calls were made. The
// store upload is retried on transient failures.
func (f *StageFactory) invoke(ctx context.Context, exec *execution, se *stageEnv) ([]string, int, error) {
	const op = "app.invokeTool"
	sc := se.config

	if sc.Command == "" && sc.Plugin == "" {
		return nil, 0, rperrors.Config(op, fmt.Sprintf("stage %s has no command or plugin configured", se.def.Name))
	}

	env, err := f.renderEnv(ctx, se)
	if err != nil {
		return nil, 0, err
	}

	var bundle *secrets.Bundle
	if len(sc.Secrets) > 0 {
		if f.deps.Vault == nil {
			return nil, 0, rperrors.Secret(op, fmt.Sprintf("stage %s requests secrets but none are configured", se.def.Name))
		}
		bundle, err = f.deps.Vault.Scope(se.def.Name, sc.Secrets)
		if err != nil {
			return nil, 0, err
		}
		defer func() {
			if cerr := bundle.Close(); cerr != nil {
				se.logger.Warn("failed to remove stage secrets", "error", cerr)
			}
		}()
	}

	call := func(ctx context.Context) ([]string, error) {
		if sc.Plugin != "" {
			return f.invokePlugin(ctx, exec, se, env, bundle)
		}
		_, err := f.deps.Runner.Run(ctx, tool.Invocation{
			Stage:   se.def.Name,
			Command: sc.Command,
			Data:    se.data,
			Dir:     se.dir,
			Env:     env,
			Secrets: bundle,
			Policy:  sandbox.Policy{InheritEnv: sc.InheritsEnv(), AllowedEnv: sc.AllowedEnv},
			Timeout: sc.Timeout,
		})
		return nil, err
	}

	if !se.def.Retry {
		files, err := call(ctx)
		return files, 1, err
	}

	ex := resilience.New[[]string](se.def.Name, f.retryConfig())
	defer func() { _ = ex.Close() }()
	files, calls, err := ex.Do(ctx, func(ctx context.Context) ([]string, error) {
		files, err := call(ctx)
		if err != nil {
			err = markToolFailureRetryable(err)
			se.logger.Warn("store upload failed", "error", rperrors.RedactError(err), "retryable", resilience.IsRetryable(err))
		}
		return files, err
	})
	return files, calls, err
}

func (f *StageFactory) invokePlugin(ctx context.Context, exec *execution, se *stageEnv, env map[string]string, bundle *secrets.Bundle) ([]string, error) {
	const op = "app.invokePlugin"
	if f.deps.Plugins == nil {
		return nil, rperrors.Plugin(op, fmt.Sprintf("stage %s: plugin %s requested but plugins are not available", se.def.Name, se.config.Plugin))
	}

	reqEnv := make(map[string]string, len(env))
	for k, v := range env {
		reqEnv[k] = v
	}
	for _, kv := range bundle.Env() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			reqEnv[k] = v
		}
	}

	kind := plugin.KindBuild
	if se.def.Kind == domain.KindPublish {
		kind = plugin.KindPublish
	}

	callCtx := ctx
	if se.config.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, se.config.Timeout)
		defer cancel()
	}

	resp, err := f.deps.Plugins.Invoke(callCtx, se.config.Plugin, plugin.InvokeRequest{
		RunID:  exec.id.String(),
		Stage:  se.def.Name,
		Kind:   kind,
		Config: se.config.With,
		Release: plugin.ReleaseContext{
			Version:           se.meta.Version,
			VersionCode:       se.meta.VersionCode,
			Channel:           exec.channel.String(),
			ReleaseType:       string(exec.channel.ReleaseType),
			TargetBranch:      exec.channel.TargetBranch,
			Module:            se.data.Module,
			Variant:           se.data.Variant,
			OS:                se.data.OS,
			ChangelogFile:     se.data.ChangelogFile,
			ChangelogBetaFile: se.data.ChangelogBetaFile,
		},
		Files:     se.data.Files,
		Root:      se.data.Root,
		OutputDir: se.data.OutputDir,
		Env:       reqEnv,
	})
	if err != nil {
		return nil, err
	}
	if resp.Message != "" {
		se.logger.Info(bundle.Redact(resp.Message))
	}
	files := make([]string, 0, len(resp.Artifacts))
	for _, a := range resp.Artifacts {
		files = append(files, a.Path)
	}
	return files, nil
}

func (f *StageFactory) runAggregate(ctx context.Context, exec *execution, def StageDef) pipeline.Result {
	const op = "app.aggregateRelease"

	md, ok := exec.run.ReleaseMetadata()
	if !ok {
		return pipeline.Result{Err: rperrors.State(op, "release metadata is not available")}
	}
	if f.deps.Publisher == nil {
		return pipeline.Result{Err: rperrors.Config(op, "github_release needs changelog.github owner, repo and token")}
	}

	all, err := f.deps.Store.List(ctx, exec.id)
	if err != nil {
		return pipeline.Result{Err: rperrors.ArtifactWrap(err, op, "failed to list artifacts")}
	}
	byStage := make(map[string][]domain.BuildArtifact)
	for _, a := range all {
		byStage[a.Stage] = append(byStage[a.Stage], a)
	}
	var missing []string
	for _, need := range def.Needs {
		if len(byStage[need]) == 0 {
			missing = append(missing, need)
		}
	}
	if len(missing) > 0 {
		return pipeline.Result{Err: rperrors.Artifact(op, fmt.Sprintf("missing artifacts from %s; no release created", strings.Join(missing, ", ")))}
	}

	outDir := filepath.Join(f.deps.WorkDir, exec.id.String(), workDirName(def.Name))
	if err := f.deps.Fs.MkdirAll(outDir, 0o755); err != nil {
		return pipeline.Result{Err: rperrors.IOWrap(err, op, "failed to create output directory")}
	}
	zipPath := filepath.Join(outDir, fmt.Sprintf("web-%s.zip", md.Version))
	if err := zipArtifacts(f.deps.Fs, byStage[StageBuildWeb], zipPath); err != nil {
		return pipeline.Result{Err: rperrors.ArtifactWrap(err, op, "failed to compress web bundle")}
	}
	webZip, err := f.deps.Store.Put(ctx, exec.id, domain.BuildArtifact{
		Name:          domain.ArtifactName(domain.PlatformWeb, "zip"),
		Stage:         def.Name,
		Platform:      domain.PlatformWeb,
		Variant:       "zip",
		Files:         []string{zipPath},
		RetentionDays: f.deps.Config.Artifacts.RetentionDays,
	})
	if err != nil {
		return pipeline.Result{Err: rperrors.ArtifactWrap(err, op, "failed to store web archive")}
	}

	var assets []string
	for _, need := range def.Needs {
		if need == StageBuildWeb {
			continue
		}
		for _, a := range byStage[need] {
			assets = append(assets, a.Files...)
		}
	}
	assets = append(assets, webZip.Files...)

	rec, err := f.deps.Publisher.Publish(ctx, domain.ReleaseRecord{
		Tag:        md.TagName(),
		Name:       md.Version,
		Body:       md.Changelog,
		Prerelease: true,
	}, assets)
	if err != nil {
		return pipeline.Result{Artifacts: []string{webZip.Name}, Err: err}
	}
	exec.run.SetRecord(rec)
	f.logger.Info("pre-release published", "tag", rec.Tag, "assets", len(rec.Assets), "url", rec.URL)
	return pipeline.Result{Artifacts: []string{webZip.Name}}
}

func (f *StageFactory) renderEnv(ctx context.Context, se *stageEnv) (map[string]string, error) {
	if len(se.config.Env) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(se.config.Env))
	for k, v := range se.config.Env {
		out, err := f.render(ctx, se.def.Name+".env."+k, v, se.data)
		if err != nil {
			return nil, err
		}
		env[strings.ToUpper(k)] = out
	}
	return env, nil
}

func (f *StageFactory) render(ctx context.Context, name, text string, data tool.TemplateData) (string, error) {
	if f.deps.Renderer == nil || !strings.Contains(text, "{{") {
		return text, nil
	}
	return f.deps.Renderer.RenderString(ctx, name, text, data)
}

func (f *StageFactory) renderAll(ctx context.Context, name string, texts []string, data tool.TemplateData) ([]string, error) {
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		r, err := f.render(ctx, name, t, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *StageFactory) retryConfig() resilience.Config {
	if f.deps.RetryConfig != nil {
		return *f.deps.RetryConfig
	}
	cfg := resilience.StoreUploadConfig(f.deps.Config.Publish.StoreUploadAttempts)
	if d := f.deps.Config.Publish.StoreUploadInitialDelay; d > 0 {
		cfg.InitialDelay = d
		if cfg.MaxDelay < d {
			cfg.MaxDelay = 30 * d
		}
	}
	return cfg
}

func (f *StageFactory) module(p domain.Platform) string {
	m := f.deps.Config.Modules
	switch p {
	case domain.PlatformAndroid:
		return m.Android
	case domain.PlatformIOS:
		return m.IOS
	case domain.PlatformDesktop:
		return m.Desktop
	case domain.PlatformWeb:
		return m.Web
	}
	return ""
}

// markToolFailureRetryable treats a failed store CLI as transient. Plugin
// failures keep the verdict the plugin gave.
func markToolFailureRetryable(err error) error {
	var e *rperrors.Error
	if errors.As(err, &e) && e.Kind == rperrors.KindTool {
		e.Recoverable = true
	}
	return err
}

func artifactNames(arts []domain.BuildArtifact) []string {
	names := make([]string, 0, len(arts))
	for _, a := range arts {
		names = append(names, a.Name)
	}
	return names
}

func workDirName(stage string) string {
	return strings.NewReplacer("[", "-", "]", "").Replace(stage)
}

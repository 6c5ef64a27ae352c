// Package tool runs the external build and publish tools that stages
// delegate to. A stage gets exactly one invocation: a rendered shell
// command with the stage's secrets in its environment.
package tool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	rperrors "github.com/relicta-tech/shipyard/internal/errors"
	"github.com/relicta-tech/shipyard/internal/infrastructure/template"
	"github.com/relicta-tech/shipyard/internal/plugin/sandbox"
	"github.com/relicta-tech/shipyard/internal/secrets"
)

// DefaultTailLines is how many trailing output lines a failure keeps.
const DefaultTailLines = 40

// TemplateData is what a command template can reference.
type TemplateData struct {
	Version     string
	VersionCode int
	Module      string
	Variant     string
	OS          string
	OutputDir   string
	Stage       string
	Channel     string
	Artifacts   map[string][]string

	// Set for publish stages from the consumed artifact.
	Files []string
	File  string
	Root  string

	ChangelogFile     string
	ChangelogBetaFile string
}

// Invocation describes one tool call.
type Invocation struct {
	Stage   string
	Command string
	Data    TemplateData
	Dir     string
	Env     map[string]string
	Secrets *secrets.Bundle
	Policy  sandbox.Policy
	// Timeout bounds the call. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Result reports a finished tool call.
type Result struct {
	Command  string
	ExitCode int
	// Tail holds the last lines of combined output, with secrets masked.
	Tail     string
	Duration time.Duration
}

// Runner executes tool invocations.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs commands through a shell.
type ExecRunner struct {
	renderer  *template.Renderer
	logger    *log.Logger
	shell     []string
	tailLines int
}

var _ Runner = (*ExecRunner)(nil)

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithLogger sets the logger that receives tool output at debug level.
func WithLogger(l *log.Logger) Option {
	return func(r *ExecRunner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithShell replaces the default "sh -c".
func WithShell(shell ...string) Option {
	return func(r *ExecRunner) {
		if len(shell) > 0 {
			r.shell = shell
		}
	}
}

// WithTailLines sets how many output lines are kept for error reports.
func WithTailLines(n int) Option {
	return func(r *ExecRunner) {
		if n > 0 {
			r.tailLines = n
		}
	}
}

// NewExecRunner creates a runner that renders commands with renderer.
func NewExecRunner(renderer *template.Renderer, opts ...Option) *ExecRunner {
	r := &ExecRunner{
		renderer:  renderer,
		logger:    log.New(io.Discard),
		shell:     []string{"sh", "-c"},
		tailLines: DefaultTailLines,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Render expands the command template for inv.
func (r *ExecRunner) Render(ctx context.Context, inv Invocation) (string, error) {
	if strings.TrimSpace(inv.Command) == "" {
		return "", rperrors.Config("tool.Render", fmt.Sprintf("stage %s has no command", inv.Stage))
	}
	return r.renderer.RenderString(ctx, inv.Stage, inv.Command, inv.Data)
}

// Run renders and executes inv. A non-zero exit is a KindTool error; a
// timeout is KindTimeout; cancellation is KindCanceled.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	const op = "tool.Run"

	command, err := r.Render(ctx, inv)
	if err != nil {
		return Result{}, err
	}
	res := Result{Command: command, ExitCode: -1}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.shell[1:]...), command)
	cmd := exec.Command(r.shell[0], args...) // #nosec G204 -- commands come from the project's own configuration
	cmd.Dir = inv.Dir
	cmd.WaitDelay = 5 * time.Second

	sb := sandbox.New(inv.Stage, inv.Policy)
	if err := sb.PrepareCommand(cmd, r.environment(inv)...); err != nil {
		return res, rperrors.InternalWrap(err, op, "failed to prepare command")
	}

	tail := newTailBuffer(r.tailLines)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	logger := r.logger.With("stage", inv.Stage)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := inv.Secrets.Redact(scanner.Text())
			tail.add(line)
			logger.Debug(line)
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	logger.Info("running tool", "command", inv.Secrets.Redact(command))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		wg.Wait()
		return res, rperrors.ToolWrap(err, op, fmt.Sprintf("failed to start %s", r.shell[0]))
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-runCtx.Done():
		_ = sb.Kill(cmd)
		<-waitErr
		runErr = contextFailure(ctx, runCtx, inv, op)
	}
	_ = pw.Close()
	wg.Wait()

	res.Duration = time.Since(start)
	res.Tail = tail.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runErr == nil {
		return res, nil
	}
	var rpErr *rperrors.Error
	if errors.As(runErr, &rpErr) {
		return res, rpErr
	}
	msg := fmt.Sprintf("stage %s: command exited with status %d", inv.Stage, res.ExitCode)
	if res.Tail != "" {
		msg += "\n" + res.Tail
	}
	return res, rperrors.Tool(op, msg).WithDetail("exit_code", res.ExitCode)
}

func contextFailure(parent, runCtx context.Context, inv Invocation, op string) error {
	if parent.Err() != nil {
		return rperrors.CanceledWrap(parent.Err(), op, fmt.Sprintf("stage %s canceled", inv.Stage))
	}
	return rperrors.TimeoutWrap(runCtx.Err(), op, fmt.Sprintf("stage %s timed out after %s", inv.Stage, inv.Timeout))
}

// environment lists the variables added on top of the sandboxed parent
// environment: release metadata, stage env, then secrets.
func (r *ExecRunner) environment(inv Invocation) []string {
	env := []string{
		"SHIPYARD_STAGE=" + inv.Stage,
		"SHIPYARD_VERSION=" + inv.Data.Version,
		"SHIPYARD_VERSION_CODE=" + strconv.Itoa(inv.Data.VersionCode),
	}
	if inv.Data.OutputDir != "" {
		env = append(env, "SHIPYARD_OUTPUT_DIR="+inv.Data.OutputDir)
	}
	if inv.Data.Channel != "" {
		env = append(env, "SHIPYARD_CHANNEL="+inv.Data.Channel)
	}

	keys := make([]string, 0, len(inv.Env))
	for k := range inv.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+inv.Env[k])
	}
	return append(env, inv.Secrets.Env()...)
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

// Package ui provides terminal user interface components for shipyard.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
	"github.com/relicta-tech/shipyard/internal/pipeline"
)

// StageEventMsg carries a scheduler event into the progress model.
type StageEventMsg pipeline.Event

// RunDoneMsg tells the progress model the run has finished.
type RunDoneMsg struct {
	Failed bool
	Err    string
}

type stageRow struct {
	name     string
	kind     domain.StageKind
	status   domain.StageStatus
	attempts int
	detail   string
	started  time.Time
	elapsed  time.Duration
}

// ProgressModel is the Bubble Tea model for the live run view.
type ProgressModel struct {
	title    string
	rows     []*stageRow
	index    map[string]*stageRow
	phase    domain.Phase
	spinner  spinner.Model
	keymap   progressKeyMap
	styles   progressStyles
	cancel   func()
	canceled bool
	done     bool
	failed   bool
	runErr   string
	showHelp bool
	width    int
	now      func() time.Time
}

type progressKeyMap struct {
	Cancel key.Binding
	Help   key.Binding
}

type progressStyles struct {
	title     lipgloss.Style
	subtitle  lipgloss.Style
	success   lipgloss.Style
	error     lipgloss.Style
	warning   lipgloss.Style
	info      lipgloss.Style
	subtle    lipgloss.Style
	bold      lipgloss.Style
	help      lipgloss.Style
	statusBar lipgloss.Style
	name      lipgloss.Style
}

func defaultProgressKeyMap() progressKeyMap {
	return progressKeyMap{
		Cancel: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "cancel run"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
	}
}

func defaultProgressStyles() progressStyles {
	return progressStyles{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).Padding(0, 1),
		subtitle: lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true),
		success:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warning:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		info:     lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		subtle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		bold:     lipgloss.NewStyle().Bold(true),
		help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Padding(0, 1),
		statusBar: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1),
		name: lipgloss.NewStyle().Width(34),
	}
}

// NewProgressModel creates a progress model listing specs as pending.
// cancel is called once when the user asks to stop the run.
func NewProgressModel(title string, specs []domain.StageSpec, cancel func()) ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))

	m := ProgressModel{
		title:   title,
		index:   make(map[string]*stageRow, len(specs)),
		phase:   domain.PhaseInit,
		spinner: s,
		keymap:  defaultProgressKeyMap(),
		styles:  defaultProgressStyles(),
		cancel:  cancel,
		now:     time.Now,
	}
	for _, spec := range specs {
		row := &stageRow{name: spec.Name, kind: spec.Kind, status: domain.StatusPending}
		m.rows = append(m.rows, row)
		m.index[spec.Name] = row
	}
	return m
}

// Init implements tea.Model.
func (m ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keymap.Cancel):
			if !m.canceled && m.cancel != nil {
				m.cancel()
			}
			m.canceled = true
			return m, nil
		case key.Matches(msg, m.keymap.Help):
			m.showHelp = !m.showHelp
			return m, nil
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case StageEventMsg:
		m.apply(pipeline.Event(msg))
		return m, nil

	case RunDoneMsg:
		m.done = true
		m.failed = msg.Failed
		m.runErr = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *ProgressModel) apply(e pipeline.Event) {
	if e.Type == pipeline.EventPhaseChanged {
		m.phase = e.Phase
		return
	}

	row, ok := m.index[e.Stage]
	if !ok {
		row = &stageRow{name: e.Stage, kind: e.Kind}
		m.rows = append(m.rows, row)
		m.index[e.Stage] = row
	}

	switch e.Type {
	case pipeline.EventStageStarted:
		row.status = domain.StatusRunning
		row.started = e.At
	case pipeline.EventStageFinished:
		row.status = e.Status
		row.attempts = e.Attempts
		if !row.started.IsZero() && !e.At.IsZero() {
			row.elapsed = e.At.Sub(row.started)
		}
		switch {
		case e.Err != nil:
			row.detail = firstLine(e.Err.Error())
		case e.Reason != "":
			row.detail = e.Reason
		}
	}
}

// View implements tea.Model.
func (m ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.title.Render(m.title))
	b.WriteString("  ")
	b.WriteString(m.styles.subtitle.Render("phase: " + string(m.phase)))
	b.WriteString("\n\n")

	for _, row := range m.rows {
		b.WriteString(m.renderRow(row))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch {
	case m.done:
		b.WriteString(m.renderOutcome())
	case m.showHelp:
		b.WriteString(m.renderHelp())
	case m.canceled:
		b.WriteString(m.styles.warning.Render("Canceling: waiting for running stages to stop..."))
		b.WriteString("\n")
	default:
		b.WriteString(m.styles.help.Render(fmt.Sprintf("%s  %s", m.keymap.Cancel.Help().Key+" cancel", "? help")))
		b.WriteString("\n")
	}

	return b.String()
}

func (m ProgressModel) renderRow(row *stageRow) string {
	icon, style := m.statusIcon(row.status)
	if row.status == domain.StatusRunning {
		icon = m.spinner.View()
	}

	line := fmt.Sprintf("  %s %s %s", icon, m.styles.name.Render(row.name), style.Render(string(row.status)))

	switch row.status {
	case domain.StatusRunning:
		if !row.started.IsZero() {
			line += m.styles.subtle.Render(fmt.Sprintf("  %s", m.now().Sub(row.started).Round(time.Second)))
		}
	case domain.StatusPending:
	default:
		if row.elapsed > 0 {
			line += m.styles.subtle.Render(fmt.Sprintf("  %s", row.elapsed.Round(100*time.Millisecond)))
		}
		if row.attempts > 1 {
			line += m.styles.warning.Render(fmt.Sprintf("  (%d attempts)", row.attempts))
		}
	}
	if row.detail != "" && row.status != domain.StatusSucceeded {
		line += "\n      " + m.styles.subtle.Render(row.detail)
	}
	return line
}

func (m ProgressModel) statusIcon(s domain.StageStatus) (string, lipgloss.Style) {
	switch s {
	case domain.StatusSucceeded:
		return m.styles.success.Render("✓"), m.styles.success
	case domain.StatusFailed:
		return m.styles.error.Render("✗"), m.styles.error
	case domain.StatusBlocked:
		return m.styles.error.Render("■"), m.styles.error
	case domain.StatusSkipped:
		return m.styles.subtle.Render("-"), m.styles.subtle
	case domain.StatusRunning:
		return "", m.styles.info
	}
	return m.styles.subtle.Render("·"), m.styles.subtle
}

func (m ProgressModel) renderOutcome() string {
	if m.failed {
		msg := "Run failed"
		if m.runErr != "" {
			msg += ": " + m.runErr
		}
		return m.styles.error.Render(msg) + "\n"
	}
	return m.styles.success.Render("Run succeeded") + "\n"
}

func (m ProgressModel) renderHelp() string {
	var b strings.Builder

	b.WriteString(m.styles.bold.Render("Keyboard Shortcuts"))
	b.WriteString("\n\n")
	for _, s := range []struct{ key, desc string }{
		{"q / Ctrl+C", "Cancel the run (running stages are interrupted)"},
		{"?", "Toggle help"},
	} {
		b.WriteString(fmt.Sprintf("  %s  %s\n",
			m.styles.success.Render(fmt.Sprintf("%-12s", s.key)),
			m.styles.subtle.Render(s.desc)))
	}
	return b.String()
}

// Canceled reports whether the user asked to cancel the run.
func (m ProgressModel) Canceled() bool {
	return m.canceled
}

// Status returns the displayed status of a stage.
func (m ProgressModel) Status(name string) domain.StageStatus {
	if row, ok := m.index[name]; ok {
		return row.status
	}
	return ""
}

// Phase returns the displayed run phase.
func (m ProgressModel) Phase() domain.Phase {
	return m.phase
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Progress drives a ProgressModel in its own tea.Program.
type Progress struct {
	program *tea.Program
	done    chan struct{}
	err     error
}

// StartProgress starts the live view. Feed it with Subscriber and stop it
// with Finish.
func StartProgress(title string, specs []domain.StageSpec, cancel func(), opts ...tea.ProgramOption) *Progress {
	p := &Progress{
		program: tea.NewProgram(NewProgressModel(title, specs, cancel), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		if _, err := p.program.Run(); err != nil {
			p.err = fmt.Errorf("TUI error: %w", err)
		}
	}()
	return p
}

// Subscriber returns a pipeline subscriber that forwards events to the view.
func (p *Progress) Subscriber() pipeline.Subscriber {
	return func(e pipeline.Event) {
		p.program.Send(StageEventMsg(e))
	}
}

// Finish shows the outcome, waits for the view to exit and returns any
// terminal error.
func (p *Progress) Finish(failed bool, errMsg string) error {
	p.program.Send(RunDoneMsg{Failed: failed, Err: errMsg})
	<-p.done
	return p.err
}

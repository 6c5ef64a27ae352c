package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/relicta-tech/shipyard/internal/domain/release/domain"
)

// RenderRunSummary renders a finished or in-flight run as a styled table.
func RenderRunSummary(run *domain.Run) string {
	st := defaultProgressStyles()
	m := ProgressModel{styles: st}

	var b strings.Builder

	header := fmt.Sprintf("Run %s", run.ID.Short())
	b.WriteString(st.title.Render(header))
	b.WriteString("  ")
	b.WriteString(st.subtitle.Render(fmt.Sprintf("%s · phase %s", run.Channel, run.Phase)))
	b.WriteString("\n")

	if md, ok := run.ReleaseMetadata(); ok {
		b.WriteString(fmt.Sprintf("  %s %s  %s %d\n",
			st.subtle.Render("version"), st.bold.Render(md.Version),
			st.subtle.Render("code"), md.VersionCode))
	}
	b.WriteString("\n")

	for _, s := range run.StageResults() {
		icon, style := m.statusIcon(s.Status)
		if s.Status == domain.StatusRunning {
			icon = st.info.Render("›")
		}
		line := fmt.Sprintf("  %s %s %s", icon, st.name.Render(s.Name), style.Render(string(s.Status)))
		if d := s.Duration(); d > 0 {
			line += st.subtle.Render("  " + d.Round(100*time.Millisecond).String())
		}
		if s.Attempts > 1 {
			line += st.warning.Render(fmt.Sprintf("  (%d attempts)", s.Attempts))
		}
		b.WriteString(line)
		b.WriteString("\n")
		switch {
		case s.Error != "":
			b.WriteString("      " + st.error.Render(firstLine(s.Error)) + "\n")
		case s.Reason != "" && s.Status != domain.StatusSucceeded:
			b.WriteString("      " + st.subtle.Render(s.Reason) + "\n")
		}
	}

	if run.Record != nil && run.Record.URL != "" {
		b.WriteString("\n  ")
		b.WriteString(st.subtle.Render("release "))
		b.WriteString(run.Record.URL)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(renderCounts(st, run.Counts()))
	return b.String()
}

func renderCounts(st progressStyles, counts map[domain.StageStatus]int) string {
	order := []struct {
		status domain.StageStatus
		style  lipgloss.Style
	}{
		{domain.StatusSucceeded, st.success},
		{domain.StatusFailed, st.error},
		{domain.StatusBlocked, st.error},
		{domain.StatusSkipped, st.subtle},
		{domain.StatusRunning, st.info},
		{domain.StatusPending, st.subtle},
	}
	var parts []string
	for _, o := range order {
		if n := counts[o.status]; n > 0 {
			parts = append(parts, o.style.Render(fmt.Sprintf("%d %s", n, o.status)))
		}
	}
	return st.statusBar.Render(strings.Join(parts, "  ")) + "\n"
}

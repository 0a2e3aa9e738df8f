// Package report builds the rollout status report as markdown and renders
// it for terminal display.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/dustin/go-humanize"

	"github.com/umputun/betagate/pkg/evidence"
	"github.com/umputun/betagate/pkg/phase"
	"github.com/umputun/betagate/pkg/store"
)

// Summaries provides per-phase evidence summaries.
type Summaries interface {
	Summary(p phase.Phase) (evidence.Summary, error)
}

// Build produces the markdown status report from the rollout state and the
// evidence summaries.
func Build(st store.State, ev Summaries) (string, error) {
	var b strings.Builder

	b.WriteString("# Beta Rollout Status\n\n")
	fmt.Fprintf(&b, "**Current phase:** %s (%s ring)\n\n", st.CurrentPhase, st.CurrentPhase.Ring())
	fmt.Fprintf(&b, "**Completed:** %d of %d phases\n\n", len(st.CompletedPhases), len(phase.All()))

	b.WriteString("## Phases\n\n")
	b.WriteString("| Phase | Ring | Status | Evidence | Coverage |\n")
	b.WriteString("|-------|------|--------|----------|----------|\n")
	for _, p := range phase.All() {
		sum, err := ev.Summary(p)
		if err != nil {
			return "", fmt.Errorf("evidence summary for %s: %w", p, err)
		}
		marker := ""
		if p == st.CurrentPhase {
			marker = " ←"
		}
		fmt.Fprintf(&b, "| %s%s | %s | %s | %s | %.0f%% |\n",
			p, marker, p.Ring(), st.PhaseStatuses[p], sum.Status, sum.CompletionPct)
	}
	b.WriteString("\n")

	b.WriteString("## Timeline\n\n")
	for _, p := range phase.All() {
		t := st.PhaseTimes[p]
		switch {
		case t.Started == nil:
			fmt.Fprintf(&b, "- %s: not started\n", p)
		case t.Completed == nil:
			fmt.Fprintf(&b, "- %s: started %s\n", p, humanize.Time(*t.Started))
		default:
			fmt.Fprintf(&b, "- %s: started %s, completed %s (took %s)\n",
				p, humanize.Time(*t.Started), humanize.Time(*t.Completed),
				humanize.RelTime(*t.Started, *t.Completed, "", ""))
		}
	}
	b.WriteString("\n")

	if runs := recentRuns(st); len(runs) > 0 {
		b.WriteString("## Recent Processes\n\n")
		for _, pr := range runs {
			line := fmt.Sprintf("- `%s` %s on %s: %s", pr.ID, pr.Type, pr.Phase, pr.Status)
			if pr.Error != "" {
				line += " — " + pr.Error
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "_State version %d, as of %s_\n", st.Version, st.Timestamp.Format(time.RFC3339))
	return b.String(), nil
}

// Render renders the markdown report for terminal display. with noColor the
// raw markdown is returned unchanged.
func Render(content string, noColor bool) (string, error) {
	if noColor {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}

	result, err := renderer.Render(content)
	if err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return result, nil
}

// recentRuns returns up to the ten most recent process records, newest first.
func recentRuns(st store.State) []store.ProcessRecord {
	runs := make([]store.ProcessRecord, 0, len(st.Processes))
	for _, pr := range st.Processes {
		runs = append(runs, pr)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartTime.After(runs[j].StartTime) })
	if len(runs) > 10 {
		runs = runs[:10]
	}
	return runs
}

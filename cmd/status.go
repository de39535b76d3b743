package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/monitoring"
	"github.com/sells-group/district-offices/internal/store"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// statusReport is everything the status command shows.
type statusReport struct {
	Counts        []store.StateCount
	PendingExport int
	Syncs         []model.SyncLogEntry
	NeedsForce    []model.Extraction
	Violations    []string
	Alerts        []monitoring.Alert
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workflow counts, pending exports, and entities needing attention",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rep, err := loadStatus(ctx, st)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		// Alerts are only delivered with --alert; otherwise they are shown.
		alerter := monitoring.NewAlerter(cfg.Monitoring)
		snap, err := monitoring.NewCollector(st).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		rep.Alerts = alerter.Evaluate(snap)
		if send, _ := cmd.Flags().GetBool("alert"); send {
			alerter.SendAlerts(ctx, rep.Alerts)
		}

		renderStatus(os.Stdout, rep)
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("alert", false, "send triggered alerts to monitoring.webhook_url")
	rootCmd.AddCommand(statusCmd)
}

func loadStatus(ctx context.Context, st store.Store) (*statusReport, error) {
	var (
		rep statusReport
		err error
	)
	if rep.Counts, err = st.CountByState(ctx); err != nil {
		return nil, err
	}
	pending, err := st.ListUnsyncedOffices(ctx, 0)
	if err != nil {
		return nil, err
	}
	rep.PendingExport = len(pending)
	if rep.Syncs, err = st.LastSyncs(ctx); err != nil {
		return nil, err
	}
	if rep.NeedsForce, err = needsForce(ctx, st); err != nil {
		return nil, err
	}
	if rep.Violations, err = st.ActiveViolations(ctx); err != nil {
		return nil, err
	}
	return &rep, nil
}

// needsForce lists current extractions no automatic run will retry: failed
// and exhausted, or rejected by a reviewer.
func needsForce(ctx context.Context, st store.Store) ([]model.Extraction, error) {
	exts, err := st.ListExtractions(ctx, store.ExtractionFilter{
		States:      []model.State{model.StateFailed, model.StateRejected},
		CurrentOnly: true,
	})
	if err != nil {
		return nil, err
	}
	var out []model.Extraction
	for _, e := range exts {
		if e.State == model.StateRejected || e.Exhausted {
			out = append(out, e)
		}
	}
	return out, nil
}

func renderStatus(w io.Writer, rep *statusReport) {
	var b strings.Builder

	b.WriteString(headingStyle.Render("Extractions by state") + "\n")
	counts := make(map[model.State]int, len(rep.Counts))
	for _, c := range rep.Counts {
		counts[c.State] = c.Count
	}
	for _, s := range model.AllStates {
		n := counts[s]
		line := fmt.Sprintf("  %-11s %5d", s, n)
		switch {
		case n == 0:
			line = mutedStyle.Render(line)
		case s == model.StateFailed:
			line = errStyle.Render(line)
		case s == model.StateExtracted || s == model.StateValidating:
			line = warnStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n" + headingStyle.Render("Export") + "\n")
	if rep.PendingExport == 0 {
		b.WriteString(okStyle.Render("  all validated offices synced") + "\n")
	} else {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %d offices pending export", rep.PendingExport)) + "\n")
	}

	b.WriteString("\n" + headingStyle.Render("Last syncs") + "\n")
	if len(rep.Syncs) == 0 {
		b.WriteString(mutedStyle.Render("  none") + "\n")
	}
	for _, s := range rep.Syncs {
		line := fmt.Sprintf("  %-16s %-14s %-9s %d processed, %d failed  %s",
			s.SyncType, s.Direction, s.Status, s.RecordsProcessed, s.RecordsFailed,
			s.StartedAt.Format("2006-01-02 15:04:05"))
		if s.Status == model.SyncFailed {
			line = errStyle.Render(line + "  " + s.ErrorMessage)
		}
		b.WriteString(line + "\n")
	}

	if len(rep.NeedsForce) > 0 {
		b.WriteString("\n" + headingStyle.Render("Needs manual --force") + "\n")
		for _, e := range rep.NeedsForce {
			reason := string(e.State)
			if e.ErrorKind != model.ErrorKindNone {
				reason += " (" + string(e.ErrorKind) + ")"
			}
			b.WriteString(fmt.Sprintf("  %-10s #%-6d %s\n", e.EntityID, e.ID, reason))
		}
	}

	if len(rep.Alerts) > 0 {
		b.WriteString("\n" + headingStyle.Render("Alerts") + "\n")
		for _, a := range rep.Alerts {
			b.WriteString(errStyle.Render(fmt.Sprintf("  [%s] %s", a.Severity, a.Message)) + "\n")
		}
	}

	out := boxStyle.Render(strings.TrimRight(b.String(), "\n"))
	fmt.Fprintln(w, out)

	for _, v := range rep.Violations {
		fmt.Fprintln(w, errStyle.Render("integrity: "+v))
	}
}

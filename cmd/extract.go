package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/extract"
	"github.com/sells-group/district-offices/internal/fetcher"
	"github.com/sells-group/district-offices/internal/model"
	"github.com/sells-group/district-offices/internal/scheduler"
	"github.com/sells-group/district-offices/pkg/anthropic"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Fetch and extract district offices for eligible entities",
	Long:  "Runs the extraction pipeline over the selected entities: fetch, clean, extract via Claude, and queue results for review.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		entityIDs, _ := cmd.Flags().GetStringSlice("entity")
		all, _ := cmd.Flags().GetBool("all")
		force, _ := cmd.Flags().GetBool("force")
		priority, _ := cmd.Flags().GetInt("priority")
		limit, _ := cmd.Flags().GetInt("limit")

		if len(entityIDs) == 0 && !all {
			return eris.New("extract: pass --entity or --all")
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Scheduler.Concurrency, _ = cmd.Flags().GetInt("concurrency")
		}
		if err := cfg.Validate("extract"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		arts, err := initArtifacts(ctx, st)
		if err != nil {
			return err
		}

		f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
			UserAgent:      cfg.Fetch.UserAgent,
			Timeout:        cfg.Fetch.Timeout(),
			MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
			RequestsPerSec: cfg.Fetch.RequestsPerSec,
		})
		client := anthropic.NewClient(anthropic.Options{
			APIKey:  cfg.Anthropic.Key,
			BaseURL: cfg.Anthropic.BaseURL,
		})
		x := extract.NewLLMExtractor(client, cfg.Anthropic, cfg.Pricing)

		sched := scheduler.New(st, arts, f, x, scheduler.OptionsFromConfig(cfg))
		summary, err := sched.Run(ctx, scheduler.Request{
			EntityIDs: entityIDs,
			Force:     force,
			Priority:  priority,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "extract")
		}

		formatRunSummary(os.Stdout, summary)

		if failed := summary.Unrecovered(); len(failed) > 0 {
			return eris.Errorf("extract: %d entities failed", len(failed))
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringSlice("entity", nil, "entity ids to extract (repeatable)")
	extractCmd.Flags().Bool("all", false, "extract every eligible entity")
	extractCmd.Flags().Bool("force", false, "re-extract entities that already have offices or a finished extraction")
	extractCmd.Flags().Int("concurrency", 0, "concurrent entities (overrides config)")
	extractCmd.Flags().Int("priority", 0, "review priority for created extractions")
	extractCmd.Flags().Int("limit", 0, "max entities to start (0 = no limit)")
	rootCmd.AddCommand(extractCmd)
}

// formatRunSummary writes one line per entity followed by totals.
func formatRunSummary(w io.Writer, s *scheduler.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tEXTRACTION\tSTATE\tOFFICES\tATTEMPTS\tERROR\tURL")
	for _, o := range s.Outcomes {
		if o.Skipped {
			continue
		}
		errKind := string(o.ErrorKind)
		if o.Exhausted {
			errKind += " (exhausted)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
			o.EntityID, o.ExtractionID, o.State, o.Offices, o.Attempts, errKind, o.SourceURL)
	}
	tw.Flush() //nolint:errcheck

	noOffices := 0
	for _, o := range s.Unrecovered() {
		if o.ErrorKind == model.ErrorKindNoOffices {
			noOffices++
		}
	}
	fmt.Fprintf(w, "\nRun %s: %d extracted, %d failed (%d no offices), %d skipped, %d abandoned (%s)\n",
		s.RunID,
		s.Count(model.StateExtracted),
		s.Count(model.StateFailed),
		noOffices,
		s.Skipped(),
		s.Abandoned,
		s.Finished.Sub(s.Started).Round(time.Millisecond),
	)

	zap.L().Info("extract complete",
		zap.String("run_id", s.RunID),
		zap.Int("entities", len(s.Outcomes)),
		zap.Int("failed", s.Count(model.StateFailed)),
	)
}

package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/district-offices/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history <extraction-id>",
	Short: "Show the provenance log and artifacts of an extraction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "history: invalid extraction id %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ext, err := st.GetExtraction(ctx, id)
		if err != nil {
			return eris.Wrap(err, "history")
		}
		events, err := st.Events(ctx, id)
		if err != nil {
			return eris.Wrap(err, "history: events")
		}
		arts, err := st.ListArtifacts(ctx, id)
		if err != nil {
			return eris.Wrap(err, "history: artifacts")
		}

		formatHistory(os.Stdout, ext, events, arts)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func formatHistory(w io.Writer, ext *model.Extraction, events []model.ProvenanceEvent, arts []model.Artifact) {
	fmt.Fprintf(w, "Extraction %d  entity %s  state %s\n", ext.ID, ext.EntityID, ext.State)
	fmt.Fprintf(w, "Source: %s\n", ext.SourceURL)
	if ext.FinalURL != "" && ext.FinalURL != ext.SourceURL {
		fmt.Fprintf(w, "Final:  %s\n", ext.FinalURL)
	}
	if ext.ErrorKind != model.ErrorKindNone {
		msg := ""
		if ext.ErrorMessage != nil {
			msg = *ext.ErrorMessage
		}
		fmt.Fprintf(w, "Error:  %s %s\n", ext.ErrorKind, msg)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tSTEP\tOUTCOME\tFROM\tTO\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format("2006-01-02 15:04:05"), e.Step, e.Outcome,
			e.FromState, e.ToState, truncate(string(e.Detail), 80))
	}
	tw.Flush() //nolint:errcheck

	if len(arts) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tVERSION\tBYTES\tCURRENT\tCREATED")
	for _, a := range arts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\n",
			a.Kind, a.Version, a.ByteLength, !a.Superseded, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

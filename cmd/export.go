package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/syncer"
)

var exportUpstream string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write validated offices to the upstream store",
	Long:  "Upserts every unsynced validated office into upstream by office_id and moves fully synced extractions to exported.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		up, err := initUpstream(ctx, exportUpstream)
		if err != nil {
			return err
		}
		defer up.Close()

		res, err := syncer.NewExporter(st, up, cfg.Export.BatchSize).ExportPending(ctx)
		if err != nil {
			return eris.Wrap(err, "export")
		}

		fmt.Fprintf(os.Stdout, "Exported %d offices, %d failed, %d changed during export, %d extractions finalized\n",
			res.Exported, res.Failed(), res.Changed, res.Finalized)
		for _, f := range res.Failures {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", f.OfficeID, f.Err)
		}

		if res.Failed() > 0 {
			zap.L().Warn("export finished with failures", zap.Int("failed", res.Failed()))
			return eris.Errorf("export: %d offices failed", res.Failed())
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportUpstream, "upstream", "", "upstream Postgres DSN (overrides config)")
	rootCmd.AddCommand(exportCmd)
}

package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/syncer"
)

var (
	importSeedPath string
	importUpstream string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import entities from upstream or a seed file",
	Long:  "Upserts current members into the local entities table, either from the upstream Postgres store or from a YAML seed file.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var n int
		if importSeedPath != "" {
			entities, err := syncer.LoadSeedFile(importSeedPath)
			if err != nil {
				return err
			}
			n, err = syncer.ImportSeed(ctx, st, entities)
			if err != nil {
				return eris.Wrap(err, "import seed")
			}
		} else {
			up, err := initUpstream(ctx, importUpstream)
			if err != nil {
				return err
			}
			defer up.Close()

			n, err = syncer.ImportEntities(ctx, st, up)
			if err != nil {
				return eris.Wrap(err, "import entities")
			}
		}

		zap.L().Info("import complete", zap.Int("entities", n))
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importSeedPath, "file", "", "YAML seed file to import instead of upstream")
	importCmd.Flags().StringVar(&importUpstream, "upstream", "", "upstream Postgres DSN (overrides config)")
	rootCmd.AddCommand(importCmd)
}

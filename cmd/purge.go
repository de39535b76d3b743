package main

import (
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <extraction-id>",
	Short: "Delete the artifacts and candidate offices of a finished extraction",
	Long:  "Reclaims space held by a terminal or superseded extraction. The extraction row, its provenance, and validated offices are kept.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "purge: invalid extraction id %q", args[0])
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		arts, err := initArtifacts(ctx, st)
		if err != nil {
			return err
		}

		keys, err := st.Purge(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "purge %d", id)
		}
		if err := arts.DeleteBlobs(ctx, keys); err != nil {
			return eris.Wrapf(err, "purge %d: delete blobs", id)
		}

		zap.L().Info("extraction purged", zap.Int64("extraction_id", id), zap.Int("blobs", len(keys)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}

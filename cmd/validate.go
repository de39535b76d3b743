package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/district-offices/internal/monitoring"
	"github.com/sells-group/district-offices/internal/review"
)

var validatePort int

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Start the human review server",
	Long:  "Serves the review UI and API. Reviewers claim extracted records, edit candidate offices, and accept or reject them.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if validatePort > 0 {
			cfg.Review.Port = validatePort
		}
		if err := cfg.Validate("review"); err != nil {
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

		orch := review.New(st, arts, time.Duration(cfg.Review.ClaimTTLSecs)*time.Second)
		go orch.Sweep(ctx, time.Duration(cfg.Review.SweepIntervalSecs)*time.Second)

		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(monitoring.NewCollector(st), monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		addr := fmt.Sprintf(":%d", cfg.Review.Port)
		zap.L().Info("review server starting", zap.String("addr", addr))
		return review.Serve(ctx, addr, review.NewRouter(orch, cfg.Review.AllowedOrigins))
	},
}

func init() {
	validateCmd.Flags().IntVar(&validatePort, "port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(validateCmd)
}

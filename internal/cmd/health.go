package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/core/store"
	errwrap "github.com/predmkts/predmkts/internal/errors"
	"github.com/predmkts/predmkts/internal/observability"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run self-health check",
	Long:  "Verify that the configuration loads, the limiter builds and the bucket store is reachable.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		log.Info("Running health check...")

		if versionInfo.Version == "" {
			ExitWithCode(log, foundry.ExitConfigInvalid, "Version information missing", errwrap.NewConfigInvalidError("Version information missing"))
			return
		}
		log.Info("✅ Version information available", zap.String("version", versionInfo.Version))

		cfg, err := loadConfig()
		if err != nil {
			ExitWithCode(log, ExitCodeFor(err), "Configuration invalid", errwrap.FromError(cmd.Context(), err))
			return
		}
		log.Info("✅ Configuration valid", zap.Int("exchanges", len(cfg.Exchanges)))

		limiter, err := newLimiter(cfg, false)
		if err != nil {
			ExitWithCode(log, ExitCodeFor(err), "Limiter could not be built", errwrap.FromError(cmd.Context(), err))
			return
		}
		log.Info("✅ Limiter ready", zap.Int("policies", len(limiter.Registry().Policies())))

		db, err := store.OpenBucketStore(cmd.Context(), cfg.Store)
		switch {
		case errors.Is(err, store.ErrDisabled):
			log.Info("✅ Bucket persistence disabled")
		case err != nil:
			ExitWithCode(log, foundry.ExitFailure, "Bucket store unavailable", errwrap.FromError(cmd.Context(), err))
			return
		default:
			count, err := db.CountBuckets(cmd.Context(), store.BucketQuery{All: true})
			_ = db.Close()
			if err != nil {
				ExitWithCode(log, foundry.ExitFailure, "Bucket store unreadable", errwrap.FromError(cmd.Context(), err))
				return
			}
			log.Info("✅ Bucket store reachable", zap.String("driver", db.Driver()), zap.Int("buckets", count))
		}

		log.Info("✅ All health checks passed")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

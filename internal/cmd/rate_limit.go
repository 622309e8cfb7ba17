package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/predmkts/predmkts/internal/core/store"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Manage persisted token bucket state",
}

// openBucketStore opens the configured snapshot store.
func openBucketStore(ctx context.Context) (store.BucketStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.OpenBucketStore(ctx, cfg.Store)
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

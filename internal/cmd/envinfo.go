package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		log := observability.CLILogger
		version := crucible.GetVersion()

		log.Info("=== predmkts Environment Information ===")
		log.Info("Application:")
		log.Info("  Name:       " + config.AppName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS/ARCH:  "+runtime.GOOS+"/"+runtime.GOARCH, zap.String("goos", runtime.GOOS), zap.String("goarch", runtime.GOARCH))

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Config File:    "+config.DefaultConfigPath(), zap.String("config_file", config.DefaultConfigPath()))
		log.Info(fmt.Sprintf("  Server:         %s:%d", cfg.Server.Host, cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  Telemetry:      "+string(cfg.TelemetryLevel()), zap.Int("event_buffer", cfg.Telemetry.EventBuffer))
		log.Info(fmt.Sprintf("  Metrics:        enabled=%t port=%d", cfg.Metrics.Enabled, cfg.Metrics.Port))
		log.Info("  Store Driver:   "+cfg.Store.Driver, zap.String("store_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  Store URL:      (set)")
		} else {
			log.Info("  Store Path:     "+cfg.Store.Path, zap.String("store_path", cfg.Store.Path))
		}

		log.Info("Limiter:")
		log.Info("  Exchanges:      "+strings.Join(cfg.ExchangeNames(), ", "), zap.Int("exchanges", len(cfg.Exchanges)))
		b := cfg.BackoffPolicy()
		log.Info(fmt.Sprintf("  Backoff:        base=%s max=%s jitter=%g attempts=%d", b.Base, b.Max, b.Jitter, b.MaxAttempts))
		log.Info(fmt.Sprintf("  Adaptive:       enabled=%t threshold=%g", cfg.Limiter.Adaptive.Enabled, cfg.Limiter.Adaptive.Threshold))

		log.Info("Sources:")
		for _, name := range datasource.Names() {
			opts := cfg.Sources[name]
			key := "(not set)"
			if strings.TrimSpace(opts.APIKey) != "" {
				key = "(set)"
			}
			log.Info(fmt.Sprintf("  %s: base_url=%q page_size=%d api_key=%s", name, opts.BaseURL, opts.PageSize, key))
		}
		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}

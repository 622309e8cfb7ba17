package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/store"
	"github.com/predmkts/predmkts/internal/core/telemetry"
	errwrap "github.com/predmkts/predmkts/internal/errors"
	"github.com/predmkts/predmkts/internal/metrics"
	"github.com/predmkts/predmkts/internal/observability"
	"github.com/predmkts/predmkts/internal/server"
	"github.com/predmkts/predmkts/internal/server/handlers"
)

// AdminTokenEnv enables the admin signal endpoint when set.
const AdminTokenEnv = config.EnvPrefix + "_ADMIN_TOKEN"

var (
	serverPort int
	serverHost string
	maxPages   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP gateway",
	Long: `Start the HTTP gateway. Every request to an exchange goes through one
shared rate limiter, so concurrent callers never exceed the configured limits.

Bucket state is restored from the store on start, saved periodically and
saved again on shutdown.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Validate the config file (restart to apply limit changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serverHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}

		observability.InitServerLogger(observability.LoggerOptions{
			Service:   config.AppName,
			Level:     cfg.Logging.Level,
			Profile:   cfg.Logging.Profile,
			Namespace: config.AppName,
		})
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.Wrap(cmd.Context(), errwrap.CodeInternal, err, "metrics initialization failed")
			}
		}
		metrics.SetServerStartTime(time.Now().Unix())

		limiter, err := newLimiter(cfg, cfg.Metrics.Enabled)
		if err != nil {
			return err
		}
		exec := newExecutor(cfg, limiter)
		sources, err := newSources(cfg, exec)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		bucketStore, err := store.OpenBucketStore(ctx, cfg.Store)
		switch {
		case errors.Is(err, store.ErrDisabled):
			logger.Info("Bucket persistence disabled")
			bucketStore = nil
		case err != nil:
			logger.Warn("Bucket store unavailable; running without persistence",
				zap.String("driver", cfg.Store.Driver),
				zap.Error(err))
			bucketStore = nil
		}

		var snaps *snapshotter
		if bucketStore != nil {
			snaps = &snapshotter{
				limiter:  limiter,
				store:    bucketStore,
				interval: cfg.Store.SnapshotInterval,
				logger:   logger,
				started:  time.Now(),
			}
			if err := snaps.restore(ctx); err != nil {
				logger.Warn("Failed to restore bucket state", zap.Error(err))
			}
			go snaps.run(ctx)
		}

		srv := server.New(server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			Build: handlers.BuildInfo{
				Name:      config.AppName,
				Version:   versionInfo.Version,
				Commit:    versionInfo.Commit,
				BuildDate: versionInfo.BuildDate,
			},
			AdminToken: os.Getenv(AdminTokenEnv),
			Limiter:    limiter,
			Collector:  telemetry.NewCollector(config.AppName, limiter.Recorder()),
			Sources:    sources,
			Store:      bucketStore,
			MaxPages:   maxPages,
		})

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("addr", srv.Addr()),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()),
			zap.Int("exchanges", len(limiter.Registry().Policies())))

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: server, then bucket state, then logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			cancel()
			if bucketStore == nil {
				return nil
			}
			defer bucketStore.Close() // nolint:errcheck // best-effort cleanup
			if err := snaps.save(ctx); err != nil {
				logger.Error("Failed to save bucket state on shutdown", zap.Error(err))
				return errwrap.Wrap(ctx, errwrap.CodeDatabase, err, "bucket state save failed")
			}
			logger.Info("Saved bucket state")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
			defer cancelShutdown()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.Wrap(ctx, errwrap.CodeInternal, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: validating configuration")
			if _, err := config.Load(cfgFile); err != nil {
				logger.Error("Configuration is invalid", zap.Error(err))
				return errwrap.FromError(ctx, err)
			}
			logger.Info("Configuration is valid; restart to apply limit changes")
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			logger.Info("Starting HTTP server...", zap.String("addr", srv.Addr()))
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.Wrap(cmd.Context(), errwrap.CodeInternal, err, "server error")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
	serveCmd.Flags().IntVar(&maxPages, "max-pages", 10, "default page limit for /v1/sources/{name}/pages")
}

package cmd

import (
	"fmt"
	"net/http"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	"github.com/predmkts/predmkts/internal/core/telemetry"
	"github.com/predmkts/predmkts/internal/observability"
)

// newLimiter builds the process limiter from cfg. metrics forwards limiter
// events to the global telemetry system.
func newLimiter(cfg *config.Config, metrics bool) (*engine.RateLimiter, error) {
	policies, fallback, err := cfg.Policies()
	if err != nil {
		return nil, err
	}
	adaptive := cfg.AdaptivePolicy()

	recorder := telemetry.NewRecorder(telemetry.Options{
		Logger:      observability.Logger(),
		Level:       cfg.TelemetryLevel(),
		EventBuffer: cfg.Telemetry.EventBuffer,
		Metrics:     metrics,
	})

	return engine.New(engine.Options{
		Policies: policies,
		Fallback: fallback,
		Backoff:  cfg.BackoffPolicy(),
		Adaptive: &adaptive,
		Recorder: recorder,
		Logger:   observability.Logger(),
	})
}

func newExecutor(cfg *config.Config, limiter *engine.RateLimiter) *engine.Executor {
	return &engine.Executor{
		Limiter:   limiter,
		Client:    &http.Client{Timeout: cfg.HTTP.Timeout},
		UserAgent: cfg.HTTP.UserAgent,
	}
}

// newSources builds every known adapter on one shared executor.
func newSources(cfg *config.Config, exec *engine.Executor) (map[string]datasource.DataSource, error) {
	sources := make(map[string]datasource.DataSource, len(datasource.Names()))
	for _, name := range datasource.Names() {
		src, err := datasource.New(name, exec, cfg.Sources[name])
		if err != nil {
			return nil, fmt.Errorf("build %s source: %w", name, err)
		}
		sources[name] = src
	}
	return sources, nil
}

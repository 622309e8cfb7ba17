package observability

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInitLoggers(t *testing.T) {
	prevCLI, prevServer := CLILogger, ServerLogger
	t.Cleanup(func() {
		CLILogger, ServerLogger = prevCLI, prevServer
	})

	t.Run("CLILogger", func(t *testing.T) {
		ServerLogger = nil
		InitCLILogger("predmkts-test", true)
		require.NotNil(t, CLILogger)
		assert.Same(t, CLILogger, Logger())
		CLILogger.Debug("limiter debug line", zap.String("bucket", "global"))
	})

	t.Run("ServerLoggerWins", func(t *testing.T) {
		InitServerLogger(LoggerOptions{Service: "predmkts-test", Level: "debug", Namespace: "predmkts"})
		require.NotNil(t, ServerLogger)
		assert.Same(t, ServerLogger, Logger())
		ServerLogger.Info("structured line", zap.Int("status", 200))
	})
}

func TestNewServerLogger(t *testing.T) {
	for _, profile := range []string{"", "STRUCTURED", "simple"} {
		logger, err := NewServerLogger(LoggerOptions{Service: "predmkts-test", Level: "warn", Environment: "test", Profile: profile})
		require.NoError(t, err, profile)
		require.NotNil(t, logger)
		logger.Warn("upstream throttled", zap.String("bucket", "kalshi"))
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]string{
		"":        "INFO",
		"trace":   "TRACE",
		"DEBUG":   "DEBUG",
		" info ":  "INFO",
		"warning": "WARN",
		"warn":    "WARN",
		"error":   "ERROR",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), "level %q", in)
	}
}

func TestResolvePort(t *testing.T) {
	port, err := resolvePort("127.0.0.1:9191")
	require.NoError(t, err)
	assert.Equal(t, 9191, port)

	port, err = resolvePort("[::]:9090")
	require.NoError(t, err)
	assert.Equal(t, 9090, port)

	_, err = resolvePort("no-port")
	assert.Error(t, err)
}

func TestCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}

func TestInitDisabledMetrics(t *testing.T) {
	InitDisabledMetrics()
	assert.Nil(t, TelemetrySystem)
	assert.Nil(t, PrometheusExporter)
}

package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
)

var (
	// CLILogger is used by commands (SIMPLE profile)
	CLILogger *logging.Logger

	// ServerLogger is used by the gateway (STRUCTURED profile)
	ServerLogger *logging.Logger
)

// InitCLILogger initializes the CLI logger. Verbose switches to DEBUG so
// per-request limiter telemetry becomes visible.
func InitCLILogger(serviceName string, verbose bool) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize CLI logger", err)
	}

	if verbose {
		logger.SetLevel(logging.DEBUG)
	}

	CLILogger = logger
}

// LoggerOptions configures the gateway logger.
type LoggerOptions struct {
	Service     string
	Level       string
	Environment string
	// Profile is SIMPLE for console lines or STRUCTURED for JSON.
	Profile string
	// Namespace, when set, is attached to every line.
	Namespace string
}

// InitServerLogger initializes the gateway logger from opts.
func InitServerLogger(opts LoggerOptions) {
	logger, err := NewServerLogger(opts)
	if err != nil {
		exitWithCodeStderr(foundry.ExitConfigInvalid, "Failed to initialize server logger", err)
	}
	ServerLogger = logger
}

// NewServerLogger builds a gofulmen logger writing to stderr. STRUCTURED,
// the default, emits JSON with correlation middleware.
func NewServerLogger(opts LoggerOptions) (*logging.Logger, error) {
	if opts.Environment == "" {
		opts.Environment = "production"
	}

	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(opts.Level),
		Service:      opts.Service,
		Environment:  opts.Environment,
		Sinks:        []logging.SinkConfig{stderrSink("json")},
	}
	if opts.Namespace != "" {
		config.StaticFields = map[string]any{"namespace": opts.Namespace}
	}

	if strings.EqualFold(strings.TrimSpace(opts.Profile), "SIMPLE") {
		config.Profile = logging.ProfileSimple
		config.Sinks = []logging.SinkConfig{stderrSink("console")}
		return logging.New(config)
	}

	config.Middleware = []logging.MiddlewareConfig{{
		Name:    "correlation",
		Enabled: true,
		Order:   100,
		Config:  make(map[string]any),
	}}
	config.EnableCaller = true
	config.EnableStacktrace = true
	return logging.New(config)
}

func stderrSink(format string) logging.SinkConfig {
	return logging.SinkConfig{
		Type:   "console",
		Format: format,
		Console: &logging.ConsoleSinkConfig{
			Stream:   "stderr",
			Colorize: false,
		},
	}
}

// Logger returns the logger the limiter should write to: the server
// logger when the gateway is running, otherwise the CLI logger. It may
// return nil before either is initialized.
func Logger() *logging.Logger {
	if ServerLogger != nil {
		return ServerLogger
	}
	return CLILogger
}

// parseLogLevel converts a config log level to a logging severity string
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "info", "":
		return "INFO"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}

// exitWithCodeStderr exits before any logger is available.
func exitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s (exit code: %d)\n", msg, exitCode)
		}
		os.Exit(int(exitCode))
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)

	os.Exit(info.Code)
}

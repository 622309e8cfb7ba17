package cmd

import (
	"errors"
	"fmt"
	"os"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core/datasource"
	"github.com/predmkts/predmkts/internal/core/engine"
	errwrap "github.com/predmkts/predmkts/internal/errors"
)

// ExitCodeFor maps a non-nil command error to a semantic foundry exit code.
func ExitCodeFor(err error) foundry.ExitCode {
	var (
		cfgErr    *config.ConfigError
		exhausted *engine.ExhaustedError
		statusErr *datasource.StatusError
		envelope  *gferrors.ErrorEnvelope
	)
	switch {
	case errors.As(err, &cfgErr):
		return foundry.ExitConfigInvalid
	case errors.As(err, &exhausted), errors.As(err, &statusErr):
		return foundry.ExitExternalServiceUnavailable
	case errors.As(err, &envelope):
		switch envelope.Code {
		case errwrap.CodeConfigInvalid:
			return foundry.ExitConfigInvalid
		case errwrap.CodeUpstreamThrottled, errwrap.CodeUpstreamUnavailable,
			errwrap.CodeAttemptsExhausted, errwrap.CodeExternalService:
			return foundry.ExitExternalServiceUnavailable
		}
	}
	return foundry.ExitFailure
}

// ExitWithCode exits the program with a semantic foundry exit code and logs the error.
// The logger can be nil for failures before logger initialization.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		ExitWithCodeStderr(exitCode, msg, err)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_description", info.Description),
		zap.String("exit_category", info.Category),
	}
	var envelope *gferrors.ErrorEnvelope
	if errors.As(err, &envelope) {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
		if original, ok := envelope.Original.(error); ok {
			err = original
		}
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr is a variant that writes to stderr without a logger.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s (exit code: %d)\n", msg, exitCode)
		}
		os.Exit(int(exitCode))
	}

	var envelope *gferrors.ErrorEnvelope
	switch {
	case errors.As(err, &envelope):
		fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s (correlation: %s)\n",
			msg, envelope.Code, envelope.Message, envelope.CorrelationID)
	case err != nil:
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
	default:
		fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
	}
	fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)

	os.Exit(info.Code)
}

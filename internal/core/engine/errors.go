package engine

import (
	"errors"
	"fmt"

	"github.com/predmkts/predmkts/internal/core"
)

var (
	// ErrUpstreamThrottled marks a request that ended on HTTP 429.
	ErrUpstreamThrottled = errors.New("upstream throttled")
	// ErrUpstreamUnavailable marks a request that ended on 5xx or a transport error.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrAttemptsExhausted marks a logical request that used every attempt.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// ExhaustedError is returned once a logical request runs out of attempts.
// errors.Is matches ErrAttemptsExhausted and the Cause sentinel; Unwrap
// exposes the last transport error, if any.
type ExhaustedError struct {
	Key        core.BucketKey
	Endpoint   string
	Attempts   int
	LastStatus int
	Cause      error
	Err        error
}

func (e *ExhaustedError) Error() string {
	status := "transport error"
	if e.LastStatus > 0 {
		status = fmt.Sprintf("status %d", e.LastStatus)
	}
	msg := fmt.Sprintf("%s %s: %d attempts exhausted, last %s", e.Key, e.Endpoint, e.Attempts, status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAttemptsExhausted || (e.Cause != nil && target == e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

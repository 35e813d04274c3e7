package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrAbortRequested is returned when a confirmation callback aborts the run.
var ErrAbortRequested = errors.New("pipeline aborted by confirmation")

// ConfigurationError reports an invalid registry or plan: a cycle, an
// unknown dependency, or a bad stage configuration. Never retried.
type ConfigurationError struct {
	Stage   StageID
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Stage == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Stage, e.Message)
}

// StageExecutionError is a failure raised while a stage runs.
type StageExecutionError struct {
	Stage     StageID
	Message   string
	Retryable bool
	Err       error
}

func (e *StageExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return fmt.Sprintf("stage %s: %s", e.Stage, msg)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }

// TimeoutError means a stage attempt exceeded its time limit.
type TimeoutError struct {
	Stage   StageID
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

// ExternalServiceError wraps a failure talking to a remote collaborator
// such as the language model endpoint.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// RepositoryError reports an unreadable repository or unknown commit.
type RepositoryError struct {
	Path string
	Ref  string
	Err  error
}

func (e *RepositoryError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("repository %s: %s: %v", e.Path, e.Ref, e.Err)
	}
	return fmt.Sprintf("repository %s: %v", e.Path, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// IsRetryable classifies err for the engine's retry loop. Unknown errors
// are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAbortRequested) {
		return false
	}
	var execErr *StageExecutionError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return false
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return false
	}
	return true
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEvidenceUnavailable marks a failed or empty evidence lookup.
var ErrEvidenceUnavailable = errors.New("evidence unavailable")

// EvidenceError reports a warehouse lookup that could not produce data.
type EvidenceError struct {
	Op     string
	Target string
	Err    error
}

func (e *EvidenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Target, ErrEvidenceUnavailable)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Target, ErrEvidenceUnavailable, e.Err)
}

func (e *EvidenceError) Unwrap() error { return e.Err }

func (e *EvidenceError) Is(target error) bool { return target == ErrEvidenceUnavailable }

// ToolDispatchError reports an invocation of an unknown tool or one with
// malformed arguments.
type ToolDispatchError struct {
	Tool   string
	Reason string
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Reason)
}

// ModelServiceError reports a failed completion call. Transient errors are
// retried by the caller.
type ModelServiceError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ModelServiceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s model service (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s model service (%s): %v", e.Provider, kind, e.Err)
}

func (e *ModelServiceError) Unwrap() error { return e.Err }

// IsTransientModelError reports whether err is a retryable model failure.
func IsTransientModelError(err error) bool {
	var mse *ModelServiceError
	return errors.As(err, &mse) && mse.Transient
}

// ValidationFailure reports output-rule violations on a candidate report.
type ValidationFailure struct {
	Violations []string
}

func (e *ValidationFailure) Error() string {
	return "output validation failed: " + strings.Join(e.Violations, "; ")
}

// ConfigurationError is fatal: missing credentials, unparseable policy or an
// invalid budget. The run aborts before any side effect.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "fatal configuration error: " + strings.Join(e.Problems, "; ")
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

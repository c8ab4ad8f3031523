package domain

import (
	"errors"
	"fmt"
)

// Error kinds determine the propagation policy for every failure in the
// engine. Adapters wrap their causes with one of these sentinels so callers
// can branch with errors.Is.
var (
	// ErrTransient marks recoverable external failures (HTTP timeout, 5xx,
	// SMTP 4xx, provider unavailable). Retried with backoff, never fatal.
	ErrTransient = errors.New("transient external failure")

	// ErrMalformedInput marks unparseable upstream data (CSV row, RSS entry
	// without URL, NaN price). The item is dropped and counted.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvariant marks a domain invariant violation. The offending item is
	// aborted and never persisted; the batch continues.
	ErrInvariant = errors.New("invariant violation")

	// ErrConfig marks configuration errors. The current cycle aborts and the
	// previous configuration stays in effect.
	ErrConfig = errors.New("configuration error")

	// ErrInternal marks unrecoverable internal failures (store write failure
	// after retries). The engine exits with a distinct status.
	ErrInternal = errors.New("internal failure")
)

// ErrorKind names an error classification for logging and exit codes.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindMalformed ErrorKind = "malformed_input"
	KindInvariant ErrorKind = "invariant_violation"
	KindConfig    ErrorKind = "configuration"
	KindInternal  ErrorKind = "internal"
	KindUnknown   ErrorKind = "unknown"
)

// KindOf classifies err by its sentinel chain.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrMalformedInput):
		return KindMalformed
	case errors.Is(err, ErrInvariant):
		return KindInvariant
	case errors.Is(err, ErrConfig):
		return KindConfig
	case errors.Is(err, ErrInternal):
		return KindInternal
	default:
		return KindUnknown
	}
}

// NewTransientError wraps cause as a transient external failure.
func NewTransientError(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, cause)
}

// NewMalformedError marks an unparseable input item.
func NewMalformedError(detail string) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, detail)
}

// NewInvariantError marks a domain invariant violation.
func NewInvariantError(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvariant, detail)
}

// NewConfigError marks a configuration problem.
func NewConfigError(detail string) error {
	return fmt.Errorf("%w: %s", ErrConfig, detail)
}

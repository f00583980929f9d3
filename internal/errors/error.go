package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Pipelines and adapters wrap these with %w so callers can
// classify failures with errors.Is.
var (
	ErrValidation     = errors.New("validation error")
	ErrNetwork        = errors.New("network error")
	ErrChainRejected  = errors.New("transaction rejected by chain")
	ErrIntegrity      = errors.New("integrity error")
	ErrTimeoutExpired = errors.New("timeout expired")
)

var (
	ErrNotFound          = errors.New("not found")
	ErrStaleState        = errors.New("job state changed concurrently")
	ErrIllegalTransition = errors.New("illegal job state transition")
	ErrTerminalJob       = errors.New("job is in a terminal state")
	ErrFileTooLarge      = fmt.Errorf("%w: file too large for a single manifest", ErrValidation)
	ErrResultGone        = errors.New("download result already retrieved")
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrChainRejected)
)

// FetchingResourceError generates a formatted error for failed fetching of any resource by its type.
func FetchingResourceError(resource string) error {
	return fmt.Errorf("failed to fetch %s by id: %w", resource, ErrNotFound)
}

func ConfigNotSetError(config string) error {
	return fmt.Errorf("%w: the %s configuration value must be set", ErrValidation, config)
}

// Validationf builds an ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying on a later tick. An
// abandoned or timed out call counts as transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

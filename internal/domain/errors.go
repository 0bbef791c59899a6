package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Input validation. Handlers map these to 400.
	ErrInvalidInput     = errors.New("invalid input")
	ErrEmptyExecutions  = errors.New("no executions supplied")
	ErrLengthMismatch   = errors.New("series length mismatch")
	ErrUnknownStrategy  = errors.New("unknown execution strategy")
	ErrUnknownBenchmark = errors.New("unknown benchmark type")
	ErrUnknownMethod    = errors.New("unknown method")

	ErrInfeasibleSchedule = errors.New("schedule infeasible under constraints")
	ErrInsufficientData   = errors.New("insufficient data")

	ErrMonitorRunning = errors.New("monitor already running")
	ErrMonitorStopped = errors.New("monitor not running")
)

// IsValidation reports whether err stems from bad caller input.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidInput, ErrEmptyExecutions, ErrLengthMismatch,
		ErrUnknownStrategy, ErrUnknownBenchmark, ErrUnknownMethod,
		ErrInfeasibleSchedule, ErrInsufficientData,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Package escrowerr defines the error taxonomy shared across the escrow core.
//
// Retryable errors (LockTimeout, RPCUnavailable, StateConflict) may be
// retried by callers with bounded attempts and backoff. Everything else is
// terminal and must surface immediately.
package escrowerr

import "errors"

var (
	// ErrValidation signals malformed input: a bad RPC URL, an unknown role,
	// an invalid destination address.
	ErrValidation = errors.New("validation failed")

	// ErrLockTimeout signals that the per-escrow lock could not be acquired
	// within the configured timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrRPCUnavailable signals that an external wallet-RPC endpoint could
	// not be reached.
	ErrRPCUnavailable = errors.New("wallet rpc unavailable")

	// ErrRPCProtocol signals a malformed or unexpected wallet-RPC response.
	ErrRPCProtocol = errors.New("wallet rpc protocol error")

	// ErrStateConflict signals a CAS version mismatch: another writer got
	// there first. Reload and retry.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidTransition signals a lifecycle transition the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCapacityExceeded signals that all endpoints for a role are
	// currently allocated.
	ErrCapacityExceeded = errors.New("endpoint capacity exceeded")

	// ErrNotFound signals a missing escrow, session, or wallet handle.
	ErrNotFound = errors.New("not found")
)

// Retryable reports whether the caller may retry the operation that
// produced err. Only lock timeouts, unreachable RPC endpoints, and CAS
// conflicts qualify; validation and transition errors never do.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrRPCUnavailable) ||
		errors.Is(err, ErrStateConflict)
}

package core

import (
	"errors"
	"fmt"
)

// Structural errors, returned by the call itself: the feed or the
// caller misused the executor and no entry was consumed.
var (
	// ErrNotInitialized reports a dispatch outside the Running state.
	ErrNotInitialized = errors.New("core: not initialized")

	// ErrAlreadyInitialized reports a second Start on a running core.
	// Core layer sentinel only: the machine.Executor constructs and
	// starts its core exactly once, so it never surfaces there.
	ErrAlreadyInitialized = errors.New("core: already initialized")

	// ErrOutOfOrder reports an entry whose index is not exactly one
	// past the last applied index.
	ErrOutOfOrder = errors.New("core: entry out of index order")
)

// Operation errors, carried inside Result: the entry consumed its
// index but the operation could not run. These are ordinary outcomes,
// one client's failure never halts the executor.
var (
	// ErrSessionInvalid reports an operation whose session is
	// unknown, expired or closed. Sessions legitimately expire
	// between submission and commit, so this is a result, not a
	// crash.
	ErrSessionInvalid = errors.New("core: session expired or closed")

	// ErrSessionExists reports a register entry reusing a live id.
	ErrSessionExists = errors.New("core: session id already registered")

	// ErrResponseEvicted reports a duplicate command whose cached
	// response has already been evicted or acknowledged away.
	ErrResponseEvicted = errors.New("core: cached response evicted")

	// ErrUnknownOperation is returned by state machines for payloads
	// they do not recognize; deterministic, every replica rejects
	// the same entry the same way.
	ErrUnknownOperation = errors.New("core: unknown operation")
)

// ApplicationError carries a handler error replayed from the response
// cache; the original error value is gone, its message is not.
type ApplicationError struct {
	Msg string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application: %s", e.Msg)
}

package concurrency

import "github.com/cockroachdb/errors"

// Lock-layer errors. Every failure surfaced by the lock manager and the
// context tree wraps exactly one of these sentinels; callers match with
// errors.Is. All validation happens before any structure is mutated, so a
// returned error means nothing changed.
var (
	// ErrDuplicateLockRequest: the transaction already holds the
	// requested lock (or an identical mode on promote).
	ErrDuplicateLockRequest = errors.New("duplicate lock request")

	// ErrNoLockHeld: the operation requires an existing lock that is
	// absent.
	ErrNoLockHeld = errors.New("no lock held")

	// ErrInvalidLock: the request would violate multigranularity
	// (parent/child), substitutability (promotion), or descendant
	// constraints (releasing a lock with children).
	ErrInvalidLock = errors.New("invalid lock request")

	// ErrUnsupportedOperation: a mutating call on a readonly context.
	ErrUnsupportedOperation = errors.New("unsupported operation on readonly context")
)

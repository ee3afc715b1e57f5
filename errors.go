package resourcepool

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers should prefer errors.Is over string matching,
// but message text still follows the `must be|cannot be|required` shape
// that construction-time validation failures are expected to match.
var (
	// ErrPoolFull is returned by Acquire when the request queue is at
	// maxRequests capacity.
	ErrPoolFull = errors.New("resourcepool: pool is full")

	// ErrEnding is returned by Acquire once End has been called.
	ErrEnding = errors.New("resourcepool: pool is ending")

	// ErrDestroyed is returned by Acquire, and by every pending request,
	// once the pool has reached the destroyed state.
	ErrDestroyed = errors.New("resourcepool: pool was destroyed")

	// ErrTimedOut is the terminal error for a request, an acquire attempt,
	// a ping, or a dispose call whose deadline elapsed first.
	ErrTimedOut = errors.New("resourcepool: timed out")

	// ErrNotMember is emitted when Release/Remove is called with a Lease
	// the pool does not recognize as outstanding.
	ErrNotMember = errors.New("resourcepool: resource is not a member of the pool")

	// ErrAlreadyReleased is emitted when Release is called twice for the
	// same Lease.
	ErrAlreadyReleased = errors.New("resourcepool: resource already released")

	// ErrRedundantFulfill is emitted on a Request's error hook when
	// resolve/reject is attempted after the request already reached a
	// terminal state.
	ErrRedundantFulfill = errors.New("resourcepool: redundant fulfill")
)

// UsageError marks a caller-contract violation: release of a non-member,
// double release, or a malformed construction option. It never changes
// pool state.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string { return fmt.Sprintf("resourcepool: usage error in %s: %v", e.Op, e.Err) }
func (e *UsageError) Unwrap() error { return e.Err }

// TimeoutError marks an acquire, ping, dispose, or per-request deadline
// that elapsed before the corresponding operation completed.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("resourcepool: %s timed out", e.Op) }
func (e *TimeoutError) Unwrap() error { return ErrTimedOut }
func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// FactoryError wraps an error returned (or panic recovered) from the
// user-supplied factory operation. Fatal distinguishes the INITIAL-state
// case, which is surfaced as a hard error, from the LIVE-state case, which
// is a warning that triggers a retry.
type FactoryError struct {
	Fatal bool
	Err   error
}

func (e *FactoryError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("resourcepool: factory failed (fatal): %v", e.Err)
	}
	return fmt.Sprintf("resourcepool: factory failed: %v", e.Err)
}
func (e *FactoryError) Unwrap() error { return e.Err }

// FulfillmentError marks a redundant resolve/reject/abort on a Request
// that had already reached a terminal state.
type FulfillmentError struct {
	RequestID int64
}

func (e *FulfillmentError) Error() string {
	return fmt.Sprintf("resourcepool: request %d: %v", e.RequestID, ErrRedundantFulfill)
}
func (e *FulfillmentError) Unwrap() error { return ErrRedundantFulfill }

// ShutdownError marks an acquire attempted after End or Destroy.
type ShutdownError struct {
	Err error
}

func (e *ShutdownError) Error() string { return e.Err.Error() }
func (e *ShutdownError) Unwrap() error { return e.Err }

// abortError is synthesized by Request.Abort.
type abortError struct {
	reason string
}

func (e *abortError) Error() string {
	reason := e.reason
	if reason == "" {
		reason = "No reason given"
	}
	return fmt.Sprintf("aborted: %s", reason)
}

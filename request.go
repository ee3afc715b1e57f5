package resourcepool

import (
	"sync"
	"sync/atomic"
	"time"
)

// Request is the one-shot, timeout-aware result carrier described as
// ResourceRequest in the design: created by Acquire, terminated by exactly
// one of Resolve, Reject, or Abort. A second terminal transition never
// invokes the callback again; it reports itself through onError instead.
//
// The callback is always invoked from a freshly spawned goroutine, never
// synchronously inside Resolve/Reject/Abort, so a caller's own state
// changes around the call are visible first.
type Request[T any] struct {
	id        int64
	createdAt time.Time
	callback  func(error, *Lease[T])

	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration // 0 means no deadline

	done    atomic.Bool
	onError func(error)
}

var requestIDs atomic.Int64

func newRequest[T any](timeout time.Duration, callback func(error, *Lease[T]), onError func(error)) *Request[T] {
	if callback == nil {
		panic("resourcepool: Request callback is required")
	}
	r := &Request[T]{
		id:        requestIDs.Add(1),
		createdAt: time.Now(),
		callback:  callback,
		timeout:   timeout,
		onError:   onError,
	}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() {
			r.Reject(&TimeoutError{Op: "request"})
		})
	}
	return r
}

// ID returns the request's monotonically increasing identifier.
func (r *Request[T]) ID() int64 { return r.id }

// CreatedAt returns the time Acquire created this request.
func (r *Request[T]) CreatedAt() time.Time { return r.createdAt }

// Resolve fulfills the request with a leased resource. A second call after
// the request is already terminal reports ErrRedundantFulfill through the
// request's error hook instead of invoking the callback again.
func (r *Request[T]) Resolve(lease *Lease[T]) {
	if !r.done.CompareAndSwap(false, true) {
		r.reportRedundant()
		return
	}
	r.clearTimerLocked()
	go r.callback(nil, lease)
}

// Reject fails the request. Symmetric to Resolve.
func (r *Request[T]) Reject(err error) {
	if !r.done.CompareAndSwap(false, true) {
		r.reportRedundant()
		return
	}
	r.clearTimerLocked()
	go r.callback(err, nil)
}

// Abort terminates the request with a synthesized "aborted: <reason>"
// error. It is idempotent: once aborted, further Resolve/Reject calls only
// ever reach the error hook.
func (r *Request[T]) Abort(reason string) {
	if !r.done.CompareAndSwap(false, true) {
		r.reportRedundant()
		return
	}
	r.clearTimerLocked()
	go r.callback(&abortError{reason: reason}, nil)
}

// Fulfilled reports whether the request has already reached a terminal
// state (resolved, rejected, or aborted).
func (r *Request[T]) Fulfilled() bool { return r.done.Load() }

// SetTimeout replaces the request's deadline with createdAt+d. A zero or
// negative d cancels the timer (no deadline). If the new deadline has
// already passed, the rejection is scheduled on the next tick rather than
// happening synchronously.
func (r *Request[T]) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if d <= 0 {
		return
	}
	remaining := time.Until(r.createdAt.Add(d))
	if remaining <= 0 {
		r.timer = time.AfterFunc(time.Microsecond, func() {
			r.Reject(&TimeoutError{Op: "request"})
		})
		return
	}
	r.timer = time.AfterFunc(remaining, func() {
		r.Reject(&TimeoutError{Op: "request"})
	})
}

// ClearTimeout cancels the deadline without transitioning request state.
func (r *Request[T]) ClearTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Request[T]) clearTimerLocked() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

func (r *Request[T]) reportRedundant() {
	if r.onError != nil {
		r.onError(&FulfillmentError{RequestID: r.id})
	}
}

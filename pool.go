// Package resourcepool implements a generic resource pool and a
// capability-matched cluster of such pools, for multiplexing
// expensive-to-create resources (database connections, worker handles, and
// the like) across concurrent consumers.
//
// A Pool manages resources produced by a user-supplied factory and torn
// down by a user-supplied dispose/destroy pair, subject to min/max size,
// request queuing, ping-before-use, idle reaping, and graceful shutdown. A
// Cluster dispatches acquires across several Pools by capability tag and
// load.
package resourcepool

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is one of a Pool's four lifecycle states.
type Status int32

const (
	// StatusInitial is the state before the pool has ever produced a
	// resource. Factory failures in this state are retried on a backoff
	// schedule bounded by bailAfter.
	StatusInitial Status = iota
	// StatusLive is reached on the first successful factory call.
	StatusLive
	// StatusEnding is entered by End; the pool drains and tears every
	// resource down before becoming Destroyed.
	StatusEnding
	// StatusDestroyed is terminal. Acquire always fails.
	StatusDestroyed
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusLive:
		return "live"
	case StatusEnding:
		return "ending"
	case StatusDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type entry[T any] struct {
	id        int64
	value     T
	idleSince time.Time
}

// Pool is a generic, opaque-resource pool. It is unsafe to copy a Pool
// after use; always pass it by pointer.
type Pool[T any] struct {
	cfg config[T]

	mu        sync.Mutex
	status    Status
	live      bool
	nextID    int64
	resources map[int64]*entry[T]
	available []int64 // ids; served LIFO from the tail, reaped from the head
	requests  []*Request[T]
	acquiring int

	ib *initialBackoff

	endCallback    func([]error)
	endOutstanding int
	endErrors      []error
	endStarted     bool

	stopSync     chan struct{}
	syncDone     chan struct{}
	syncStopOnce sync.Once
}

type factoryResult[T any] struct {
	value T
	err   error
}

// New constructs a Pool. factory is required, and so is a dispose
// operation supplied via WithDispose. The pool immediately begins filling
// toward min in the background and transitions to StatusLive on its first
// successful factory call.
func New[T any](factory FactoryFunc[T], opts ...Option[T]) (*Pool[T], error) {
	cfg, err := newConfig(factory, opts...)
	if err != nil {
		return nil, err
	}

	p := &Pool[T]{
		cfg:       cfg,
		status:    StatusInitial,
		resources: make(map[int64]*entry[T]),
		stopSync:  make(chan struct{}),
		syncDone:  make(chan struct{}),
	}

	if cfg.syncInterval > 0 {
		go p.runSync()
	} else {
		close(p.syncDone)
	}

	go p.ensureMinimum()

	return p, nil
}

// Status returns the pool's current lifecycle state.
func (p *Pool[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Acquire enqueues a request for a resource using the pool's configured
// default request timeout, and returns the Request handle so the caller
// may Abort it. callback is invoked exactly once, from a freshly spawned
// goroutine, with either a usable Lease or a non-nil error.
func (p *Pool[T]) Acquire(callback func(error, *Lease[T])) *Request[T] {
	return p.acquire(p.cfg.requestTimeout, callback)
}

// AcquireTimeout is like Acquire but overrides the per-request deadline.
// A zero or negative timeout means no deadline.
func (p *Pool[T]) AcquireTimeout(timeout time.Duration, callback func(error, *Lease[T])) *Request[T] {
	return p.acquire(timeout, callback)
}

// AcquireCtx is a blocking convenience wrapper around Acquire: it waits for
// fulfillment or for ctx to be done, aborting the underlying Request on
// cancellation.
func (p *Pool[T]) AcquireCtx(ctx context.Context) (*Lease[T], error) {
	type result struct {
		lease *Lease[T]
		err   error
	}
	ch := make(chan result, 1)
	req := p.Acquire(func(err error, lease *Lease[T]) {
		ch <- result{lease: lease, err: err}
	})

	select {
	case r := <-ch:
		return r.lease, r.err
	case <-ctx.Done():
		req.Abort(ctx.Err().Error())
		r := <-ch
		return r.lease, r.err
	}
}

func (p *Pool[T]) acquire(timeout time.Duration, callback func(error, *Lease[T])) *Request[T] {
	req := newRequest[T](timeout, callback, p.emitError)

	p.mu.Lock()
	switch p.status {
	case StatusEnding:
		p.mu.Unlock()
		req.Reject(&ShutdownError{Err: ErrEnding})
		return req
	case StatusDestroyed:
		p.mu.Unlock()
		req.Reject(&ShutdownError{Err: ErrDestroyed})
		return req
	}
	if p.cfg.maxRequests > 0 && len(p.requests) >= p.cfg.maxRequests {
		p.mu.Unlock()
		req.Reject(&UsageError{Op: "acquire", Err: ErrPoolFull})
		return req
	}
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	p.emitRequest(req)
	go p.maybeAllocateResource()
	return req
}

// Release returns a leased resource to the available set. It is a usage
// error, reported via OnError, to release a Lease the pool does not
// recognize or one that was already released.
func (p *Pool[T]) Release(lease *Lease[T]) error {
	if lease == nil || lease.pool != p {
		err := &UsageError{Op: "release", Err: ErrNotMember}
		p.emitError(err)
		return err
	}

	p.mu.Lock()
	ent, ok := p.resources[lease.id]
	if !ok {
		p.mu.Unlock()
		err := &UsageError{Op: "release", Err: ErrNotMember}
		p.emitError(err)
		return err
	}
	for _, id := range p.available {
		if id == lease.id {
			p.mu.Unlock()
			err := &UsageError{Op: "release", Err: ErrAlreadyReleased}
			p.emitError(err)
			return err
		}
	}

	if p.status == StatusEnding && p.endStarted {
		// The idle sweep already ran; this resource was checked out at
		// the time and is retired the moment it comes back instead of
		// sitting in an available set nothing will ever drain again.
		delete(p.resources, lease.id)
		p.mu.Unlock()
		go p.teardown(ent, nil)
		return nil
	}

	ending := p.status == StatusEnding
	ent.idleSince = time.Now()
	p.available = append(p.available, lease.id)
	drained := len(p.requests) == 0
	p.mu.Unlock()

	if drained {
		p.emitDrain()
	}
	go p.maybeAllocateResource()
	if ending {
		go p.maybeBeginEndTeardown()
	}
	return nil
}

// Remove gracefully tears a leased resource down through the configured
// dispose operation (falling back to destroy on disposeTimeout expiry) and
// reports completion via cb.
func (p *Pool[T]) Remove(lease *Lease[T], cb func(error)) {
	if lease == nil || lease.pool != p {
		p.emitError(&UsageError{Op: "remove", Err: ErrNotMember})
		if cb != nil {
			cb(ErrNotMember)
		}
		return
	}
	p.doRemove(lease.id, true, cb)
}

// Destroy forcefully, unconditionally tears a leased resource down via the
// destroy operation, fire-and-forget.
func (p *Pool[T]) Destroy(lease *Lease[T]) {
	if lease == nil || lease.pool != p {
		return
	}
	p.mu.Lock()
	ent, ok := p.resources[lease.id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.resources, lease.id)
	for i, id := range p.available {
		if id == lease.id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	p.fireDestroy(ent.value)
	p.afterTeardown(nil)
}

// End transitions the pool to StatusEnding. Once the pending request queue
// and in-flight allocation counter both drain to zero, every resource is
// torn down and cb fires with nil or the aggregated teardown errors.
func (p *Pool[T]) End(cb func([]error)) {
	p.mu.Lock()
	if p.status == StatusDestroyed {
		p.mu.Unlock()
		if cb != nil {
			go cb(nil)
		}
		return
	}
	p.status = StatusEnding
	p.endCallback = cb
	p.mu.Unlock()

	go p.maybeBeginEndTeardown()
}

// Shutdown forcefully and immediately transitions the pool to
// StatusDestroyed: every pending request is rejected with ErrDestroyed and
// every tracked resource is routed through graceful teardown.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	if p.status == StatusDestroyed {
		p.mu.Unlock()
		return
	}
	p.status = StatusDestroyed
	pending := p.requests
	p.requests = nil
	ids := make([]int64, 0, len(p.resources))
	for id := range p.resources {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	p.stopSyncOnce()
	for _, r := range pending {
		r.Reject(&ShutdownError{Err: ErrDestroyed})
	}
	for _, id := range ids {
		p.doRemove(id, false, nil)
	}
}

func (p *Pool[T]) fireDestroy(value T) {
	defer func() {
		if r := recover(); r != nil {
			p.emitWarn(fmt.Errorf("resourcepool: destroy panic: %v", r))
		}
	}()
	p.cfg.destroy(value)
}

func (p *Pool[T]) stopSyncOnce() {
	p.syncStopOnce.Do(func() {
		close(p.stopSync)
	})
}

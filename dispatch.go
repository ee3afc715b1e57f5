package resourcepool

import (
	"context"
	"fmt"
	"time"
)

// maybeAllocateResource is the dispatch routine (§4.2): it matches queued
// requests against available resources or, failing that, against factory
// capacity, until neither queue nor resources/capacity remain.
func (p *Pool[T]) maybeAllocateResource() {
	for {
		p.mu.Lock()
		if len(p.requests) == 0 {
			p.mu.Unlock()
			return
		}

		if len(p.available) > 0 {
			idx := len(p.available) - 1
			id := p.available[idx]
			p.available = p.available[:idx]
			ent, ok := p.resources[id]
			p.mu.Unlock()

			if !ok {
				// Raced with a concurrent removal; try the next candidate.
				continue
			}

			if err := p.pingResource(ent); err != nil {
				p.emitWarn(fmt.Errorf("resourcepool: ping failed: %w", err))
				p.mu.Lock()
				var headReq *Request[T]
				if len(p.requests) > 0 {
					headReq = p.requests[0]
				}
				p.mu.Unlock()
				if headReq != nil {
					p.emitRequeue(headReq)
				}
				p.doRemove(id, false, nil)
				continue
			}

			p.mu.Lock()
			if len(p.requests) == 0 {
				// The queue emptied while we were pinging (e.g. the sole
				// waiter aborted); return the resource and stop.
				p.mu.Unlock()
				p.returnToAvailable(id)
				continue
			}
			req := p.requests[0]
			if req.Fulfilled() {
				// The request at the head already reached a terminal
				// state (timed out or aborted) while we pinged. The
				// resource arrived late for it; drop the dead request and
				// return the resource to available for the next one.
				p.requests = p.requests[1:]
				p.mu.Unlock()
				p.returnToAvailable(id)
				continue
			}
			p.requests = p.requests[1:]
			drained := len(p.requests) == 0
			p.mu.Unlock()

			lease := &Lease[T]{pool: p, id: id, value: ent.value, idleSince: ent.idleSince}
			req.Resolve(lease)
			if drained {
				p.emitDrain()
			}
			continue
		}

		headReq := p.requests[0]
		p.mu.Unlock()
		// allocateResource re-triggers dispatch itself on success (via
		// onFactoryResult); nothing further to do here either way.
		p.allocateResource(headReq)
		return
	}
}

// allocateResource invokes the factory under an acquireTimeout guard. req,
// if non-nil, is the request this attempt was made on behalf of and is
// rejected directly if the timer wins the race. The resources+acquiring<max
// gate is checked under the same lock as the acquiring++ that follows it, so
// two concurrent dispatchers can never both pass it for the last slot (§5:
// no check-then-act split). Returns false, without starting a factory call,
// when the pool is not accepting new allocations or is already at max.
func (p *Pool[T]) allocateResource(req *Request[T]) bool {
	p.mu.Lock()
	if p.status != StatusInitial && p.status != StatusLive {
		p.mu.Unlock()
		return false
	}
	if len(p.resources)+p.acquiring >= p.cfg.max {
		p.mu.Unlock()
		return false
	}
	p.acquiring++
	p.mu.Unlock()

	ctx := context.Background()
	var cancel context.CancelFunc
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if p.cfg.acquireTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.acquireTimeout)
		timer = time.NewTimer(p.cfg.acquireTimeout)
		timeoutCh = timer.C
	}
	if cancel != nil {
		defer cancel()
	}

	resultCh := make(chan factoryResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				resultCh <- factoryResult[T]{value: zero, err: fmt.Errorf("resourcepool: factory panic: %v", r)}
			}
		}()
		val, err := p.cfg.factory(ctx)
		resultCh <- factoryResult[T]{value: val, err: err}
	}()

	select {
	case res := <-resultCh:
		if timer != nil {
			timer.Stop()
		}
		return p.onFactoryResult(res)
	case <-timeoutCh:
		p.onAcquireTimeout(req)
		go func() {
			res := <-resultCh
			p.onLateFactoryResult(res)
		}()
		return false
	}
}

func (p *Pool[T]) onFactoryResult(res factoryResult[T]) bool {
	p.mu.Lock()
	p.acquiring--
	if res.err != nil {
		wasInitial := p.status == StatusInitial
		p.mu.Unlock()
		if wasInitial {
			p.handleInitialFailure(res.err)
		} else {
			p.emitWarn(&FactoryError{Err: res.err})
		}
		p.checkEndDrainAfterFactory()
		return false
	}

	id := p.nextID
	p.nextID++
	ent := &entry[T]{id: id, value: res.value, idleSince: time.Now()}
	p.resources[id] = ent
	p.available = append(p.available, id)
	p.live = true
	if p.status == StatusInitial {
		p.status = StatusLive
	}
	p.mu.Unlock()

	p.checkEndDrainAfterFactory()
	go p.maybeAllocateResource()
	return true
}

// onAcquireTimeout handles the acquireTimeout guard firing before the
// factory returned (§9 design note: a one-shot latch gates which branch
// "won"; the loser, a late factory success, is handled separately in
// onLateFactoryResult).
func (p *Pool[T]) onAcquireTimeout(req *Request[T]) {
	p.mu.Lock()
	p.acquiring--
	wasInitial := p.status == StatusInitial
	p.mu.Unlock()

	p.emitWarn(&TimeoutError{Op: "acquire"})
	if req != nil && !req.Fulfilled() {
		req.Reject(&TimeoutError{Op: "acquire"})
	}
	if wasInitial {
		p.handleInitialFailure(&TimeoutError{Op: "acquire"})
	}
	p.checkEndDrainAfterFactory()

	// Avoid a busy loop if the factory is failing immediately and
	// repeatedly; give the system a moment before the next attempt.
	time.AfterFunc(50*time.Millisecond, func() { go p.ensureMinimum() })
}

// onLateFactoryResult handles a factory call that completed after its
// acquireTimeout already fired. A late success is never dropped: it is
// routed straight through graceful teardown.
func (p *Pool[T]) onLateFactoryResult(res factoryResult[T]) {
	if res.err != nil {
		return
	}
	p.emitWarn(fmt.Errorf("resourcepool: factory returned after its acquire timeout; disposing"))
	p.disposeStray(res.value)
}

// handleInitialFailure runs the INITIAL-state retry-or-bail decision.
func (p *Pool[T]) handleInitialFailure(err error) {
	p.mu.Lock()
	if p.status != StatusInitial {
		p.mu.Unlock()
		return
	}
	if p.ib == nil {
		p.ib = newInitialBackoff(p.cfg.backoff, p.cfg.bailAfter)
	}
	delay, ok := p.ib.next()
	p.mu.Unlock()

	p.emitError(&FactoryError{Fatal: true, Err: err})

	if !ok {
		p.Shutdown()
		return
	}
	time.AfterFunc(delay, func() {
		go p.ensureMinimum()
		go p.maybeAllocateResource()
	})
}

// checkEndDrainAfterFactory covers the ENDING edge case where End was
// called while a min-fill factory call was in flight with no pending
// requests: once that call settles with both requests and acquiring at
// zero, a synthetic drain lets the end-routine proceed.
func (p *Pool[T]) checkEndDrainAfterFactory() {
	p.mu.Lock()
	ending := p.status == StatusEnding
	quiet := len(p.requests) == 0 && p.acquiring == 0
	p.mu.Unlock()
	if ending && quiet {
		p.emitDrain()
		go p.maybeBeginEndTeardown()
	}
}

// maybeBeginEndTeardown opens the end-teardown gate once the request queue
// and in-flight allocation counter both drain to zero. Resources still
// checked out to a consumer at that point are NOT torn down here — they
// are counted in endOutstanding and are instead routed straight to
// teardown by Release's StatusEnding branch once the consumer gives them
// back (returnToAvailable does the same for resources coming back from
// dispatch), per the "on available re-population ... tear-down continues"
// wording in the end routine's description.
func (p *Pool[T]) maybeBeginEndTeardown() {
	p.mu.Lock()
	if p.status != StatusEnding || p.endStarted {
		p.mu.Unlock()
		return
	}
	if len(p.requests) != 0 || p.acquiring != 0 {
		p.mu.Unlock()
		return
	}
	p.endStarted = true
	p.endOutstanding = len(p.resources)
	idle := append([]int64(nil), p.available...)
	p.available = nil
	cb := p.endCallback
	total := p.endOutstanding
	p.mu.Unlock()

	p.stopSyncOnce()

	if total == 0 {
		p.mu.Lock()
		p.status = StatusDestroyed
		p.endCallback = nil
		p.mu.Unlock()
		if cb != nil {
			cb(nil)
		}
		return
	}
	for _, id := range idle {
		p.doRemove(id, false, nil)
	}
}

// returnToAvailable puts a resource back into the available set, unless
// the pool is already sweeping toward Destroyed, in which case the
// resource is retired immediately instead of waiting in an available set
// nothing will ever drain again.
func (p *Pool[T]) returnToAvailable(id int64) {
	p.mu.Lock()
	if p.status == StatusEnding && p.endStarted {
		p.mu.Unlock()
		p.doRemove(id, false, nil)
		return
	}
	p.available = append(p.available, id)
	p.mu.Unlock()
}

func (p *Pool[T]) doRemove(id int64, external bool, cb func(error)) {
	p.mu.Lock()
	ent, ok := p.resources[id]
	if !ok {
		p.mu.Unlock()
		if external {
			p.emitError(&UsageError{Op: "remove", Err: ErrNotMember})
		}
		if cb != nil {
			cb(ErrNotMember)
		}
		return
	}
	delete(p.resources, id)
	for i, aid := range p.available {
		if aid == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	go p.teardown(ent, cb)
}

func (p *Pool[T]) teardown(ent *entry[T], cb func(error)) {
	err := p.disposeWithTimeout(ent.value)
	if err != nil {
		p.emitWarn(err)
	}
	if cb != nil {
		cb(err)
	}
	p.afterTeardown(err)
}

// afterTeardown performs post-teardown bookkeeping: during ENDING it
// aggregates the error and checks whether the pool has fully drained;
// otherwise, while LIVE, it triggers an ensureMinimum pass so the pool
// refills toward min.
func (p *Pool[T]) afterTeardown(err error) {
	p.mu.Lock()
	if p.status == StatusEnding {
		p.endOutstanding--
		if err != nil {
			p.endErrors = append(p.endErrors, err)
		}
		ready := p.endOutstanding <= 0 && len(p.resources) == 0 && p.acquiring == 0
		var cb func([]error)
		var errs []error
		if ready {
			cb = p.endCallback
			errs = append([]error(nil), p.endErrors...)
			p.status = StatusDestroyed
			p.endCallback = nil
		}
		p.mu.Unlock()
		if ready {
			p.stopSyncOnce()
			if cb != nil {
				if len(errs) == 0 {
					cb(nil)
				} else {
					cb(errs)
				}
			}
		}
		return
	}
	status := p.status
	p.mu.Unlock()

	if status == StatusLive {
		go p.ensureMinimum()
	}
}

// disposeWithTimeout runs the configured dispose operation under a
// disposeTimeout guard, falling back to the destroy operation on expiry
// (§4.2 remove).
func (p *Pool[T]) disposeWithTimeout(value T) error {
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("resourcepool: dispose panic: %v", r)
			}
		}()
		done <- p.cfg.dispose(ctx, value)
	}()

	if p.cfg.disposeTimeout <= 0 {
		return <-done
	}

	t := time.NewTimer(p.cfg.disposeTimeout)
	defer t.Stop()
	select {
	case err := <-done:
		return err
	case <-t.C:
		p.fireDestroy(value)
		return &TimeoutError{Op: "dispose"}
	}
}

// disposeStray tears down a resource that never entered resources/
// available, such as a factory result that arrived after its
// acquireTimeout fired.
func (p *Pool[T]) disposeStray(value T) {
	if err := p.disposeWithTimeout(value); err != nil {
		p.emitWarn(err)
	}
}

// pingResource runs the configured health check under a pingTimeout guard.
func (p *Pool[T]) pingResource(ent *entry[T]) error {
	ctx := context.Background()
	var cancel context.CancelFunc
	if p.cfg.pingTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.pingTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("resourcepool: ping panic: %v", r)
			}
		}()
		done <- p.cfg.ping(ctx, ent.value)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{Op: "ping"}
	}
}

// ensureMinimum calls the factory until |resources|+acquiring reaches min,
// stopping early on any failure (retries for that failure are scheduled
// separately by handleInitialFailure or by the next sync tick).
func (p *Pool[T]) ensureMinimum() {
	for {
		p.mu.Lock()
		if p.status == StatusEnding || p.status == StatusDestroyed {
			p.mu.Unlock()
			return
		}
		deficit := p.cfg.min - (len(p.resources) + p.acquiring)
		p.mu.Unlock()
		if deficit <= 0 {
			return
		}
		if !p.allocateResource(nil) {
			return
		}
	}
}

// reap tears down idle resources above min whose idleSince predates
// idleTimeout, walking from the oldest end of available.
func (p *Pool[T]) reap() {
	p.mu.Lock()
	if p.status != StatusLive && p.status != StatusInitial {
		p.mu.Unlock()
		return
	}
	cutoff := time.Now().Add(-p.cfg.idleTimeout)
	var toRemove []int64
	for len(p.available) > len(toRemove) && len(p.resources)-len(toRemove) > p.cfg.min {
		id := p.available[len(toRemove)]
		ent, ok := p.resources[id]
		if !ok || ent.idleSince.After(cutoff) {
			break
		}
		toRemove = append(toRemove, id)
	}
	if len(toRemove) > 0 {
		p.available = p.available[len(toRemove):]
	}
	p.mu.Unlock()

	for _, id := range toRemove {
		p.doRemove(id, false, nil)
	}
}

// runSync drives the periodic min-fill / idle-reap / dispatch cycle.
func (p *Pool[T]) runSync() {
	defer close(p.syncDone)
	ticker := time.NewTicker(p.cfg.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSync:
			return
		case <-ticker.C:
			p.ensureMinimum()
			p.reap()
			p.maybeAllocateResource()
		}
	}
}

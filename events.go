package resourcepool

// Hooks is the statically typed stand-in for the original source's
// general-purpose event emitter (§9 design note): one optional callback
// per event the design calls out (`request`, `requeue`, `drain`, `warn`,
// `error`). Every hook is optional; nil hooks are simply skipped. Every
// error event is also written to the configured zerolog logger at error
// level. The default logger is disabled, so with no OnError hook and no
// WithLogger the event is dropped; it is not turned into a fatal condition.
type Hooks[T any] struct {
	// OnRequest fires when Acquire admits a new Request onto the queue.
	OnRequest func(*Request[T])

	// OnRequeue fires when a resource failed its ping and the request at
	// the head of the queue is retried against the next candidate.
	OnRequeue func(*Request[T])

	// OnDrain fires after a transition that leaves the request queue
	// empty.
	OnDrain func()

	// OnWarn fires for recoverable conditions: ping failures, LIVE-state
	// factory errors, teardown failures.
	OnWarn func(error)

	// OnError fires for fatal or usage-level conditions: every INITIAL-state
	// factory failure, release of a non-member, double release,
	// redundant request fulfillment.
	OnError func(error)
}

func (p *Pool[T]) emitRequest(r *Request[T]) {
	if p.cfg.hooks.OnRequest != nil {
		p.cfg.hooks.OnRequest(r)
	}
}

func (p *Pool[T]) emitRequeue(r *Request[T]) {
	p.cfg.logger.Warn().Str("pool", p.cfg.name).Msg("requeueing head request after failed ping")
	if p.cfg.hooks.OnRequeue != nil {
		p.cfg.hooks.OnRequeue(r)
	}
}

func (p *Pool[T]) emitDrain() {
	if p.cfg.hooks.OnDrain != nil {
		p.cfg.hooks.OnDrain()
	}
}

func (p *Pool[T]) emitWarn(err error) {
	p.cfg.logger.Warn().Str("pool", p.cfg.name).Err(err).Msg("resourcepool warning")
	if p.cfg.hooks.OnWarn != nil {
		p.cfg.hooks.OnWarn(err)
	}
}

func (p *Pool[T]) emitError(err error) {
	p.cfg.logger.Error().Str("pool", p.cfg.name).Err(err).Msg("resourcepool error")
	if p.cfg.hooks.OnError != nil {
		p.cfg.hooks.OnError(err)
	}
}

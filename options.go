package resourcepool

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Capabilities is the set of opaque tags a Pool declares. A Cluster honors
// a request only on pools whose Capabilities are a superset of the
// requested set.
type Capabilities map[string]struct{}

// NewCapabilities builds a Capabilities set from a list of tags.
func NewCapabilities(tags ...string) Capabilities {
	c := make(Capabilities, len(tags))
	for _, t := range tags {
		c[t] = struct{}{}
	}
	return c
}

// Contains reports whether c declares every tag in required.
func (c Capabilities) Contains(required Capabilities) bool {
	for tag := range required {
		if _, ok := c[tag]; !ok {
			return false
		}
	}
	return true
}

// FactoryFunc produces a new resource. It is required, as is a dispose
// operation supplied through WithDispose.
type FactoryFunc[T any] func(ctx context.Context) (T, error)

// DisposeFunc gracefully releases a resource back to its origin (closing a
// connection, freeing a handle).
type DisposeFunc[T any] func(ctx context.Context, value T) error

// DestroyFunc forcefully, unconditionally releases a resource. Errors and
// panics are reported as warnings and otherwise ignored.
type DestroyFunc[T any] func(value T)

// PingFunc health-checks a resource before it is handed to a waiting
// consumer. When WithPing is not used, the pool's default ping always
// succeeds.
type PingFunc[T any] func(ctx context.Context, value T) error

// config holds a Pool's fully validated, immutable-after-construction
// settings (§6).
type config[T any] struct {
	name string

	factory func(context.Context) (T, error)
	dispose func(context.Context, T) error
	destroy func(T)
	ping    func(context.Context, T) error

	min         int
	max         int
	maxRequests int // 0 means unbounded

	acquireTimeout time.Duration // 0 disables
	disposeTimeout time.Duration // 0 disables destroy-fallback
	pingTimeout    time.Duration // 0 disables
	idleTimeout    time.Duration
	syncInterval   time.Duration // 0 disables sync & reap
	requestTimeout time.Duration // 0 means no deadline
	bailAfter      time.Duration // 0 means infinite retry budget

	idleTimeoutSet bool

	backoff func() backoff.BackOff

	capabilities Capabilities

	hooks  Hooks[T]
	logger zerolog.Logger
}

// Option configures a Pool at construction time.
type Option[T any] func(*config[T])

// WithName attaches a name used in log fields and Cluster diagnostics.
func WithName[T any](name string) Option[T] {
	return func(c *config[T]) { c.name = name }
}

// WithDispose sets the graceful teardown operation (a.k.a. "release" in
// the original source). Required.
func WithDispose[T any](fn DisposeFunc[T]) Option[T] {
	return func(c *config[T]) { c.dispose = fn }
}

// WithDestroy sets the forceful teardown operation. Defaults to a no-op.
func WithDestroy[T any](fn DestroyFunc[T]) Option[T] {
	return func(c *config[T]) { c.destroy = fn }
}

// WithPing sets the health-check operation run before a loaned resource is
// handed to a waiting consumer. Defaults to always-succeeds.
func WithPing[T any](fn PingFunc[T]) Option[T] {
	return func(c *config[T]) { c.ping = fn }
}

// WithSize sets the min/max pool size bounds.
func WithSize[T any](min, max int) Option[T] {
	return func(c *config[T]) { c.min, c.max = min, max }
}

// WithMaxRequests caps the pending-request queue length. 0 means
// unbounded.
func WithMaxRequests[T any](n int) Option[T] {
	return func(c *config[T]) { c.maxRequests = n }
}

// WithAcquireTimeout bounds a single factory call. 0 disables the guard.
func WithAcquireTimeout[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.acquireTimeout = d }
}

// WithDisposeTimeout bounds the graceful teardown operation; on expiry the
// pool falls back to Destroy. 0 disables both the guard and the fallback.
func WithDisposeTimeout[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.disposeTimeout = d }
}

// WithPingTimeout bounds the health check run before handing out an idle
// resource.
func WithPingTimeout[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.pingTimeout = d }
}

// WithIdleTimeout sets how long a resource may sit idle above min before
// the reaper tears it down. Rejected at construction time if SyncInterval
// is 0.
func WithIdleTimeout[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.idleTimeout = d; c.idleTimeoutSet = true }
}

// WithSyncInterval sets how often the background synchronizer enforces
// min and reaps idle resources. 0 disables both.
func WithSyncInterval[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.syncInterval = d }
}

// WithRequestTimeout sets the default per-acquire deadline. 0 means no
// deadline.
func WithRequestTimeout[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.requestTimeout = d }
}

// WithBailAfter bounds how long the pool retries its very first
// allocation before giving up and transitioning to Destroyed. 0 means
// retry forever.
func WithBailAfter[T any](d time.Duration) Option[T] {
	return func(c *config[T]) { c.bailAfter = d }
}

// WithBackoff overrides the retry generator used while in the INITIAL
// state. The factory must produce a fresh, unstarted BackOff on each call.
func WithBackoff[T any](factory func() backoff.BackOff) Option[T] {
	return func(c *config[T]) { c.backoff = factory }
}

// WithCapabilities declares the pool's capability tags for Cluster
// matching.
func WithCapabilities[T any](tags ...string) Option[T] {
	return func(c *config[T]) { c.capabilities = NewCapabilities(tags...) }
}

// WithHooks registers typed event hooks (§9 design note: a statically
// typed stand-in for the original's general-purpose event emitter).
func WithHooks[T any](h Hooks[T]) Option[T] {
	return func(c *config[T]) { c.hooks = h }
}

// WithLogger attaches a zerolog sink for warn/error events. Defaults to a
// disabled logger.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(c *config[T]) { c.logger = l }
}

func defaultConfig[T any]() config[T] {
	return config[T]{
		name:           "pool",
		destroy:        func(T) {},
		ping:           func(context.Context, T) error { return nil },
		min:            0,
		max:            10,
		maxRequests:    0,
		acquireTimeout: 30 * time.Second,
		disposeTimeout: 30 * time.Second,
		pingTimeout:    10 * time.Second,
		idleTimeout:    60 * time.Second,
		syncInterval:   10 * time.Second,
		requestTimeout: 0,
		bailAfter:      0,
		backoff:        defaultBackoff,
		capabilities:   Capabilities{},
		logger:         zerolog.Nop(),
	}
}

func newConfig[T any](factory FactoryFunc[T], opts ...Option[T]) (config[T], error) {
	c := defaultConfig[T]()
	c.factory = factory
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.validate(); err != nil {
		return config[T]{}, &UsageError{Op: "new", Err: err}
	}
	return c, nil
}

func (c *config[T]) validate() error {
	if c.factory == nil {
		return fmt.Errorf("resourcepool: acquire operation is required")
	}
	if c.dispose == nil {
		return fmt.Errorf("resourcepool: dispose operation is required")
	}
	if c.min < 0 {
		return fmt.Errorf("resourcepool: min cannot be negative")
	}
	if c.max < 1 {
		return fmt.Errorf("resourcepool: max must be a positive integer")
	}
	if c.min > c.max {
		return fmt.Errorf("resourcepool: min cannot be greater than max")
	}
	if c.maxRequests < 0 {
		return fmt.Errorf("resourcepool: maxRequests cannot be negative")
	}
	if c.acquireTimeout < 0 {
		return fmt.Errorf("resourcepool: acquireTimeout cannot be negative")
	}
	if c.disposeTimeout < 0 {
		return fmt.Errorf("resourcepool: disposeTimeout cannot be negative")
	}
	if c.pingTimeout < 0 {
		return fmt.Errorf("resourcepool: pingTimeout cannot be negative")
	}
	if c.idleTimeout <= 0 {
		return fmt.Errorf("resourcepool: idleTimeout must be a positive duration")
	}
	if c.syncInterval < 0 {
		return fmt.Errorf("resourcepool: syncInterval cannot be negative")
	}
	if c.syncInterval == 0 && c.idleTimeoutSet {
		return fmt.Errorf("resourcepool: idleTimeout cannot be set when syncInterval is 0")
	}
	if c.requestTimeout < 0 {
		return fmt.Errorf("resourcepool: requestTimeout cannot be negative")
	}
	if c.bailAfter < 0 {
		return fmt.Errorf("resourcepool: bailAfter cannot be negative")
	}
	if c.backoff == nil {
		return fmt.Errorf("resourcepool: backoff factory is required")
	}
	return nil
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // the pool itself enforces bailAfter
	return b
}

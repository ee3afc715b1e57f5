package resourcepool_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pool "github.com/posidoni/resourcepool"
)

type widget struct{ id int }

func countingFactory(ctrCalls *int64) pool.FactoryFunc[*widget] {
	return func(ctx context.Context) (*widget, error) {
		n := atomic.AddInt64(ctrCalls, 1)
		return &widget{id: int(n)}, nil
	}
}

func nopDispose(ctx context.Context, w *widget) error { return nil }

func newTestPool(t *testing.T, ctrCalls, dstrCalls *int64, opts ...pool.Option[*widget]) *pool.Pool[*widget] {
	t.Helper()
	base := []pool.Option[*widget]{
		pool.WithSize[*widget](0, 2),
		pool.WithDispose(nopDispose),
		pool.WithDestroy(func(w *widget) { atomic.AddInt64(dstrCalls, 1) }),
		pool.WithSyncInterval[*widget](0),
	}
	p, err := pool.New(countingFactory(ctrCalls), append(base, opts...)...)
	require.NoError(t, err)
	return p
}

func acquireCtx(t *testing.T, p *pool.Pool[*widget], timeout time.Duration) (*pool.Lease[*widget], error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.AcquireCtx(ctx)
}

func TestPool(t *testing.T) {
	t.Parallel()

	t.Run("when there are no resources in the pool, acquire builds one from scratch with the factory", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(1), ctrCalls)
		require.Equal(t, 1, lease.Value().id)
	})

	t.Run("when a resource is released, the next acquire reuses it without calling the factory again", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())

		lease2, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(1), ctrCalls)
		require.Same(t, lease.Value(), lease2.Value())
	})

	t.Run("releasing a lease twice reports a usage error and does not touch the resource again", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		var errs []error
		var mu sync.Mutex
		p := newTestPool(t, &ctrCalls, &dstrCalls, pool.WithHooks(pool.Hooks[*widget]{
			OnError: func(err error) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			},
		}))

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())
		require.Error(t, lease.Release())

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, errs, 1)
		var usageErr *pool.UsageError
		require.True(t, errors.As(errs[0], &usageErr))
		require.ErrorIs(t, usageErr, pool.ErrAlreadyReleased)
	})

	t.Run("when asked for more resources than max, extra acquires wait for a release", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls, pool.WithSize[*widget](0, 1))

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(1), ctrCalls)

		_, err = acquireCtx(t, p, 50*time.Millisecond)
		require.Error(t, err)
		require.Equal(t, int64(1), ctrCalls, "a second resource must not be manufactured while max is already allocated")

		done := make(chan *pool.Lease[*widget], 1)
		go func() {
			l, _ := acquireCtx(t, p, time.Second)
			done <- l
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, lease.Release())

		select {
		case l := <-done:
			require.NotNil(t, l)
		case <-time.After(time.Second):
			t.Fatal("queued acquire never woke up after release")
		}
		require.Equal(t, int64(1), ctrCalls)
	})

	t.Run("a failed ping on an idle resource removes it and tries the next candidate", func(t *testing.T) {
		t.Parallel()
		var ctrCalls int64
		var disposeCalls int64
		var pingCalls int64
		p, err := pool.New(countingFactory(&ctrCalls),
			pool.WithSize[*widget](0, 2),
			pool.WithDispose(func(ctx context.Context, w *widget) error {
				atomic.AddInt64(&disposeCalls, 1)
				return nil
			}),
			pool.WithSyncInterval[*widget](0),
			pool.WithPing(func(ctx context.Context, w *widget) error {
				n := atomic.AddInt64(&pingCalls, 1)
				// Ping 1 runs on the fresh resource before its first loan;
				// ping 2 is the idle resource's check on the second acquire.
				if n == 2 {
					return errors.New("stale connection")
				}
				return nil
			}),
		)
		require.NoError(t, err)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())

		lease2, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(2), ctrCalls, "the stale resource should have been replaced by a freshly built one")
		require.Equal(t, int64(1), disposeCalls, "the failed ping's resource is torn down through graceful dispose")
		require.NotSame(t, lease.Value(), lease2.Value())
	})

	t.Run("destroy unconditionally retires the resource and never routes through dispose", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		var disposeCalls int64
		p, err := pool.New(countingFactory(&ctrCalls),
			pool.WithSize[*widget](0, 2),
			pool.WithDispose(func(ctx context.Context, w *widget) error {
				atomic.AddInt64(&disposeCalls, 1)
				return nil
			}),
			pool.WithDestroy(func(w *widget) { atomic.AddInt64(&dstrCalls, 1) }),
			pool.WithSyncInterval[*widget](0),
		)
		require.NoError(t, err)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		lease.Destroy()

		time.Sleep(20 * time.Millisecond)
		require.Equal(t, int64(1), dstrCalls)
		require.Equal(t, int64(0), disposeCalls)
	})

	t.Run("Remove tears a leased resource down via dispose and reports completion", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)

		done := make(chan error, 1)
		lease.Remove(func(err error) { done <- err })

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Remove callback never fired")
		}

		stats := p.Stats()
		require.Equal(t, 0, stats.Allocated)
	})

	t.Run("End waits for outstanding leases before tearing resources down", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls, pool.WithSize[*widget](0, 2))

		lease1, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		lease2, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)

		endDone := make(chan []error, 1)
		p.End(func(errs []error) { endDone <- errs })

		time.Sleep(30 * time.Millisecond)
		require.Equal(t, 2, p.Stats().Allocated, "resources still checked out must not be torn down before release")

		require.NoError(t, lease1.Release())
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 1, p.Stats().Allocated, "only one of two outstanding leases has been released")

		require.NoError(t, lease2.Release())

		select {
		case errs := <-endDone:
			require.Empty(t, errs)
		case <-time.After(time.Second):
			t.Fatal("End callback never fired once every lease was released")
		}
		require.Equal(t, int64(0), dstrCalls, "graceful dispose was configured, not destroy")
	})

	t.Run("after End completes, the pool is destroyed and further acquires fail", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())

		endDone := make(chan []error, 1)
		p.End(func(errs []error) { endDone <- errs })

		select {
		case <-endDone:
		case <-time.After(time.Second):
			t.Fatal("End never completed")
		}

		require.Equal(t, pool.StatusDestroyed, p.Status())
		_, err = acquireCtx(t, p, 50*time.Millisecond)
		require.Error(t, err)
		var shutdownErr *pool.ShutdownError
		require.True(t, errors.As(err, &shutdownErr))
	})

	t.Run("Shutdown moves the pool to destroyed and rejects queued requests", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls, pool.WithSize[*widget](0, 1))

		_, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)

		req := p.AcquireTimeout(time.Second, func(err error, lease *pool.Lease[*widget]) {})

		p.Shutdown()
		time.Sleep(20 * time.Millisecond)

		require.True(t, req.Fulfilled())
		require.Equal(t, pool.StatusDestroyed, p.Status())
	})

	t.Run("construction rejects min greater than max", func(t *testing.T) {
		t.Parallel()
		_, err := pool.New(countingFactory(new(int64)),
			pool.WithSize[*widget](5, 1),
			pool.WithDispose(nopDispose),
		)
		require.Error(t, err)
	})

	t.Run("construction rejects idleTimeout when syncInterval is disabled", func(t *testing.T) {
		t.Parallel()
		_, err := pool.New(countingFactory(new(int64)),
			pool.WithDispose(nopDispose),
			pool.WithSyncInterval[*widget](0),
			pool.WithIdleTimeout[*widget](time.Second),
		)
		require.Error(t, err)
	})

	t.Run("construction requires a dispose operation", func(t *testing.T) {
		t.Parallel()
		_, err := pool.New(countingFactory(new(int64)))
		require.Error(t, err)
	})

	t.Run("the background synchronizer reaps idle resources above min once they exceed idleTimeout", func(t *testing.T) {
		t.Parallel()
		var ctrCalls int64
		var disposeCalls int64
		p, err := pool.New(countingFactory(&ctrCalls),
			pool.WithSize[*widget](0, 5),
			pool.WithDispose(func(ctx context.Context, w *widget) error {
				atomic.AddInt64(&disposeCalls, 1)
				return nil
			}),
			pool.WithSyncInterval[*widget](10*time.Millisecond),
			pool.WithIdleTimeout[*widget](20*time.Millisecond),
		)
		require.NoError(t, err)

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)
		require.NoError(t, lease.Release())

		require.Eventually(t, func() bool {
			return atomic.LoadInt64(&disposeCalls) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("Stats reports min, max, allocation and queue depth", func(t *testing.T) {
		t.Parallel()
		var ctrCalls, dstrCalls int64
		p := newTestPool(t, &ctrCalls, &dstrCalls, pool.WithSize[*widget](0, 1))

		lease, err := acquireCtx(t, p, time.Second)
		require.NoError(t, err)

		stats := p.Stats()
		require.Equal(t, 0, stats.Min)
		require.Equal(t, 1, stats.Max)
		require.Equal(t, 1, stats.Allocated)
		require.Equal(t, 0, stats.Idle)

		require.NoError(t, lease.Release())
		stats = p.Stats()
		require.Equal(t, 1, stats.Idle)
	})
}

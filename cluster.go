package resourcepool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cluster is a thin dispatcher that selects among several Pools by
// capability tag and load. It owns no resources itself; it only tracks
// which Pool produced each outstanding Lease so Release can route
// correctly.
type Cluster[T any] struct {
	id     uuid.UUID
	logger zerolog.Logger

	mu     sync.Mutex
	pools  []*Pool[T]
	owners map[*Lease[T]]*Pool[T]
	ended  bool
}

// ClusterOption configures a Cluster at construction time.
type ClusterOption[T any] func(*Cluster[T])

// WithClusterLogger attaches a zerolog sink for cluster-level errors.
func WithClusterLogger[T any](l zerolog.Logger) ClusterOption[T] {
	return func(c *Cluster[T]) { c.logger = l }
}

// NewCluster builds a Cluster over the given pools, none of which may be
// nil.
func NewCluster[T any](pools []*Pool[T], opts ...ClusterOption[T]) (*Cluster[T], error) {
	for i, p := range pools {
		if p == nil {
			return nil, fmt.Errorf("resourcepool: cluster pool at index %d is nil", i)
		}
	}
	c := &Cluster[T]{
		id:     uuid.New(),
		logger: zerolog.Nop(),
		pools:  append([]*Pool[T]{}, pools...),
		owners: make(map[*Lease[T]]*Pool[T]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the cluster's identifier, used in log fields.
func (c *Cluster[T]) ID() uuid.UUID { return c.id }

// Acquire delegates to whichever registered Pool has a superset of
// required's capability tags and the greatest remaining headroom (max
// minus allocated, penalized by its queue depth). Ties are broken by
// registration order.
func (c *Cluster[T]) Acquire(required Capabilities, callback func(error, *Lease[T])) (*Request[T], error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, &ShutdownError{Err: fmt.Errorf("resourcepool: cluster is ended")}
	}
	pools := append([]*Pool[T]{}, c.pools...)
	c.mu.Unlock()

	candidates := make([]*Pool[T], 0, len(pools))
	for _, p := range pools {
		if p.cfg.capabilities.Contains(required) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("resourcepool: no pools can fulfil capability")
	}

	allFull := true
	var best *Pool[T]
	var bestScore int
	for i, p := range candidates {
		s := p.Stats()
		queueFull := s.MaxRequests > 0 && s.Queued >= s.MaxRequests
		if s.Allocated < s.Max || !queueFull {
			allFull = false
		}
		score := (s.Max - s.Allocated) - s.Queued
		if i == 0 || score > bestScore {
			best, bestScore = p, score
		}
	}
	if allFull {
		return nil, fmt.Errorf("resourcepool: no pools available")
	}

	req := best.Acquire(func(err error, lease *Lease[T]) {
		if err == nil && lease != nil {
			c.mu.Lock()
			c.owners[lease] = best
			c.mu.Unlock()
		}
		callback(err, lease)
	})
	return req, nil
}

// Release looks up the Pool that produced lease and delegates to it.
func (c *Cluster[T]) Release(lease *Lease[T]) error {
	c.mu.Lock()
	p, ok := c.owners[lease]
	if ok {
		delete(c.owners, lease)
	}
	c.mu.Unlock()

	if !ok {
		err := fmt.Errorf("resourcepool: release of resource unknown to this cluster")
		c.logger.Error().Str("cluster_id", c.id.String()).Err(err).Msg("cluster release")
		return err
	}
	return p.Release(lease)
}

// End marks the cluster ended and calls End on every registered pool,
// aggregating their teardown errors. Once ended, Acquire always fails. Like
// Pool.End, it returns immediately; cb fires once every pool has finished.
func (c *Cluster[T]) End(cb func([]error)) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		if cb != nil {
			go cb(nil)
		}
		return
	}
	c.ended = true
	pools := append([]*Pool[T]{}, c.pools...)
	c.mu.Unlock()

	go func() {
		var mu sync.Mutex
		var errs []error
		var wg sync.WaitGroup
		wg.Add(len(pools))
		for _, p := range pools {
			p.End(func(perrs []error) {
				if len(perrs) > 0 {
					mu.Lock()
					errs = append(errs, perrs...)
					mu.Unlock()
				}
				wg.Done()
			})
		}
		wg.Wait()

		if cb != nil {
			if len(errs) == 0 {
				cb(nil)
			} else {
				cb(errs)
			}
		}
	}()
}

package resourcepool

import "time"

// Lease is the public handle a consumer receives from a successful
// acquire. It decides the Open Question the original source left
// ambiguous (§9, note 4): the handle returned by an acquire is a
// first-class, publicly supported value, not an internal implementation
// detail, and mirrors the identity-by-handle pattern jackc/puddle uses for
// the same reason — Go generics give no free structural identity for an
// arbitrary T, so identity lives on the handle's id instead of on T
// itself.
type Lease[T any] struct {
	pool      *Pool[T]
	id        int64
	value     T
	idleSince time.Time
}

// Value returns the underlying resource.
func (l *Lease[T]) Value() T { return l.value }

// Release returns the resource to its pool's available set.
func (l *Lease[T]) Release() error { return l.pool.Release(l) }

// Remove gracefully tears the resource down via the pool's dispose
// operation, reporting completion (and any dispose error) via cb.
func (l *Lease[T]) Remove(cb func(error)) { l.pool.Remove(l, cb) }

// Destroy forcefully tears the resource down via the pool's destroy
// operation, fire-and-forget.
func (l *Lease[T]) Destroy() { l.pool.Destroy(l) }

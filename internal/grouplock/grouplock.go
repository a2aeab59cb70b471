// Package grouplock provides the per-group serial lock named in the
// concurrency model: at most one sync, publish, or intent-resolve may
// be active for a given group id at a time, while different groups
// proceed independently and in parallel.
package grouplock

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry hands out one *sync.Mutex per group id, created lazily and
// kept for the life of the process. A singleflight.Group collapses
// concurrent identical sync calls for the same group into one RPC
// round trip, so a burst of callers all waiting on the same group's
// lock pay for a single QueryGroupMessages instead of one each.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sf    singleflight.Group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(groupID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[groupID] = l
	}
	return l
}

// WithLock runs fn while holding groupID's lock, releasing it whether
// fn returns an error or not. It does not itself check ctx; callers
// whose fn respects cancellation get a responsive lock holder, but the
// lock acquisition itself is not interruptible (matching sync.Mutex).
func (r *Registry) WithLock(ctx context.Context, groupID string, fn func(ctx context.Context) error) error {
	l := r.lockFor(groupID)
	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// Once collapses concurrent calls sharing the same key into a single
// execution of fn; all callers receive the one result. Used to fold
// concurrent group.ProcessInbound calls for one group id, triggered by
// overlapping intent-resolve loops, into a single remote query.
func (r *Registry) Once(key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	return r.sf.Do(key, fn)
}

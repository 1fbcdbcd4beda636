// Package barrier signals readiness once every declared secret has been
// installed at least once.
package barrier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Barrier has fixed membership decided at construction. It opens when each
// member has registered once and never closes again.
type Barrier struct {
	mu       sync.Mutex
	members  map[string]bool
	pending  int
	done     chan struct{}
	onReady  []func()
	released bool
}

// New returns a barrier over ids. A barrier with no members is open.
func New(ids []string) *Barrier {
	b := &Barrier{
		members: make(map[string]bool, len(ids)),
		done:    make(chan struct{}),
	}
	for _, id := range ids {
		if _, dup := b.members[id]; dup {
			continue
		}
		b.members[id] = false
		b.pending++
	}
	if b.pending == 0 {
		b.release()
	}
	return b
}

// Register records a member's first successful install. Repeated calls for
// the same id are no-ops; ids outside the membership are rejected.
func (b *Barrier) Register(id string) error {
	b.mu.Lock()
	registered, ok := b.members[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("barrier: unknown member %q", id)
	}
	if registered {
		b.mu.Unlock()
		return nil
	}
	b.members[id] = true
	b.pending--
	var hooks []func()
	if b.pending == 0 {
		hooks = b.release()
	}
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// release must be called with mu held or before the barrier is shared.
func (b *Barrier) release() []func() {
	if b.released {
		return nil
	}
	b.released = true
	close(b.done)
	hooks := b.onReady
	b.onReady = nil
	return hooks
}

// OnReady runs fn once the barrier opens, immediately if it already has.
func (b *Barrier) OnReady(fn func()) {
	b.mu.Lock()
	if !b.released {
		b.onReady = append(b.onReady, fn)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	fn()
}

// Wait blocks until the barrier opens or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether every member has registered.
func (b *Barrier) Ready() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Pending lists members that have not registered yet, sorted.
func (b *Barrier) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, registered := range b.members {
		if !registered {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// WriteReadyFile creates an empty marker file at path. Callers typically
// pass it to OnReady.
func WriteReadyFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0644)
}

package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry maps session ids to live handles. It is safe for concurrent use;
// lookups take a shared lock and never wait on each other.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.RLock()
	h, ok := r.handles[id]
	r.mu.RUnlock()
	return h, ok
}

// Register adds h under id. An existing entry is never replaced; the error
// wraps ErrDuplicateSession.
func (r *Registry) Register(id string, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[id]; exists {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateSession)
	}
	r.handles[id] = h
	return nil
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close closes every registered session.
func (r *Registry) Close() {
	for _, h := range r.snapshot() {
		h.Close()
	}
}

// ReapIdle closes sessions whose last activity is older than maxIdle and
// which have no operation in flight. It returns the number closed.
func (r *Registry) ReapIdle(now time.Time, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	var n int
	for _, h := range r.snapshot() {
		if now.Sub(h.LastActive()) < maxIdle {
			continue
		}
		h.mu.Lock()
		streaming := h.streaming
		h.mu.Unlock()
		if streaming || !h.tryAcquire() {
			continue
		}
		h.Close()
		<-h.sem
		n++
	}
	return n
}

// RunReaper calls ReapIdle every interval until ctx ends.
func (r *Registry) RunReaper(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.ReapIdle(now, maxIdle)
		}
	}
}

func (r *Registry) snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicateRequest is returned when a request id already has a live waiter.
	ErrDuplicateRequest = errors.New("request id already pending")
	// ErrTimeout is returned by Await when no response arrived in time.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrRegistryClosed is returned once the registry has been closed.
	ErrRegistryClosed = errors.New("registry closed")
)

// Waiter is a pending-request record. It is created by Register and receives
// at most one payload.
type Waiter struct {
	id string
	ch chan json.RawMessage
}

// ID returns the request id the waiter is registered under.
func (w *Waiter) ID() string { return w.id }

// Registry correlates request ids with the goroutines waiting on them.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	closed  bool
	done    chan struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		waiters: make(map[string]*Waiter),
		done:    make(chan struct{}),
	}
}

// Register creates the waiter for id. It must be called before the request is
// transmitted, otherwise a fast response could find no waiter.
func (r *Registry) Register(id string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if _, exists := r.waiters[id]; exists {
		return nil, ErrDuplicateRequest
	}
	w := &Waiter{id: id, ch: make(chan json.RawMessage, 1)}
	r.waiters[id] = w
	return w, nil
}

// Resolve delivers payload to the waiter registered under id and removes it.
// It returns false, discarding the payload, when no waiter exists.
func (r *Registry) Resolve(id string, payload json.RawMessage) bool {
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	// Removal under the lock makes this the only sender; the buffer never blocks.
	w.ch <- payload
	return true
}

// Await blocks until the waiter is resolved, the timeout elapses, ctx is done
// or the registry is closed. On timeout or cancellation the waiter is removed
// so a late Resolve is a no-op. A timeout <= 0 waits on ctx alone.
func (r *Registry) Await(ctx context.Context, w *Waiter, timeout time.Duration) (json.RawMessage, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case p := <-w.ch:
		return p, nil
	case <-expired:
		return r.abandon(w, ErrTimeout)
	case <-ctx.Done():
		return r.abandon(w, ctx.Err())
	case <-r.done:
		return r.abandon(w, ErrRegistryClosed)
	}
}

// abandon removes w and returns cause, unless a payload slipped in first.
func (r *Registry) abandon(w *Waiter, cause error) (json.RawMessage, error) {
	r.Forget(w)
	select {
	case p := <-w.ch:
		return p, nil
	default:
		return nil, cause
	}
}

// Forget removes w if it is still the live waiter for its id.
func (r *Registry) Forget(w *Waiter) {
	r.mu.Lock()
	if cur, ok := r.waiters[w.id]; ok && cur == w {
		delete(r.waiters, w.id)
	}
	r.mu.Unlock()
}

// Pending returns the number of live waiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Close wakes every waiter with ErrRegistryClosed and rejects new registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	clear(r.waiters)
}

// Package registry matches asynchronous completions to the requests waiting
// for them. Every request gets a single-fulfillment slot; whoever delivers
// the completion resolves it by key, from any goroutine, without blocking.
package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
)

// ErrLate is returned by Complete for a key that teardown already cancelled.
// The completion raced the teardown and is discarded.
var ErrLate = errors.New("completion arrived after cancellation")

// Result is the outcome delivered to a slot
type Result[T any] struct {
	Value T
	Err   error
}

// Pending is one registered request
type Pending[T any] struct {
	key    uint64
	kind   string
	handle uint16
	done   atomic.Bool
	ch     chan Result[T]
}

// Key is the correlation key to pass to Complete
func (p *Pending[T]) Key() uint64 { return p.key }

// Kind names the operation, for logs
func (p *Pending[T]) Kind() string { return p.kind }

// Handle is the attribute handle the request targets, 0 when none
func (p *Pending[T]) Handle() uint16 { return p.handle }

// Done delivers the result exactly once
func (p *Pending[T]) Done() <-chan Result[T] { return p.ch }

// Wait blocks until the slot resolves or ctx ends. Giving up on ctx does not
// resolve the slot; the owner still completes or cancels it later.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case r := <-p.ch:
		return r.Value, r.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Registry holds the pending slots of one connection
type Registry[T any] struct {
	slots  *hashmap.Map[uint64, *Pending[T]]
	next   atomic.Uint64
	logger *logrus.Logger

	// mu orders Register against CancelAll so no slot slips in after a seal
	mu         sync.RWMutex
	sealed     bool
	cancelMark uint64

	violationMu sync.RWMutex
	onViolation func(error)
}

// New creates an open registry
func New[T any](logger *logrus.Logger) *Registry[T] {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry[T]{
		slots:  hashmap.New[uint64, *Pending[T]](),
		logger: logger,
	}
	r.onViolation = r.logViolation
	return r
}

func (r *Registry[T]) logViolation(err error) {
	r.logger.WithField("error", err).Error("Async operation registry contract violation")
}

// OnViolation replaces the handler that receives contract violations
func (r *Registry[T]) OnViolation(fn func(error)) {
	r.violationMu.Lock()
	defer r.violationMu.Unlock()
	if fn == nil {
		fn = r.logViolation
	}
	r.onViolation = fn
}

func (r *Registry[T]) violation(err *device.ViolationError) error {
	r.violationMu.RLock()
	fn := r.onViolation
	r.violationMu.RUnlock()
	fn(err)
	return err
}

// Register creates a slot. It fails with NotConnected once the registry is
// sealed by CancelAll.
func (r *Registry[T]) Register(kind string, handle uint16) (*Pending[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sealed {
		return nil, device.Errorf(device.NotConnected, kind, "connection is being torn down")
	}

	p := &Pending[T]{
		key:    r.next.Add(1),
		kind:   kind,
		handle: handle,
		ch:     make(chan Result[T], 1),
	}
	r.slots.Set(p.key, p)
	return p, nil
}

// Complete resolves the slot for key. Resolving an unknown or already
// resolved key is a contract violation: it is reported to the violation
// handler and returned as *device.ViolationError.
func (r *Registry[T]) Complete(key uint64, value T, err error) error {
	p, ok := r.slots.Get(key)
	if !ok {
		if r.cancelledBy(key) {
			return ErrLate
		}
		return r.violation(device.Violationf("complete", "no pending operation for key %d", key))
	}
	if !p.done.CompareAndSwap(false, true) {
		if r.cancelledBy(key) {
			return ErrLate
		}
		return r.violation(device.Violationf("complete", "operation %s (key %d) already resolved", p.kind, key))
	}
	r.slots.Del(key)
	p.ch <- Result[T]{Value: value, Err: err}
	return nil
}

// cancelledBy reports whether key was registered before the last CancelAll
func (r *Registry[T]) cancelledBy(key uint64) bool {
	r.mu.RLock()
	late := key <= r.cancelMark
	r.mu.RUnlock()
	if late {
		r.logger.WithField("key", key).Debug("Dropping completion that arrived after teardown")
	}
	return late
}

// CancelAll seals the registry and resolves every outstanding slot with
// reason. It returns the number of slots it resolved.
func (r *Registry[T]) CancelAll(reason error) int {
	r.mu.Lock()
	r.sealed = true
	r.cancelMark = r.next.Load()
	r.mu.Unlock()

	var pending []*Pending[T]
	r.slots.Range(func(_ uint64, p *Pending[T]) bool {
		pending = append(pending, p)
		return true
	})

	n := 0
	for _, p := range pending {
		if !p.done.CompareAndSwap(false, true) {
			continue
		}
		r.slots.Del(p.key)
		p.ch <- Result[T]{Err: reason}
		n++
	}

	if n > 0 {
		r.logger.WithFields(logrus.Fields{
			"cancelled": n,
			"reason":    reason,
		}).Debug("Cancelled pending operations")
	}
	return n
}

// Reopen accepts registrations again after CancelAll
func (r *Registry[T]) Reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = false
}

// Sealed reports whether registrations are refused
func (r *Registry[T]) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Len is the number of unresolved slots
func (r *Registry[T]) Len() int {
	return r.slots.Len()
}

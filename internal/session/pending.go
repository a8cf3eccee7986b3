package session

import (
	"context"
	"sync"
)

// SignInGate is a one-shot completion signal for the external sign-in
// flow. Operations that need store credentials wait on it instead of
// registering ad hoc sign-in listeners, so nothing leaks if the user
// never signs in: the waiters are released by context cancellation.
type SignInGate struct {
	once sync.Once
	done chan struct{}
}

// NewSignInGate creates an unsignalled gate.
func NewSignInGate() *SignInGate {
	return &SignInGate{done: make(chan struct{})}
}

// Complete signals that sign-in finished. Safe to call more than once;
// only the first call has any effect.
func (g *SignInGate) Complete() {
	g.once.Do(func() { close(g.done) })
}

// Done returns a channel closed once sign-in completed.
func (g *SignInGate) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until sign-in completes or the context is cancelled.
func (g *SignInGate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingQueue defers operations until a sign-in gate fires, then drains
// them exactly once in submission order. Operations submitted after the
// drain run immediately.
type PendingQueue struct {
	gate *SignInGate

	mu      sync.Mutex
	ops     []func(context.Context)
	drained bool
}

// NewPendingQueue creates a queue keyed to the given gate.
func NewPendingQueue(gate *SignInGate) *PendingQueue {
	return &PendingQueue{gate: gate}
}

// Defer submits an operation. If the queue has already drained, the
// operation runs synchronously with the given context.
func (q *PendingQueue) Defer(ctx context.Context, op func(context.Context)) {
	q.mu.Lock()
	if q.drained {
		q.mu.Unlock()
		op(ctx)
		return
	}
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

// Drain waits for the gate and runs every pending operation once. It
// returns the context error if cancelled before the gate fires, leaving
// the queued operations unrun.
func (q *PendingQueue) Drain(ctx context.Context) error {
	if err := q.gate.Wait(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	ops := q.ops
	q.ops = nil
	q.drained = true
	q.mu.Unlock()

	for _, op := range ops {
		op(ctx)
	}
	return nil
}

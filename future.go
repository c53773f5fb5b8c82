package cascada

import (
	"context"
	"sync"
)

// Awaitable is the suspended-value protocol. A Future implements it by
// blocking until settlement; a Poison implements it by failing immediately
// with its aggregated PoisonError. Anything that accepts a suspended value
// accepts either.
type Awaitable interface {
	// Await blocks until the value settles or ctx is done. It returns the
	// settled value, or a non-nil error for rejection (a *PoisonError when
	// the awaited value is poison).
	Await(ctx context.Context) (any, error)
}

// Future is a settle-once handle for a value that is still being computed.
// Settlement is idempotent: the first Settle wins and later calls are
// ignored. Polling is cheap and never blocks.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	value   any
	err     error
	settled bool
}

// NewFuture creates an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Go runs fn in its own goroutine and returns a future for its result. A
// returned error rejects the future; a panic rejects it with the recovered
// value's message.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Reject(recoveredError(r))
			}
		}()
		f.Settle(fn(ctx))
	}()
	return f
}

// Resolved returns a future already settled to v. Used where an API requires
// an Awaitable but the value is known.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Resolve(v)
	return f
}

// Settle records the outcome. Exactly one settlement takes effect.
func (f *Future) Settle(v any, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.value = v
	f.err = err
	f.settled = true
	f.mu.Unlock()
	close(f.done)
}

// Resolve settles the future successfully.
func (f *Future) Resolve(v any) { f.Settle(v, nil) }

// Reject settles the future with an error.
func (f *Future) Reject(err error) { f.Settle(nil, err) }

// Done returns a channel closed at settlement.
func (f *Future) Done() <-chan struct{} { return f.done }

// Poll reports the settled outcome without blocking. ok is false while the
// future is pending.
func (f *Future) Poll() (v any, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		return nil, nil, false
	}
	return f.value, f.err, true
}

// Await implements Awaitable. Awaiting twice observes the same settlement.
// Context cancellation fails the wait, not the future: the underlying
// computation keeps running and later awaiters still see its outcome.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, newCancelledError("await interrupted: " + ctx.Err().Error())
	}
}

// Then chains fn to run after successful settlement, returning a future for
// fn's result. Rejection bypasses fn and rejects the returned future.
func (f *Future) Then(fn func(v any) (any, error)) *Future {
	out := NewFuture()
	go func() {
		<-f.done
		v, err, _ := f.Poll()
		if err != nil {
			out.Reject(err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				out.Reject(recoveredError(r))
			}
		}()
		out.Settle(fn(v))
	}()
	return out
}

// Catch chains fn to run only on rejection. Successful settlement passes
// through unchanged.
func (f *Future) Catch(fn func(err error) (any, error)) *Future {
	out := NewFuture()
	go func() {
		<-f.done
		v, err, _ := f.Poll()
		if err == nil {
			out.Resolve(v)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				out.Reject(recoveredError(r))
			}
		}()
		out.Settle(fn(err))
	}()
	return out
}

// Finally runs fn after settlement regardless of outcome and propagates the
// original settlement. A panic inside fn is swallowed; the original outcome
// survives.
func (f *Future) Finally(fn func()) *Future {
	out := NewFuture()
	go func() {
		<-f.done
		func() {
			defer func() { _ = recover() }()
			fn()
		}()
		v, err, _ := f.Poll()
		out.Settle(v, err)
	}()
	return out
}

func recoveredError(r any) *Error {
	if e, ok := r.(*Error); ok {
		return e
	}
	if err, ok := r.(error); ok {
		return AsError(err)
	}
	return NewError(stringify(r))
}

// isFuture reports whether v is a pending-capable handle (not poison).
func isFuture(v any) bool {
	_, ok := v.(*Future)
	return ok
}

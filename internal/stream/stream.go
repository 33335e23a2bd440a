// Package stream defines the producer capability the bridge attaches to:
// an asynchronous event source delivering next/error/complete callbacks
// through an Observer, with a cancellable handle per activation.
package stream

import (
	"sync"
	"sync/atomic"
)

// Observer receives events from one producer activation. Nil handlers are
// skipped.
type Observer struct {
	OnNext     func(value any)
	OnError    func(err error)
	OnComplete func()
}

// Next invokes OnNext if set.
func (o Observer) Next(value any) {
	if o.OnNext != nil {
		o.OnNext(value)
	}
}

// Error invokes OnError if set.
func (o Observer) Error(err error) {
	if o.OnError != nil {
		o.OnError(err)
	}
}

// Complete invokes OnComplete if set.
func (o Observer) Complete() {
	if o.OnComplete != nil {
		o.OnComplete()
	}
}

// Subscription is the handle on one producer activation.
type Subscription interface {
	// Cancel detaches all observer callbacks. Idempotent; it stops the
	// activation's visible output, not necessarily its internal work.
	Cancel()
}

// Producer is an asynchronous event source. Each Subscribe call creates an
// independent activation with its own delivery schedule and its own
// terminal state.
type Producer interface {
	Subscribe(obs Observer) Subscription
}

// Func adapts a function to the Producer interface.
type Func func(obs Observer) Subscription

func (f Func) Subscribe(obs Observer) Subscription { return f(obs) }

// activation couples an observer with a guarded cancellation: once Cancel
// runs, no further callback fires even if the producing goroutine is
// mid-emission.
type activation struct {
	obs    Observer
	stop   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func newActivation(obs Observer) *activation {
	return &activation{obs: obs, stop: make(chan struct{})}
}

func (a *activation) next(value any) {
	if !a.closed.Load() {
		a.obs.Next(value)
	}
}

func (a *activation) error(err error) {
	if a.closed.CompareAndSwap(false, true) {
		a.obs.Error(err)
	}
}

func (a *activation) complete() {
	if a.closed.CompareAndSwap(false, true) {
		a.obs.Complete()
	}
}

func (a *activation) Cancel() {
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.stop)
	})
}

// Package module implements the Module Runtime: a cooperative,
// single-threaded poll/dispatch/timer loop that a single actor (e.g. the
// Forwarder) runs on, so that handlers never run concurrently with each
// other or interrupt one another.
package module

import (
	"context"
	"sync"
	"time"

	"github.com/Edwardzcn/SLOG/internal/wire"
)

// Handler processes one envelope delivered to the module's inbox. It runs
// to completion before the runtime polls for the next item of work; it
// must not block indefinitely.
type Handler func(env *wire.Envelope)

// timedCallback is a one-shot callback scheduled to fire at a point in
// time, delivered on the same loop as Handler invocations.
type timedCallback struct {
	at time.Time
	fn func()
}

// Runtime drives a single actor's poll loop: it multiplexes one inbound
// envelope channel with any number of one-shot timers, invoking exactly one
// handler or callback at a time, never concurrently.
type Runtime struct {
	name    string
	inbox   <-chan *wire.Envelope
	handler Handler

	pollTimeout time.Duration

	mu        sync.Mutex
	callbacks []*timedCallback
}

// New builds a Runtime named name, delivering envelopes from inbox to
// handler. pollTimeout bounds how long a poll tick waits with nothing to do
// before checking timers again; it does not bound handler execution time.
func New(name string, inbox <-chan *wire.Envelope, handler Handler, pollTimeout time.Duration) *Runtime {
	if pollTimeout <= 0 {
		pollTimeout = 100 * time.Millisecond
	}
	return &Runtime{
		name:        name,
		inbox:       inbox,
		handler:     handler,
		pollTimeout: pollTimeout,
	}
}

// NewTimedCallback schedules fn to run once, after delay, on this runtime's
// own loop, never from a separate goroutine.
func (r *Runtime) NewTimedCallback(delay time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, &timedCallback{at: time.Now().Add(delay), fn: fn})
}

// Run blocks, driving the poll/dispatch/timer loop until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-r.inbox:
			if !ok {
				return
			}
			r.handler(env)
			r.fireDueCallbacks()
		case <-ticker.C:
			r.fireDueCallbacks()
		}
	}
}

func (r *Runtime) fireDueCallbacks() {
	now := time.Now()
	r.mu.Lock()
	var due []*timedCallback
	remaining := r.callbacks[:0]
	for _, cb := range r.callbacks {
		if !cb.at.After(now) {
			due = append(due, cb)
		} else {
			remaining = append(remaining, cb)
		}
	}
	r.callbacks = remaining
	r.mu.Unlock()

	for _, cb := range due {
		cb.fn()
	}
}

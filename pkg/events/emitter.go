// Package events provides the typed publish/subscribe dispatcher the broker
// and client are built on. Each Emitter carries one payload type; a Bus
// groups named emitters and adds catch-all observation and piping into
// derived buses.
//
// Listeners run synchronously on the emitting goroutine. Errors returned by
// listeners (and recovered panics) are collected and returned from Emit, so
// a failing listener never aborts fan-out or corrupts caller state.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Listener consumes one event. A non-nil return is collected by Emit.
type Listener[T any] func(T) error

// Predicate gates a Once subscription. Returning false keeps the
// subscription alive for the next event.
type Predicate[T any] func(T) bool

type subscription[T any] struct {
	fn    Listener[T]
	once  bool
	pred  Predicate[T]
	fired atomic.Bool
}

// Emitter is a single typed event source.
type Emitter[T any] struct {
	name string
	bus  *Bus

	mu       sync.Mutex
	subs     []*subscription[T]
	emitting map[uint64]int
}

// NewEmitter creates an emitter and, when bus is non-nil, registers it there
// under the given name for catch-all delivery and piping.
func NewEmitter[T any](bus *Bus, name string) *Emitter[T] {
	e := &Emitter[T]{name: name, bus: bus, emitting: make(map[uint64]int)}
	if bus != nil {
		bus.register(name, e)
	}
	return e
}

// Name returns the event name this emitter was registered under.
func (e *Emitter[T]) Name() string { return e.name }

// On subscribes a listener. Listeners are invoked in registration order.
// The returned function unsubscribes; unsubscribing during an emission does
// not affect delivery to the already-snapshotted listener list.
//
// Subscribing from a listener while this event is being emitted fails. The
// guard is scoped to the emitting goroutine, so other goroutines may
// subscribe at any time.
func (e *Emitter[T]) On(fn Listener[T]) (func(), error) {
	return e.subscribe(&subscription[T]{fn: fn})
}

// Once subscribes a listener that fires at most once. When pred is non-nil
// it gates the firing: a false result keeps the subscription for the next
// event.
func (e *Emitter[T]) Once(fn Listener[T], pred Predicate[T]) (func(), error) {
	return e.subscribe(&subscription[T]{fn: fn, once: true, pred: pred})
}

func (e *Emitter[T]) subscribe(sub *subscription[T]) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emitting[goroutineID()] > 0 {
		return nil, fmt.Errorf("events: cannot subscribe to %q while it is emitting", e.name)
	}
	e.subs = append(e.subs, sub)
	return func() { e.remove(sub) }, nil
}

func (e *Emitter[T]) remove(sub *subscription[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit invokes every applicable listener with v and returns the collected
// listener errors. Emission iterates a snapshot of the listener list, so
// subscriptions removed mid-emission still receive this event. Nested emits
// of other emitters are allowed and stack.
func (e *Emitter[T]) Emit(v T) []error {
	gid := goroutineID()
	e.mu.Lock()
	snapshot := make([]*subscription[T], len(e.subs))
	copy(snapshot, e.subs)
	e.emitting[gid]++
	e.mu.Unlock()
	if e.bus != nil {
		e.bus.beginEmit()
	}

	var errs []error
	for _, sub := range snapshot {
		if sub.once {
			if sub.pred != nil && !sub.pred(v) {
				continue
			}
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			e.remove(sub)
		}
		if err := invoke(sub.fn, v); err != nil {
			errs = collect(errs, err)
		}
	}
	if e.bus != nil {
		errs = append(errs, e.bus.dispatchAll(e.name, v)...)
		e.bus.endEmit()
	}

	e.mu.Lock()
	e.emitting[gid]--
	if e.emitting[gid] == 0 {
		delete(e.emitting, gid)
	}
	e.mu.Unlock()
	return errs
}

// WaitFor blocks until an event satisfying pred is emitted, the predicate
// returns an error, or the context ends. A nil pred matches the next event.
//
// WaitFor must not be called from a listener of the same emitter; it would
// wait for an emission that cannot start until the listener returns.
func (e *Emitter[T]) WaitFor(ctx context.Context, pred func(T) (bool, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	off, err := e.On(func(v T) error {
		if pred != nil {
			ok, perr := pred(v)
			if perr != nil {
				select {
				case ch <- result{err: perr}:
				default:
				}
				return nil
			}
			if !ok {
				return nil
			}
		}
		select {
		case ch <- result{v: v}:
		default:
		}
		return nil
	})
	var zero T
	if err != nil {
		return zero, err
	}
	defer off()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func invoke[T any](fn Listener[T], v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: listener panic: %v", r)
		}
	}()
	return fn(v)
}

// collect appends err to errs, flattening joined multi-errors one level.
func collect(errs []error, err error) []error {
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		return append(errs, multi.Unwrap()...)
	}
	return append(errs, err)
}

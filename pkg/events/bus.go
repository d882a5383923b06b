package events

import (
	"fmt"
	"sync"
)

// anyEmitter is the untyped view a Bus keeps of its registered emitters.
type anyEmitter interface {
	emitAny(v any) []error
}

func (e *Emitter[T]) emitAny(v any) []error {
	tv, ok := v.(T)
	if !ok {
		return []error{fmt.Errorf("events: emitter %q: payload %T does not match", e.name, v)}
	}
	return e.Emit(tv)
}

// AllListener observes every event on a Bus by name and payload.
type AllListener func(event string, payload any) error

// Bus names a set of emitters and supports catch-all listeners and piping.
// The zero value is not usable; construct with NewBus.
type Bus struct {
	mu       sync.Mutex
	emitters map[string]anyEmitter
	all      []*allSubscription
	active   map[uint64]int
}

type allSubscription struct {
	fn AllListener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{emitters: make(map[string]anyEmitter), active: make(map[uint64]int)}
}

func (b *Bus) register(name string, e anyEmitter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.emitters[name]; dup {
		panic(fmt.Sprintf("events: duplicate emitter %q", name))
	}
	b.emitters[name] = e
}

// All subscribes a catch-all listener observing every event on the bus.
// It fails when called from a listener while an emission on this bus is in
// progress; the guard is scoped to the emitting goroutine.
func (b *Bus) All(fn AllListener) (func(), error) {
	b.mu.Lock()
	if b.active[goroutineID()] > 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("events: cannot add catch-all listener during an emission")
	}
	sub := &allSubscription{fn: fn}
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.all {
			if s == sub {
				b.all = append(b.all[:i:i], b.all[i+1:]...)
				return
			}
		}
	}, nil
}

// EmitAny emits on the named emitter with an untyped payload. A missing
// emitter or a payload of the wrong type is reported as a collected error.
func (b *Bus) EmitAny(name string, v any) []error {
	b.mu.Lock()
	e, ok := b.emitters[name]
	b.mu.Unlock()
	if !ok {
		return []error{fmt.Errorf("events: no emitter named %q", name)}
	}
	return e.emitAny(v)
}

func (b *Bus) beginEmit() {
	gid := goroutineID()
	b.mu.Lock()
	b.active[gid]++
	b.mu.Unlock()
}

func (b *Bus) endEmit() {
	gid := goroutineID()
	b.mu.Lock()
	b.active[gid]--
	if b.active[gid] == 0 {
		delete(b.active, gid)
	}
	b.mu.Unlock()
}

func (b *Bus) dispatchAll(name string, v any) []error {
	b.mu.Lock()
	snapshot := make([]*allSubscription, len(b.all))
	copy(snapshot, b.all)
	b.mu.Unlock()

	var errs []error
	for _, sub := range snapshot {
		if err := invokeAll(sub.fn, name, v); err != nil {
			errs = collect(errs, err)
		}
	}
	return errs
}

func invokeAll(fn AllListener, name string, v any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: catch-all listener panic: %v", r)
		}
	}()
	return fn(name, v)
}

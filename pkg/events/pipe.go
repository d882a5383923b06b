package events

// Pipe wires a source bus into a derived bus. Pass forwards named events
// unchanged (the derived emitter's payload type must match); On plus Emit
// express arbitrary transforms. Emitters for the derived bus are created
// against Dst inside the configure callback.
type Pipe struct {
	src *Bus
	dst *Bus
}

// Pipe derives a new bus from b. The configure callback declares the
// forwarding and transform rules before any derived event flows.
func (b *Bus) Pipe(configure func(*Pipe)) *Bus {
	p := &Pipe{src: b, dst: NewBus()}
	configure(p)
	return p.dst
}

// Dst returns the derived bus. Derived emitters register against it.
func (p *Pipe) Dst() *Bus { return p.dst }

// Pass forwards the named source events to same-named emitters on the
// derived bus without transformation.
func (p *Pipe) Pass(names ...string) error {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	_, err := p.src.All(func(event string, payload any) error {
		if _, ok := set[event]; !ok {
			return nil
		}
		return joinErrors(p.dst.EmitAny(event, payload))
	})
	return err
}

// On observes a single named source event, typically to Emit a transformed
// event on the derived bus.
func (p *Pipe) On(name string, fn func(payload any) error) error {
	_, err := p.src.All(func(event string, payload any) error {
		if event != name {
			return nil
		}
		return fn(payload)
	})
	return err
}

// Emit emits on the derived bus by event name.
func (p *Pipe) Emit(name string, payload any) error {
	return joinErrors(p.dst.EmitAny(name, payload))
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return multiError(errs)
	}
}

type multiError []error

func (m multiError) Error() string {
	s := m[0].Error()
	for _, err := range m[1:] {
		s += "; " + err.Error()
	}
	return s
}

func (m multiError) Unwrap() []error { return m }

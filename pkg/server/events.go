package server

import (
	"sync"

	"github.com/krmx/krmx-go/pkg/events"
	"github.com/krmx/krmx-go/pkg/protocol"
)

// Event names on the server bus, usable with Bus.All and Pipe.
const (
	EventListen       = "listen"
	EventClose        = "close"
	EventAuthenticate = "authenticate"
	EventJoin         = "join"
	EventLink         = "link"
	EventUnlink       = "unlink"
	EventLeave        = "leave"
	EventMessage      = "message"
)

// UserMessage is an application message received from a linked user.
type UserMessage struct {
	Username string
	Message  protocol.Message
}

// Events exposes every observable broker transition. All emitters fire
// synchronously on the mutating path; listeners may call back into the
// server's public API.
type Events struct {
	bus *events.Bus

	// Listen fires with the bound port once the server is listening.
	Listen *events.Emitter[int]
	// Close fires once the server has fully closed.
	Close *events.Emitter[struct{}]
	// Authenticate fires once per link attempt; listeners may reject.
	Authenticate *events.Emitter[*AuthRequest]
	// Join fires when a user is created on the broker.
	Join *events.Emitter[string]
	// Link fires when a user is bound to a connection.
	Link *events.Emitter[string]
	// Unlink fires when a user loses its connection binding.
	Unlink *events.Emitter[string]
	// Leave fires when a user is destroyed on the broker.
	Leave *events.Emitter[string]
	// Message fires for every application message from a linked user.
	Message *events.Emitter[UserMessage]
}

func newEvents() *Events {
	bus := events.NewBus()
	return &Events{
		bus:          bus,
		Listen:       events.NewEmitter[int](bus, EventListen),
		Close:        events.NewEmitter[struct{}](bus, EventClose),
		Authenticate: events.NewEmitter[*AuthRequest](bus, EventAuthenticate),
		Join:         events.NewEmitter[string](bus, EventJoin),
		Link:         events.NewEmitter[string](bus, EventLink),
		Unlink:       events.NewEmitter[string](bus, EventUnlink),
		Leave:        events.NewEmitter[string](bus, EventLeave),
		Message:      events.NewEmitter[UserMessage](bus, EventMessage),
	}
}

// Bus returns the underlying bus for catch-all observation and piping.
func (e *Events) Bus() *events.Bus { return e.bus }

// AuthRequest is handed to authenticate listeners for every link attempt.
// Reject refuses the attempt; the first rejection wins and later calls are
// ignored. Defer registers a check the broker runs after all listeners
// return, with its internal lock released; link preconditions are
// re-checked once every deferred check completes.
type AuthRequest struct {
	// Username is the name the client wants to link as.
	Username string
	// IsNewUser reports whether the username is unknown to the broker.
	IsNewUser bool
	// Auth is the client-supplied credential, empty when absent.
	Auth string

	mu       sync.Mutex
	rejected bool
	reason   string
	deferred []func() error
}

// Reject refuses the link attempt with a verbatim reason. Only the first
// call has effect; subsequent calls are no-ops and never panic.
func (a *AuthRequest) Reject(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejected {
		return
	}
	a.rejected = true
	a.reason = reason
}

// Defer registers a blocking check to run after all authenticate listeners
// return. A non-nil error rejects the attempt with the error text as the
// reason (unless an earlier rejection already won).
func (a *AuthRequest) Defer(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred = append(a.deferred, fn)
}

func (a *AuthRequest) rejection() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason, a.rejected
}

func (a *AuthRequest) takeDeferred() []func() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	fns := a.deferred
	a.deferred = nil
	return fns
}

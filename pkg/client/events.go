package client

import (
	"github.com/krmx/krmx-go/pkg/events"
	"github.com/krmx/krmx-go/pkg/protocol"
)

// Event names on the client bus, usable with Bus.All and Pipe.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventJoin       = "join"
	EventLink       = "link"
	EventUnlink     = "unlink"
	EventLeave      = "leave"
	EventMessage    = "message"
)

// Events exposes every observable client transition. All emitters fire
// synchronously on the read loop.
type Events struct {
	bus *events.Bus

	// Connect fires once the websocket handshake completes.
	Connect *events.Emitter[struct{}]
	// Disconnect fires once the transport is gone, for any reason.
	Disconnect *events.Emitter[struct{}]
	// Join fires when a user is created on the broker.
	Join *events.Emitter[string]
	// Link fires when a user (possibly self) is bound to a connection.
	Link *events.Emitter[string]
	// Unlink fires when a user loses its connection binding. For self the
	// username is still readable during emission and cleared afterwards.
	Unlink *events.Emitter[string]
	// Leave fires when a user is destroyed on the broker.
	Leave *events.Emitter[string]
	// Message fires for every application message from the server.
	Message *events.Emitter[protocol.Message]
}

func newEvents() *Events {
	bus := events.NewBus()
	return &Events{
		bus:        bus,
		Connect:    events.NewEmitter[struct{}](bus, EventConnect),
		Disconnect: events.NewEmitter[struct{}](bus, EventDisconnect),
		Join:       events.NewEmitter[string](bus, EventJoin),
		Link:       events.NewEmitter[string](bus, EventLink),
		Unlink:     events.NewEmitter[string](bus, EventUnlink),
		Leave:      events.NewEmitter[string](bus, EventLeave),
		Message:    events.NewEmitter[protocol.Message](bus, EventMessage),
	}
}

// Bus returns the underlying bus for catch-all observation and piping.
func (e *Events) Bus() *events.Bus { return e.bus }

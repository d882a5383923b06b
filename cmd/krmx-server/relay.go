package main

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/krmx/krmx-go/pkg/protocol"
	"github.com/krmx/krmx-go/pkg/server"
)

// attachRelay makes the broker a message relay: every application message
// from a linked user is broadcast to all other linked users.
func attachRelay(srv *server.Server, logger zerolog.Logger) error {
	_, err := srv.Events().Message.On(func(um server.UserMessage) error {
		if err := srv.Broadcast(um.Message, um.Username); err != nil {
			return fmt.Errorf("relay broadcast: %w", err)
		}
		logger.Debug().Str("username", um.Username).Str("type", um.Message.Type).Msg("relayed message")
		return nil
	})
	return err
}

// natsBridge mirrors broker lifecycle events onto NATS subjects and feeds
// messages published on krmx.broadcast back into the broker. It lets other
// services observe session churn without speaking the websocket protocol.
type natsBridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
}

// lifecycleEvent is the JSON body published on krmx.events.<event>.
type lifecycleEvent struct {
	Event    string `json:"event"`
	Username string `json:"username"`
}

func newNATSBridge(url string, logger zerolog.Logger) (*natsBridge, error) {
	b := &natsBridge{logger: logger}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	return b, nil
}

func (b *natsBridge) attach(srv *server.Server) error {
	relevant := map[string]struct{}{
		server.EventJoin:   {},
		server.EventLink:   {},
		server.EventUnlink: {},
		server.EventLeave:  {},
	}
	if _, err := srv.Events().Bus().All(func(event string, payload any) error {
		if _, ok := relevant[event]; !ok {
			return nil
		}
		username, ok := payload.(string)
		if !ok {
			return nil
		}
		data, err := json.Marshal(lifecycleEvent{Event: event, Username: username})
		if err != nil {
			return err
		}
		if err := b.conn.Publish("krmx.events."+event, data); err != nil {
			return fmt.Errorf("publish %s event: %w", event, err)
		}
		return nil
	}); err != nil {
		return err
	}

	sub, err := b.conn.Subscribe("krmx.broadcast", func(m *nats.Msg) {
		msg, err := protocol.Parse(m.Data)
		if err != nil {
			b.logger.Warn().Err(err).Msg("undecodable message on krmx.broadcast")
			return
		}
		if err := srv.Broadcast(msg); err != nil {
			b.logger.Warn().Err(err).Str("type", msg.Type).Msg("failed to broadcast NATS message")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe krmx.broadcast: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *natsBridge) close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if b.conn != nil {
		b.conn.Drain()
	}
}

// Package client implements a krmx client: it maintains the websocket
// connection, runs the link handshake, and mirrors the broker's user list
// from the joined/linked/unlinked/left announcements.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/krmx/krmx-go/pkg/protocol"
)

// Status is the client lifecycle state.
type Status int32

const (
	StatusInitializing Status = iota
	StatusConnecting
	StatusConnected
	StatusLinking
	StatusLinked
	StatusUnlinking
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusLinking:
		return "linking"
	case StatusLinked:
		return "linked"
	case StatusUnlinking:
		return "unlinking"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

const writeWait = 5 * time.Second

// UserInfo describes one user session as announced by the broker.
type UserInfo struct {
	Username string
	IsLinked bool
}

// Options configures a Client. The zero value is usable.
type Options struct {
	// Logger receives the client's structured log output. Nil logs
	// warnings and errors to stderr.
	Logger *zerolog.Logger
}

// transition carries handshake-relevant frames from the read loop to a
// goroutine blocked in Link, Unlink or Leave.
type transition struct {
	kind     string
	username string
	err      error
}

// transitionWaiter is one blocked public API call waiting for a matching
// transition.
type transitionWaiter struct {
	pred func(transition) (bool, error)
	ch   chan error
}

// Client is a single krmx connection. A client is one-shot: after
// Disconnect, or after the transport drops, create a new client to
// reconnect.
type Client struct {
	logger  zerolog.Logger
	version string
	events  *Events

	// waiters are blocked Link/Unlink/Leave calls; the read loop notifies
	// them of handshake-relevant transitions.
	waitersMu sync.Mutex
	waiters   map[*transitionWaiter]struct{}

	mu       sync.Mutex
	status   Status
	conn     net.Conn
	reader   io.Reader
	username string
	users    map[string]bool

	// pendingLink is the username of an in-flight link handshake. The
	// backfill may announce other users' linked frames first, so self
	// detection goes through this field.
	pendingLink string

	writeMu sync.Mutex
}

// New creates a client in the initializing state.
func New(opts Options) *Client {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		logger:  logger.With().Str("component", "krmx-client").Logger(),
		version: protocol.Version,
		events:  newEvents(),
		waiters: make(map[*transitionWaiter]struct{}),
		status:  StatusInitializing,
		users:   make(map[string]bool),
	}
}

// Events returns the client's event surface.
func (c *Client) Events() *Events { return c.events }

// Status returns the current lifecycle state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Username returns the linked username, or empty while unlinked. During the
// self unlink emission the username is still available.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Users returns the mirrored user list, sorted by username. It is empty
// while the client is not linked.
func (c *Client) Users() []UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.users))
	for name := range c.users {
		names = append(names, name)
	}
	sort.Strings(names)
	infos := make([]UserInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, UserInfo{Username: name, IsLinked: c.users[name]})
	}
	return infos
}

func (c *Client) statusErr(action string, status Status) error {
	return fmt.Errorf("cannot %s when the client is %s", action, status)
}

// Connect dials the krmx endpoint (ws:// or wss:// URL) and starts the read
// loop. Allowed only from initializing.
func (c *Client) Connect(ctx context.Context, serverURL string) error {
	c.mu.Lock()
	if c.status != StatusInitializing {
		defer c.mu.Unlock()
		return c.statusErr("connect", c.status)
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	conn, br, _, err := ws.Dial(ctx, serverURL)
	if err != nil {
		c.mu.Lock()
		c.status = StatusClosed
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = io.Reader(conn)
	if br != nil {
		c.reader = br
	}
	c.status = StatusConnected
	c.mu.Unlock()

	c.logger.Info().Str("url", serverURL).Msg("connected")
	go c.readLoop()
	c.emit(EventConnect, c.events.Connect.Emit(struct{}{}))
	return nil
}

// Link runs the link handshake for a username, with an optional auth
// credential. On rejection the broker's reason is returned verbatim and the
// client stays connected, so another attempt may follow.
func (c *Client) Link(ctx context.Context, username, auth string) error {
	c.mu.Lock()
	if c.status != StatusConnected {
		defer c.mu.Unlock()
		return c.statusErr("link", c.status)
	}
	c.status = StatusLinking
	c.pendingLink = username
	c.mu.Unlock()

	err := c.await(ctx, protocol.Link(username, c.version, auth), func(t transition) (bool, error) {
		switch t.kind {
		case "rejected":
			return false, t.err
		case "linked":
			return t.username == username, nil
		case "disconnected":
			return false, errors.New("connection lost during link")
		}
		return false, nil
	})
	if err != nil {
		c.mu.Lock()
		c.pendingLink = ""
		if c.status == StatusLinking {
			c.status = StatusConnected
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unlink releases the username without destroying the session on the
// broker; the client returns to connected.
func (c *Client) Unlink(ctx context.Context) error {
	username, err := c.beginUnlink("unlink")
	if err != nil {
		return err
	}
	err = c.await(ctx, protocol.Unlink(), func(t transition) (bool, error) {
		switch t.kind {
		case "unlinked":
			return t.username == username, nil
		case "disconnected":
			return false, errors.New("connection lost during unlink")
		}
		return false, nil
	})
	c.finishUnlink()
	return err
}

// Leave destroys the session on the broker; the client returns to
// connected.
func (c *Client) Leave(ctx context.Context) error {
	username, err := c.beginUnlink("leave")
	if err != nil {
		return err
	}
	err = c.await(ctx, protocol.Leave(), func(t transition) (bool, error) {
		switch t.kind {
		case "left":
			return t.username == username, nil
		case "disconnected":
			return false, errors.New("connection lost during leave")
		}
		return false, nil
	})
	c.finishUnlink()
	return err
}

func (c *Client) beginUnlink(action string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusLinked {
		return "", c.statusErr(action, c.status)
	}
	c.status = StatusUnlinking
	return c.username, nil
}

// finishUnlink settles the status after an Unlink or Leave handshake. On a
// transport error the read loop already moved the client to closed.
func (c *Client) finishUnlink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusUnlinking {
		c.status = StatusConnected
	}
}

// await registers a waiter for the handshake outcome, then sends the
// request. The registration precedes the write so the response cannot be
// missed.
func (c *Client) await(ctx context.Context, msg protocol.Message, pred func(transition) (bool, error)) error {
	w := &transitionWaiter{pred: pred, ch: make(chan error, 1)}
	c.waitersMu.Lock()
	c.waiters[w] = struct{}{}
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, w)
		c.waitersMu.Unlock()
	}()

	if err := c.writeMessage(msg); err != nil {
		return err
	}
	select {
	case err := <-w.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify fans a transition out to every registered waiter.
func (c *Client) notify(t transition) {
	c.waitersMu.Lock()
	snapshot := make([]*transitionWaiter, 0, len(c.waiters))
	for w := range c.waiters {
		snapshot = append(snapshot, w)
	}
	c.waitersMu.Unlock()
	for _, w := range snapshot {
		ok, err := w.pred(t)
		if !ok && err == nil {
			continue
		}
		select {
		case w.ch <- err:
		default:
		}
	}
}

// Send delivers an application message to the broker. Requires the linked
// state; reserved protocol types are refused.
func (c *Client) Send(msg protocol.Message) error {
	if msg.Type == "" {
		return errors.New("message type is required")
	}
	if protocol.IsProtocol(msg.Type) {
		return fmt.Errorf("cannot send message with type %q: the %s prefix is reserved for internal use", msg.Type, protocol.ReservedPrefix)
	}
	c.mu.Lock()
	if c.status != StatusLinked {
		defer c.mu.Unlock()
		return c.statusErr("send", c.status)
	}
	c.mu.Unlock()
	return c.writeMessage(msg)
}

// Disconnect closes the transport. The broker unlinks (but keeps) a linked
// user when its connection drops. A forced disconnect skips the close
// handshake and drops the socket immediately.
func (c *Client) Disconnect(force ...bool) error {
	forced := len(force) > 0 && force[0]
	c.mu.Lock()
	if c.status == StatusClosed || c.status == StatusClosing {
		defer c.mu.Unlock()
		return c.statusErr("disconnect", c.status)
	}
	if c.status == StatusInitializing {
		c.status = StatusClosed
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosing
	conn := c.conn
	c.mu.Unlock()

	if !forced {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		wsutil.WriteClientMessage(conn, ws.OpClose, nil)
		c.writeMu.Unlock()
	}
	return conn.Close()
}

func (c *Client) writeMessage(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

func (c *Client) writeControl(op ws.OpCode, payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	wsutil.WriteClientMessage(c.conn, op, payload)
}

// readLoop reads frames until the transport is gone. Control frames are
// answered inline; text frames go through the protocol handler.
func (c *Client) readLoop() {
	defer c.transportClosed()

	for {
		hdr, rd, err := wsutil.NextReader(c.reader, ws.StateClientSide)
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			payload, err := io.ReadAll(rd)
			if err != nil {
				return
			}
			switch hdr.OpCode {
			case ws.OpPing:
				c.writeControl(ws.OpPong, payload)
			case ws.OpClose:
				return
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return
		}
		if hdr.OpCode == ws.OpText {
			c.handleFrame(data)
		}
	}
}

// transportClosed runs once when the read loop exits.
func (c *Client) transportClosed() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.username = ""
	c.users = make(map[string]bool)
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.logger.Info().Msg("disconnected")
	c.notify(transition{kind: "disconnected"})
	c.emit(EventDisconnect, c.events.Disconnect.Emit(struct{}{}))
}

// handleFrame applies one server frame to the mirrored state and emits the
// matching event. Runs on the read loop, so emission order matches the
// broker's transition order.
func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("undecodable frame from server")
		return
	}

	if !protocol.IsProtocol(msg.Type) {
		c.emit(EventMessage, c.events.Message.Emit(msg))
		return
	}

	switch msg.Type {
	case protocol.TypeAccepted:
		// Informational; the handshake completes on the self linked frame.

	case protocol.TypeRejected:
		var p protocol.RejectedPayload
		json.Unmarshal(msg.Payload, &p)
		c.notify(transition{kind: "rejected", err: fmt.Errorf("link rejected: %s", p.Reason)})

	case protocol.TypeJoined:
		name, ok := c.userPayload(msg)
		if !ok {
			return
		}
		c.mu.Lock()
		if _, exists := c.users[name]; !exists {
			c.users[name] = false
		}
		c.mu.Unlock()
		c.emit(EventJoin, c.events.Join.Emit(name))

	case protocol.TypeLinked:
		name, ok := c.userPayload(msg)
		if !ok {
			return
		}
		c.mu.Lock()
		c.users[name] = true
		// The backfill delivers our own linked frame exactly once.
		if c.status == StatusLinking && name == c.pendingLink {
			c.username = name
			c.pendingLink = ""
			c.status = StatusLinked
		}
		c.mu.Unlock()
		c.emit(EventLink, c.events.Link.Emit(name))
		c.notify(transition{kind: "linked", username: name})

	case protocol.TypeUnlinked:
		name, ok := c.userPayload(msg)
		if !ok {
			return
		}
		c.mu.Lock()
		c.users[name] = false
		self := name == c.username
		c.mu.Unlock()
		c.emit(EventUnlink, c.events.Unlink.Emit(name))
		if self {
			c.mu.Lock()
			c.username = ""
			c.users = make(map[string]bool)
			// A leave still has a left frame coming; finishUnlink settles
			// the status once the handshake completes.
			if c.status == StatusLinked {
				c.status = StatusConnected
			}
			c.mu.Unlock()
		}
		c.notify(transition{kind: "unlinked", username: name})

	case protocol.TypeLeft:
		name, ok := c.userPayload(msg)
		if !ok {
			return
		}
		c.mu.Lock()
		delete(c.users, name)
		c.mu.Unlock()
		c.emit(EventLeave, c.events.Leave.Emit(name))
		c.notify(transition{kind: "left", username: name})

	default:
		c.logger.Warn().Str("type", msg.Type).Msg("unknown protocol message from server")
	}
}

func (c *Client) userPayload(msg protocol.Message) (string, bool) {
	var p protocol.UserPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Username == "" {
		c.logger.Warn().Str("type", msg.Type).Msg("protocol message without username")
		return "", false
	}
	return p.Username, true
}

// emit logs collected listener errors; a failing listener never changes
// client state.
func (c *Client) emit(event string, errs []error) {
	for _, err := range errs {
		c.logger.Warn().Err(err).Str("event", event).Msg("event listener failed")
	}
}

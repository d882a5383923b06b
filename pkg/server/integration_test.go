package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krmx/krmx-go/pkg/client"
	"github.com/krmx/krmx-go/pkg/protocol"
)

func serverURL(s *Server) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/", s.Port())
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestClient(t *testing.T, s *Server) *client.Client {
	t.Helper()
	nop := zerolog.Nop()
	c := client.New(client.Options{Logger: &nop})
	require.NoError(t, c.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() {
		if c.Status() != client.StatusClosed {
			c.Disconnect()
		}
	})
	return c
}

func linkClient(t *testing.T, c *client.Client, username, auth string) {
	t.Helper()
	require.NoError(t, c.Link(testContext(t), username, auth))
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// recorder captures client events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) observe(t *testing.T, c *client.Client) {
	t.Helper()
	_, err := c.Events().Bus().All(func(event string, payload any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if name, ok := payload.(string); ok {
			r.events = append(r.events, event+" "+name)
		} else {
			r.events = append(r.events, event)
		}
		return nil
	})
	require.NoError(t, err)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) contains(entry string) bool {
	for _, e := range r.list() {
		if e == entry {
			return true
		}
	}
	return false
}

func TestIntegration_LinkAndBackfill(t *testing.T) {
	s := newTestServer(t, Options{})

	c1 := newTestClient(t, s)
	linkClient(t, c1, "alice", "")
	assert.Equal(t, client.StatusLinked, c1.Status())
	assert.Equal(t, "alice", c1.Username())

	rec := &recorder{}
	c2 := client.New(client.Options{})
	rec.observe(t, c2)
	require.NoError(t, c2.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() { c2.Disconnect() })
	linkClient(t, c2, "bob", "")

	// The fresh connection is backfilled with every user in sorted order
	// and sees its own linked frame exactly once.
	waitUntil(t, "c2 backfill", func() bool { return len(c2.Users()) == 2 })
	assert.Equal(t, []client.UserInfo{
		{Username: "alice", IsLinked: true},
		{Username: "bob", IsLinked: true},
	}, c2.Users())

	selfLinked := 0
	for _, e := range rec.list() {
		if e == "link bob" {
			selfLinked++
		}
	}
	assert.Equal(t, 1, selfLinked)

	// The already linked client observes the newcomer.
	waitUntil(t, "c1 sees bob", func() bool { return len(c1.Users()) == 2 })
	assert.Equal(t, []client.UserInfo{
		{Username: "alice", IsLinked: true},
		{Username: "bob", IsLinked: true},
	}, c1.Users())

	assert.Equal(t, []UserInfo{
		{Username: "alice", IsLinked: true},
		{Username: "bob", IsLinked: true},
	}, s.Users())
}

func TestIntegration_MessageRelay(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.Events().Message.On(func(um UserMessage) error {
		return s.Broadcast(um.Message, um.Username)
	})
	require.NoError(t, err)

	c1 := newTestClient(t, s)
	c2 := newTestClient(t, s)

	var mu sync.Mutex
	var c1Got, c2Got []protocol.Message
	_, err = c1.Events().Message.On(func(m protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		c1Got = append(c1Got, m)
		return nil
	})
	require.NoError(t, err)
	_, err = c2.Events().Message.On(func(m protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		c2Got = append(c2Got, m)
		return nil
	})
	require.NoError(t, err)

	linkClient(t, c1, "alice", "")
	linkClient(t, c2, "bob", "")

	require.NoError(t, c1.Send(protocol.Message{Type: "chat/message", Payload: json.RawMessage(`{"text":"hi"}`)}))

	waitUntil(t, "c2 receives relay", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(c2Got) == 1
	})
	mu.Lock()
	assert.Equal(t, "chat/message", c2Got[0].Type)
	assert.Empty(t, c1Got, "sender is skipped")
	mu.Unlock()

	// A targeted send reaches only its user.
	require.NoError(t, s.Send("alice", protocol.Message{Type: "chat/whisper"}))
	waitUntil(t, "c1 receives whisper", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(c1Got) == 1
	})
	mu.Lock()
	assert.Equal(t, "chat/whisper", c1Got[0].Type)
	assert.Len(t, c2Got, 1)
	mu.Unlock()
}

func TestIntegration_SendReservedTypeRefused(t *testing.T) {
	s := newTestServer(t, Options{})
	c := newTestClient(t, s)
	linkClient(t, c, "alice", "")

	err := c.Send(protocol.Message{Type: "krmx/fake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved for internal use")

	err = s.Broadcast(protocol.Message{Type: "krmx/fake"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved for internal use")
}

func TestIntegration_AuthRejectAndRetry(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.Events().Authenticate.On(func(req *AuthRequest) error {
		if req.Auth != "s3cret" {
			req.Reject("invalid credentials")
		}
		return nil
	})
	require.NoError(t, err)

	c := newTestClient(t, s)
	err = c.Link(testContext(t), "alice", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
	assert.Equal(t, client.StatusConnected, c.Status())
	assert.Empty(t, s.Users(), "rejected link must not create the user")

	// Same connection retries with a valid credential.
	linkClient(t, c, "alice", "s3cret")
	assert.Equal(t, "alice", c.Username())
}

func TestIntegration_DeferredAuth(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.Events().Authenticate.On(func(req *AuthRequest) error {
		auth := req.Auth
		req.Defer(func() error {
			// Simulates a slow credential check off the broker lock.
			time.Sleep(10 * time.Millisecond)
			if auth != "s3cret" {
				return errors.New("authentication failed")
			}
			return nil
		})
		return nil
	})
	require.NoError(t, err)

	c := newTestClient(t, s)
	err = c.Link(testContext(t), "alice", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")

	linkClient(t, c, "alice", "s3cret")
	assert.Equal(t, client.StatusLinked, c.Status())
}

func TestIntegration_ReconnectKeepsSession(t *testing.T) {
	s := newTestServer(t, Options{})

	c1 := newTestClient(t, s)
	linkClient(t, c1, "bob", "")
	require.NoError(t, c1.Disconnect())

	// The transport is gone but the session survives unlinked.
	waitUntil(t, "bob unlinked on server", func() bool {
		users := s.Users()
		return len(users) == 1 && !users[0].IsLinked
	})

	c2 := newTestClient(t, s)
	linkClient(t, c2, "bob", "")
	users := s.Users()
	require.Len(t, users, 1)
	assert.True(t, users[0].IsLinked)
}

func TestIntegration_ForcedDisconnectUnlinksSession(t *testing.T) {
	s := newTestServer(t, Options{})
	c := newTestClient(t, s)
	linkClient(t, c, "bob", "")

	// Forced: no close handshake, the socket just drops.
	require.NoError(t, c.Disconnect(true))
	waitUntil(t, "client closed after forced disconnect", func() bool {
		return c.Status() == client.StatusClosed
	})
	waitUntil(t, "bob unlinked after forced disconnect", func() bool {
		users := s.Users()
		return len(users) == 1 && !users[0].IsLinked
	})
}

func TestIntegration_Kick(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := &recorder{}
	nop := zerolog.Nop()
	c := client.New(client.Options{Logger: &nop})
	rec.observe(t, c)
	require.NoError(t, c.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() { c.Disconnect() })
	linkClient(t, c, "bob", "")

	require.NoError(t, s.Kick("bob"))
	assert.Empty(t, s.Users())

	// The kicked client observes unlink before leave and drops back to
	// connected with no username.
	waitUntil(t, "client sees its leave", func() bool { return rec.contains("leave bob") })
	events := rec.list()
	unlinkAt, leaveAt := -1, -1
	for i, e := range events {
		switch e {
		case "unlink bob":
			unlinkAt = i
		case "leave bob":
			leaveAt = i
		}
	}
	require.GreaterOrEqual(t, unlinkAt, 0)
	require.Greater(t, leaveAt, unlinkAt)

	waitUntil(t, "client back to connected", func() bool { return c.Status() == client.StatusConnected })
	assert.Empty(t, c.Username())
}

func TestIntegration_ReconnectObservedByPeer(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := &recorder{}
	nop := zerolog.Nop()
	observer := client.New(client.Options{Logger: &nop})
	rec.observe(t, observer)
	require.NoError(t, observer.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() { observer.Disconnect() })
	linkClient(t, observer, "bob", "")

	c1 := newTestClient(t, s)
	linkClient(t, c1, "alice", "")
	waitUntil(t, "observer sees alice link", func() bool { return rec.contains("link alice") })

	require.NoError(t, c1.Disconnect())
	waitUntil(t, "observer sees alice unlink", func() bool { return rec.contains("unlink alice") })

	c2 := newTestClient(t, s)
	linkClient(t, c2, "alice", "")
	waitUntil(t, "observer sees alice relink", func() bool {
		links := 0
		for _, e := range rec.list() {
			if e == "link alice" {
				links++
			}
		}
		return links == 2
	})

	// A reconnect is unlink then link; the session never leaves or rejoins.
	joins, leaves := 0, 0
	unlinkAt, lastLinkAt := -1, -1
	for i, e := range rec.list() {
		switch e {
		case "join alice":
			joins++
		case "leave alice":
			leaves++
		case "unlink alice":
			unlinkAt = i
		case "link alice":
			lastLinkAt = i
		}
	}
	assert.Equal(t, 1, joins)
	assert.Zero(t, leaves)
	require.GreaterOrEqual(t, unlinkAt, 0)
	assert.Greater(t, lastLinkAt, unlinkAt)
}

func TestIntegration_KickObservedByPeer(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := &recorder{}
	nop := zerolog.Nop()
	observer := client.New(client.Options{Logger: &nop})
	rec.observe(t, observer)
	require.NoError(t, observer.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() { observer.Disconnect() })
	linkClient(t, observer, "bob", "")

	c := newTestClient(t, s)
	linkClient(t, c, "alice", "")
	waitUntil(t, "observer sees alice link", func() bool { return rec.contains("link alice") })

	require.NoError(t, s.Kick("alice"))
	waitUntil(t, "observer sees alice leave", func() bool { return rec.contains("leave alice") })

	unlinkAt, leaveAt := -1, -1
	for i, e := range rec.list() {
		switch e {
		case "unlink alice":
			unlinkAt = i
		case "leave alice":
			leaveAt = i
		}
	}
	require.GreaterOrEqual(t, unlinkAt, 0)
	assert.Greater(t, leaveAt, unlinkAt)
}

func TestIntegration_ClientUnlinkKeepsSession(t *testing.T) {
	s := newTestServer(t, Options{})
	c := newTestClient(t, s)
	linkClient(t, c, "bob", "")

	require.NoError(t, c.Unlink(testContext(t)))
	assert.Equal(t, client.StatusConnected, c.Status())
	assert.Empty(t, c.Username())

	users := s.Users()
	require.Len(t, users, 1)
	assert.False(t, users[0].IsLinked)

	// The same connection can link again.
	linkClient(t, c, "bob", "")
	assert.Equal(t, client.StatusLinked, c.Status())
}

func TestIntegration_ClientLeaveDestroysSession(t *testing.T) {
	s := newTestServer(t, Options{})
	c := newTestClient(t, s)
	linkClient(t, c, "bob", "")

	require.NoError(t, c.Leave(testContext(t)))
	assert.Equal(t, client.StatusConnected, c.Status())
	assert.Empty(t, c.Username())
	assert.Empty(t, s.Users())

	// The connection survives; a fresh link works even under a new name.
	linkClient(t, c, "carol", "")
	assert.Equal(t, "carol", c.Username())
}

func TestIntegration_AcceptNewUsersDisabled(t *testing.T) {
	s := newTestServer(t, Options{AcceptNewUsers: Bool(false)})
	require.NoError(t, s.Join("alice"))

	c1 := newTestClient(t, s)
	linkClient(t, c1, "alice", "")

	c2 := newTestClient(t, s)
	err := c2.Link(testContext(t), "bob", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server is not accepting new users")
}

func TestIntegration_SecondConnectionForLinkedUserRejected(t *testing.T) {
	s := newTestServer(t, Options{})
	c1 := newTestClient(t, s)
	linkClient(t, c1, "bob", "")

	c2 := newTestClient(t, s)
	err := c2.Link(testContext(t), "bob", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user bob is already linked to a connection")
}

func TestIntegration_Metadata(t *testing.T) {
	s := newTestServer(t, Options{Metadata: true})
	c := newTestClient(t, s)

	var mu sync.Mutex
	var got []protocol.Message
	_, err := c.Events().Message.On(func(m protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	linkClient(t, c, "alice", "")

	require.NoError(t, s.Broadcast(protocol.Message{Type: "chat/message"}))
	require.NoError(t, s.Send("alice", protocol.Message{Type: "chat/whisper"}))

	waitUntil(t, "both messages", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got[0].Metadata)
	assert.True(t, got[0].Metadata.IsBroadcast)
	_, err = time.Parse(time.RFC3339, got[0].Metadata.Timestamp)
	assert.NoError(t, err)
	require.NotNil(t, got[1].Metadata)
	assert.False(t, got[1].Metadata.IsBroadcast)
}

func TestIntegration_QueryGate(t *testing.T) {
	s := newTestServer(t, Options{
		QueryParams: map[string]QueryRule{"token": QueryEquals("s3cret")},
	})

	nop := zerolog.Nop()
	denied := client.New(client.Options{Logger: &nop})
	err := denied.Connect(testContext(t), serverURL(s))
	require.Error(t, err)

	allowed := client.New(client.Options{Logger: &nop})
	require.NoError(t, allowed.Connect(testContext(t), serverURL(s)+"?token=s3cret"))
	t.Cleanup(func() { allowed.Disconnect() })
	linkClient(t, allowed, "alice", "")
}

func TestIntegration_LinkListenerSendDeliveredAfterBackfill(t *testing.T) {
	s := newTestServer(t, Options{})
	_, err := s.Events().Link.On(func(username string) error {
		return s.Send(username, protocol.Message{Type: "chat/welcome"})
	})
	require.NoError(t, err)

	c := newTestClient(t, s)
	var mu sync.Mutex
	var order []string
	_, err = c.Events().Link.On(func(name string) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "linked "+name)
		return nil
	})
	require.NoError(t, err)
	_, err = c.Events().Message.On(func(m protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, m.Type)
		return nil
	})
	require.NoError(t, err)

	linkClient(t, c, "alice", "")
	waitUntil(t, "welcome message", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"linked alice", "chat/welcome"}, order)
}

func TestIntegration_CloseLeavesAllUsers(t *testing.T) {
	nop := zerolog.Nop()
	s := New(Options{Logger: &nop})
	require.NoError(t, s.Listen(0))

	rec := &recorder{}
	c := client.New(client.Options{Logger: &nop})
	rec.observe(t, c)
	require.NoError(t, c.Connect(testContext(t), serverURL(s)))
	t.Cleanup(func() {
		if c.Status() != client.StatusClosed {
			c.Disconnect()
		}
	})
	linkClient(t, c, "alice", "")

	var left []string
	_, err := s.Events().Leave.On(func(username string) error {
		left = append(left, username)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"alice"}, left)
	assert.Equal(t, StatusClosed, s.Status())

	waitUntil(t, "client disconnected", func() bool { return c.Status() == client.StatusClosed })

	// The final frames queued during close are flushed before the socket
	// drops, so the departing client sees its own unlink and leave.
	assert.True(t, rec.contains("unlink alice"), "events: %v", rec.list())
	assert.True(t, rec.contains("leave alice"), "events: %v", rec.list())
}

// rawConn speaks the wire protocol directly, for cases the client refuses
// to produce.
type rawConn struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dialRaw(t *testing.T, s *Server) *rawConn {
	t.Helper()
	conn, br, _, err := ws.Dial(testContext(t), serverURL(s))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	var rd io.Reader = conn
	if br != nil {
		rd = br
	}
	return &rawConn{
		t:    t,
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{rd, conn},
	}
}

func (r *rawConn) send(frame string) {
	r.t.Helper()
	require.NoError(r.t, wsutil.WriteClientMessage(r.conn, ws.OpText, []byte(frame)))
}

func (r *rawConn) read() protocol.Message {
	r.t.Helper()
	require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		data, op, err := wsutil.ReadServerData(r.rw)
		require.NoError(r.t, err)
		if op != ws.OpText {
			continue
		}
		msg, err := protocol.Parse(data)
		require.NoError(r.t, err)
		return msg
	}
}

func (r *rawConn) readRejection() string {
	r.t.Helper()
	msg := r.read()
	require.Equal(r.t, protocol.TypeRejected, msg.Type)
	var p protocol.RejectedPayload
	require.NoError(r.t, json.Unmarshal(msg.Payload, &p))
	return p.Reason
}

func (r *rawConn) link(username string) {
	r.t.Helper()
	r.send(fmt.Sprintf(`{"type":"krmx/link","payload":{"username":%q,"version":%q}}`, username, protocol.Version))
	require.Equal(r.t, protocol.TypeAccepted, r.read().Type)
	require.Equal(r.t, protocol.TypeJoined, r.read().Type)
	require.Equal(r.t, protocol.TypeLinked, r.read().Type)
}

func TestIntegration_VersionMismatch(t *testing.T) {
	s := newTestServer(t, Options{})
	raw := dialRaw(t, s)

	raw.send(`{"type":"krmx/link","payload":{"username":"alice","version":"0.9.0"}}`)
	assert.Equal(t, "krmx server version mismatch (server=1.0.*,client=0.9.0)", raw.readRejection())

	// The connection survives the rejection and can still link.
	raw.link("alice")
}

func TestIntegration_UnlinkedFrameRejections(t *testing.T) {
	s := newTestServer(t, Options{})
	raw := dialRaw(t, s)

	raw.send(`this is not json`)
	assert.Equal(t, "invalid message", raw.readRejection())

	raw.send(`{"type":"chat/message"}`)
	assert.Equal(t, "unlinked connection", raw.readRejection())

	raw.send(`{"type":"krmx/link"}`)
	assert.Equal(t, "invalid link request", raw.readRejection())

	raw.send(`{"type":"krmx/link","payload":{"username":"","version":"1.0.0"}}`)
	assert.Equal(t, "invalid link request", raw.readRejection())

	raw.send(`{"type":"krmx/link","payload":{"username":"UPPER","version":"1.0.0"}}`)
	assert.Equal(t, "invalid username", raw.readRejection())

	raw.link("alice")
}

func TestIntegration_ProtocolAbuseForcesUnlink(t *testing.T) {
	s := newTestServer(t, Options{})
	raw := dialRaw(t, s)
	raw.link("alice")

	// An unknown reserved type on a linked connection forcibly unlinks.
	raw.send(`{"type":"krmx/bogus"}`)
	msg := raw.read()
	require.Equal(t, protocol.TypeUnlinked, msg.Type)
	var p protocol.UserPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "alice", p.Username)

	// The session survives unlinked and the connection may link again.
	users := s.Users()
	require.Len(t, users, 1)
	assert.False(t, users[0].IsLinked)
	raw.send(fmt.Sprintf(`{"type":"krmx/link","payload":{"username":"alice","version":%q}}`, protocol.Version))
	require.Equal(t, protocol.TypeAccepted, raw.read().Type)
}

func TestIntegration_SecondLinkActsAsUnlink(t *testing.T) {
	s := newTestServer(t, Options{})
	raw := dialRaw(t, s)
	raw.link("alice")

	raw.send(fmt.Sprintf(`{"type":"krmx/link","payload":{"username":"alice","version":%q}}`, protocol.Version))
	msg := raw.read()
	assert.Equal(t, protocol.TypeUnlinked, msg.Type)

	waitUntil(t, "alice unlinked", func() bool {
		users := s.Users()
		return len(users) == 1 && !users[0].IsLinked
	})
}

package server

import (
	"encoding/json"
	"fmt"

	"github.com/krmx/krmx-go/pkg/protocol"
)

// handleFrame is the single entry point for inbound text frames. All
// protocol state transitions for one frame complete before any other
// connection's frame is handled.
func (s *Server) handleFrame(c *connection, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening {
		return
	}
	msg, err := protocol.Parse(data)
	if c.username == "" {
		s.handleUnlinkedFrame(c, msg, err)
		return
	}
	s.handleLinkedFrame(c, msg, err)
}

// handleUnlinkedFrame processes a frame on a connection with no bound user.
// Everything except a well-formed krmx/link is answered with krmx/rejected;
// the connection stays open so the client may retry.
func (s *Server) handleUnlinkedFrame(c *connection, msg protocol.Message, parseErr error) {
	if parseErr != nil {
		s.rejectLocked(c, "invalid message")
		return
	}
	if msg.Type != protocol.TypeLink {
		s.rejectLocked(c, "unlinked connection")
		return
	}
	var link protocol.LinkPayload
	if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &link) != nil || link.Username == "" || link.Version == "" {
		s.rejectLocked(c, "invalid link request")
		return
	}
	if !protocol.Compatible(s.version, link.Version) {
		s.rejectLocked(c, protocol.MismatchReason(s.version, link.Version))
		return
	}
	if !s.validUsername(link.Username) {
		s.rejectLocked(c, "invalid username")
		return
	}

	_, exists := s.users[link.Username]
	isNewUser := !exists
	if isNewUser && !s.opts.acceptNewUsers() {
		s.rejectLocked(c, "server is not accepting new users")
		return
	}
	if !isNewUser && s.users[link.Username].connectionID != "" {
		s.rejectLocked(c, fmt.Sprintf("user %s is already linked to a connection", link.Username))
		return
	}

	req := &AuthRequest{Username: link.Username, IsNewUser: isNewUser, Auth: link.Auth}
	s.emit(EventAuthenticate, s.events.Authenticate.Emit(req))

	if deferred := req.takeDeferred(); len(deferred) > 0 {
		// Suspension point: deferred checks run without the broker lock so
		// they may block on I/O.
		s.mu.Unlock()
		for _, fn := range deferred {
			if err := runDeferred(fn); err != nil {
				req.Reject(err.Error())
			}
		}
		s.mu.Lock()

		// Re-check preconditions after the await: the connection and the
		// username may have changed state while the lock was released.
		if c.terminal.Load() || c.username != "" || s.status != StatusListening {
			return
		}
		_, exists = s.users[link.Username]
		isNewUser = !exists
		if isNewUser && !s.opts.acceptNewUsers() {
			s.rejectLocked(c, "server is not accepting new users")
			return
		}
		if !isNewUser && s.users[link.Username].connectionID != "" {
			s.rejectLocked(c, fmt.Sprintf("user %s is already linked to a connection", link.Username))
			return
		}
		req.IsNewUser = isNewUser
	}

	if reason, rejected := req.rejection(); rejected {
		s.rejectLocked(c, reason)
		return
	}

	s.sendToConnLocked(c, protocol.Accepted())
	if isNewUser {
		s.joinLocked(link.Username)
	}
	s.linkLocked(c, link.Username)
}

// handleLinkedFrame processes a frame on a connection with a bound user.
// Protocol abuse (unknown krmx/* types, undecodable frames) forcibly
// unlinks the user without closing the socket.
func (s *Server) handleLinkedFrame(c *connection, msg protocol.Message, parseErr error) {
	username := c.username
	if parseErr != nil {
		s.logger.Warn().Str("conn", c.id).Str("username", username).Msg("undecodable frame on linked connection, unlinking")
		metricForcedUnlinks.Inc()
		s.unlinkLocked(username)
		return
	}
	switch msg.Type {
	case protocol.TypeLink, protocol.TypeUnlink:
		// A second link is a request to restart the session: unlink and
		// let the client link again on the now-unlinked connection.
		s.unlinkLocked(username)
	case protocol.TypeLeave:
		s.leaveLocked(username)
	default:
		if protocol.IsProtocol(msg.Type) {
			s.logger.Warn().Str("conn", c.id).Str("username", username).Str("type", msg.Type).Msg("unknown protocol message on linked connection, unlinking")
			metricForcedUnlinks.Inc()
			s.unlinkLocked(username)
			return
		}
		s.emit(EventMessage, s.events.Message.Emit(UserMessage{Username: username, Message: msg}))
	}
}

// joinLocked creates a user session. The joined broadcast precedes the
// insertion so listeners sending to the joining user cannot reach it yet.
func (s *Server) joinLocked(username string) {
	s.broadcastFrameLocked(protocol.Joined(username), "")
	s.users[username] = &user{name: username}
	metricUsers.Inc()
	s.logger.Info().Str("username", username).Msg("user joined")
	s.emit(EventJoin, s.events.Join.Emit(username))
}

// linkLocked binds a user to a connection, backfills the full user list to
// the fresh connection, and announces the link to everyone else. The
// backfill carries the user's own linked frame, so the broadcast skips the
// new connection to keep that observation unique.
func (s *Server) linkLocked(c *connection, username string) {
	u := s.users[username]
	u.connectionID = c.id
	c.username = username

	for _, name := range s.sortedUsernames() {
		s.sendToConnLocked(c, protocol.Joined(name))
		if s.users[name].connectionID != "" {
			s.sendToConnLocked(c, protocol.Linked(name))
		}
	}
	s.broadcastFrameLocked(protocol.Linked(username), c.id)

	metricUsersLinked.Inc()
	s.logger.Info().Str("conn", c.id).Str("username", username).Msg("user linked")
	s.emit(EventLink, s.events.Link.Emit(username))
}

// unlinkLocked clears the user/connection binding. The unlinked broadcast
// goes out first so the unlinking connection still observes it while
// linked.
func (s *Server) unlinkLocked(username string) {
	u := s.users[username]
	if u == nil || u.connectionID == "" {
		return
	}
	s.broadcastFrameLocked(protocol.Unlinked(username), "")
	if c := s.conns[u.connectionID]; c != nil {
		c.username = ""
	}
	u.connectionID = ""
	metricUsersLinked.Dec()
	s.logger.Info().Str("username", username).Msg("user unlinked")
	s.emit(EventUnlink, s.events.Unlink.Emit(username))
}

// leaveLocked destroys a user session. A linked user is unlinked first and
// its former connection is sent the left frame directly, so the departing
// client sees its own leave.
func (s *Server) leaveLocked(username string) {
	u := s.users[username]
	if u == nil {
		return
	}
	var former *connection
	if u.connectionID != "" {
		former = s.conns[u.connectionID]
		s.unlinkLocked(username)
	}
	if former != nil {
		s.sendToConnLocked(former, protocol.Left(username))
	}
	s.broadcastFrameLocked(protocol.Left(username), "")
	delete(s.users, username)
	metricUsers.Dec()
	s.logger.Info().Str("username", username).Msg("user left")
	s.emit(EventLeave, s.events.Leave.Emit(username))
}

// broadcastFrameLocked fans a protocol frame out to every linked
// connection, optionally skipping one connection id. Usernames are walked
// in sorted order so fan-out is deterministic.
func (s *Server) broadcastFrameLocked(msg protocol.Message, skipConnID string) {
	data, err := s.encodeOutbound(msg, true)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode protocol frame")
		return
	}
	for _, name := range s.sortedUsernames() {
		u := s.users[name]
		if u.connectionID == "" || u.connectionID == skipConnID {
			continue
		}
		if c := s.conns[u.connectionID]; c != nil {
			c.enqueue(data)
		}
	}
}

// sendToConnLocked sends a protocol frame to one connection.
func (s *Server) sendToConnLocked(c *connection, msg protocol.Message) {
	data, err := s.encodeOutbound(msg, false)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode protocol frame")
		return
	}
	c.enqueue(data)
}

// rejectLocked answers a failed link attempt. The connection stays open.
func (s *Server) rejectLocked(c *connection, reason string) {
	s.logger.Debug().Str("conn", c.id).Str("reason", reason).Msg("link attempt rejected")
	metricLinkRejections.Inc()
	s.sendToConnLocked(c, protocol.Rejected(reason))
}

func runDeferred(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("authentication failed: %v", r)
		}
	}()
	return fn()
}

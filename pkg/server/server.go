// Package server implements the krmx session broker: a WebSocket server
// that decouples transport connections from named user sessions. A dropped
// connection can be replaced without losing the user's session identity,
// and every linked participant observes a consistent view of who exists
// and who is currently online.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/krmx/krmx-go/pkg/protocol"
)

// Status is the server lifecycle state.
type Status int32

const (
	StatusInitializing Status = iota
	StatusStarting
	StatusListening
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusStarting:
		return "starting"
	case StatusListening:
		return "listening"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Errors returned by the targeted send path.
var (
	ErrNoSuchUser    = errors.New("no such user")
	ErrUserNotLinked = errors.New("user not linked")
)

// UserInfo describes one user session known to the broker.
type UserInfo struct {
	Username string
	IsLinked bool
}

// user is a session entry. connectionID is empty while unlinked.
type user struct {
	name         string
	connectionID string
}

// Server is the session broker. All state mutations are serialized behind a
// re-entrant lock; event listeners run synchronously on the mutating path.
type Server struct {
	opts          Options
	logger        zerolog.Logger
	version       string
	validUsername func(string) bool
	events        *Events

	mu          reentrantMutex
	status      Status
	listener    net.Listener
	httpServer  *http.Server
	conns       map[string]*connection
	users       map[string]*user
	serveDone   chan struct{}
}

// New creates a broker in the initializing state.
func New(opts Options) *Server {
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	validate := opts.IsValidUsername
	if validate == nil {
		validate = protocol.IsValidUsername
	}
	return &Server{
		opts:          opts,
		logger:        logger.With().Str("component", "krmx-server").Logger(),
		version:       protocol.Version,
		validUsername: validate,
		events:        newEvents(),
		status:        StatusInitializing,
		conns:         make(map[string]*connection),
		users:         make(map[string]*user),
		serveDone:     make(chan struct{}),
	}
}

// Events returns the broker's event surface.
func (s *Server) Events() *Events { return s.events }

// Status returns the current lifecycle state.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return listenerPort(s.listener)
}

func (s *Server) statusErrLocked(action string) error {
	return fmt.Errorf("cannot %s when the server is %s", action, s.status)
}

// Listen binds the websocket endpoint and advances to listening. Allowed
// only from initializing. With a caller-provided listener, port must be 0
// or match the listener's port. Port 0 binds an ephemeral port.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusInitializing {
		return s.statusErrLocked("listen")
	}
	s.status = StatusStarting

	ln := s.opts.Listener
	if ln != nil {
		bound := listenerPort(ln)
		if port != 0 && port != bound {
			s.status = StatusInitializing
			return fmt.Errorf("cannot listen on port %d: the provided http host is already listening on port %d", port, bound)
		}
	} else {
		var err error
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.status = StatusInitializing
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.endpointPath(), s.handleUpgrade)
	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    0, // websocket connections are long-lived
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		defer close(s.serveDone)
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server accept loop error")
		}
	}()

	s.status = StatusListening
	bound := listenerPort(ln)
	s.logger.Info().Int("port", bound).Str("path", s.endpointPath()).Msg("server listening")
	s.emit(EventListen, s.events.Listen.Emit(bound))
	return nil
}

// Close leaves every remaining user (unlink before leave), terminates all
// connections, closes the HTTP listener, and emits close once fully closed.
// Allowed from starting or listening.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.status != StatusStarting && s.status != StatusListening {
		defer s.mu.Unlock()
		return s.statusErrLocked("close")
	}
	s.logger.Info().Int("users", len(s.users)).Int("connections", len(s.conns)).Msg("closing server")
	s.status = StatusClosing

	for _, name := range s.sortedUsernames() {
		s.leaveLocked(name)
	}
	for _, c := range s.conns {
		c.terminate()
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		httpServer.Close()
		<-s.serveDone
	}

	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
	s.logger.Info().Msg("server closed")
	s.emit(EventClose, s.events.Close.Emit(struct{}{}))
	return nil
}

// Broadcast sends an application message to every linked user, optionally
// skipping one username. Permitted while listening or closing.
func (s *Server) Broadcast(msg protocol.Message, skip ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening && s.status != StatusClosing {
		return s.statusErrLocked("broadcast")
	}
	if err := validateAppMessage(msg); err != nil {
		return err
	}
	skipName := ""
	if len(skip) > 0 {
		skipName = skip[0]
	}
	data, err := s.encodeOutbound(msg, true)
	if err != nil {
		return err
	}
	for _, name := range s.sortedUsernames() {
		u := s.users[name]
		if u.connectionID == "" || name == skipName {
			continue
		}
		if c := s.conns[u.connectionID]; c != nil {
			c.enqueue(data)
		}
	}
	return nil
}

// Send delivers an application message to a single linked user.
func (s *Server) Send(username string, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening && s.status != StatusClosing {
		return s.statusErrLocked("send")
	}
	if err := validateAppMessage(msg); err != nil {
		return err
	}
	u := s.users[username]
	if u == nil {
		return ErrNoSuchUser
	}
	if u.connectionID == "" {
		return ErrUserNotLinked
	}
	data, err := s.encodeOutbound(msg, false)
	if err != nil {
		return err
	}
	if c := s.conns[u.connectionID]; c != nil {
		c.enqueue(data)
	}
	return nil
}

// Join creates a user server-side without a connection. The user starts
// unlinked; a client may link as it later even when new users are refused.
func (s *Server) Join(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening && s.status != StatusClosing {
		return s.statusErrLocked("join")
	}
	if !s.validUsername(username) {
		return fmt.Errorf("invalid username %q", username)
	}
	if _, exists := s.users[username]; exists {
		return fmt.Errorf("user %s already joined", username)
	}
	s.joinLocked(username)
	return nil
}

// Unlink unbinds a user from its connection without destroying the session.
func (s *Server) Unlink(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening && s.status != StatusClosing {
		return s.statusErrLocked("unlink")
	}
	u := s.users[username]
	if u == nil {
		return ErrNoSuchUser
	}
	if u.connectionID == "" {
		return ErrUserNotLinked
	}
	s.unlinkLocked(username)
	return nil
}

// Kick unlinks (when linked) and destroys a user session.
func (s *Server) Kick(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusListening && s.status != StatusClosing {
		return s.statusErrLocked("kick")
	}
	if s.users[username] == nil {
		return ErrNoSuchUser
	}
	s.leaveLocked(username)
	return nil
}

// Users returns every known user session, sorted by username.
func (s *Server) Users() []UserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]UserInfo, 0, len(s.users))
	for _, name := range s.sortedUsernames() {
		infos = append(infos, UserInfo{Username: name, IsLinked: s.users[name].connectionID != ""})
	}
	return infos
}

func (s *Server) sortedUsernames() []string {
	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) encodeOutbound(msg protocol.Message, isBroadcast bool) ([]byte, error) {
	if s.opts.Metadata {
		msg = protocol.Decorate(msg, isBroadcast, time.Now())
	}
	return msg.Encode()
}

func (s *Server) endpointPath() string {
	path := s.opts.Path
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// emit logs collected listener errors; a failing listener never changes
// broker state.
func (s *Server) emit(event string, errs []error) {
	for _, err := range errs {
		s.logger.Warn().Err(err).Str("event", event).Msg("event listener failed")
	}
}

func validateAppMessage(msg protocol.Message) error {
	if msg.Type == "" {
		return errors.New("message type is required")
	}
	if protocol.IsProtocol(msg.Type) {
		return fmt.Errorf("cannot send message with type %q: the %s prefix is reserved for internal use", msg.Type, protocol.ReservedPrefix)
	}
	return nil
}

func listenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

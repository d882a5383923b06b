package server

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/nats-io/nuid"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame (data or pong) from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per connection before the peer is
	// considered too slow.
	sendBuffer = 256
)

// connection is a single accepted WebSocket session. username is bound by
// the link state machine and guarded by the server lock; the terminal flag
// guarantees no frame is handed to the write path after termination.
type connection struct {
	id        string
	conn      net.Conn
	srv       *Server
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	terminal  atomic.Bool
	limiter   *rate.Limiter

	// username of the bound user, empty while unlinked. Guarded by srv.mu.
	username string
}

// handleUpgrade accepts a WebSocket upgrade after the accept gate passes.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.Status() != StatusListening {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.queryAllowed(r) {
		s.logger.Debug().Str("remote_addr", r.RemoteAddr).Str("query", r.URL.RawQuery).Msg("connection rejected by accept gate")
		metricConnectionsRejected.Inc()
		http.Error(w, "rejected", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		metricConnectionsRejected.Inc()
		return
	}

	c := &connection{
		id:      nuid.Next(),
		conn:    conn,
		srv:     s,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: s.opts.frameLimiter(),
	}

	s.mu.Lock()
	if s.status != StatusListening {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	metricConnectionsTotal.Inc()
	metricConnectionsActive.Inc()
	s.logger.Info().Str("conn", c.id).Str("remote_addr", r.RemoteAddr).Msg("connection accepted")

	go c.writePump()
	go c.readPump()
}

// queryAllowed evaluates the configured accept gate against the request URL.
func (s *Server) queryAllowed(r *http.Request) bool {
	if len(s.opts.QueryParams) == 0 {
		return true
	}
	query := r.URL.Query()
	for param, rule := range s.opts.QueryParams {
		values, present := query[param]
		value := ""
		if present && len(values) > 0 {
			value = values[0]
		}
		if !rule.allows(value, present) {
			return false
		}
	}
	return true
}

// enqueue hands an encoded frame to the connection's write path. Called
// with the server lock held; per-connection FIFO order preserves the total
// order of transitions. A peer that cannot keep up is terminated rather
// than allowed to block fan-out.
func (c *connection) enqueue(data []byte) {
	if c.terminal.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.srv.logger.Warn().Str("conn", c.id).Msg("send buffer full, terminating slow connection")
		c.terminate()
	}
}

// terminate marks the connection terminal and signals the write pump, which
// drains queued frames and closes the socket. Cleanup (unlink of a bound
// user, registry removal) happens on the read pump's exit path.
func (c *connection) terminate() {
	c.terminal.Store(true)
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump serializes all outbound writes and keeps the peer alive with
// pings. Batches queued frames through a buffered writer to reduce
// syscalls.
func (c *connection) writePump() {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.terminate()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, data); err != nil {
				return
			}
			metricMessagesSent.Inc()

			// Batch additional queued frames before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				data = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, data); err != nil {
					return
				}
				metricMessagesSent.Inc()
			}
			if err := writer.Flush(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}

		case <-c.done:
			// Drain frames queued before termination, then complete the
			// close handshake. Final unlinked/left frames are queued before
			// the connection is terminated.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case data := <-c.send:
					if err := wsutil.WriteServerMessage(writer, ws.OpText, data); err != nil {
						return
					}
					metricMessagesSent.Inc()
				default:
					if err := writer.Flush(); err != nil {
						return
					}
					wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
					return
				}
			}
		}
	}
}

// readPump reads frames and hands text frames to the link state machine.
func (c *connection) readPump() {
	defer c.srv.connectionClosed(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if c.limiter != nil && !c.limiter.Allow() {
				c.srv.logger.Warn().Str("conn", c.id).Msg("inbound frame rate limit exceeded, dropping frame")
				metricFramesRateLimited.Inc()
				continue
			}
			metricMessagesReceived.Inc()
			c.srv.handleFrame(c, data)
		case ws.OpClose:
			return
		}
	}
}

// connectionClosed runs once per connection when its read pump exits. A
// bound user is unlinked (the session survives for a later re-link) and
// the registry entry is removed.
func (s *Server) connectionClosed(c *connection) {
	c.terminate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	metricConnectionsActive.Dec()
	if c.username != "" {
		s.unlinkLocked(c.username)
	}
	s.logger.Info().Str("conn", c.id).Msg("connection closed")
}

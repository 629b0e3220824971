// Package conn is the Connection Handler and Message Router: it owns the
// accept loop, the per-connection read/write goroutines, authentication and
// room-membership state, the ingress limiter, and the liveness reaper.
package conn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/qos"
	"chatserver/internal/room"
	"chatserver/internal/userstore"
)

const (
	writeTimeout      = 5 * time.Second
	sendBufferSize    = 64
	defaultReaperTick = 30 * time.Second
	defaultStaleAfter = 60 * time.Second
)

// Connection is one authenticated-or-not client connection. Writes go
// through a single buffered channel drained by one writer goroutine per
// connection, so concurrent handlers never interleave partial frames on the
// wire (spec.md §4.5.2).
type Connection struct {
	id       string
	conn     net.Conn
	send     chan *protocol.Message
	limiter  *rate.Limiter
	server   *Server
	closeOne sync.Once

	mu            sync.Mutex
	username      string
	authenticated bool
	roomID        string
	lastHeartbeat int64 // unix nanos, atomic via CompareAndSwap on this field's pointer is unnecessary; guarded by mu
}

// Server owns the set of live connections and every component the
// Connection Handler and Message Router dispatch into.
type Server struct {
	users   *userstore.Store
	rooms   *room.Registry
	qos     *qos.Scheduler
	metrics *metrics.Counter

	msgRate  rate.Limit
	msgBurst int

	reaperTick time.Duration
	staleAfter time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	nextID atomic.Uint64
}

// Config bundles the tunables NewServer needs beyond its component
// dependencies.
type Config struct {
	MsgRate    float64 // messages/sec per connection; 0 disables the limiter
	MsgBurst   int
	ReaperTick time.Duration
	StaleAfter time.Duration
}

// NewServer wires a Connection Handler against its dependencies.
func NewServer(users *userstore.Store, rooms *room.Registry, sched *qos.Scheduler, m *metrics.Counter, cfg Config) *Server {
	if cfg.ReaperTick <= 0 {
		cfg.ReaperTick = defaultReaperTick
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.MsgBurst <= 0 {
		cfg.MsgBurst = 20
	}
	return &Server{
		users:      users,
		rooms:      rooms,
		qos:        sched,
		metrics:    m,
		msgRate:    rate.Limit(cfg.MsgRate),
		msgBurst:   cfg.MsgBurst,
		reaperTick: cfg.ReaperTick,
		staleAfter: cfg.StaleAfter,
		conns:      make(map[string]*Connection),
	}
}

// Serve accepts connections from ln until ctx is cancelled or ln is closed.
// It also starts the liveness reaper and blocks the caller's goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.reapLoop(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("conn: accept: %w", err)
		}
		go s.handle(c)
	}
}

func (s *Server) handle(netConn net.Conn) {
	id := fmt.Sprintf("c%d", s.nextID.Add(1))
	var limiter *rate.Limiter
	if s.msgRate > 0 {
		limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	c := &Connection{
		id:      id,
		conn:    netConn,
		send:    make(chan *protocol.Message, sendBufferSize),
		limiter: limiter,
		server:  s,
	}
	c.touchHeartbeat()

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	slog.Info("connection accepted", "conn", id, "remote", netConn.RemoteAddr())

	go c.writeLoop()
	c.readLoop()
	s.teardown(c)
}

func (c *Connection) writeLoop() {
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := protocol.Encode(c.conn, msg); err != nil {
			slog.Debug("conn write error", "conn", c.id, "err", err)
			return
		}
	}
}

func (c *Connection) readLoop() {
	defer func() {
		c.closeOne.Do(func() { _ = c.conn.Close() })
	}()

	for {
		msg, err := protocol.Decode(c.conn)
		if err != nil {
			if err != io.EOF {
				slog.Debug("conn read error", "conn", c.id, "err", err)
			}
			return
		}
		c.touchHeartbeat()

		if c.limiter != nil && !c.limiter.Allow() {
			c.trySend(protocol.New(protocol.KindError, protocol.ErrorPayload{Error: "rate limit exceeded"}, protocol.Normal, nil))
			continue
		}

		priority := msg.Priority
		if !priority.Valid() {
			priority = protocol.Normal
		}
		c.server.qos.Enqueue(priority, func() {
			start := time.Now()
			c.server.dispatch(c, msg)
			if c.server.metrics != nil {
				c.server.metrics.MessageProcessed(time.Since(start))
			}
		})
	}
}

// trySend enqueues msg for delivery to c, serialized behind the single writer
// goroutine. A full send buffer drops the message rather than blocking the
// router's QoS worker.
func (c *Connection) trySend(msg *protocol.Message) {
	select {
	case c.send <- msg:
	default:
		slog.Warn("conn send buffer full, dropping message", "conn", c.id, "type", msg.Type)
	}
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UnixNano()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	last := c.lastHeartbeat
	c.mu.Unlock()
	return time.Since(time.Unix(0, last))
}

func (c *Connection) setAuthenticated(username string) {
	c.mu.Lock()
	c.username = username
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Connection) identity() (username string, authed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username, c.authenticated
}

func (c *Connection) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

func (c *Connection) currentRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// teardown implements the exact ordering from spec.md §4.5.1: logout, leave
// room (with a broadcast), close the writer, remove from the connection
// map, decrement the live-connection counter. handle calls it exactly once
// per connection, after readLoop returns. It is not idempotent: a second
// call for the same connection panics on closing the already-closed send
// channel.
func (s *Server) teardown(c *Connection) {
	username, authed := c.identity()
	if authed {
		s.users.Logout(username, c.id)
	}

	roomID := c.currentRoom()
	if roomID != "" {
		s.rooms.Leave(roomID, c.id)
		if authed {
			s.rooms.Broadcast(roomID, protocol.New(protocol.KindUserList, protocol.UserListEvent{
				Action:   "leave",
				Username: username,
			}, protocol.Normal, &roomID), c.id)
		}
	}

	c.closeOne.Do(func() { _ = c.conn.Close() })
	close(c.send)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionClosed()
	}
	slog.Info("connection closed", "conn", c.id, "username", username)
}

// reapLoop evicts connections that have not been heard from (no frame,
// including heartbeats) within staleAfter, per the Liveness Reaper
// (spec.md §4.7).
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.reaperTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.RLock()
	stale := make([]*Connection, 0)
	for _, c := range s.conns {
		if c.idleSince() > s.staleAfter {
			stale = append(stale, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range stale {
		slog.Info("reaping stale connection", "conn", c.id, "idle", c.idleSince())
		c.closeOne.Do(func() { _ = c.conn.Close() })
	}
}

// reapBroken closes the connections named by connIDs, the ones whose
// fan-out delivery just failed. Closing here drives each through the normal
// readLoop-error teardown path rather than waiting for the liveness sweep.
func (s *Server) reapBroken(connIDs []string) {
	for _, id := range connIDs {
		s.mu.RLock()
		c, ok := s.conns[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		slog.Info("reaping connection after failed fan-out delivery", "conn", id)
		c.closeOne.Do(func() { _ = c.conn.Close() })
	}
}

// ConnectionCount returns the number of currently tracked connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// roomMember adapts a Connection into the room.Member the Room Registry
// addresses fan-out by.
func roomMember(c *Connection, username string) room.Member {
	return room.Member{ConnID: c.id, Username: username, Send: c.send}
}

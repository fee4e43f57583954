// Package feed serves the live admin alert feed over WebSocket. Dashboards
// connect to /feed, receive the list of currently flagged senders, and then
// every alert the moderator raises. The expected audience is a handful of
// admin consoles, so each connection gets its own reader goroutine.
package feed

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/groupguard/groupguard/internal/metrics"
	"github.com/groupguard/groupguard/internal/protocol"
)

// Config holds feed limits and heartbeat tuning.
type Config struct {
	MaxConnections int
	WriteTimeout   time.Duration
	PingInterval   time.Duration // how often to ping (default: 30s)
	PingTimeout    time.Duration // extra grace after a ping before eviction
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 64,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
		PingTimeout:    10 * time.Second,
	}
}

// Snapshot produces the message sent to a client right after it connects.
type Snapshot func() ([]byte, error)

// Connection is one feed client.
type Connection struct {
	ID        string
	Conn      net.Conn
	CreatedAt time.Time
	lastSeen  atomic.Int64 // unix nanos of the last frame read
	writeMu   sync.Mutex
	timeout   time.Duration
}

func (c *Connection) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

// LastSeen returns the time of the last frame received from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// WriteMessage sends a text frame. Writes are serialized per connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadline()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadline()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

func (c *Connection) deadline() {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
}

// Hub tracks feed connections and fans alerts out to them.
type Hub struct {
	config   Config
	snapshot Snapshot
	logger   *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub. snapshot may be nil.
func NewHub(config Config, snapshot Snapshot, logger *zap.Logger) *Hub {
	return &Hub{
		config:   config,
		snapshot: snapshot,
		logger:   logger.Named("feed"),
		conns:    make(map[string]*Connection),
		done:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket feed connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.MaxConnections > 0 && h.Count() >= h.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		Conn:      conn,
		CreatedAt: now,
		timeout:   h.config.WriteTimeout,
	}
	c.touch(now)
	h.add(c)

	if h.snapshot != nil {
		if msg, err := h.snapshot(); err != nil {
			h.logger.Warn("build snapshot", zap.String("conn", c.ID), zap.Error(err))
		} else if err := c.WriteMessage(msg); err != nil {
			h.logger.Warn("send snapshot", zap.String("conn", c.ID), zap.Error(err))
			h.Remove(c)
			return
		}
	}

	h.logger.Info("feed client connected", zap.String("conn", c.ID), zap.Int("total", h.Count()))
	go h.readLoop(c)
}

// readLoop consumes client frames until the connection fails. Clients may
// send {"type":"ping"}; anything else gets an error reply.
func (h *Hub) readLoop(c *Connection) {
	defer h.Remove(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch(time.Now())

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
		}

		if header.OpCode.IsControl() {
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}
		if len(payload) == 0 {
			continue
		}
		h.handle(c, payload)
	}
}

func (h *Hub) handle(c *Connection, data []byte) {
	msgType, _, err := protocol.Parse(data)
	var reply []byte
	switch {
	case err == nil && msgType == protocol.TypePing:
		reply, err = protocol.Encode(protocol.TypePong, protocol.PongMsg{})
	default:
		code := "bad_request"
		if errors.Is(err, protocol.ErrUnknownType) || err == nil {
			code = "unsupported"
		}
		reply, err = protocol.Encode(protocol.TypeError, protocol.ErrorMsg{
			Code:    code,
			Message: "the feed only accepts ping",
		})
	}
	if err != nil {
		h.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := c.WriteMessage(reply); err != nil {
		h.Remove(c)
	}
}

// Broadcast sends data to every connection. Connections that fail the write
// are dropped. It returns the number of successful deliveries.
func (h *Hub) Broadcast(data []byte) int {
	delivered := 0
	for _, c := range h.All() {
		if err := c.WriteMessage(data); err != nil {
			h.logger.Debug("broadcast write failed", zap.String("conn", c.ID), zap.Error(err))
			h.Remove(c)
			continue
		}
		delivered++
	}
	return delivered
}

// StartHeartbeat pings every connection each PingInterval and evicts those
// silent for longer than PingInterval + PingTimeout. It returns immediately.
func (h *Hub) StartHeartbeat() {
	interval := h.config.PingInterval
	if interval <= 0 {
		interval = DefaultConfig().PingInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case now := <-ticker.C:
				h.checkConnections(now, interval+h.config.PingTimeout)
			}
		}
	}()
}

func (h *Hub) checkConnections(now time.Time, deadline time.Duration) {
	for _, c := range h.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			h.logger.Info("heartbeat timeout", zap.String("conn", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			h.Remove(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			h.logger.Debug("heartbeat ping failed", zap.String("conn", c.ID), zap.Error(err))
			h.Remove(c)
		}
	}
}

func (h *Hub) add(c *Connection) {
	h.mu.Lock()
	h.conns[c.ID] = c
	n := len(h.conns)
	h.mu.Unlock()
	metrics.FeedConnections.Set(float64(n))
}

// Remove closes and forgets a connection. It reports whether the connection
// was still registered.
func (h *Hub) Remove(c *Connection) bool {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	if ok {
		delete(h.conns, c.ID)
	}
	n := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return false
	}
	_ = c.Conn.Close()
	metrics.FeedConnections.Set(float64(n))
	h.logger.Info("feed client disconnected", zap.String("conn", c.ID), zap.Int("total", n))
	return true
}

// All returns a snapshot of current connections.
func (h *Hub) All() []*Connection {
	h.mu.RLock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	h.mu.RUnlock()
	return out
}

// Count returns the number of connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close stops the heartbeat and disconnects every client.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
	for _, c := range h.All() {
		h.Remove(c)
	}
}

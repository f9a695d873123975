package stream

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

// Connection represents one live producer connection
type Connection struct {
	ID         string
	Direction  protocol.Direction
	RemoteAddr string
	StartTime  time.Time

	mu           sync.RWMutex
	username     string
	lastActivity time.Time

	frames     atomic.Uint64
	bytes      atomic.Uint64
	oddFrames  atomic.Uint64
	queueDrops atomic.Uint64
}

// ConnectionInfo is a JSON-friendly copy of a Connection
type ConnectionInfo struct {
	ID           string             `json:"id"`
	Direction    protocol.Direction `json:"direction"`
	RemoteAddr   string             `json:"remote_addr"`
	Username     string             `json:"username"`
	StartTime    time.Time          `json:"start_time"`
	LastActivity time.Time          `json:"last_activity"`
	Duration     string             `json:"duration"`
	Frames       uint64             `json:"frames"`
	Bytes        uint64             `json:"bytes"`
	OddFrames    uint64             `json:"odd_frames"`
	QueueDrops   uint64             `json:"queue_drops"`
}

// SetUsername records the username announced in the handshake.
func (c *Connection) SetUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Username returns the handshake username, empty before the handshake.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// RecordFrame accounts a forwarded frame of n bytes.
func (c *Connection) RecordFrame(n int, queued bool) {
	c.frames.Add(1)
	c.bytes.Add(uint64(n))
	if !queued {
		c.queueDrops.Add(1)
	}
	c.touch()
}

// RecordOddFrame accounts a discarded odd-length read.
func (c *Connection) RecordOddFrame(n int) {
	c.oddFrames.Add(1)
	c.bytes.Add(uint64(n))
	c.touch()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.RLock()
	username := c.username
	lastActivity := c.lastActivity
	c.mu.RUnlock()

	return ConnectionInfo{
		ID:           c.ID,
		Direction:    c.Direction,
		RemoteAddr:   c.RemoteAddr,
		Username:     username,
		StartTime:    c.StartTime,
		LastActivity: lastActivity,
		Duration:     time.Since(c.StartTime).Round(time.Millisecond).String(),
		Frames:       c.frames.Load(),
		Bytes:        c.bytes.Load(),
		OddFrames:    c.oddFrames.Load(),
		QueueDrops:   c.queueDrops.Load(),
	}
}

// Manager manages all live connections
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	logger      *slog.Logger

	totalAccepted atomic.Uint64
}

// NewManager creates an empty connection registry
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		logger:      logger,
	}
}

// Register adds a new connection for dir and returns it.
func (m *Manager) Register(dir protocol.Direction, remoteAddr string) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:           ksuid.New().String(),
		Direction:    dir,
		RemoteAddr:   remoteAddr,
		StartTime:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.connections[conn.ID] = conn
	active := len(m.connections)
	m.mu.Unlock()

	m.totalAccepted.Add(1)

	m.logger.Debug("Registered connection",
		slog.String("connection_id", conn.ID),
		slog.String("direction", dir.String()),
		slog.String("remote_addr", remoteAddr),
		slog.Int("active_connections", active),
	)

	return conn
}

// Get retrieves a live connection by id
func (m *Manager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.connections[id]
	return conn, exists
}

// Remove drops a connection from the registry
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	conn, exists := m.connections[id]
	if exists {
		delete(m.connections, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	info := conn.Info()
	m.logger.Debug("Removed connection",
		slog.String("connection_id", id),
		slog.String("direction", info.Direction.String()),
		slog.String("username", info.Username),
		slog.String("duration", info.Duration),
		slog.Uint64("frames", info.Frames),
		slog.Uint64("odd_frames", info.OddFrames),
		slog.Uint64("queue_drops", info.QueueDrops),
	)

	return true
}

// Count returns the number of live connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CountByDirection returns the number of live connections for dir
func (m *Manager) CountByDirection(dir protocol.Direction) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.connections {
		if conn.Direction == dir {
			count++
		}
	}
	return count
}

// TotalAccepted returns how many connections were ever registered
func (m *Manager) TotalAccepted() uint64 {
	return m.totalAccepted.Load()
}

// All returns snapshots of all live connections, oldest first
func (m *Manager) All() []ConnectionInfo {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, conn.Info())
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartTime.Before(infos[j].StartTime)
	})

	return infos
}

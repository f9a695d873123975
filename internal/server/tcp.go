package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/session"
	"github.com/skypro1111/voip-relay-service/internal/stream"
)

// DefaultChunkSize is the maximum number of bytes taken from a connection per read.
const DefaultChunkSize = 4096

// Handshake outcome labels
const (
	handshakeOK         = "ok"
	handshakeClosed     = "closed"
	handshakeIncomplete = "incomplete"
	handshakeInvalid    = "invalid"
	handshakeError      = "error"
)

// AudioServerConfig contains the listener settings for one direction
type AudioServerConfig struct {
	Direction         protocol.Direction
	BindAddress       string
	Port              int
	ChunkSize         int
	ReadTimeout       time.Duration // 0 disables the idle deadline
	MaxUsernameLength int
}

// AudioServer accepts producer connections for one direction
type AudioServer struct {
	*acceptor

	config    AudioServerConfig
	state     *session.State
	queue     *audio.Queue
	ring      *audio.SampleRing
	streamMgr *stream.Manager

	handshakes       atomic.Uint64
	handshakeErrors  atomic.Uint64
	framesReceived   atomic.Uint64
	bytesReceived    atomic.Uint64
	oddFrames        atomic.Uint64
	queueDrops       atomic.Uint64
	connectionErrors atomic.Uint64
}

// AudioServerStatistics represents listener counters
type AudioServerStatistics struct {
	Direction           string `json:"direction"`
	Address             string `json:"address"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	OpenConnections     int    `json:"open_connections"`
	AcceptErrors        uint64 `json:"accept_errors"`
	Handshakes          uint64 `json:"handshakes"`
	HandshakeErrors     uint64 `json:"handshake_errors"`
	FramesReceived      uint64 `json:"frames_received"`
	BytesReceived       uint64 `json:"bytes_received"`
	OddFrames           uint64 `json:"odd_frames"`
	QueueDrops          uint64 `json:"queue_drops"`
	ConnectionErrors    uint64 `json:"connection_errors"`
	QueueSize           int    `json:"queue_size"`
	QueueCapacity       int    `json:"queue_capacity"`
	DiagnosticSamples   int    `json:"diagnostic_samples"`
}

// NewAudioServer creates a listener for cfg.Direction. Frames are fanned out to
// queue and ring; the handshake username is published to state.
func NewAudioServer(cfg AudioServerConfig, logger *slog.Logger, state *session.State,
	queue *audio.Queue, ring *audio.SampleRing, streamMgr *stream.Manager, m *metrics.Metrics) *AudioServer {

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = protocol.DefaultMaxUsernameLength
	}

	address := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	logger = logger.With(slog.String("direction", cfg.Direction.String()))

	return &AudioServer{
		acceptor:  newAcceptor(cfg.Direction.String(), address, logger, m),
		config:    cfg,
		state:     state,
		queue:     queue,
		ring:      ring,
		streamMgr: streamMgr,
	}
}

// Start binds the listening socket and begins accepting connections.
// A bind failure is returned to the caller.
func (s *AudioServer) Start() error {
	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Info("Listening for audio",
		slog.String("address", s.addr().String()),
		slog.Int("chunk_size", s.config.ChunkSize),
	)

	s.serve(s.handleConnection)
	return nil
}

// StartAudioServers starts each listener independently. A listener that fails
// to bind is logged and left out of the result; the others keep running.
func StartAudioServers(servers []*AudioServer, logger *slog.Logger) []*AudioServer {
	started := make([]*AudioServer, 0, len(servers))
	for _, srv := range servers {
		if err := srv.Start(); err != nil {
			logger.Error("Audio listener failed to start",
				slog.String("direction", srv.Direction().String()),
				slog.String("address", srv.address),
				slog.String("error", err.Error()),
			)
			continue
		}
		started = append(started, srv)
	}
	return started
}

// Stop closes the listener and every open connection of this direction.
func (s *AudioServer) Stop() error {
	s.logger.Info("Stopping audio listener...")
	s.stop()

	stats := s.GetStatistics()
	s.logger.Info("Audio listener stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("odd_frames", stats.OddFrames),
		slog.Uint64("queue_drops", stats.QueueDrops),
	)
	return nil
}

// Addr returns the bound listener address.
func (s *AudioServer) Addr() net.Addr {
	return s.addr()
}

// Direction returns the direction this listener feeds.
func (s *AudioServer) Direction() protocol.Direction {
	return s.config.Direction
}

// handleConnection owns conn until it closes
func (s *AudioServer) handleConnection(conn net.Conn) {
	dir := s.config.Direction
	remoteAddr := conn.RemoteAddr().String()

	tracked := s.streamMgr.Register(dir, remoteAddr)
	defer s.streamMgr.Remove(tracked.ID)

	s.metrics.RecordConnectionOpened(dir)
	defer s.metrics.RecordConnectionClosed(dir)

	logger := s.logger.With(
		slog.String("connection_id", tracked.ID),
		slog.String("remote_addr", remoteAddr),
	)
	logger.Info("Connected")
	defer logger.Info("Connection closed")

	if err := setIdleDeadline(conn, s.config.ReadTimeout); err != nil {
		logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
		return
	}

	username, err := protocol.ReadHandshake(conn, uint32(s.config.MaxUsernameLength))
	if err != nil {
		s.handshakeFailed(logger, err)
		return
	}

	s.handshakes.Add(1)
	s.metrics.RecordHandshake(dir, handshakeOK)
	s.state.SetUsername(username)
	tracked.SetUsername(username)
	logger.Info("Received username", slog.String("username", username))

	buf := make([]byte, s.config.ChunkSize)
	for {
		if s.stopping() {
			return
		}

		if err := setIdleDeadline(conn, s.config.ReadTimeout); err != nil {
			logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.ingest(logger, tracked, buf[:n])
		}

		if err != nil {
			s.readFailed(logger, err)
			return
		}
	}
}

// ingest forwards one read to the diagnostic ring and the distribution queue
func (s *AudioServer) ingest(logger *slog.Logger, tracked *stream.Connection, data []byte) {
	dir := s.config.Direction

	if len(data)%protocol.BytesPerSample != 0 {
		s.oddFrames.Add(1)
		s.bytesReceived.Add(uint64(len(data)))
		tracked.RecordOddFrame(len(data))
		s.metrics.RecordOddFrame(dir, len(data))

		logger.Warn("Incomplete audio data length, discarding", slog.Int("length", len(data)))
		return
	}

	// buf is reused by the next read; the queue keeps its own copy.
	frame := make([]byte, len(data))
	copy(frame, data)

	samples, err := protocol.DecodeSamples(frame)
	if err != nil {
		logger.Warn("Failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	s.ring.Append(samples...)

	queued := s.queue.Push(frame)
	if !queued {
		s.queueDrops.Add(1)
	}

	s.framesReceived.Add(1)
	s.bytesReceived.Add(uint64(len(frame)))
	tracked.RecordFrame(len(frame), queued)
	s.metrics.RecordFrame(dir, len(frame), queued)
}

func (s *AudioServer) handshakeFailed(logger *slog.Logger, err error) {
	dir := s.config.Direction

	switch {
	case errors.Is(err, protocol.ErrNoHandshake):
		s.metrics.RecordHandshake(dir, handshakeClosed)
		logger.Debug("Peer closed before handshake")
		return
	case s.stopping():
		return
	}

	s.handshakeErrors.Add(1)

	switch {
	case errors.Is(err, protocol.ErrIncompleteHandshake):
		s.metrics.RecordHandshake(dir, handshakeIncomplete)
		logger.Info("Incomplete handshake", slog.String("error", err.Error()))
	case errors.Is(err, protocol.ErrEmptyUsername),
		errors.Is(err, protocol.ErrUsernameTooLong),
		errors.Is(err, protocol.ErrInvalidUsername):
		s.metrics.RecordHandshake(dir, handshakeInvalid)
		logger.Warn("Rejected handshake", slog.String("error", err.Error()))
	default:
		s.metrics.RecordHandshake(dir, handshakeError)
		s.connectionErrors.Add(1)
		logger.Error("Handshake failed", slog.String("error", err.Error()))
	}
}

func (s *AudioServer) readFailed(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		return
	case s.stopping():
		return
	case isTimeout(err):
		logger.Warn("Connection idle, closing", slog.Duration("read_timeout", s.config.ReadTimeout))
	default:
		s.connectionErrors.Add(1)
		logger.Error("Error handling client", slog.String("error", err.Error()))
	}
}

// GetStatistics returns current listener statistics
func (s *AudioServer) GetStatistics() AudioServerStatistics {
	address := s.address
	if addr := s.addr(); addr != nil {
		address = addr.String()
	}

	return AudioServerStatistics{
		Direction:           s.config.Direction.String(),
		Address:             address,
		ConnectionsAccepted: s.accepted.Load(),
		OpenConnections:     s.openConnections(),
		AcceptErrors:        s.acceptErrors.Load(),
		Handshakes:          s.handshakes.Load(),
		HandshakeErrors:     s.handshakeErrors.Load(),
		FramesReceived:      s.framesReceived.Load(),
		BytesReceived:       s.bytesReceived.Load(),
		OddFrames:           s.oddFrames.Load(),
		QueueDrops:          s.queueDrops.Load(),
		ConnectionErrors:    s.connectionErrors.Load(),
		QueueSize:           s.queue.Len(),
		QueueCapacity:       s.queue.Cap(),
		DiagnosticSamples:   s.ring.Len(),
	}
}

// String identifies the listener in logs.
func (s *AudioServer) String() string {
	return fmt.Sprintf("%s listener on %s", s.config.Direction, s.address)
}

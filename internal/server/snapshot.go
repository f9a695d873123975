package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/snapshot"
)

// SnapshotServerConfig contains snapshot listener settings
type SnapshotServerConfig struct {
	BindAddress string
	Port        int
	MaxSize     int
	ReadTimeout time.Duration
}

// SnapshotServer accepts length-prefixed image snapshots. There is no
// handshake; every frame on a connection is one encoded image.
type SnapshotServer struct {
	*acceptor

	config SnapshotServerConfig
	store  *snapshot.Store

	frames         atomic.Uint64
	decodeFailures atomic.Uint64
	framingErrors  atomic.Uint64
}

// SnapshotServerStatistics represents snapshot listener counters
type SnapshotServerStatistics struct {
	Address             string `json:"address"`
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	OpenConnections     int    `json:"open_connections"`
	AcceptErrors        uint64 `json:"accept_errors"`
	Frames              uint64 `json:"frames"`
	DecodeFailures      uint64 `json:"decode_failures"`
	FramingErrors       uint64 `json:"framing_errors"`
}

// NewSnapshotServer creates a snapshot listener that feeds store.
func NewSnapshotServer(cfg SnapshotServerConfig, logger *slog.Logger, store *snapshot.Store, m *metrics.Metrics) *SnapshotServer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = protocol.DefaultMaxSnapshotSize
	}

	address := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.Port))
	logger = logger.With(slog.String("listener", "snapshot"))

	return &SnapshotServer{
		acceptor: newAcceptor("snapshot", address, logger, m),
		config:   cfg,
		store:    store,
	}
}

// Start binds the listening socket and begins accepting connections.
func (s *SnapshotServer) Start() error {
	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Info("Listening for snapshots",
		slog.String("address", s.addr().String()),
		slog.Int("max_size", s.config.MaxSize),
	)

	s.serve(s.handleConnection)
	return nil
}

// Stop closes the listener and every open snapshot connection.
func (s *SnapshotServer) Stop() error {
	s.logger.Info("Stopping snapshot listener...")
	s.stop()
	s.logger.Info("Snapshot listener stopped",
		slog.Uint64("frames", s.frames.Load()),
		slog.Uint64("decode_failures", s.decodeFailures.Load()),
	)
	return nil
}

// Addr returns the bound listener address.
func (s *SnapshotServer) Addr() net.Addr {
	return s.addr()
}

func (s *SnapshotServer) handleConnection(conn net.Conn) {
	logger := s.logger.With(slog.String("remote_addr", conn.RemoteAddr().String()))
	logger.Info("Snapshot connection established")
	defer logger.Info("Snapshot connection closed")

	for {
		if s.stopping() {
			return
		}

		if err := setIdleDeadline(conn, s.config.ReadTimeout); err != nil {
			logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			return
		}

		payload, err := protocol.ReadSnapshot(conn, uint32(s.config.MaxSize))
		if err != nil {
			s.readFailed(logger, err)
			return
		}

		s.frames.Add(1)
		snap, err := s.store.Update(payload)
		if err != nil {
			// The previous image stays current.
			s.decodeFailures.Add(1)
			s.metrics.RecordSnapshot(len(payload), false)
			logger.Warn("Failed to decode snapshot, keeping last good image",
				slog.Int("size", len(payload)),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.metrics.RecordSnapshot(len(payload), true)
		logger.Debug("Snapshot updated",
			slog.String("format", snap.Format),
			slog.Int("width", snap.Width),
			slog.Int("height", snap.Height),
			slog.Uint64("sequence", snap.Sequence),
		)
	}
}

func (s *SnapshotServer) readFailed(logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF):
		return
	case s.stopping():
		return
	case errors.Is(err, protocol.ErrIncompleteSnapshot), errors.Is(err, protocol.ErrSnapshotTooLarge):
		s.framingErrors.Add(1)
		logger.Warn("Invalid snapshot frame", slog.String("error", err.Error()))
	case isTimeout(err):
		logger.Warn("Snapshot connection idle, closing", slog.Duration("read_timeout", s.config.ReadTimeout))
	default:
		s.framingErrors.Add(1)
		logger.Error("Error receiving snapshot", slog.String("error", err.Error()))
	}
}

// GetStatistics returns current snapshot listener statistics
func (s *SnapshotServer) GetStatistics() SnapshotServerStatistics {
	address := s.address
	if addr := s.addr(); addr != nil {
		address = addr.String()
	}

	return SnapshotServerStatistics{
		Address:             address,
		ConnectionsAccepted: s.accepted.Load(),
		OpenConnections:     s.openConnections(),
		AcceptErrors:        s.acceptErrors.Load(),
		Frames:              s.frames.Load(),
		DecodeFailures:      s.decodeFailures.Load(),
		FramingErrors:       s.framingErrors.Load(),
	}
}

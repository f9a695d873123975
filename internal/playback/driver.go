package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/session"
)

// DefaultPopTimeout bounds each wait on the active queue.
const DefaultPopTimeout = time.Second

// Driver plays frames from the active source's queue into a Sink.
// Frames queued for a source that is not active are left where they are.
type Driver struct {
	state      *session.State
	queues     map[protocol.Direction]*audio.Queue
	sink       Sink
	popTimeout time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	framesPlayed atomic.Uint64
	writeErrors  atomic.Uint64
	emptyPolls   atomic.Uint64
	running      atomic.Bool
}

// DriverStatistics reports playback counters
type DriverStatistics struct {
	Running       bool   `json:"running"`
	FramesPlayed  uint64 `json:"frames_played"`
	WriteErrors   uint64 `json:"write_errors"`
	EmptyPolls    uint64 `json:"empty_polls"`
	ActiveSource  string `json:"active_source"`
	SinkAvailable *int   `json:"sink_available,omitempty"`
}

// NewDriver creates a playback driver. popTimeout <= 0 selects DefaultPopTimeout.
func NewDriver(state *session.State, queues map[protocol.Direction]*audio.Queue, sink Sink,
	popTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Driver, error) {

	if state == nil {
		return nil, fmt.Errorf("session state is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("audio sink is required")
	}
	for _, dir := range protocol.Directions() {
		if queues[dir] == nil {
			return nil, fmt.Errorf("missing %s queue", dir)
		}
	}
	if popTimeout <= 0 {
		popTimeout = DefaultPopTimeout
	}

	return &Driver{
		state:      state,
		queues:     queues,
		sink:       sink,
		popTimeout: popTimeout,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Run starts the sink and plays until ctx is done, then stops and closes the
// sink. It returns an error only if the sink cannot be started.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.sink.Start(); err != nil {
		return fmt.Errorf("failed to start audio sink: %w", err)
	}
	d.running.Store(true)

	d.logger.Info("Audio playback started",
		slog.String("active_source", d.state.ActiveSource().String()),
		slog.Duration("pop_timeout", d.popTimeout),
	)

	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		d.Step(ctx)
	}
}

// Step performs one playback iteration and reports whether a frame was written
// to the sink.
func (d *Driver) Step(ctx context.Context) bool {
	source := d.state.ActiveSource()

	frame, ok := d.queues[source].Pop(ctx, d.popTimeout)
	if !ok {
		d.emptyPolls.Add(1)
		if ctx.Err() == nil {
			d.metrics.RecordPopTimeout()
		}
		return false
	}

	start := time.Now()
	err := d.sink.Write(frame)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		d.writeErrors.Add(1)
		d.metrics.RecordPlaybackError(elapsed)
		d.logger.Error("Playback error",
			slog.String("source", source.String()),
			slog.Int("frame_size", len(frame)),
			slog.String("error", err.Error()),
		)
		return false
	}

	d.framesPlayed.Add(1)
	d.metrics.RecordFramePlayed(source, elapsed)
	return true
}

func (d *Driver) shutdown() {
	d.running.Store(false)

	if err := d.sink.Stop(); err != nil {
		d.logger.Warn("Error stopping audio sink", slog.String("error", err.Error()))
	}
	if err := d.sink.Close(); err != nil {
		d.logger.Warn("Error closing audio sink", slog.String("error", err.Error()))
	}

	d.logger.Info("Audio playback stopped",
		slog.Uint64("frames_played", d.framesPlayed.Load()),
		slog.Uint64("write_errors", d.writeErrors.Load()),
	)
}

// GetStatistics returns current playback statistics
func (d *Driver) GetStatistics() DriverStatistics {
	stats := DriverStatistics{
		Running:      d.running.Load(),
		FramesPlayed: d.framesPlayed.Load(),
		WriteErrors:  d.writeErrors.Load(),
		EmptyPolls:   d.emptyPolls.Load(),
		ActiveSource: d.state.ActiveSource().String(),
	}

	if reporter, ok := d.sink.(AvailabilityReporter); ok && stats.Running {
		if n, err := reporter.AvailableToWrite(); err == nil {
			stats.SinkAvailable = &n
		}
	}

	return stats
}

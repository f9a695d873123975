package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/session"
)

// DefaultStatusInterval is the period of the status log line.
const DefaultStatusInterval = 5 * time.Second

// StatusReporter periodically logs the session state and buffer levels and
// refreshes the matching gauges.
type StatusReporter struct {
	interval time.Duration
	logger   *slog.Logger
	state    *session.State
	queues   map[protocol.Direction]*audio.Queue
	rings    map[protocol.Direction]*audio.SampleRing
	metrics  *metrics.Metrics
}

// NewStatusReporter creates a reporter. interval <= 0 selects DefaultStatusInterval.
func NewStatusReporter(interval time.Duration, logger *slog.Logger, state *session.State,
	queues map[protocol.Direction]*audio.Queue, rings map[protocol.Direction]*audio.SampleRing,
	m *metrics.Metrics) *StatusReporter {

	if interval <= 0 {
		interval = DefaultStatusInterval
	}

	return &StatusReporter{
		interval: interval,
		logger:   logger,
		state:    state,
		queues:   queues,
		rings:    rings,
		metrics:  m,
	}
}

// Run reports every interval until ctx is done.
func (r *StatusReporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Report()
		}
	}
}

// Report emits one status line.
func (r *StatusReporter) Report() {
	info := r.state.Snapshot()

	attrs := []any{
		slog.String("user", info.Username),
		slog.String("playing", info.ActiveSource.String()),
	}

	for _, dir := range protocol.Directions() {
		if ring := r.rings[dir]; ring != nil {
			n := ring.Len()
			attrs = append(attrs, slog.Int(dir.String()+"_samples", n))
			if r.metrics != nil {
				r.metrics.SetRingSamples(dir, n)
			}
		}
		if q := r.queues[dir]; q != nil {
			depth := q.Len()
			attrs = append(attrs, slog.Int(dir.String()+"_queue", depth))
			if r.metrics != nil {
				r.metrics.SetQueueDepth(dir, depth)
			}
		}
	}

	if r.metrics != nil {
		r.metrics.SetActiveSource(info.ActiveSource)
	}

	r.logger.Info("Status", attrs...)
}

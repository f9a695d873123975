package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/config"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/playback"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/session"
	"github.com/skypro1111/voip-relay-service/internal/snapshot"
	"github.com/skypro1111/voip-relay-service/internal/stream"
)

const (
	serviceName    = "voip-relay-service"
	serviceVersion = "1.0.0"

	defaultWaveformInterval = 50 * time.Millisecond
	waveformWriteTimeout    = 5 * time.Second
)

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port             int
	Address          string
	WaveformInterval time.Duration
}

// HTTPDependencies are the components exposed by the HTTP API. Snapshots,
// SnapshotServer and Player may be nil.
type HTTPDependencies struct {
	Config         *config.Config
	State          *session.State
	Streams        *stream.Manager
	Queues         map[protocol.Direction]*audio.Queue
	Rings          map[protocol.Direction]*audio.SampleRing
	AudioServers   []*AudioServer
	Snapshots      *snapshot.Store
	SnapshotServer *SnapshotServer
	Player         *playback.Driver
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
}

// HTTPServer provides HTTP API endpoints for monitoring and source selection
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	deps     HTTPDependencies
	interval time.Duration

	// Cancelled on Stop so hijacked websocket connections end too.
	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, deps HTTPDependencies) *HTTPServer {
	interval := cfg.WaveformInterval
	if interval <= 0 {
		interval = defaultWaveformInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the routed handler, for tests.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session state and source selection
	mux.HandleFunc("/session", h.withMetrics("/session", h.handleSession))
	mux.HandleFunc("/session/source", h.withMetrics("/session/source", h.handleSessionSource))

	// Live connections
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Diagnostic sample buffers
	mux.HandleFunc("/waveform/", h.withMetrics("/waveform/{direction}", h.handleWaveform))
	mux.HandleFunc("/ws/waveform", h.withMetrics("/ws/waveform", h.handleWaveformSocket))

	mux.HandleFunc("/snapshot", h.withMetrics("/snapshot", h.handleSnapshot))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.deps.Metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.deps.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets the websocket endpoint take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// Start binds the HTTP listener and serves in the background. A bind failure
// is returned to the caller.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for http on %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.cancel()
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	listeners := make(map[string]any, len(h.deps.AudioServers))
	for _, srv := range h.deps.AudioServers {
		stats := srv.GetStatistics()
		listeners[stats.Direction] = map[string]any{
			"status":           "running",
			"address":          stats.Address,
			"open_connections": stats.OpenConnections,
		}
	}

	components := map[string]any{
		"listeners": listeners,
		"session": map[string]any{
			"status":        "running",
			"active_source": h.deps.State.ActiveSource().String(),
		},
	}

	if h.deps.Player != nil {
		stats := h.deps.Player.GetStatistics()
		status := "stopped"
		if stats.Running {
			status = "running"
		}
		components["playback"] = map[string]any{
			"status":        status,
			"frames_played": stats.FramesPlayed,
			"write_errors":  stats.WriteErrors,
		}
	}

	if h.deps.SnapshotServer != nil {
		stats := h.deps.SnapshotServer.GetStatistics()
		components["snapshot"] = map[string]any{
			"status":           "running",
			"address":          stats.Address,
			"open_connections": stats.OpenConnections,
		}
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSession implements the /session endpoint
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.State.Snapshot())
}

type sourceRequest struct {
	Source string `json:"source"`
}

type sourceResponse struct {
	Source  protocol.Direction `json:"source"`
	Changed bool               `json:"changed"`
}

// handleSessionSource implements the /session/source endpoint. PUT and POST
// take the new source from ?source= or a {"source": "..."} body.
func (h *HTTPServer) handleSessionSource(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, sourceResponse{Source: h.deps.State.ActiveSource()})
		return
	case http.MethodPut, http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	value := r.URL.Query().Get("source")
	if value == "" {
		var req sourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "source is required")
			return
		}
		value = req.Source
	}

	dir, err := protocol.ParseDirection(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed, err := h.deps.State.SetActiveSource(dir)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if changed {
		h.logger.Info("Active source selected over HTTP",
			slog.String("source", dir.String()),
			slog.String("remote_addr", r.RemoteAddr),
		)
	}

	writeJSON(w, http.StatusOK, sourceResponse{Source: dir, Changed: changed})
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.deps.Streams.All()

	response := map[string]any{
		"total_streams": len(infos),
		"timestamp":     time.Now().UTC(),
		"streams":       infos,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	conn, exists := h.deps.Streams.Get(id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, conn.Info())
}

// WaveformResponse is the JSON form of one diagnostic buffer
type WaveformResponse struct {
	Direction  protocol.Direction `json:"direction"`
	SampleRate int                `json:"sample_rate"`
	Capacity   int                `json:"capacity"`
	Total      uint64             `json:"total"`
	Samples    []int16            `json:"samples"`
}

// handleWaveform implements /waveform/{direction} and /waveform/{direction}.wav
func (h *HTTPServer) handleWaveform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/waveform/")
	name, asWAV := strings.CutSuffix(name, ".wav")

	dir, err := protocol.ParseDirection(name)
	if err != nil {
		http.Error(w, "Unknown direction", http.StatusNotFound)
		return
	}

	ring := h.deps.Rings[dir]
	if ring == nil {
		http.Error(w, "Unknown direction", http.StatusNotFound)
		return
	}

	samples := ring.Snapshot()
	sampleRate := h.deps.Config.Audio.SampleRate

	if asWAV {
		data, err := audio.EncodeWAV(samples, sampleRate)
		if err != nil {
			h.logger.Error("Failed to encode waveform", slog.String("error", err.Error()))
			http.Error(w, "Failed to encode waveform", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dir.String()+".wav"))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, WaveformResponse{
		Direction:  dir,
		SampleRate: sampleRate,
		Capacity:   ring.Cap(),
		Total:      ring.Total(),
		Samples:    samples,
	})
}

// WaveformFrame is one push on the /ws/waveform stream
type WaveformFrame struct {
	Timestamp time.Time          `json:"timestamp"`
	Username  string             `json:"username"`
	Source    protocol.Direction `json:"source"`
	Uplink    []int16            `json:"uplink"`
	Downlink  []int16            `json:"downlink"`
}

func (h *HTTPServer) waveformFrame() WaveformFrame {
	info := h.deps.State.Snapshot()

	frame := WaveformFrame{
		Timestamp: time.Now().UTC(),
		Username:  info.Username,
		Source:    info.ActiveSource,
		Uplink:    []int16{},
		Downlink:  []int16{},
	}
	if ring := h.deps.Rings[protocol.Uplink]; ring != nil {
		frame.Uplink = ring.Snapshot()
	}
	if ring := h.deps.Rings[protocol.Downlink]; ring != nil {
		frame.Downlink = ring.Snapshot()
	}
	return frame
}

// handleWaveformSocket streams both diagnostic buffers at a fixed interval
func (h *HTTPServer) handleWaveformSocket(w http.ResponseWriter, r *http.Request) {
	// The server-wide timeouts would otherwise cut the stream off.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer c.CloseNow()

	logger := h.logger.With(slog.String("remote_addr", r.RemoteAddr))
	logger.Debug("Waveform subscriber connected")

	// Nothing is expected from the client; CloseRead handles control frames.
	ctx := c.CloseRead(r.Context())

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			c.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ctx.Done():
			logger.Debug("Waveform subscriber disconnected")
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, waveformWriteTimeout)
			err := wsjson.Write(writeCtx, c, h.waveformFrame())
			cancel()
			if err != nil {
				logger.Debug("Waveform push failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// handleSnapshot implements the /snapshot endpoint
func (h *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.deps.Snapshots == nil {
		http.Error(w, "Snapshots disabled", http.StatusNotFound)
		return
	}

	snap, ok := h.deps.Snapshots.Latest()
	if !ok {
		http.Error(w, "No snapshot received", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", snap.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))
	w.Header().Set("Last-Modified", snap.ReceivedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("X-Snapshot-Sequence", strconv.FormatUint(snap.Sequence, 10))
	w.Write(snap.Data)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config
	response := map[string]any{
		"server": map[string]any{
			"bind_address":        cfg.Server.BindAddress,
			"uplink_port":         cfg.Server.UplinkPort,
			"downlink_port":       cfg.Server.DownlinkPort,
			"snapshot_port":       cfg.Server.SnapshotPort,
			"snapshot_enabled":    cfg.Server.SnapshotEnabled,
			"chunk_size":          cfg.Server.ChunkSize,
			"read_timeout":        cfg.Server.ReadTimeout,
			"max_username_length": cfg.Server.MaxUsernameLength,
			"max_snapshot_size":   cfg.Server.MaxSnapshotSize,
			"max_snapshot_pixels": cfg.Server.MaxSnapshotPixels,
		},
		"audio": map[string]any{
			"sample_rate":       cfg.Audio.SampleRate,
			"channels":          cfg.Audio.Channels,
			"bit_depth":         cfg.Audio.BitDepth,
			"queue_capacity":    cfg.Audio.QueueCapacity,
			"waveform_points":   cfg.Audio.WaveformPoints,
			"pop_timeout":       cfg.Audio.PopTimeout,
			"output":            cfg.Audio.Output,
			"frames_per_buffer": cfg.Audio.FramesPerBuffer,
		},
		"session": map[string]any{
			"default_username": cfg.Session.DefaultUsername,
			"default_source":   cfg.Session.DefaultSource,
		},
		"status": map[string]any{
			"enabled":  cfg.Status.Enabled,
			"interval": cfg.Status.Interval,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	listeners := make([]AudioServerStatistics, 0, len(h.deps.AudioServers))
	for _, srv := range h.deps.AudioServers {
		listeners = append(listeners, srv.GetStatistics())
	}

	queues := make(map[string]any, len(h.deps.Queues))
	for dir, q := range h.deps.Queues {
		queues[dir.String()] = map[string]any{
			"size":     q.Len(),
			"capacity": q.Cap(),
			"pushed":   q.Pushed(),
			"dropped":  q.Dropped(),
		}
	}

	rings := make(map[string]any, len(h.deps.Rings))
	for dir, ring := range h.deps.Rings {
		rings[dir.String()] = map[string]any{
			"samples":  ring.Len(),
			"capacity": ring.Cap(),
			"total":    ring.Total(),
		}
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"session":   h.deps.State.Snapshot(),
		"listeners": listeners,
		"queues":    queues,
		"waveforms": rings,
		"streams": map[string]any{
			"active_count":   h.deps.Streams.Count(),
			"total_accepted": h.deps.Streams.TotalAccepted(),
		},
	}

	if h.deps.Player != nil {
		stats["playback"] = h.deps.Player.GetStatistics()
	}
	if h.deps.SnapshotServer != nil {
		stats["snapshot_listener"] = h.deps.SnapshotServer.GetStatistics()
	}
	if h.deps.Snapshots != nil {
		stats["snapshots"] = h.deps.Snapshots.Stats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "VoIP Relay Service",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                         "API documentation",
			"GET /health":                   "Service health check",
			"GET /session":                  "Current username and active source",
			"GET /session/source":           "Current active source",
			"PUT /session/source":           "Select the active source (uplink|downlink)",
			"GET /streams":                  "List all live connections",
			"GET /streams/{id}":             "Get detailed connection information",
			"GET /waveform/{direction}":     "Recent samples for a direction",
			"GET /waveform/{direction}.wav": "Recent samples as a WAV file",
			"GET /ws/waveform":              "WebSocket stream of both waveforms",
			"GET /snapshot":                 "Latest snapshot image",
			"GET /config":                   "Get service configuration",
			"GET /stats":                    "Get service statistics",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

package server

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/voip-relay-service/internal/audio"
	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/session"
	"github.com/skypro1111/voip-relay-service/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type audioFixture struct {
	state   *session.State
	queue   *audio.Queue
	ring    *audio.SampleRing
	streams *stream.Manager
	metrics *metrics.Metrics
	server  *AudioServer
}

func startAudioServer(t *testing.T, cfg AudioServerConfig) *audioFixture {
	t.Helper()

	if cfg.Direction == 0 {
		cfg.Direction = protocol.Uplink
	}
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0

	logger := testLogger()
	f := &audioFixture{
		state:   session.NewState(session.DefaultUsername, session.DefaultSource),
		queue:   audio.NewQueue(audio.DefaultQueueCapacity),
		ring:    audio.NewSampleRing(audio.DefaultRingCapacity),
		streams: stream.NewManager(logger),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	f.server = NewAudioServer(cfg, logger, f.state, f.queue, f.ring, f.streams, f.metrics)

	if err := f.server.Start(); err != nil {
		t.Fatalf("Failed to start audio server: %v", err)
	}
	t.Cleanup(func() { f.server.Stop() })

	return f
}

func (f *audioFixture) dial(t *testing.T) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", f.server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeAll(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func TestHandshakeThenFrame(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})
	conn := f.dial(t)

	writeAll(t, conn, protocol.EncodeHandshake("alice"))
	writeAll(t, conn, make([]byte, 4096))

	waitFor(t, 2*time.Second, "2048 samples", func() bool { return f.ring.Len() == 2000 && f.ring.Total() == 2048 })

	if got := f.state.Username(); got != "alice" {
		t.Errorf("Expected username alice, got %q", got)
	}
	if got := f.queue.Len(); got != 1 {
		t.Errorf("Expected 1 queued frame, got %d", got)
	}

	frame, ok := f.queue.Pop(t.Context(), time.Second)
	if !ok || len(frame) != 4096 {
		t.Fatalf("Expected a 4096-byte frame, got %d bytes (ok=%v)", len(frame), ok)
	}

	stats := f.server.GetStatistics()
	if stats.Handshakes != 1 || stats.FramesReceived != 1 {
		t.Errorf("Unexpected statistics: %+v", stats)
	}
	if v := testutil.ToFloat64(f.metrics.Handshakes.WithLabelValues("uplink", handshakeOK)); v != 1 {
		t.Errorf("Expected 1 ok handshake metric, got %v", v)
	}
}

func TestFrameSamplesReachRing(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{Direction: protocol.Downlink})
	conn := f.dial(t)

	samples := []int16{1, -1, 32767, -32768}
	writeAll(t, conn, protocol.EncodeHandshake("bob"))
	writeAll(t, conn, protocol.EncodeSamples(samples))

	waitFor(t, 2*time.Second, "samples", func() bool { return f.ring.Len() == len(samples) })

	got := f.ring.Snapshot()
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("Sample %d: expected %d, got %d", i, samples[i], got[i])
		}
	}
}

func TestIncompleteHandshakeLeavesStateUntouched(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})
	conn := f.dial(t)

	// Length says 5 bytes of username, then the peer goes away.
	writeAll(t, conn, []byte{0, 0, 0, 5})
	conn.Close()

	waitFor(t, 2*time.Second, "handshake error", func() bool {
		return f.server.GetStatistics().HandshakeErrors == 1
	})

	if got := f.state.Username(); got != session.DefaultUsername {
		t.Errorf("Username changed to %q", got)
	}
	if f.queue.Len() != 0 || f.ring.Len() != 0 {
		t.Error("Expected no audio from an incomplete handshake")
	}
	if v := testutil.ToFloat64(f.metrics.Handshakes.WithLabelValues("uplink", handshakeIncomplete)); v != 1 {
		t.Errorf("Expected 1 incomplete handshake metric, got %v", v)
	}
}

func TestInvalidHandshakes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty username", []byte{0, 0, 0, 0}},
		{"too long", []byte{0, 0, 0x10, 0}},
		{"invalid utf8", append([]byte{0, 0, 0, 2}, 0xff, 0xfe)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := startAudioServer(t, AudioServerConfig{MaxUsernameLength: 64})
			conn := f.dial(t)

			writeAll(t, conn, tt.data)

			// The server closes the connection after rejecting the handshake.
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := conn.Read(make([]byte, 1)); err == nil {
				t.Fatal("Expected the connection to be closed")
			}

			waitFor(t, 2*time.Second, "invalid metric", func() bool {
				return testutil.ToFloat64(f.metrics.Handshakes.WithLabelValues("uplink", handshakeInvalid)) == 1
			})
			if got := f.state.Username(); got != session.DefaultUsername {
				t.Errorf("Username changed to %q", got)
			}
		})
	}
}

func TestOddFrameDiscardedConnectionStaysOpen(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})
	conn := f.dial(t)

	writeAll(t, conn, protocol.EncodeHandshake("carol"))
	waitFor(t, 2*time.Second, "username", func() bool { return f.state.Username() == "carol" })

	writeAll(t, conn, []byte{1, 2, 3})
	waitFor(t, 2*time.Second, "odd frame", func() bool { return f.server.GetStatistics().OddFrames == 1 })

	if f.queue.Len() != 0 || f.ring.Len() != 0 {
		t.Fatal("Odd frame must not reach the queue or ring")
	}

	writeAll(t, conn, protocol.EncodeSamples([]int16{7, 8}))
	waitFor(t, 2*time.Second, "even frame", func() bool { return f.ring.Len() == 2 })

	if f.queue.Len() != 1 {
		t.Errorf("Expected 1 queued frame, got %d", f.queue.Len())
	}
}

func TestQueueFullDropsButRingKeepsSamples(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{ChunkSize: 4})
	conn := f.dial(t)

	writeAll(t, conn, protocol.EncodeHandshake("dave"))
	waitFor(t, 2*time.Second, "username", func() bool { return f.state.Username() == "dave" })

	// One write per frame, each acknowledged before the next, so reads line up.
	for i := range 25 {
		writeAll(t, conn, protocol.EncodeSamples([]int16{int16(i), int16(i)}))
		want := uint64((i + 1) * 2)
		waitFor(t, 2*time.Second, "frame", func() bool { return f.ring.Total() == want })
	}

	if got := f.queue.Len(); got != audio.DefaultQueueCapacity {
		t.Errorf("Expected full queue of %d, got %d", audio.DefaultQueueCapacity, got)
	}
	if got := f.server.GetStatistics().QueueDrops; got != 5 {
		t.Errorf("Expected 5 drops, got %d", got)
	}

	// Drop-newest: the head of the queue is still the first frame.
	frame, ok := f.queue.Pop(t.Context(), time.Second)
	if !ok {
		t.Fatal("Expected a frame")
	}
	samples, _ := protocol.DecodeSamples(frame)
	if samples[0] != 0 {
		t.Errorf("Expected first frame at head, got sample %d", samples[0])
	}
}

func TestLastHandshakeWins(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})

	first := f.dial(t)
	writeAll(t, first, protocol.EncodeHandshake("first"))
	waitFor(t, 2*time.Second, "first username", func() bool { return f.state.Username() == "first" })

	second := f.dial(t)
	writeAll(t, second, protocol.EncodeHandshake("second"))
	waitFor(t, 2*time.Second, "second username", func() bool { return f.state.Username() == "second" })

	// Both producers still feed the same direction.
	writeAll(t, first, protocol.EncodeSamples([]int16{1}))
	writeAll(t, second, protocol.EncodeSamples([]int16{2}))
	waitFor(t, 2*time.Second, "both frames", func() bool { return f.ring.Len() == 2 })

	if got := f.streams.CountByDirection(protocol.Uplink); got != 2 {
		t.Errorf("Expected 2 registered connections, got %d", got)
	}
}

func TestCleanCloseBeforeHandshake(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})
	conn := f.dial(t)
	conn.Close()

	waitFor(t, 2*time.Second, "closed metric", func() bool {
		return testutil.ToFloat64(f.metrics.Handshakes.WithLabelValues("uplink", handshakeClosed)) == 1
	})

	if got := f.server.GetStatistics().HandshakeErrors; got != 0 {
		t.Errorf("Clean close must not count as a handshake error, got %d", got)
	}
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{ReadTimeout: 100 * time.Millisecond})
	conn := f.dial(t)

	writeAll(t, conn, protocol.EncodeHandshake("idle"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("Expected EOF after idle timeout, got %v", err)
	}

	waitFor(t, 2*time.Second, "connection removed", func() bool { return f.streams.Count() == 0 })
}

func TestStopClosesOpenConnections(t *testing.T) {
	f := startAudioServer(t, AudioServerConfig{})
	conn := f.dial(t)

	writeAll(t, conn, protocol.EncodeHandshake("erin"))
	waitFor(t, 2*time.Second, "registration", func() bool { return f.streams.Count() == 1 })

	f.server.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("Expected connection to be closed by Stop")
	}

	if got := f.server.GetStatistics().OpenConnections; got != 0 {
		t.Errorf("Expected 0 open connections, got %d", got)
	}
	if got := f.streams.Count(); got != 0 {
		t.Errorf("Expected registry to be empty, got %d", got)
	}
	if _, err := net.Dial("tcp", f.server.Addr().String()); err == nil {
		t.Error("Expected dial to fail after Stop")
	}
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer taken.Close()

	logger := testLogger()
	srv := NewAudioServer(AudioServerConfig{
		Direction:   protocol.Uplink,
		BindAddress: "127.0.0.1",
		Port:        taken.Addr().(*net.TCPAddr).Port,
	}, logger,
		session.NewState("", protocol.Downlink),
		audio.NewQueue(0), audio.NewSampleRing(0),
		stream.NewManager(logger), metrics.NewMetrics(prometheus.NewRegistry()))

	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("Expected bind failure")
	}
}

func TestStartAudioServersSkipsFailedBind(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer taken.Close()

	logger := testLogger()
	state := session.NewState("", protocol.Downlink)
	streams := stream.NewManager(logger)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ring := audio.NewSampleRing(0)

	uplink := NewAudioServer(AudioServerConfig{
		Direction:   protocol.Uplink,
		BindAddress: "127.0.0.1",
		Port:        0,
	}, logger, state, audio.NewQueue(0), ring, streams, m)
	downlink := NewAudioServer(AudioServerConfig{
		Direction:   protocol.Downlink,
		BindAddress: "127.0.0.1",
		Port:        taken.Addr().(*net.TCPAddr).Port,
	}, logger, state, audio.NewQueue(0), audio.NewSampleRing(0), streams, m)

	started := StartAudioServers([]*AudioServer{uplink, downlink}, logger)
	t.Cleanup(func() {
		for _, srv := range started {
			srv.Stop()
		}
	})

	if len(started) != 1 || started[0] != uplink {
		t.Fatalf("Expected only the uplink listener to start, got %d listeners", len(started))
	}

	conn, err := net.Dial("tcp", uplink.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial uplink: %v", err)
	}
	defer conn.Close()

	writeAll(t, conn, protocol.EncodeHandshake("survivor"))
	writeAll(t, conn, protocol.EncodeSamples([]int16{1, 2}))

	waitFor(t, 2*time.Second, "uplink audio", func() bool { return ring.Len() == 2 })
	if got := state.Username(); got != "survivor" {
		t.Errorf("Expected username survivor, got %q", got)
	}
}

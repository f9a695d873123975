package server

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/voip-relay-service/internal/metrics"
	"github.com/skypro1111/voip-relay-service/internal/protocol"
	"github.com/skypro1111/voip-relay-service/internal/snapshot"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func startSnapshotServer(t *testing.T) (*SnapshotServer, *snapshot.Store, *metrics.Metrics) {
	t.Helper()

	store := snapshot.NewStore(0)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := NewSnapshotServer(SnapshotServerConfig{BindAddress: "127.0.0.1", MaxSize: 1 << 20}, testLogger(), store, m)

	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start snapshot server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, store, m
}

func TestSnapshotKeepsLastGoodImage(t *testing.T) {
	srv, store, m := startSnapshotServer(t)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	writeAll(t, conn, protocol.EncodeSnapshot(encodePNG(t, 4, 3)))
	waitFor(t, 2*time.Second, "first snapshot", func() bool {
		_, ok := store.Latest()
		return ok
	})

	snap, _ := store.Latest()
	if snap.Format != "png" || snap.Width != 4 || snap.Height != 3 {
		t.Fatalf("Unexpected snapshot: format=%s %dx%d", snap.Format, snap.Width, snap.Height)
	}

	// Garbage does not replace the current image and does not end the connection.
	writeAll(t, conn, protocol.EncodeSnapshot([]byte("not an image")))
	waitFor(t, 2*time.Second, "decode failure", func() bool { return srv.GetStatistics().DecodeFailures == 1 })

	current, _ := store.Latest()
	if current.Sequence != snap.Sequence {
		t.Errorf("Expected last good snapshot to stay current, sequence %d -> %d", snap.Sequence, current.Sequence)
	}

	writeAll(t, conn, protocol.EncodeSnapshot(encodePNG(t, 8, 8)))
	waitFor(t, 2*time.Second, "second snapshot", func() bool {
		latest, _ := store.Latest()
		return latest.Width == 8
	})

	if v := testutil.ToFloat64(m.SnapshotsReceived); v != 3 {
		t.Errorf("Expected 3 snapshots received, got %v", v)
	}
	if v := testutil.ToFloat64(m.SnapshotDecodeFailures); v != 1 {
		t.Errorf("Expected 1 decode failure, got %v", v)
	}
}

func TestSnapshotFramingErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated payload", []byte{0, 0, 0, 10, 1, 2, 3}},
		{"truncated prefix", []byte{0, 0}},
		{"too large", []byte{0x7f, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := startSnapshotServer(t)

			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				t.Fatalf("Failed to dial: %v", err)
			}
			writeAll(t, conn, tt.data)
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.CloseWrite()
			}

			waitFor(t, 2*time.Second, "framing error", func() bool { return srv.GetStatistics().FramingErrors == 1 })
			conn.Close()

			if _, ok := store.Latest(); ok {
				t.Error("Expected no snapshot")
			}
		})
	}
}

// Command relay-client connects to one relay direction, performs the username
// handshake and streams PCM-16 audio, either a generated tone or a raw file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

type options struct {
	addr       string
	username   string
	file       string
	tone       float64
	amplitude  float64
	duration   time.Duration
	sampleRate int
	chunkSize  int
	realtime   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.addr, "addr", "127.0.0.1:8001", "Relay address (8001 uplink, 8002 downlink)")
	flag.StringVar(&opts.username, "username", "relay-client", "Username sent in the handshake")
	flag.StringVar(&opts.file, "file", "", "Raw little-endian PCM-16 file to stream instead of a tone")
	flag.Float64Var(&opts.tone, "tone", 440, "Tone frequency in Hz")
	flag.Float64Var(&opts.amplitude, "amplitude", 0.3, "Tone amplitude between 0 and 1")
	flag.DurationVar(&opts.duration, "duration", 10*time.Second, "Tone duration, 0 streams until interrupted")
	flag.IntVar(&opts.sampleRate, "rate", 16000, "Sample rate in Hz")
	flag.IntVar(&opts.chunkSize, "chunk", 4096, "Bytes per write, rounded down to whole samples")
	flag.BoolVar(&opts.realtime, "realtime", true, "Pace writes to the sample rate")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid flags: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("Streaming failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func (o *options) validate() error {
	if o.username == "" {
		return errors.New("username cannot be empty")
	}
	if o.sampleRate <= 0 {
		return fmt.Errorf("rate must be positive, got %d", o.sampleRate)
	}
	o.chunkSize -= o.chunkSize % protocol.BytesPerSample
	if o.chunkSize <= 0 {
		return fmt.Errorf("chunk must hold at least one sample")
	}
	if o.amplitude < 0 || o.amplitude > 1 {
		return fmt.Errorf("amplitude must be between 0 and 1, got %f", o.amplitude)
	}
	return nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	var source io.Reader
	if opts.file != "" {
		file, err := os.Open(opts.file)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", opts.file, err)
		}
		defer file.Close()
		source = file
	} else {
		source = newToneReader(opts.tone, opts.amplitude, opts.sampleRate, opts.duration)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", opts.addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := conn.Write(protocol.EncodeHandshake(opts.username)); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	logger.Info("Connected",
		slog.String("addr", opts.addr),
		slog.String("username", opts.username),
	)

	sent, err := stream(ctx, conn, source, opts)
	logger.Info("Stream finished", slog.Int64("bytes_sent", sent))
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// stream copies whole-sample chunks from src to conn.
func stream(ctx context.Context, conn net.Conn, src io.Reader, opts options) (int64, error) {
	buf := make([]byte, opts.chunkSize)
	chunkDuration := time.Duration(float64(opts.chunkSize/protocol.BytesPerSample) / float64(opts.sampleRate) * float64(time.Second))

	var sent int64
	next := time.Now()
	for ctx.Err() == nil {
		n, err := io.ReadFull(src, buf)
		n -= n % protocol.BytesPerSample
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return sent, fmt.Errorf("failed to write audio: %w", werr)
			}
			sent += int64(n)
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return sent, nil
		}
		if err != nil {
			return sent, fmt.Errorf("failed to read audio: %w", err)
		}

		if opts.realtime {
			next = next.Add(chunkDuration)
			select {
			case <-ctx.Done():
			case <-time.After(time.Until(next)):
			}
		}
	}
	return sent, nil
}

// toneReader generates a sine wave as PCM-16 little-endian bytes.
type toneReader struct {
	step      float64
	amplitude float64
	remaining int64 // samples left, negative for unlimited
	phase     float64
	pending   []byte
}

func newToneReader(freq, amplitude float64, sampleRate int, duration time.Duration) *toneReader {
	remaining := int64(-1)
	if duration > 0 {
		remaining = int64(math.Round(duration.Seconds() * float64(sampleRate)))
	}
	return &toneReader{
		step:      2 * math.Pi * freq / float64(sampleRate),
		amplitude: amplitude * math.MaxInt16,
		remaining: remaining,
	}
}

func (t *toneReader) Read(p []byte) (int, error) {
	if t.remaining == 0 && len(t.pending) == 0 {
		return 0, io.EOF
	}

	n := copy(p, t.pending)
	t.pending = t.pending[n:]

	for n < len(p) && t.remaining != 0 {
		sample := int16(t.amplitude * math.Sin(t.phase))
		t.phase = math.Mod(t.phase+t.step, 2*math.Pi)
		if t.remaining > 0 {
			t.remaining--
		}

		encoded := protocol.EncodeSamples([]int16{sample})
		c := copy(p[n:], encoded)
		n += c
		t.pending = append(t.pending, encoded[c:]...)
	}
	return n, nil
}

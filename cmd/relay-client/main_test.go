package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/skypro1111/voip-relay-service/internal/protocol"
)

func TestToneReaderLength(t *testing.T) {
	r := newToneReader(440, 0.5, 16000, 100*time.Millisecond)

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(data) != 1600*protocol.BytesPerSample {
		t.Fatalf("Expected %d bytes, got %d", 1600*protocol.BytesPerSample, len(data))
	}

	samples, err := protocol.DecodeSamples(data)
	if err != nil {
		t.Fatalf("DecodeSamples failed: %v", err)
	}

	var peak int16
	for _, s := range samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 16000 || peak > 16384 {
		t.Errorf("Unexpected tone peak %d", peak)
	}
}

func TestToneReaderOddBuffer(t *testing.T) {
	r := newToneReader(1000, 1, 8000, 10*time.Millisecond)

	var out bytes.Buffer
	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
	}

	if out.Len() != 80*protocol.BytesPerSample {
		t.Errorf("Expected %d bytes, got %d", 80*protocol.BytesPerSample, out.Len())
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    options
		wantErr bool
	}{
		{"valid", options{username: "a", sampleRate: 16000, chunkSize: 4096, amplitude: 0.3}, false},
		{"empty username", options{sampleRate: 16000, chunkSize: 4096}, true},
		{"chunk too small", options{username: "a", sampleRate: 16000, chunkSize: 1}, true},
		{"bad amplitude", options{username: "a", sampleRate: 16000, chunkSize: 4096, amplitude: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStreamWritesWholeSamples(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	received := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(server)
		received <- data
	}()

	src := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	opts := options{chunkSize: 4, sampleRate: 16000}

	sent, err := stream(context.Background(), client, src, opts)
	client.Close()
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	data := <-received
	if sent != 4 || !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("Expected 4 whole-sample bytes, sent=%d got %v", sent, data)
	}
}

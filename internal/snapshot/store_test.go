package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	return buf.Bytes()
}

func TestStoreUpdate(t *testing.T) {
	store := NewStore(0)

	if _, ok := store.Latest(); ok {
		t.Fatal("New store should be empty")
	}

	snap, err := store.Update(encodePNG(t, 4, 3))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if snap.Format != "png" || snap.Width != 4 || snap.Height != 3 {
		t.Errorf("Unexpected snapshot metadata: %+v", snap)
	}
	if snap.ContentType() != "image/png" {
		t.Errorf("Expected image/png, got %s", snap.ContentType())
	}

	latest, ok := store.Latest()
	if !ok || latest.Sequence != snap.Sequence {
		t.Error("Latest did not return the updated snapshot")
	}
}

func TestStoreKeepsLastGoodOnDecodeFailure(t *testing.T) {
	store := NewStore(0)

	good := encodePNG(t, 2, 2)
	if _, err := store.Update(good); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := store.Update([]byte("definitely not an image")); err == nil {
		t.Fatal("Expected decode error")
	}

	// Truncated PNG passes the header check but not the full decode.
	if _, err := store.Update(good[:len(good)/2]); err == nil {
		t.Fatal("Expected decode error for truncated image")
	}

	latest, ok := store.Latest()
	if !ok {
		t.Fatal("Lost the last good snapshot")
	}
	if !bytes.Equal(latest.Data, good) {
		t.Error("Latest snapshot is not the last good image")
	}

	stats := store.Stats()
	if stats.Received != 3 || stats.DecodeFailures != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if !stats.HasImage || stats.Width != 2 {
		t.Errorf("Stats do not describe the current image: %+v", stats)
	}
}

func TestStoreFailureBeforeAnyImage(t *testing.T) {
	store := NewStore(0)

	if _, err := store.Update(nil); err == nil {
		t.Error("Expected error for empty payload")
	}
	if _, ok := store.Latest(); ok {
		t.Error("Store should still be empty")
	}
}

// pngDeclaring returns a small PNG whose IHDR claims width x height pixels,
// with the chunk CRC fixed up so the header still parses.
func pngDeclaring(t *testing.T, width, height uint32) []byte {
	t.Helper()

	data := encodePNG(t, 1, 1)
	// 8-byte signature, 4-byte length, "IHDR", then width and height.
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestStoreRejectsOversizedImageHeader(t *testing.T) {
	store := NewStore(0)

	good := encodePNG(t, 2, 2)
	if _, err := store.Update(good); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	huge := pngDeclaring(t, 60000, 60000)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(huge)); err != nil || cfg.Width != 60000 {
		t.Fatalf("Crafted header does not parse: %v", err)
	}

	_, err := store.Update(huge)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Expected ErrImageTooLarge, got %v", err)
	}

	latest, ok := store.Latest()
	if !ok || !bytes.Equal(latest.Data, good) {
		t.Error("Oversized image replaced the last good snapshot")
	}
	if stats := store.Stats(); stats.DecodeFailures != 1 {
		t.Errorf("Expected 1 decode failure, got %d", stats.DecodeFailures)
	}
}

func TestStoreMaxPixels(t *testing.T) {
	tests := []struct {
		name      string
		maxPixels int
		width     int
		height    int
		wantErr   bool
	}{
		{"at limit", 12, 4, 3, false},
		{"over limit", 11, 4, 3, true},
		{"default limit", 0, 64, 64, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(tt.maxPixels).Update(encodePNG(t, tt.width, tt.height))
			if tt.wantErr != errors.Is(err, ErrImageTooLarge) {
				t.Errorf("Update() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

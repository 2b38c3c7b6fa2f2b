package coding

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

func encode(t *testing.T, ce string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	switch ce {
	case "gzip", "x-gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd.NewWriter: %v", err)
		}
		w = zw
	default:
		t.Fatalf("no encoder for %q", ce)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	doc := []byte(`<html><body><p>compressed</p></body></html>`)

	for _, ce := range []string{"gzip", "x-gzip", "deflate", "br", "zstd"} {
		t.Run(ce, func(t *testing.T) {
			got, err := Decode(strings.ToUpper(ce), encode(t, ce, doc), 1024)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !bytes.Equal(got, doc) {
				t.Errorf("Decode() = %q, want %q", got, doc)
			}
		})
	}
}

func TestDecode_Identity(t *testing.T) {
	body := []byte("plain")
	for _, ce := range []string{"", "identity", " Identity "} {
		got, err := Decode(ce, body, 1)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", ce, err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("Decode(%q) = %q, want body unchanged", ce, got)
		}
	}
}

func TestDecode_Bomb(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 1<<20)
	for _, ce := range []string{"gzip", "br", "zstd"} {
		t.Run(ce, func(t *testing.T) {
			_, err := Decode(ce, encode(t, ce, big), 4096)
			if !errors.Is(err, ErrTooLarge) {
				t.Errorf("Decode() error = %v, want ErrTooLarge", err)
			}
		})
	}
}

func TestDecode_ZstdWindowBounded(t *testing.T) {
	// An empty frame whose header asks for a 512 MiB window.
	frame := []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00, 0x98, 0x01, 0x00, 0x00}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	_, err := Decode("zstd", frame, 1024)

	runtime.ReadMemStats(&after)
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("Decode() error = %v, want ErrTooLarge", err)
	}
	if grew := after.TotalAlloc - before.TotalAlloc; grew > 16<<20 {
		t.Errorf("Decode() allocated %d bytes for a 9 byte frame", grew)
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode("compress", []byte("x"), 0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Decode(compress) error = %v, want ErrUnsupported", err)
	}
	if _, err := Decode("gzip", []byte("not gzip"), 0); err == nil {
		t.Error("Decode(gzip) of garbage should fail")
	}
}

func TestSupported(t *testing.T) {
	tests := []struct {
		ce   string
		want bool
	}{
		{"", true},
		{"identity", true},
		{"gzip", true},
		{"GZIP", true},
		{"deflate", true},
		{"br", true},
		{"zstd", true},
		{"compress", false},
		{"gzip, br", false},
	}
	for _, tt := range tests {
		if got := Supported(tt.ce); got != tt.want {
			t.Errorf("Supported(%q) = %v, want %v", tt.ce, got, tt.want)
		}
	}
}

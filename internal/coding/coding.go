// Package coding decodes HTTP content codings so compressed markup can be
// parsed. Output is bounded to protect against decompression bombs.
package coding

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupported is returned for codings this package cannot decode.
	ErrUnsupported = errors.New("coding: unsupported content coding")
	// ErrTooLarge is returned when decoded output exceeds the limit.
	ErrTooLarge = errors.New("coding: decoded body too large")
)

// Identity reports whether the Content-Encoding value means "not encoded".
func Identity(contentEncoding string) bool {
	ce := strings.TrimSpace(strings.ToLower(contentEncoding))
	return ce == "" || ce == "identity"
}

// Supported reports whether Decode can handle the Content-Encoding value.
// Stacked codings ("gzip, br") are not supported.
func Supported(contentEncoding string) bool {
	if Identity(contentEncoding) {
		return true
	}
	switch normalize(contentEncoding) {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	default:
		return false
	}
}

func normalize(ce string) string {
	return strings.TrimSpace(strings.ToLower(ce))
}

// Decode returns body decoded according to contentEncoding, reading at most
// limit+1 decoded bytes. A limit <= 0 means unlimited.
func Decode(contentEncoding string, body []byte, limit int64) ([]byte, error) {
	if Identity(contentEncoding) {
		return body, nil
	}

	r, closeFn, err := reader(normalize(contentEncoding), body, limit)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	var out bytes.Buffer
	n, err := out.ReadFrom(r)
	if err != nil {
		if limitExceeded(err) {
			return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
		return nil, fmt.Errorf("coding: decode %s: %w", contentEncoding, err)
	}
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return out.Bytes(), nil
}

// limitExceeded reports whether a decoder refused a frame because its
// window or declared size is above the configured bound.
func limitExceeded(err error) bool {
	return errors.Is(err, zstd.ErrWindowSizeExceeded) || errors.Is(err, zstd.ErrDecoderSizeExceeded)
}

func reader(ce string, body []byte, limit int64) (io.Reader, func(), error) {
	src := bytes.NewReader(body)
	switch ce {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("coding: gzip header: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "deflate":
		// "deflate" is zlib-wrapped per RFC 9110.
		zr, err := zlib.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("coding: zlib header: %w", err)
		}
		return zr, func() { _ = zr.Close() }, nil
	case "br":
		return brotli.NewReader(src), func() {}, nil
	case "zstd":
		opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
		if limit > 0 {
			// The window is allocated up front from the frame header, so it
			// must be bounded like the output.
			window := uint64(max(limit, zstd.MinWindowSize))
			opts = append(opts,
				zstd.WithDecoderMaxWindow(min(window, zstd.MaxWindowSize)),
				zstd.WithDecoderMaxMemory(window),
			)
		}
		zr, err := zstd.NewReader(src, opts...)
		if err != nil {
			if limitExceeded(err) {
				return nil, nil, fmt.Errorf("%w: zstd: %w", ErrTooLarge, err)
			}
			return nil, nil, fmt.Errorf("coding: zstd: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupported, ce)
	}
}

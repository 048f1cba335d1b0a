package direct

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody reverses the advertised Content-Encoding. Brotli failures fall
// back to the raw payload instead of failing the attempt.
func decodeBody(encoding string, raw []byte, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return raw, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit, "gzip")
	case "deflate":
		return inflate(raw, limit)
	case "br":
		out, err := readLimited(brotli.NewReader(bytes.NewReader(raw)), limit, "brotli")
		if err != nil {
			return raw, nil
		}
		return out, nil
	default:
		return raw, nil
	}
}

// inflate accepts both zlib-wrapped and raw deflate streams; servers send
// either under the same header.
func inflate(raw []byte, limit int64) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		out, readErr := readLimited(zr, limit, "deflate")
		_ = zr.Close()
		if readErr == nil {
			return out, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(raw))
	defer fr.Close()
	return readLimited(fr, limit, "deflate")
}

func readLimited(r io.Reader, limit int64, label string) ([]byte, error) {
	if limit <= 0 {
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decode %s body: %w", label, err)
		}
		return out, nil
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", label, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("decoded %s body exceeds %d bytes", label, limit)
	}
	return out, nil
}

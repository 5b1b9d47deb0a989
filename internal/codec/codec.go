// Package codec implements the cache value envelope: one marker byte that
// says whether the rest of the payload is plain or zlib-compressed.
//
// The compressed form is byte-compatible with values written by the older
// tooling (0x01 followed by a zlib stream).
package codec

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// MarkerPlain prefixes payloads stored as-is.
	MarkerPlain byte = 0x00
	// MarkerCompressed prefixes zlib-compressed payloads.
	MarkerCompressed byte = 0x01

	// DefaultThreshold is the largest payload stored without compression.
	DefaultThreshold = 1024
)

// ErrMalformedPayload is returned when an envelope cannot be decoded.
var ErrMalformedPayload = errors.New("malformed cached payload")

// Codec encodes cache values. The zero value uses DefaultThreshold.
type Codec struct {
	Threshold int
}

// Default is the codec used by the package-level helpers.
var Default = Codec{Threshold: DefaultThreshold}

func (c Codec) threshold() int {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

// Encode wraps b in an envelope, compressing when b is larger than the
// threshold. b is treated as opaque, even when it starts with a marker
// byte; use Compress to compress an existing envelope.
func (c Codec) Encode(b []byte) []byte {
	if len(b) <= c.threshold() {
		return plain(b)
	}
	return compressed(b)
}

// Encode uses the Default codec.
func Encode(b []byte) []byte { return Default.Encode(b) }

// Decode unwraps an envelope produced by Encode or Compress.
func Decode(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, goerr.Wrap(ErrMalformedPayload, "empty envelope")
	}
	switch b[0] {
	case MarkerPlain:
		return b[1:], nil
	case MarkerCompressed:
		out, err := inflate(b[1:])
		if err != nil {
			return nil, goerr.Wrap(errors.Join(ErrMalformedPayload, err), "inflate payload")
		}
		return out, nil
	default:
		return nil, goerr.Wrap(ErrMalformedPayload, "unknown marker", goerr.V("marker", b[0]))
	}
}

// Compress turns a plain envelope into a compressed one. Compressed envelopes
// are returned as-is, so compressing twice is a no-op.
func Compress(envelope []byte) ([]byte, error) {
	if len(envelope) == 0 {
		return nil, goerr.Wrap(ErrMalformedPayload, "empty envelope")
	}
	switch envelope[0] {
	case MarkerCompressed:
		return envelope, nil
	case MarkerPlain:
		return compressed(envelope[1:]), nil
	default:
		return nil, goerr.Wrap(ErrMalformedPayload, "unknown marker", goerr.V("marker", envelope[0]))
	}
}

// CompressRaw compresses an already decoded payload.
func CompressRaw(b []byte) []byte { return compressed(b) }

// IsCompressed reports whether b carries the compressed marker followed by a
// zlib header.
func IsCompressed(b []byte) bool {
	if len(b) < 3 || b[0] != MarkerCompressed {
		return false
	}
	cmf, flg := b[1], b[2]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func plain(b []byte) []byte {
	out := make([]byte, 0, len(b)+1)
	out = append(out, MarkerPlain)
	return append(out, b...)
}

func compressed(b []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(MarkerCompressed)
	w := zlib.NewWriter(&buf)
	// Writes into a bytes.Buffer cannot fail.
	_, _ = w.Write(b)
	_ = w.Close()
	return buf.Bytes()
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

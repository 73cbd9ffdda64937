package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	Magic      byte = 0xA5
	HeaderSize      = 4

	// MaxBodySize is the largest body the length field can describe.
	MaxBodySize = 0xFFFF

	// CompressThreshold is the body size above which lz4 is attempted.
	CompressThreshold = 256

	flagLZ4 byte = 0x01
)

var (
	ErrBadMagic     = errors.New("frame: bad magic byte")
	ErrTooLarge     = errors.New("frame: body exceeds maximum size")
	ErrShortFrame   = errors.New("frame: truncated")
	ErrUnknownFlags = errors.New("frame: unknown flags")
)

// Encode serialises f into its wire form.
func Encode(f *Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Type, err)
	}

	var flags byte
	if len(body) > CompressThreshold {
		if packed, err := compress(body); err == nil && len(packed) < len(body) {
			body = packed
			flags |= flagLZ4
		}
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(body))
	}

	out := make([]byte, HeaderSize+len(body))
	out[0] = Magic
	out[1] = flags
	binary.BigEndian.PutUint16(out[2:4], uint16(len(body)))
	copy(out[HeaderSize:], body)
	return out, nil
}

// Decode parses exactly one frame from b.
func Decode(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	if b[0] != Magic {
		return nil, ErrBadMagic
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < HeaderSize+n {
		return nil, ErrShortFrame
	}
	return decodeBody(b[1], b[HeaderSize:HeaderSize+n])
}

func decodeBody(flags byte, body []byte) (*Frame, error) {
	if flags&^flagLZ4 != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownFlags, flags)
	}
	if flags&flagLZ4 != 0 {
		raw, err := decompress(body)
		if err != nil {
			return nil, fmt.Errorf("frame: lz4: %w", err)
		}
		body = raw
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("frame: body: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame: missing type")
	}
	return &f, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	// A decompressed body can never legitimately exceed the protocol's
	// pre-compression ceiling.
	out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(data)), 16*MaxBodySize))
	if err != nil {
		return nil, err
	}
	return out, nil
}

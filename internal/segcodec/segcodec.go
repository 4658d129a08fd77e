// Package segcodec encodes spine segments and int arrays for the engine.
//
// Values are zigzag varints in protobuf wire format. Segment blobs start with one
// byte naming the compression that was applied to the rest.
package segcodec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"google.golang.org/protobuf/encoding/protowire"
)

type Compression byte

const (
	None Compression = iota
	Zstd
	XZ
)

func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "zstd":
		return Zstd, nil
	case "none":
		return None, nil
	case "xz":
		return XZ, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case XZ:
		return "xz"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

var errTruncated = errors.New("segcodec: truncated input")

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// AppendInts appends a length-prefixed int array.
func AppendInts(b []byte, values []int32) []byte {
	b = protowire.AppendVarint(b, uint64(len(values)))
	for _, v := range values {
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
	}
	return b
}

// ConsumeInts reads an array written by AppendInts and returns the bytes used.
func ConsumeInts(b []byte) ([]int32, int, error) {
	n, used := protowire.ConsumeVarint(b)
	if used < 0 {
		return nil, 0, errTruncated
	}
	if n > uint64(len(b)) {
		return nil, 0, fmt.Errorf("segcodec: array length %d exceeds input", n)
	}
	values := make([]int32, n)
	for i := range values {
		v, m := protowire.ConsumeVarint(b[used:])
		if m < 0 {
			return nil, 0, errTruncated
		}
		used += m
		values[i] = int32(protowire.DecodeZigZag(v))
	}
	return values, used, nil
}

// EncodeInts encodes a single int array without compression.
func EncodeInts(values []int32) []byte {
	return AppendInts(nil, values)
}

func DecodeInts(b []byte) ([]int32, error) {
	values, used, err := ConsumeInts(b)
	if err != nil {
		return nil, err
	}
	if used != len(b) {
		return nil, fmt.Errorf("segcodec: %d trailing bytes", len(b)-used)
	}
	return values, nil
}

// EncodeIntSegment encodes a segment of an int map.
func EncodeIntSegment(c Compression, values []int32) ([]byte, error) {
	return compress(c, AppendInts(nil, values))
}

func DecodeIntSegment(b []byte) ([]int32, error) {
	raw, err := decompress(b)
	if err != nil {
		return nil, err
	}
	return DecodeInts(raw)
}

func compress(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case None:
		return append([]byte{byte(None)}, raw...), nil
	case Zstd:
		return zstdEncoder.EncodeAll(raw, []byte{byte(Zstd)}), nil
	case XZ:
		var buf bytes.Buffer
		buf.WriteByte(byte(XZ))
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("xz writer: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("xz write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("xz close: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown compression %d", byte(c))
}

func decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errTruncated
	}
	switch Compression(b[0]) {
	case None:
		return b[1:], nil
	case Zstd:
		raw, err := zstdDecoder.DecodeAll(b[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
		return raw, nil
	case XZ:
		r, err := xz.NewReader(bytes.NewReader(b[1:]))
		if err != nil {
			return nil, fmt.Errorf("xz reader: %w", err)
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("xz decode: %w", err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("unknown compression %d", b[0])
}

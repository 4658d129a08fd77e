package segcodec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{"": Zstd, "zstd": Zstd, "xz": XZ, "none": None} {
		c, err := ParseCompression(in)
		require.NoError(t, err)
		assert.Equal(t, want, c)
	}
	_, err := ParseCompression("lz4")
	assert.Error(t, err)
}

func TestIntSegmentAllCompressions(t *testing.T) {
	values := []int32{math.MaxInt32, -100, 0, 7, math.MinInt32 + 1, math.MaxInt32}
	for _, c := range []Compression{None, Zstd, XZ} {
		t.Run(c.String(), func(t *testing.T) {
			b, err := EncodeIntSegment(c, values)
			require.NoError(t, err)
			assert.Equal(t, byte(c), b[0])
			got, err := DecodeIntSegment(b)
			require.NoError(t, err)
			assert.Equal(t, values, got)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeIntSegment(nil)
	assert.Error(t, err)
	_, err = DecodeIntSegment([]byte{9, 1, 2})
	assert.Error(t, err)
	_, err = DecodeInts([]byte{5, 1})
	assert.Error(t, err)
	_, err = DecodeInts(append(EncodeInts([]int32{1}), 0))
	assert.Error(t, err)
}

func TestIntsRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int32()).Draw(t, "values")
		got, err := DecodeInts(EncodeInts(values))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(got) != len(values) {
			t.Fatalf("length %d, want %d", len(got), len(values))
		}
		for i := range values {
			if got[i] != values[i] {
				t.Fatalf("value %d: %d, want %d", i, got[i], values[i])
			}
		}
	})
}

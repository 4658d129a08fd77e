package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte("paths: [/var/lib/termstore]\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"/var/lib/termstore"}, f.Paths)
	assert.Equal(t, DefaultSegmentSize, f.SegmentSize)
	assert.Equal(t, DefaultCompression, f.Compression)
	assert.Equal(t, DefaultLogLevel, f.LogLevel)

	d, err := f.Interval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termstore.yaml")
	yaml := `
paths:
  - /data/a
minimumFreeGB: 2
syncInterval: "off"
segmentSize: 4096
compression: xz
syncWrites: true
logLevel: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, f.MinimumFreeGB)
	assert.Equal(t, 4096, f.SegmentSize)
	assert.Equal(t, "xz", f.Compression)
	assert.True(t, f.SyncWrites)
	assert.Equal(t, "debug", f.LogLevel)

	d, err := f.Interval()
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("unknownField: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("syncInterval: soon\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("segmentSize: -4\n"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

package termstore

import (
	"fmt"
	"time"

	"github.com/i5heu/termstore/internal/config"
	"github.com/i5heu/termstore/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config configures a store. Only Paths[0] is used at the moment.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is the free-space threshold checked when the engine opens.
	MinimumFreeGB uint
	// Logger is an optional logger. If nil, a stderr logger at info level is used.
	Logger *logrus.Logger
	// SyncInterval is the period of background syncs. 0 disables them.
	SyncInterval time.Duration
	// SegmentSize is the number of slots per spine segment. It is fixed for
	// the lifetime of a store.
	SegmentSize int
	// Compression of persisted spine segments: "zstd" (default), "xz" or "none".
	Compression string
	// SyncWrites makes the engine fsync every write.
	SyncWrites       bool
	ValueLogFileSize int64
	// Registerer receives the store's prometheus metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Progress is called after each stage of every sync cycle.
	Progress func(stage string, done, total int)
}

func defaultLogger() *logrus.Logger {
	return logging.New(logrus.InfoLevel)
}

// ConfigFromFile builds a Config from a YAML file.
func ConfigFromFile(path string) (Config, error) {
	f, err := config.LoadFile(path)
	if err != nil {
		return Config{}, err
	}
	interval, err := f.Interval()
	if err != nil {
		return Config{}, err
	}
	log, err := logging.Parse(f.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("logLevel: %w", err)
	}

	return Config{
		Paths:            f.Paths,
		MinimumFreeGB:    uint(f.MinimumFreeGB),
		Logger:           log,
		SyncInterval:     interval,
		SegmentSize:      f.SegmentSize,
		Compression:      f.Compression,
		SyncWrites:       f.SyncWrites,
		ValueLogFileSize: f.ValueLogFileSize,
	}, nil
}

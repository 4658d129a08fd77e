package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// File is the on-disk YAML configuration of a store.
type File struct {
	Paths            []string `yaml:"paths"`
	MinimumFreeGB    int      `yaml:"minimumFreeGB"`
	SyncInterval     string   `yaml:"syncInterval"`
	SegmentSize      int      `yaml:"segmentSize"`
	Compression      string   `yaml:"compression"`
	SyncWrites       bool     `yaml:"syncWrites"`
	ValueLogFileSize int64    `yaml:"valueLogFileSize"`
	LogLevel         string   `yaml:"logLevel"`
}

const (
	DefaultSyncInterval = "30s"
	DefaultSegmentSize  = 1024
	DefaultCompression  = "zstd"
	DefaultLogLevel     = "info"
)

// LoadFile reads path and fills every unset field with its default.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var config File
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}

	if config.SyncInterval == "" {
		config.SyncInterval = DefaultSyncInterval
	}

	if config.SegmentSize == 0 {
		config.SegmentSize = DefaultSegmentSize
	}

	if config.Compression == "" {
		config.Compression = DefaultCompression
	}

	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}

	if config.SegmentSize < 0 {
		return File{}, fmt.Errorf("segmentSize must be positive, got %d", config.SegmentSize)
	}

	if _, err := config.Interval(); err != nil {
		return File{}, err
	}

	return config, nil
}

// Interval parses SyncInterval. "0" and "off" disable periodic syncs.
func (f File) Interval() (time.Duration, error) {
	if f.SyncInterval == "off" || f.SyncInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.SyncInterval)
	if err != nil {
		return 0, fmt.Errorf("syncInterval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("syncInterval must not be negative, got %s", d)
	}
	return d, nil
}

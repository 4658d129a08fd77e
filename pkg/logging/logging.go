// Package logging builds the loggers used by the store and its tools.
package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a stderr logger at level with RFC3339 timestamps.
func New(level logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	// file:line only pays off while debugging
	log.SetReportCaller(level >= logrus.DebugLevel)
	return log
}

// Parse is New with the level given by name, e.g. "info" or "debug".
func Parse(level string) (*logrus.Logger, error) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return New(l), nil
}

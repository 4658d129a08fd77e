// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"flag"
	"testing"

	"github.com/i5heu/termstore/internal/keyValStore"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var RunLong = flag.Bool("long", false, "run long/heavy tests")

func RequireLong(t *testing.T) {
	t.Helper()
	if !*RunLong {
		t.Skip("skipping long test (use -long to enable)")
	}
}

// Logger returns a logger that only reports warnings and errors.
func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return log
}

// OpenKV opens an engine in dir. Closing it is up to the caller, which lets
// tests reopen the same directory.
func OpenKV(t testing.TB, dir string) *keyValStore.KeyValStore {
	t.Helper()
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{dir},
		Logger: Logger(),
	})
	require.NoError(t, err)
	return kv
}

package termstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/syncmgr"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const markerFile = "datastore.id"

// syncStages is the flush pipeline. Taxonomy records are written before the
// identifier segments so every sequence a persisted record uses is bound on
// disk in the same cycle.
func (s *Store) syncStages(root string) []syncmgr.Stage {
	return []syncmgr.Stage{
		{
			Name: "generators",
			Run: func(_ context.Context, b *keyValStore.Batch) (func(), error) {
				return nil, s.ids.PersistGenerators(b)
			},
		},
		{
			Name: "references",
			Run: func(_ context.Context, b *keyValStore.Batch) (func(), error) {
				commit, n, err := s.refs.Persist(b)
				if err != nil {
					return nil, err
				}
				s.metrics.RecordsWritten.WithLabelValues("references").Add(float64(n))
				return commit, nil
			},
		},
		{
			Name: "taxonomy",
			Run: func(_ context.Context, b *keyValStore.Batch) (func(), error) {
				commit, n, err := s.tax.Persist(b)
				if err != nil {
					return nil, err
				}
				s.metrics.RecordsWritten.WithLabelValues("taxonomy").Add(float64(n))
				return commit, nil
			},
		},
		{
			Name: "identifiers",
			Run: func(_ context.Context, b *keyValStore.Batch) (func(), error) {
				return s.ids.PersistSegments(b)
			},
		},
		syncmgr.EngineStage(s.kv),
		{
			Name: "barrier",
			Run: func(context.Context, *keyValStore.Batch) (func(), error) {
				return nil, barrier(root)
			},
		},
	}
}

// barrier fsyncs the store root and the identity marker so both survive a
// power loss together with the engine files.
func barrier(root string) error {
	for _, path := range []string{filepath.Join(root, markerFile), root} {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("barrier open %s: %w", path, err)
		}
		err = f.Sync()
		f.Close()
		if err != nil {
			return fmt.Errorf("barrier sync %s: %w", path, err)
		}
	}
	return nil
}

// loadMarker reads the identity marker of root, creating it for fresh stores.
// An existing store without a marker gets one and a warning.
func loadMarker(root string, status types.DatastoreStatus, log *logrus.Logger) (uuid.UUID, error) {
	path := filepath.Join(root, markerFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := uuid.Parse(strings.TrimSpace(string(raw)))
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: marker %s: %v", types.ErrIntegrityViolation, path, err)
		}
		return id, nil
	case !errors.Is(err, os.ErrNotExist):
		return uuid.Nil, fmt.Errorf("read marker: %w", err)
	}

	if status == types.ExistingDatastore {
		log.WithField("path", path).Warn("existing datastore has no identity marker, creating one")
	}
	id := uuid.New()
	if err := writeMarker(path, id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func writeMarker(path string, id uuid.UUID) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if _, err := f.WriteString(id.String() + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install marker: %w", err)
	}
	return nil
}

/*
Package termstore is an embedded, identifier-indexed versioned object store for
terminology content.

Components are addressed by negative nids. Each nid is owned by one collection
and gets a dense sequence inside it; version chains, taxonomy records and
reverse references are stored against those sequences.
*/
package termstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/i5heu/termstore/internal/chronology"
	"github.com/i5heu/termstore/internal/identifier"
	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/metrics"
	"github.com/i5heu/termstore/internal/refindex"
	"github.com/i5heu/termstore/internal/segcodec"
	"github.com/i5heu/termstore/internal/spine"
	"github.com/i5heu/termstore/internal/syncmgr"
	"github.com/i5heu/termstore/internal/taxonomy"
	"github.com/i5heu/termstore/pkg/types"
	workerpool "github.com/i5heu/termstore/pkg/workerPool"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type (
	SyncHandle = syncmgr.Handle
	SyncState  = syncmgr.State
)

// MergeFunc combines a taxonomy record with a delta. It must not modify its
// arguments and must be associative since it is retried under contention.
type MergeFunc func(cur, delta []int32) []int32

// UnionMerge is a MergeFunc treating records as sorted sets.
var UnionMerge MergeFunc = taxonomy.UnionMerge

// Store owns the engine handle and every in-memory structure of one store.
type Store struct {
	log    *logrus.Logger
	config Config

	kv      *keyValStore.KeyValStore
	wp      *workerpool.WorkerPool
	ids     *identifier.Service
	chron   *chronology.Store
	tax     *taxonomy.Store
	refs    *refindex.Index
	syncer  *syncmgr.Manager
	metrics *metrics.Metrics

	listeners listeners
	status    atomic.Int32
	id        uuid.UUID

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New validates conf and returns an unstarted store. New does no I/O.
func New(conf Config) (*Store, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.SegmentSize == 0 {
		conf.SegmentSize = spine.DefaultSegmentSize
	}
	if conf.SegmentSize < 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", conf.SegmentSize)
	}
	if _, err := segcodec.ParseCompression(conf.Compression); err != nil {
		return nil, err
	}
	return &Store{log: conf.Logger, config: conf}, nil
}

// Start opens the engine, loads persisted state and starts background syncs.
// Only the first call has an effect.
func (s *Store) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		startErr = s.start(ctx)
		if startErr != nil && s.kv != nil {
			if s.wp != nil {
				s.wp.Close()
			}
			s.kv.Close()
			s.kv = nil
		}
	})
	return startErr
}

func (s *Store) start(ctx context.Context) error {
	root := s.config.Paths[0]
	kvDir := filepath.Join(root, "kv")

	status, err := detectDatastore(kvDir)
	if err != nil {
		return err
	}
	s.status.Store(int32(status))
	s.log.WithFields(logrus.Fields{"path": root, "status": status}).Info("datastore checked")

	if err := os.MkdirAll(kvDir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", kvDir, err)
	}
	s.id, err = loadMarker(root, status, s.log)
	if err != nil {
		return err
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            []string{kvDir},
		MinimumFreeSpace: int(s.config.MinimumFreeGB),
		Logger:           s.log,
		SyncWrites:       s.config.SyncWrites,
		ValueLogFileSize: s.config.ValueLogFileSize,
	})
	if err != nil {
		return fmt.Errorf("init kv: %w", err)
	}
	s.kv = kv

	compression, _ := segcodec.ParseCompression(s.config.Compression)
	s.metrics = metrics.New(s.config.Registerer, kv)
	s.wp = workerpool.NewWorkerPool(workerpool.Config{})
	s.ids = identifier.New(identifier.Config{
		KV:          kv,
		Logger:      s.log,
		SegmentSize: s.config.SegmentSize,
		Compression: compression,
	})
	s.chron = chronology.New(kv, s.log)
	s.refs = refindex.New(refindex.Config{
		KV:          kv,
		WorkerPool:  s.wp,
		Logger:      s.log,
		SegmentSize: s.config.SegmentSize,
	})
	s.tax = taxonomy.New(taxonomy.Config{
		KV:          kv,
		Identifiers: s.ids,
		WorkerPool:  s.wp,
		Logger:      s.log,
		SegmentSize: s.config.SegmentSize,
	})

	if status == types.ExistingDatastore {
		if err := s.load(ctx); err != nil {
			return err
		}
	}

	s.syncer = syncmgr.New(syncmgr.Config{
		KV:        kv,
		Stages:    s.syncStages(root),
		Logger:    s.log,
		Metrics:   s.metrics,
		Interval:  s.config.SyncInterval,
		Progress:  s.config.Progress,
		OnSuccess: s.listeners.sync,
	})

	s.started.Store(true)
	s.log.WithFields(logrus.Fields{
		"path":        root,
		"datastoreID": s.id,
	}).Info("termstore started")
	return nil
}

// load restores identifiers first since the taxonomy needs them to translate
// its keys back to nids.
func (s *Store) load(ctx context.Context) error {
	if err := s.ids.Load(ctx); err != nil {
		return fmt.Errorf("load identifiers: %w", err)
	}
	restored := 0
	err := s.chron.Bindings(func(collection, sequence, nid int32) error {
		ok, err := s.ids.Restore(collection, sequence, nid)
		if ok {
			restored++
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("restore bindings: %w", err)
	}
	if restored > 0 {
		s.log.WithField("bindings", restored).Warn("bindings written after the last sync restored from chronology")
	}
	if err := s.refs.Load(ctx); err != nil {
		return err
	}
	if err := s.tax.Load(ctx); err != nil {
		return err
	}
	return nil
}

func detectDatastore(kvDir string) (types.DatastoreStatus, error) {
	_, err := os.Stat(filepath.Join(kvDir, "MANIFEST"))
	switch {
	case err == nil:
		return types.ExistingDatastore, nil
	case errors.Is(err, os.ErrNotExist):
		return types.NoDatastore, nil
	default:
		return types.NotYetChecked, fmt.Errorf("check datastore: %w", err)
	}
}

// Status reports what Start found at the store root.
func (s *Store) Status() types.DatastoreStatus {
	return types.DatastoreStatus(s.status.Load())
}

// DataStoreID is the identity read from, or written to, the marker file.
func (s *Store) DataStoreID() uuid.UUID { return s.id }

func (s *Store) check() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// PutChronologyData appends the version data of c to its chain. The collection
// is registered and the nid bound to it on first use.
func (s *Store) PutChronologyData(c types.Chronology) error {
	if err := s.check(); err != nil {
		return err
	}
	nid, collection := c.Nid(), c.AssemblageNid()
	if err := types.CheckNid(nid); err != nil {
		return err
	}
	ref := c.ReferencedComponentNid()
	if ref != 0 {
		if err := types.CheckNid(ref); err != nil {
			return fmt.Errorf("referenced component: %w", err)
		}
	}

	// an owner conflict must not leave the rejected collection registered
	if owner, ok := s.ids.CollectionFor(nid); ok && owner != collection {
		return fmt.Errorf("%w: nid %d is bound to collection %d, not %d",
			types.ErrBindingConflict, nid, owner, collection)
	}
	if err := s.ids.RegisterCollection(collection, c.ObjectType(), c.VersionType()); err != nil {
		return err
	}
	if err := s.ids.Bind(nid, collection); err != nil {
		return err
	}
	seq, err := s.ids.SequenceFor(nid)
	if err != nil {
		return err
	}
	if err := s.chron.Append(collection, seq, nid, c.VersionData()); err != nil {
		return err
	}
	s.metrics.Appends.Inc()

	if ref != 0 {
		if err := s.refs.Add(ref, nid); err != nil {
			return err
		}
		s.metrics.References.Inc()
	}

	s.listeners.writeData(c)
	return nil
}

// GetChronologyVersionData returns the framed version chain of nid. found is
// false for nids that were never written.
func (s *Store) GetChronologyVersionData(nid int32) ([]byte, bool, error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	if err := types.CheckNid(nid); err != nil {
		return nil, false, err
	}
	collection, ok := s.ids.CollectionFor(nid)
	if !ok {
		return nil, false, nil
	}
	seq, ok := s.ids.LookupSequence(collection, nid)
	if !ok {
		return nil, false, nil
	}
	s.metrics.ChainReads.Inc()
	return s.chron.ReadChain(collection, seq)
}

// AccumulateAndGetTaxonomyData merges delta into the taxonomy record of concept.
func (s *Store) AccumulateAndGetTaxonomyData(collection, concept int32, delta []int32, merge MergeFunc) ([]int32, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := types.CheckNid(collection); err != nil {
		return nil, fmt.Errorf("collection: %w", err)
	}
	record, err := s.tax.Merge(collection, concept, delta, spine.MergeFunc(merge))
	if err != nil {
		return nil, err
	}
	s.metrics.TaxonomyMerges.Inc()
	return record, nil
}

// TaxonomyData returns the taxonomy record of concept, nil if there is none.
func (s *Store) TaxonomyData(collection, concept int32) ([]int32, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.tax.Get(collection, concept)
}

// ReferencingComponents returns the nids of the components referencing nid.
func (s *Store) ReferencingComponents(nid int32) ([]int32, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.refs.Get(nid)
}

// NidsForCollection returns the nids with stored versions in collection, in
// sequence order.
func (s *Store) NidsForCollection(collection int32) ([]int32, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	seqs, err := s.chron.Sequences(collection)
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, seqs.GetCardinality())
	it := seqs.Iterator()
	for it.HasNext() {
		seq := int32(it.Next())
		nid, ok := s.ids.IdentifierFor(collection, seq)
		if !ok {
			return nil, fmt.Errorf("%w: sequence %d of collection %d has no nid",
				types.ErrIntegrityViolation, seq, collection)
		}
		out = append(out, nid)
	}
	return out, nil
}

func (s *Store) NewNid() (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ids.NewNid()
}

// NidForUUID returns the nid assigned to u, assigning one on first use.
func (s *Store) NidForUUID(u uuid.UUID) (int32, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.ids.NidForUUID(u)
}

// CollectionFor returns the collection nid is bound to.
func (s *Store) CollectionFor(nid int32) (int32, bool) {
	if s.check() != nil {
		return 0, false
	}
	return s.ids.CollectionFor(nid)
}

// CollectionSummary describes one registered collection.
type CollectionSummary struct {
	Collection   int32
	ObjectType   types.ObjectType
	VersionType  types.VersionType
	NextSequence int32
}

// Collections summarizes every collection with a registered type.
func (s *Store) Collections() ([]CollectionSummary, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var out []CollectionSummary
	for _, c := range s.ids.Collections() {
		info, ok := s.ids.CollectionType(c)
		if !ok {
			continue
		}
		out = append(out, CollectionSummary{
			Collection:   c,
			ObjectType:   info.ObjectType,
			VersionType:  info.VersionType,
			NextSequence: s.ids.NextSequence(c),
		})
	}
	return out, nil
}

func (s *Store) AddWriteListener(l WriteListener) {
	s.listeners.add(l)
}

// Sync requests a sync cycle. Requests made while a cycle runs share one
// follow-up cycle. Before Start and after Close the handle is already
// finished with ErrNotStarted or ErrClosed.
func (s *Store) Sync() *SyncHandle {
	if err := s.check(); err != nil {
		return syncmgr.Finished(err)
	}
	return s.syncer.Request()
}

// SyncNow requests a sync cycle and waits for it.
func (s *Store) SyncNow(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Sync().Wait(ctx)
}

func (s *Store) SyncState() SyncState {
	if s.syncer == nil {
		return syncmgr.Idle
	}
	return s.syncer.State()
}

// Compact flattens the engine and collects value log garbage.
func (s *Store) Compact() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.kv.Clean()
}

// Close runs a final sync and releases the engine. It is idempotent.
func (s *Store) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			return
		}
		s.closed.Store(true)

		if err := s.syncer.Close(ctx); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("final sync: %w", err))
		}
		s.wp.Close()
		if err := s.kv.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close kv: %w", err))
		}
		s.log.WithField("datastoreID", s.id).Info("termstore closed")
	})
	return closeErr
}

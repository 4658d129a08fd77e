// Package taxonomy keeps the hierarchical adjacency record of every concept.
//
// Records live in memory in one ArrayMap per taxonomy collection, keyed by the
// concept's nid index. On disk each record is stored under the concept's
// sequence in the taxonomy collection, so loading translates every key back
// through identifier virtualization.
package taxonomy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/i5heu/termstore/internal/identifier"
	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/segcodec"
	"github.com/i5heu/termstore/internal/spine"
	"github.com/i5heu/termstore/pkg/types"
	workerpool "github.com/i5heu/termstore/pkg/workerPool"

	"github.com/sirupsen/logrus"
)

type Store struct {
	log         *logrus.Logger
	kv          *keyValStore.KeyValStore
	ids         *identifier.Service
	wp          *workerpool.WorkerPool
	segmentSize int

	collections sync.Map // taxonomy collection -> *spine.ArrayMap
}

type Config struct {
	KV          *keyValStore.KeyValStore
	Identifiers *identifier.Service
	WorkerPool  *workerpool.WorkerPool
	Logger      *logrus.Logger
	SegmentSize int
}

func New(conf Config) *Store {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.SegmentSize <= 0 {
		conf.SegmentSize = spine.DefaultSegmentSize
	}
	return &Store{
		log:         conf.Logger,
		kv:          conf.KV,
		ids:         conf.Identifiers,
		wp:          conf.WorkerPool,
		segmentSize: conf.SegmentSize,
	}
}

func (s *Store) records(collection int32) *spine.ArrayMap {
	if m, ok := s.collections.Load(collection); ok {
		return m.(*spine.ArrayMap)
	}
	m, _ := s.collections.LoadOrStore(collection, spine.NewArrayMap(s.segmentSize))
	return m.(*spine.ArrayMap)
}

// Get returns the record of concept in collection, nil when there is none.
// The result must not be modified.
func (s *Store) Get(collection, concept int32) ([]int32, error) {
	if err := types.CheckNid(concept); err != nil {
		return nil, err
	}
	m, ok := s.collections.Load(collection)
	if !ok {
		return nil, nil
	}
	return m.(*spine.ArrayMap).Get(types.NidIndex(concept)), nil
}

// Merge installs merge(current, delta) as the record of concept. merge may run
// more than once under contention and must be associative.
func (s *Store) Merge(collection, concept int32, delta []int32, merge spine.MergeFunc) ([]int32, error) {
	if err := types.CheckNid(concept); err != nil {
		return nil, err
	}
	// the concept's storage key has to exist before the record can become dirty
	if _, err := s.ids.SequenceIn(collection, concept); err != nil {
		return nil, err
	}
	return s.records(collection).AccumulateAndGet(types.NidIndex(concept), delta, merge), nil
}

// UnionMerge treats both arrays as sets and returns their sorted union.
func UnionMerge(cur, delta []int32) []int32 {
	out := make([]int32, 0, len(cur)+len(delta))
	out = append(out, cur...)
	out = append(out, delta...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}

// Collections returns the taxonomy collections held in memory, ascending.
func (s *Store) Collections() []int32 {
	var out []int32
	s.collections.Range(func(k, _ any) bool {
		out = append(out, k.(int32))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Load streams the taxonomy partitions in disk order into memory.
func (s *Store) Load(ctx context.Context) error {
	count := 0
	err := s.kv.StreamPrefix(ctx, []byte{keyValStore.TagTaxonomy}, func(key, value []byte) error {
		collection, err := keyValStore.KeyPart(key, 0)
		if err != nil {
			return err
		}
		seq, err := keyValStore.KeyPart(key, 1)
		if err != nil {
			return err
		}
		concept, ok := s.ids.IdentifierFor(collection, seq)
		if !ok {
			return fmt.Errorf("%w: taxonomy record %d/%d has no concept",
				types.ErrIntegrityViolation, collection, seq)
		}
		record, err := segcodec.DecodeInts(value)
		if err != nil {
			return fmt.Errorf("%w: taxonomy record %d/%d: %v",
				types.ErrIntegrityViolation, collection, seq, err)
		}
		s.records(collection).Load(types.NidIndex(concept), record)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}
	s.log.WithField("records", count).Info("taxonomy loaded")
	return nil
}

type persistResult struct {
	commits []func()
	records int
	err     error
}

// Persist writes every record of a dirty segment to b, one worker task per
// collection. The returned commit marks the segments clean.
func (s *Store) Persist(b *keyValStore.Batch) (func(), int, error) {
	collections := s.Collections()
	room := workerpool.NewRoom[persistResult](s.wp, len(collections))
	for _, c := range collections {
		c := c
		room.NewTaskWaitForFreeSlot(func() persistResult {
			return s.persistCollection(b, c)
		})
	}

	var commits []func()
	written := 0
	var errs []error
	for _, r := range room.Collect() {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		commits = append(commits, r.commits...)
		written += r.records
	}
	if len(errs) > 0 {
		return nil, 0, errors.Join(errs...)
	}
	return func() {
		for _, c := range commits {
			c()
		}
	}, written, nil
}

func (s *Store) persistCollection(b *keyValStore.Batch, collection int32) persistResult {
	m := s.records(collection)
	var r persistResult
	for _, seg := range m.DirtySegments() {
		base := seg.Index * m.SegmentSize()
		for off, record := range seg.Values {
			if record == nil {
				continue
			}
			concept := types.IndexNid(base + off)
			seq, ok := s.ids.LookupSequence(collection, concept)
			if !ok {
				r.err = fmt.Errorf("%w: concept %d has no sequence in taxonomy %d",
					types.ErrMissingBinding, concept, collection)
				return r
			}
			key := keyValStore.Key(keyValStore.TagTaxonomy, collection, seq)
			if err := b.Set(key, segcodec.EncodeInts(record)); err != nil {
				r.err = fmt.Errorf("write taxonomy %d/%d: %w", collection, seq, err)
				return r
			}
			r.records++
		}
		seg := seg
		r.commits = append(r.commits, func() { m.MarkClean(seg.Index, seg.Mark) })
	}
	return r
}

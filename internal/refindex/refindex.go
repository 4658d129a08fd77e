// Package refindex maps a component to the components that reference it.
package refindex

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/segcodec"
	"github.com/i5heu/termstore/internal/spine"
	"github.com/i5heu/termstore/pkg/types"
	workerpool "github.com/i5heu/termstore/pkg/workerPool"

	"github.com/sirupsen/logrus"
)

type Index struct {
	log  *logrus.Logger
	kv   *keyValStore.KeyValStore
	wp   *workerpool.WorkerPool
	refs *spine.ArrayMap // referenced nid index -> sorted referencing nids
}

type Config struct {
	KV          *keyValStore.KeyValStore
	WorkerPool  *workerpool.WorkerPool
	Logger      *logrus.Logger
	SegmentSize int
}

func New(conf Config) *Index {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	return &Index{
		log:  conf.Logger,
		kv:   conf.KV,
		wp:   conf.WorkerPool,
		refs: spine.NewArrayMap(conf.SegmentSize),
	}
}

// insertSorted adds the single element of delta to the sorted set cur.
func insertSorted(cur, delta []int32) []int32 {
	v := delta[0]
	i := sort.Search(len(cur), func(i int) bool { return cur[i] >= v })
	if i < len(cur) && cur[i] == v {
		return cur
	}
	out := make([]int32, len(cur)+1)
	copy(out, cur[:i])
	out[i] = v
	copy(out[i+1:], cur[i:])
	return out
}

// Add records that referencing refers to referenced. Adding a known pair
// again leaves the entry untouched.
func (x *Index) Add(referenced, referencing int32) error {
	if err := types.CheckNid(referenced); err != nil {
		return fmt.Errorf("referenced: %w", err)
	}
	if err := types.CheckNid(referencing); err != nil {
		return fmt.Errorf("referencing: %w", err)
	}
	idx := types.NidIndex(referenced)
	cur := x.refs.Get(idx)
	if i := sort.Search(len(cur), func(i int) bool { return cur[i] >= referencing }); i < len(cur) && cur[i] == referencing {
		return nil
	}
	x.refs.AccumulateAndGet(idx, []int32{referencing}, insertSorted)
	return nil
}

// Get returns the nids referencing referenced in ascending order. The result
// must not be modified.
func (x *Index) Get(referenced int32) ([]int32, error) {
	if err := types.CheckNid(referenced); err != nil {
		return nil, err
	}
	return x.refs.Get(types.NidIndex(referenced)), nil
}

// Load streams the whole reference table into memory.
func (x *Index) Load(ctx context.Context) error {
	count := 0
	err := x.kv.StreamPrefix(ctx, []byte{keyValStore.TagReference}, func(key, value []byte) error {
		referenced, err := keyValStore.KeyPart(key, 0)
		if err != nil {
			return err
		}
		if err := types.CheckNid(referenced); err != nil {
			return err
		}
		referencing, err := segcodec.DecodeInts(value)
		if err != nil {
			return fmt.Errorf("%w: references of %d: %v", types.ErrIntegrityViolation, referenced, err)
		}
		x.refs.Load(types.NidIndex(referenced), referencing)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("load references: %w", err)
	}
	x.log.WithField("entries", count).Info("reference index loaded")
	return nil
}

type persistResult struct {
	commit  func()
	entries int
	err     error
}

// Persist writes the entries of every dirty segment to b. Segments are
// encoded in parallel on the worker pool.
func (x *Index) Persist(b *keyValStore.Batch) (func(), int, error) {
	dirty := x.refs.DirtySegments()
	room := workerpool.NewRoom[persistResult](x.wp, len(dirty))
	for _, seg := range dirty {
		seg := seg
		room.NewTaskWaitForFreeSlot(func() persistResult {
			base := seg.Index * x.refs.SegmentSize()
			r := persistResult{commit: func() { x.refs.MarkClean(seg.Index, seg.Mark) }}
			for off, referencing := range seg.Values {
				if referencing == nil {
					continue
				}
				referenced := types.IndexNid(base + off)
				key := keyValStore.Key(keyValStore.TagReference, referenced)
				if err := b.Set(key, segcodec.EncodeInts(referencing)); err != nil {
					r.err = fmt.Errorf("write references of %d: %w", referenced, err)
					return r
				}
				r.entries++
			}
			return r
		})
	}

	var commits []func()
	var errs []error
	entries := 0
	for _, r := range room.Collect() {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		commits = append(commits, r.commit)
		entries += r.entries
	}
	if err := errors.Join(errs...); err != nil {
		return nil, 0, err
	}
	return func() {
		for _, c := range commits {
			c()
		}
	}, entries, nil
}

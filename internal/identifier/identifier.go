// Package identifier virtualizes the sparse nid space into dense per-collection
// sequence numbers.
//
// Four directions are kept consistent at all times: nid→owning collection,
// nid→sequence (per collection), collection+sequence→nid and the per-collection
// next-sequence counter. Bindings are created once and never change.
package identifier

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/segcodec"
	"github.com/i5heu/termstore/internal/spine"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const lockStripes = 64

var ErrNidSpaceExhausted = errors.New("nid space exhausted")

// CollectionInfo is the registry entry of a collection.
type CollectionInfo struct {
	ObjectType  types.ObjectType
	VersionType types.VersionType
}

type partition struct {
	collection int32
	nidToSeq   *spine.IntMap // keyed by nid index
	seqToNid   *spine.IntMap // keyed by sequence
	next       atomic.Int32
}

type Service struct {
	log         *logrus.Logger
	kv          *keyValStore.KeyValStore
	segmentSize int
	compression segcodec.Compression

	owners     *spine.IntMap // nid index -> owning collection
	partitions sync.Map      // collection -> *partition
	registry   sync.Map      // collection -> CollectionInfo
	uuids      sync.Map      // uuid.UUID -> int32

	lastNid atomic.Int32
	locks   [lockStripes]sync.Mutex
}

type Config struct {
	KV          *keyValStore.KeyValStore
	Logger      *logrus.Logger
	SegmentSize int
	Compression segcodec.Compression
}

func New(conf Config) *Service {
	if conf.Logger == nil {
		conf.Logger = logrus.New()
	}
	if conf.SegmentSize <= 0 {
		conf.SegmentSize = spine.DefaultSegmentSize
	}
	s := &Service{
		log:         conf.Logger,
		kv:          conf.KV,
		segmentSize: conf.SegmentSize,
		compression: conf.Compression,
		owners:      spine.NewIntMap(conf.SegmentSize),
	}
	s.lastNid.Store(math.MinInt32)
	return s
}

func (s *Service) stripe(nid int32) *sync.Mutex {
	return &s.locks[uint32(nid)%lockStripes]
}

func (s *Service) partition(collection int32) *partition {
	if p, ok := s.partitions.Load(collection); ok {
		return p.(*partition)
	}
	p := &partition{
		collection: collection,
		nidToSeq:   spine.NewIntMap(s.segmentSize),
		seqToNid:   spine.NewIntMap(s.segmentSize),
	}
	p.next.Store(1)
	actual, loaded := s.partitions.LoadOrStore(collection, p)
	if !loaded {
		s.reserve(collection)
	}
	return actual.(*partition)
}

func (s *Service) lookupPartition(collection int32) (*partition, bool) {
	p, ok := s.partitions.Load(collection)
	if !ok {
		return nil, false
	}
	return p.(*partition), true
}

// Bind makes collection the owner of nid. Binding the same pair again is a
// no-op; binding a different collection fails with ErrBindingConflict.
func (s *Service) Bind(nid, collection int32) error {
	if err := types.CheckNid(nid); err != nil {
		return err
	}
	if err := types.CheckNid(collection); err != nil {
		return fmt.Errorf("collection: %w", err)
	}

	idx := types.NidIndex(nid)
	if !s.owners.CompareAndSwap(idx, spine.Unset, collection) {
		if cur := s.owners.Get(idx); cur != collection {
			return fmt.Errorf("%w: nid %d is bound to collection %d, not %d",
				types.ErrBindingConflict, nid, cur, collection)
		}
		return nil
	}
	s.partition(collection)
	s.reserve(nid)
	return nil
}

// CollectionFor returns the owning collection of nid.
func (s *Service) CollectionFor(nid int32) (int32, bool) {
	if nid >= 0 {
		return 0, false
	}
	c := s.owners.Get(types.NidIndex(nid))
	if c == spine.Unset {
		return 0, false
	}
	return c, true
}

// SequenceFor returns the sequence of nid in its owning collection, assigning
// one on first use.
func (s *Service) SequenceFor(nid int32) (int32, error) {
	if err := types.CheckNid(nid); err != nil {
		return 0, err
	}
	collection, ok := s.CollectionFor(nid)
	if !ok {
		return 0, fmt.Errorf("%w: nid %d has no collection", types.ErrMissingBinding, nid)
	}
	return s.SequenceIn(collection, nid)
}

// SequenceIn returns the sequence of nid within the partition of collection,
// assigning the next one from the collection's counter on first use.
func (s *Service) SequenceIn(collection, nid int32) (int32, error) {
	if err := types.CheckNid(nid); err != nil {
		return 0, err
	}
	if err := types.CheckNid(collection); err != nil {
		return 0, fmt.Errorf("collection: %w", err)
	}

	p := s.partition(collection)
	idx := types.NidIndex(nid)
	if seq := p.nidToSeq.Get(idx); seq != spine.Unset {
		return seq, nil
	}

	mu := s.stripe(nid)
	mu.Lock()
	defer mu.Unlock()
	if seq := p.nidToSeq.Get(idx); seq != spine.Unset {
		return seq, nil
	}
	seq := p.next.Add(1) - 1
	if seq == spine.Unset {
		return 0, fmt.Errorf("sequence space of collection %d exhausted", collection)
	}
	// reverse direction first so a visible forward binding always resolves back
	p.seqToNid.Put(int(seq), nid)
	p.nidToSeq.Put(idx, seq)
	s.reserve(nid)
	return seq, nil
}

// LookupSequence returns the sequence of nid in collection without assigning one.
func (s *Service) LookupSequence(collection, nid int32) (int32, bool) {
	if nid >= 0 {
		return 0, false
	}
	p, ok := s.lookupPartition(collection)
	if !ok {
		return 0, false
	}
	seq := p.nidToSeq.Get(types.NidIndex(nid))
	return seq, seq != spine.Unset
}

// IdentifierFor is the inverse of SequenceIn.
func (s *Service) IdentifierFor(collection, sequence int32) (int32, bool) {
	if sequence < 0 {
		return 0, false
	}
	p, ok := s.lookupPartition(collection)
	if !ok {
		return 0, false
	}
	nid := p.seqToNid.Get(int(sequence))
	return nid, nid != spine.Unset
}

// NextSequence returns the sequence the next new member of collection will get.
func (s *Service) NextSequence(collection int32) int32 {
	p, ok := s.lookupPartition(collection)
	if !ok {
		return 1
	}
	return p.next.Load()
}

// RaiseCounter makes sure collection never hands out a sequence below next.
func (s *Service) RaiseCounter(collection, next int32) {
	p := s.partition(collection)
	for {
		cur := p.next.Load()
		if cur >= next || p.next.CompareAndSwap(cur, next) {
			return
		}
	}
}

// RegisterCollection records the object and version type of collection. A
// later call with different types fails with ErrBindingConflict.
func (s *Service) RegisterCollection(collection int32, ot types.ObjectType, vt types.VersionType) error {
	if err := types.CheckNid(collection); err != nil {
		return err
	}
	info := CollectionInfo{ObjectType: ot, VersionType: vt}
	actual, loaded := s.registry.LoadOrStore(collection, info)
	if loaded && actual.(CollectionInfo) != info {
		cur := actual.(CollectionInfo)
		return fmt.Errorf("%w: collection %d holds %s/%s, not %s/%s",
			types.ErrBindingConflict, collection, cur.ObjectType, cur.VersionType, ot, vt)
	}
	if !loaded {
		s.partition(collection)
	}
	return nil
}

func (s *Service) CollectionType(collection int32) (CollectionInfo, bool) {
	v, ok := s.registry.Load(collection)
	if !ok {
		return CollectionInfo{}, false
	}
	return v.(CollectionInfo), true
}

// Collections returns every collection with a partition, ascending.
func (s *Service) Collections() []int32 {
	var out []int32
	s.partitions.Range(func(k, _ any) bool {
		out = append(out, k.(int32))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewNid hands out the next unused nid.
func (s *Service) NewNid() (int32, error) {
	nid := s.lastNid.Add(1)
	if nid >= 0 {
		return 0, ErrNidSpaceExhausted
	}
	return nid, nil
}

// reserve keeps NewNid from handing out nid or anything below it.
func (s *Service) reserve(nid int32) {
	for {
		cur := s.lastNid.Load()
		if cur >= nid || s.lastNid.CompareAndSwap(cur, nid) {
			return
		}
	}
}

// NidForUUID returns the nid assigned to u, assigning a new one on first use.
// The assignment is written to the engine before it is returned.
func (s *Service) NidForUUID(u uuid.UUID) (int32, error) {
	if v, ok := s.uuids.Load(u); ok {
		return v.(int32), nil
	}

	mu := s.stripe(int32(u.ID()))
	mu.Lock()
	defer mu.Unlock()
	if v, ok := s.uuids.Load(u); ok {
		return v.(int32), nil
	}

	key := keyValStore.NamedKey(keyValStore.TagUUID, u[:])
	raw, err := s.kv.Read(key)
	switch {
	case err == nil:
		nids, err := segcodec.DecodeInts(raw)
		if err != nil || len(nids) != 1 {
			return 0, fmt.Errorf("%w: bad uuid record for %s", types.ErrIntegrityViolation, u)
		}
		s.reserve(nids[0])
		s.uuids.Store(u, nids[0])
		return nids[0], nil
	case !errors.Is(err, keyValStore.ErrKeyNotFound):
		return 0, fmt.Errorf("read uuid %s: %w", u, err)
	}

	nid, err := s.NewNid()
	if err != nil {
		return 0, err
	}
	if err := s.kv.Write(key, segcodec.EncodeInts([]int32{nid})); err != nil {
		return 0, fmt.Errorf("write uuid %s: %w", u, err)
	}
	s.uuids.Store(u, nid)
	return nid, nil
}

package identifier

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/internal/segcodec"
	"github.com/i5heu/termstore/internal/spine"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	generatorsKey  = keyValStore.NamedKey(keyValStore.TagSingleton, []byte("generators"))
	collectionsKey = keyValStore.NamedKey(keyValStore.TagSingleton, []byte("collections"))
)

// generators record fields
const (
	fieldLastNid     protowire.Number = 1
	fieldCounter     protowire.Number = 2
	fieldSegmentSize protowire.Number = 3
)

// counter and registry entry fields
const (
	fieldCollection  protowire.Number = 1
	fieldNext        protowire.Number = 2
	fieldObjectType  protowire.Number = 2
	fieldVersionType protowire.Number = 3
)

func appendSint(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func (s *Service) encodeGenerators() []byte {
	var b []byte
	b = appendSint(b, fieldLastNid, s.lastNid.Load())
	b = appendSint(b, fieldSegmentSize, int32(s.segmentSize))
	for _, c := range s.Collections() {
		p, _ := s.lookupPartition(c)
		var entry []byte
		entry = appendSint(entry, fieldCollection, c)
		entry = appendSint(entry, fieldNext, p.next.Load())
		b = protowire.AppendTag(b, fieldCounter, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func (s *Service) encodeRegistry() []byte {
	type entry struct {
		c    int32
		info CollectionInfo
	}
	var entries []entry
	s.registry.Range(func(k, v any) bool {
		entries = append(entries, entry{k.(int32), v.(CollectionInfo)})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].c < entries[j].c })

	var b []byte
	for _, e := range entries {
		var m []byte
		m = appendSint(m, fieldCollection, e.c)
		m = appendSint(m, fieldObjectType, int32(e.info.ObjectType))
		m = appendSint(m, fieldVersionType, int32(e.info.VersionType))
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// fields decodes a flat message into number -> values. Varints are zigzag
// decoded, bytes fields are returned raw.
type fields struct {
	ints   map[protowire.Number]int32
	nested map[protowire.Number][][]byte
}

func decodeFields(b []byte) (fields, error) {
	f := fields{ints: map[protowire.Number]int32{}, nested: map[protowire.Number][][]byte{}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.ints[num] = int32(protowire.DecodeZigZag(v))
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.nested[num] = append(f.nested[num], v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// PersistGenerators writes the nid generator, every sequence counter and the
// collection registry.
func (s *Service) PersistGenerators(b *keyValStore.Batch) error {
	if err := b.Set(generatorsKey, s.encodeGenerators()); err != nil {
		return fmt.Errorf("write generators: %w", err)
	}
	if err := b.Set(collectionsKey, s.encodeRegistry()); err != nil {
		return fmt.Errorf("write collection registry: %w", err)
	}
	return nil
}

// PersistSegments writes every dirty ownership and sequence segment. The
// returned commit marks them clean and must only run once the data is durable.
func (s *Service) PersistSegments(b *keyValStore.Batch) (func(), error) {
	var commits []func()

	for _, seg := range s.owners.DirtySegments() {
		blob, err := segcodec.EncodeIntSegment(s.compression, seg.Values)
		if err != nil {
			return nil, err
		}
		if err := b.Set(keyValStore.Key(keyValStore.TagOwner, int32(seg.Index)), blob); err != nil {
			return nil, fmt.Errorf("write owner segment %d: %w", seg.Index, err)
		}
		seg := seg
		commits = append(commits, func() { s.owners.MarkClean(seg.Index, seg.Mark) })
	}

	for _, c := range s.Collections() {
		p, _ := s.lookupPartition(c)
		for _, seg := range p.seqToNid.DirtySegments() {
			blob, err := segcodec.EncodeIntSegment(s.compression, seg.Values)
			if err != nil {
				return nil, err
			}
			if err := b.Set(keyValStore.Key(keyValStore.TagSequence, c, int32(seg.Index)), blob); err != nil {
				return nil, fmt.Errorf("write sequence segment %d/%d: %w", c, seg.Index, err)
			}
			seg, p := seg, p
			commits = append(commits, func() { p.seqToNid.MarkClean(seg.Index, seg.Mark) })
		}
	}

	return func() {
		for _, c := range commits {
			c()
		}
	}, nil
}

// Load restores the generator state, the registry and all bindings.
func (s *Service) Load(ctx context.Context) error {
	if err := s.loadGenerators(); err != nil {
		return err
	}
	if err := s.loadRegistry(); err != nil {
		return err
	}

	err := s.kv.StreamPrefix(ctx, []byte{keyValStore.TagOwner}, func(key, value []byte) error {
		idx, err := keyValStore.KeyPart(key, 0)
		if err != nil {
			return err
		}
		values, err := segcodec.DecodeIntSegment(value)
		if err != nil {
			return fmt.Errorf("owner segment %d: %w", idx, err)
		}
		s.owners.LoadSegment(int(uint32(idx)), values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load owners: %w", err)
	}

	err = s.kv.StreamPrefix(ctx, []byte{keyValStore.TagSequence}, func(key, value []byte) error {
		c, err := keyValStore.KeyPart(key, 0)
		if err != nil {
			return err
		}
		idx, err := keyValStore.KeyPart(key, 1)
		if err != nil {
			return err
		}
		values, err := segcodec.DecodeIntSegment(value)
		if err != nil {
			return fmt.Errorf("sequence segment %d/%d: %w", c, idx, err)
		}
		s.partition(c).seqToNid.LoadSegment(int(idx), values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load sequences: %w", err)
	}

	// nid->sequence is derived from sequence->nid
	for _, c := range s.Collections() {
		p, _ := s.lookupPartition(c)
		maxSeq := int32(0)
		forward := map[int][]int32{}
		p.seqToNid.Range(func(seq int, nid int32) bool {
			idx := types.NidIndex(nid)
			seg := idx / s.segmentSize
			if forward[seg] == nil {
				forward[seg] = newUnsetSegment(s.segmentSize)
			}
			forward[seg][idx%s.segmentSize] = int32(seq)
			if int32(seq) > maxSeq {
				maxSeq = int32(seq)
			}
			s.reserve(nid)
			return true
		})
		for seg, values := range forward {
			p.nidToSeq.LoadSegment(seg, values)
		}
		s.RaiseCounter(c, maxSeq+1)
	}

	s.owners.Range(func(idx int, collection int32) bool {
		s.reserve(types.IndexNid(idx))
		return true
	})

	// uuid records are written on assignment, not on sync, so they can be
	// ahead of the generator record
	err = s.kv.StreamPrefix(ctx, []byte{keyValStore.TagUUID}, func(key, value []byte) error {
		u, err := uuid.FromBytes(key[1:])
		if err != nil {
			return fmt.Errorf("%w: uuid key %x: %v", types.ErrIntegrityViolation, key, err)
		}
		nids, err := segcodec.DecodeInts(value)
		if err != nil || len(nids) != 1 {
			return fmt.Errorf("%w: bad uuid record for %s", types.ErrIntegrityViolation, u)
		}
		s.reserve(nids[0])
		s.uuids.Store(u, nids[0])
		return nil
	})
	if err != nil {
		return fmt.Errorf("load uuids: %w", err)
	}

	s.log.WithField("collections", len(s.Collections())).Info("identifier bindings loaded")
	return nil
}

func newUnsetSegment(size int) []int32 {
	v := make([]int32, size)
	for i := range v {
		v[i] = spine.Unset
	}
	return v
}

func (s *Service) loadGenerators() error {
	raw, err := s.kv.Read(generatorsKey)
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read generators: %w", err)
	}
	f, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("%w: generators record: %v", types.ErrIntegrityViolation, err)
	}
	if size, ok := f.ints[fieldSegmentSize]; ok && int(size) != s.segmentSize {
		return fmt.Errorf("%w: store was written with segment size %d, configured %d",
			types.ErrIntegrityViolation, size, s.segmentSize)
	}
	s.reserve(f.ints[fieldLastNid])
	for _, entry := range f.nested[fieldCounter] {
		e, err := decodeFields(entry)
		if err != nil {
			return fmt.Errorf("%w: counter record: %v", types.ErrIntegrityViolation, err)
		}
		s.RaiseCounter(e.ints[fieldCollection], e.ints[fieldNext])
	}
	return nil
}

func (s *Service) loadRegistry() error {
	raw, err := s.kv.Read(collectionsKey)
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read collection registry: %w", err)
	}
	f, err := decodeFields(raw)
	if err != nil {
		return fmt.Errorf("%w: collection registry: %v", types.ErrIntegrityViolation, err)
	}
	for _, entry := range f.nested[1] {
		e, err := decodeFields(entry)
		if err != nil {
			return fmt.Errorf("%w: registry entry: %v", types.ErrIntegrityViolation, err)
		}
		err = s.RegisterCollection(e.ints[fieldCollection],
			types.ObjectType(e.ints[fieldObjectType]),
			types.VersionType(e.ints[fieldVersionType]))
		if err != nil {
			return err
		}
	}
	return nil
}

// Restore reinstates the binding of nid to sequence in collection as found
// next to stored chronology data. Appends reach the engine before the next
// sync writes the segments, so after a crash the segments can miss bindings.
// Restored bindings are dirty and go out with the next sync. restored is false
// when the binding was already known.
func (s *Service) Restore(collection, sequence, nid int32) (restored bool, err error) {
	if sequence < 0 || sequence == spine.Unset {
		return false, fmt.Errorf("%w: stored sequence %d in collection %d",
			types.ErrIntegrityViolation, sequence, collection)
	}
	_, owned := s.CollectionFor(nid)
	if err := s.Bind(nid, collection); err != nil {
		return false, fmt.Errorf("%w: data of %d/%d: %v", types.ErrIntegrityViolation, collection, sequence, err)
	}

	p := s.partition(collection)
	idx := types.NidIndex(nid)
	mu := s.stripe(nid)
	mu.Lock()
	defer mu.Unlock()

	held, seq := p.seqToNid.Get(int(sequence)), p.nidToSeq.Get(idx)
	switch {
	case held == nid && seq == sequence:
	case held == spine.Unset && seq == spine.Unset:
		p.seqToNid.Put(int(sequence), nid)
		p.nidToSeq.Put(idx, sequence)
		restored = true
	default:
		return false, fmt.Errorf("%w: sequence %d of collection %d holds nid %d (nid %d has sequence %d), stored data names nid %d",
			types.ErrIntegrityViolation, sequence, collection, held, nid, seq, nid)
	}
	s.RaiseCounter(collection, sequence+1)
	s.reserve(nid)

	if restored || !owned {
		s.log.WithFields(logrus.Fields{
			"collection": collection,
			"sequence":   sequence,
			"nid":        nid,
		}).Debug("binding restored from chronology")
		return true, nil
	}
	return false, nil
}

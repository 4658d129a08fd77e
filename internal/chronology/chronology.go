// Package chronology stores the version chains of components. Every component
// owns one engine key per (collection, sequence) and each appended version is
// a new engine version of that key, so earlier versions are never rewritten.
package chronology

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/i5heu/termstore/internal/keyValStore"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/sirupsen/logrus"
)

// Store is the chronology partition set of a store.
type Store struct {
	log *logrus.Logger
	kv  *keyValStore.KeyValStore

	sequences sync.Map // collection -> *sequenceSet
}

type sequenceSet struct {
	mu     sync.Mutex
	loaded bool
	bitmap *roaring.Bitmap
}

func New(kv *keyValStore.KeyValStore, log *logrus.Logger) *Store {
	if log == nil {
		log = logrus.New()
	}
	return &Store{log: log, kv: kv}
}

func checkKey(collection, sequence int32) error {
	if err := types.CheckNid(collection); err != nil {
		return fmt.Errorf("collection: %w", err)
	}
	if sequence < 0 {
		return fmt.Errorf("%w: negative sequence %d", types.ErrIntegrityViolation, sequence)
	}
	return nil
}

func chronologyKey(collection, sequence int32) []byte {
	return keyValStore.Key(keyValStore.TagChronology, collection, sequence)
}

func bindingKey(collection, sequence, nid int32) []byte {
	return keyValStore.Key(keyValStore.TagBinding, collection, sequence, nid)
}

// Append adds version as the newest record of (collection, sequence) held by
// nid. The binding of nid to the sequence is stored in the same transaction,
// so data on disk can always be traced back to its nid.
func (s *Store) Append(collection, sequence, nid int32, version []byte) error {
	if err := checkKey(collection, sequence); err != nil {
		return err
	}
	if err := types.CheckNid(nid); err != nil {
		return err
	}
	// a zero length record is the chain terminator and cannot be stored
	if len(version) == 0 {
		return fmt.Errorf("%w: empty version for %d/%d", types.ErrIntegrityViolation, collection, sequence)
	}

	if err := s.kv.AppendVersion(chronologyKey(collection, sequence), version, bindingKey(collection, sequence, nid)); err != nil {
		return fmt.Errorf("append %d/%d: %w", collection, sequence, err)
	}

	if v, ok := s.sequences.Load(collection); ok {
		set := v.(*sequenceSet)
		set.mu.Lock()
		if set.loaded {
			set.bitmap.Add(uint32(sequence))
		}
		set.mu.Unlock()
	}
	return nil
}

// ReadChain returns every version of (collection, sequence) framed as
// [len][payload]... followed by a zero length terminator. found is false when
// nothing was ever appended under the key.
func (s *Store) ReadChain(collection, sequence int32) ([]byte, bool, error) {
	if err := checkKey(collection, sequence); err != nil {
		return nil, false, err
	}
	versions, err := s.kv.ReadVersions(chronologyKey(collection, sequence))
	if err != nil {
		return nil, false, fmt.Errorf("read chain %d/%d: %w", collection, sequence, err)
	}
	if len(versions) == 0 {
		return nil, false, nil
	}

	size := 4
	for _, v := range versions {
		size += 4 + len(v)
	}
	buf := make([]byte, 0, size)
	for _, v := range versions {
		if len(v) == 0 {
			return nil, false, fmt.Errorf("%w: empty version inside chain %d/%d",
				types.ErrIntegrityViolation, collection, sequence)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	buf = binary.BigEndian.AppendUint32(buf, 0)
	return buf, true, nil
}

// Exists checks for the key without reading any version.
func (s *Store) Exists(collection, sequence int32) (bool, error) {
	if err := checkKey(collection, sequence); err != nil {
		return false, err
	}
	return s.kv.HasKey(chronologyKey(collection, sequence))
}

// DecodeChain splits a framed chain into its versions. The chain must end with
// exactly one zero length terminator.
func DecodeChain(buf []byte) ([][]byte, error) {
	var versions [][]byte
	for {
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: chain is missing its terminator", types.ErrIntegrityViolation)
		}
		n := binary.BigEndian.Uint32(buf)
		buf = buf[4:]
		if n == 0 {
			break
		}
		if uint64(n) > uint64(len(buf)) {
			return nil, fmt.Errorf("%w: record of %d bytes overruns chain", types.ErrIntegrityViolation, n)
		}
		versions = append(versions, buf[:n])
		buf = buf[n:]
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%w: %d bytes after chain terminator", types.ErrIntegrityViolation, len(buf))
	}
	return versions, nil
}

// Sequences returns the sequences with at least one version in collection.
// The set is built from a key-only scan on first use and kept current by Append.
func (s *Store) Sequences(collection int32) (*roaring.Bitmap, error) {
	v, _ := s.sequences.LoadOrStore(collection, &sequenceSet{})
	set := v.(*sequenceSet)

	set.mu.Lock()
	defer set.mu.Unlock()
	if !set.loaded {
		bm := roaring.New()
		err := s.kv.ScanKeys(keyValStore.Key(keyValStore.TagChronology, collection), func(key []byte) error {
			seq, err := keyValStore.KeyPart(key, 1)
			if err != nil {
				return err
			}
			bm.Add(uint32(seq))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan collection %d: %w", collection, err)
		}
		set.bitmap = bm
		set.loaded = true
		s.log.WithFields(logrus.Fields{
			"collection": collection,
			"sequences":  bm.GetCardinality(),
		}).Debug("chronology sequence set built")
	}
	return set.bitmap.Clone(), nil
}

// Collections lists every collection with a chronology partition on disk.
func (s *Store) Collections() ([]int32, error) {
	var out []int32
	err := s.kv.SkipScan([]byte{keyValStore.TagChronology}, 4, func(group []byte) error {
		out = append(out, int32(binary.BigEndian.Uint32(group)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list chronology collections: %w", err)
	}
	return out, nil
}

// Bindings calls fn for every (collection, sequence, nid) that data was
// appended under, in key order.
func (s *Store) Bindings(fn func(collection, sequence, nid int32) error) error {
	return s.kv.ScanKeys([]byte{keyValStore.TagBinding}, func(key []byte) error {
		var parts [3]int32
		for i := range parts {
			p, err := keyValStore.KeyPart(key, i)
			if err != nil {
				return fmt.Errorf("%w: binding key: %v", types.ErrIntegrityViolation, err)
			}
			parts[i] = p
		}
		return fn(parts[0], parts[1], parts[2])
	})
}

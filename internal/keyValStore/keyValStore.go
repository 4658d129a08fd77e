package keyValStore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/z"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by Read for absent keys.
var ErrKeyNotFound = errors.New("key not found")

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	Logger           *logrus.Logger
	SyncWrites       bool
	ValueLogFileSize int64 // in bytes, 0 means 100MB
}

// KeyValStore is the single badger handle of a store. Keys written with
// AppendVersion keep every version; everything else is written with the
// discard flag so compaction only keeps the latest value.
type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.ValueLogFileSize == 0 {
		config.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Paths[0]).
		WithLogger(badgerLogger{config.Logger.WithField("component", "badger")}).
		WithValueLogFileSize(config.ValueLogFileSize).
		WithSyncWrites(config.SyncWrites).
		WithNumVersionsToKeep(math.MaxInt32)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	err = displayDiskUsage(config.Logger, config.Paths)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}, nil
}

// Stats returns the number of read and write operations since open.
func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

// AppendVersion writes value as a new version of key. Earlier versions stay
// readable; commit order is version order. Every marker is set as an empty
// latest-only key in the same transaction.
func (k *KeyValStore) AppendVersion(key []byte, value []byte, markers ...[]byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	return k.badgerDB.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		for _, m := range markers {
			if err := txn.SetEntry(badger.NewEntry(m, nil).WithDiscard()); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadVersions returns every version of key, oldest first.
func (k *KeyValStore) ReadVersions(key []byte) ([][]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var newestFirst [][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.AllVersions = true
		opts.Prefix = key
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(key); it.Valid(); it.Next() {
			item := it.Item()
			if !bytes.Equal(item.Key(), key) {
				break
			}
			if item.IsDeletedOrExpired() {
				break
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			newestFirst = append(newestFirst, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read versions: %w", err)
	}

	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

// HasKey positions a key-only cursor at key without reading its value.
func (k *KeyValStore) HasKey(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	found := false
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = key
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(key)
		found = it.Valid() && bytes.Equal(it.Item().Key(), key)
		return nil
	})
	return found, err
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, content).WithDiscard())
	})
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %x: %w", key, err)
	}
	return value, nil
}

// ScanKeys calls fn once for every distinct key with prefix, in key order.
func (k *KeyValStore) ScanKeys(prefix []byte, fn func(key []byte) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := fn(it.Item().Key()); err != nil {
				return err
			}
		}
		return nil
	})
}

// SkipScan calls fn once for every distinct width-byte group that follows prefix,
// seeking past each group instead of visiting all of its keys.
func (k *KeyValStore) SkipScan(prefix []byte, width int, fn func(group []byte) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	return k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		for it.ValidForPrefix(prefix) {
			key := it.Item().Key()
			if len(key) < len(prefix)+width {
				it.Next()
				continue
			}
			group := append([]byte{}, key[len(prefix):len(prefix)+width]...)
			if err := fn(group); err != nil {
				return err
			}
			next, ok := successor(group)
			if !ok {
				return nil
			}
			it.Seek(append(append([]byte{}, prefix...), next...))
		}
		return nil
	})
}

// successor returns the smallest byte string of the same length greater than b.
func successor(b []byte) ([]byte, bool) {
	out := append([]byte{}, b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out, true
		}
		out[i] = 0
	}
	return nil, false
}

// StreamPrefix walks every key with prefix in no particular order using the
// badger stream framework and calls fn with the newest value of each key. fn is
// called from one goroutine at a time.
func (k *KeyValStore) StreamPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	atomic.AddUint64(&k.readCounter, 1)

	stream := k.badgerDB.NewStream()
	stream.NumGo = runtime.NumCPU()
	stream.Prefix = prefix
	stream.LogPrefix = "Badger.Streaming"

	stream.Send = func(buf *z.Buffer) error {
		kvList, err := badger.BufferToKVList(buf)
		if err != nil {
			return err
		}

		var previous []byte
		for _, kv := range kvList.GetKv() {
			// versions of one key arrive newest first
			if previous != nil && bytes.Equal(previous, kv.Key) {
				continue
			}
			previous = kv.Key
			if err := fn(kv.Key, kv.Value); err != nil {
				return err
			}
		}
		return nil
	}

	return stream.Orchestrate(ctx)
}

// Batch collects latest-value writes and commits them together.
// Set may be called from several goroutines.
type Batch struct {
	k  *KeyValStore
	wb *badger.WriteBatch
	n  atomic.Int64

	flushed atomic.Bool
}

func (k *KeyValStore) NewBatch() *Batch {
	return &Batch{k: k, wb: k.badgerDB.NewWriteBatch()}
}

func (b *Batch) Set(key, value []byte) error {
	atomic.AddUint64(&b.k.writeCounter, 1)
	b.n.Add(1)
	return b.wb.SetEntry(badger.NewEntry(key, value).WithDiscard())
}

// Len is the number of writes added so far.
func (b *Batch) Len() int { return int(b.n.Load()) }

func (b *Batch) Flush() error {
	b.flushed.Store(true)
	return b.wb.Flush()
}

// Cancel drops a batch that was not flushed. It is a no-op after Flush.
func (b *Batch) Cancel() {
	if b.flushed.Load() {
		return
	}
	b.wb.Cancel()
}

// Sync forces buffered engine writes to disk.
func (k *KeyValStore) Sync() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	return nil
}

func (k *KeyValStore) Close() error {
	return k.badgerDB.Close()
}

// Clean flattens the LSM tree and runs value log garbage collection.
func (k *KeyValStore) Clean() error {
	err := k.Sync()
	if err != nil {
		return err
	}

	// flatten the db
	err = k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Info("DB Flattened")

	// clean badgerDB
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// badgerLogger routes badger's chatter into logrus, demoting info to debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.entry.Tracef(f, v...) }

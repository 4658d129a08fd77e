package termstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/i5heu/termstore/internal/chronology"
	"github.com/i5heu/termstore/internal/testutil"
	"github.com/i5heu/termstore/pkg/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type component struct {
	nid, assemblage, referenced int32
	objectType                  types.ObjectType
	versionType                 types.VersionType
	data                        []byte
}

func (c component) Nid() int32                     { return c.nid }
func (c component) AssemblageNid() int32           { return c.assemblage }
func (c component) ObjectType() types.ObjectType   { return c.objectType }
func (c component) VersionType() types.VersionType { return c.versionType }
func (c component) ReferencedComponentNid() int32  { return c.referenced }
func (c component) VersionData() []byte            { return c.data }

func concept(nid, collection int32, data string) component {
	return component{
		nid:         nid,
		assemblage:  collection,
		objectType:  types.ObjectConcept,
		versionType: types.VersionConcept,
		data:        []byte(data),
	}
}

func semantic(nid, collection, referenced int32, data string) component {
	return component{
		nid:         nid,
		assemblage:  collection,
		referenced:  referenced,
		objectType:  types.ObjectSemantic,
		versionType: types.VersionString,
		data:        []byte(data),
	}
}

func testLogger() *logrus.Logger {
	log, _ := logtest.NewNullLogger()
	return log
}

func openStore(t *testing.T, dir string, log *logrus.Logger) *Store {
	t.Helper()
	s, err := New(Config{Paths: []string{dir}, Logger: log, SegmentSize: 64})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func readVersions(t *testing.T, s *Store, nid int32) []string {
	t.Helper()
	buf, found, err := s.GetChronologyVersionData(nid)
	require.NoError(t, err)
	require.True(t, found)
	versions, err := chronology.DecodeChain(buf)
	require.NoError(t, err)
	out := make([]string, len(versions))
	for i, v := range versions {
		out[i] = string(v)
	}
	return out
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, Compression: "lz4"})
	assert.Error(t, err)

	_, err = New(Config{Paths: []string{t.TempDir()}, SegmentSize: -1})
	assert.Error(t, err)
}

func TestOperationsNeedStartedStore(t *testing.T) {
	s, err := New(Config{Paths: []string{t.TempDir()}, Logger: testLogger()})
	require.NoError(t, err)
	assert.Equal(t, types.NotYetChecked, s.Status())

	assert.ErrorIs(t, s.PutChronologyData(concept(-101, -100, "v1")), ErrNotStarted)
	_, _, err = s.GetChronologyVersionData(-101)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, s.SyncNow(context.Background()), ErrNotStarted)
	assert.ErrorIs(t, s.Sync().Wait(context.Background()), ErrNotStarted)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.ErrorIs(t, s.Sync().Wait(context.Background()), ErrClosed)

	assert.ErrorIs(t, s.PutChronologyData(concept(-101, -100, "v1")), ErrClosed)
	_, err = s.NewNid()
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}

func TestEndToEndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())
	assert.Equal(t, types.NoDatastore, s.Status())
	id := s.DataStoreID()
	assert.NotEqual(t, uuid.Nil, id)

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v2")))
	assert.Equal(t, []string{"v1", "v2"}, readVersions(t, s, -101))

	before, _, err := s.GetChronologyVersionData(-101)
	require.NoError(t, err)

	require.NoError(t, s.SyncNow(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	s = openStore(t, dir, testLogger())
	defer s.Close(context.Background())
	assert.Equal(t, types.ExistingDatastore, s.Status())
	assert.Equal(t, id, s.DataStoreID())

	after, found, err := s.GetChronologyVersionData(-101)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"v1", "v2"}, readVersions(t, s, -101))
}

func TestCloseSyncsWithoutExplicitRequest(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())
	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	require.NoError(t, s.Close(context.Background()))

	s = openStore(t, dir, testLogger())
	defer s.Close(context.Background())
	assert.Equal(t, []string{"v1"}, readVersions(t, s, -101))
}

func TestRestartKeepsDerivedStructures(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "c1")))
	require.NoError(t, s.PutChronologyData(concept(-102, -100, "c2")))
	require.NoError(t, s.PutChronologyData(semantic(-201, -200, -101, "s1")))
	require.NoError(t, s.PutChronologyData(semantic(-202, -200, -101, "s2")))

	_, err := s.AccumulateAndGetTaxonomyData(-7, -101, []int32{-102}, UnionMerge)
	require.NoError(t, err)
	_, err = s.AccumulateAndGetTaxonomyData(-7, -101, []int32{-103}, UnionMerge)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	s = openStore(t, dir, testLogger())
	defer s.Close(context.Background())

	refs, err := s.ReferencingComponents(-101)
	require.NoError(t, err)
	assert.Equal(t, []int32{-202, -201}, refs)

	record, err := s.TaxonomyData(-7, -101)
	require.NoError(t, err)
	assert.Equal(t, []int32{-103, -102}, record)

	nids, err := s.NidsForCollection(-100)
	require.NoError(t, err)
	assert.Equal(t, []int32{-101, -102}, nids)

	c, ok := s.CollectionFor(-201)
	require.True(t, ok)
	assert.Equal(t, int32(-200), c)

	// collection types survive and are still enforced
	err = s.PutChronologyData(concept(-203, -200, "wrong type"))
	assert.ErrorIs(t, err, ErrBindingConflict)

	// new nids never collide with restored ones
	nid, err := s.NewNid()
	require.NoError(t, err)
	assert.Greater(t, nid, int32(-7))
}

func TestBindingConflict(t *testing.T) {
	s := openStore(t, t.TempDir(), testLogger())
	defer s.Close(context.Background())

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	err := s.PutChronologyData(concept(-101, -300, "v1"))
	require.ErrorIs(t, err, ErrBindingConflict)

	c, ok := s.CollectionFor(-101)
	require.True(t, ok)
	assert.Equal(t, int32(-100), c)
	assert.Equal(t, []string{"v1"}, readVersions(t, s, -101))

	// the rejected collection is not registered
	collections, err := s.Collections()
	require.NoError(t, err)
	require.Len(t, collections, 1)
	assert.Equal(t, int32(-100), collections[0].Collection)
}

func TestInvalidIdentifiers(t *testing.T) {
	s := openStore(t, t.TempDir(), testLogger())
	defer s.Close(context.Background())

	assert.ErrorIs(t, s.PutChronologyData(concept(5, -100, "v1")), ErrIntegrityViolation)
	assert.ErrorIs(t, s.PutChronologyData(semantic(-201, -200, 9, "s")), ErrIntegrityViolation)
	_, _, err := s.GetChronologyVersionData(0)
	assert.ErrorIs(t, err, ErrIntegrityViolation)

	collections, err := s.Collections()
	require.NoError(t, err)
	assert.Empty(t, collections)
}

func TestUnknownNidIsAbsent(t *testing.T) {
	s := openStore(t, t.TempDir(), testLogger())
	defer s.Close(context.Background())

	buf, found, err := s.GetChronologyVersionData(-999)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, buf)
}

func TestMissingMarkerOnExistingStoreWarns(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())
	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	old := s.DataStoreID()
	require.NoError(t, s.Close(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(dir, markerFile)))

	log, hook := logtest.NewNullLogger()
	s = openStore(t, dir, log)
	defer s.Close(context.Background())

	assert.Equal(t, types.ExistingDatastore, s.Status())
	assert.NotEqual(t, old, s.DataStoreID())
	assert.FileExists(t, filepath.Join(dir, markerFile))

	warned := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warned = true
		}
	}
	assert.True(t, warned)
	assert.Equal(t, []string{"v1"}, readVersions(t, s, -101))
}

func TestCorruptMarkerFailsStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, markerFile), []byte("not a uuid"), 0o600))

	s, err := New(Config{Paths: []string{dir}, Logger: testLogger()})
	require.NoError(t, err)
	assert.ErrorIs(t, s.Start(context.Background()), ErrIntegrityViolation)
}

func TestCrashKeepsUnsyncedVersionsReachable(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())
	require.NoError(t, s.PutChronologyData(concept(-101, -100, "a")))
	require.NoError(t, s.SyncNow(context.Background()))
	require.NoError(t, s.PutChronologyData(concept(-102, -100, "v1")))
	require.NoError(t, s.PutChronologyData(concept(-104, -400, "new collection")))

	// crash: the engine goes away without a final sync
	s.closed.Store(true)
	require.NoError(t, s.kv.Close())

	s = openStore(t, dir, testLogger())
	assert.Equal(t, []string{"v1"}, readVersions(t, s, -102))
	assert.Equal(t, []string{"new collection"}, readVersions(t, s, -104))
	c, ok := s.CollectionFor(-102)
	require.True(t, ok)
	assert.Equal(t, int32(-100), c)

	require.NoError(t, s.PutChronologyData(concept(-102, -100, "v2")))
	require.NoError(t, s.PutChronologyData(concept(-103, -100, "fresh")))
	assert.Equal(t, []string{"v1", "v2"}, readVersions(t, s, -102))
	assert.Equal(t, []string{"fresh"}, readVersions(t, s, -103))
	assert.Equal(t, []string{"a"}, readVersions(t, s, -101))

	nids, err := s.NidsForCollection(-100)
	require.NoError(t, err)
	assert.Equal(t, []int32{-101, -102, -103}, nids)

	nid, err := s.NewNid()
	require.NoError(t, err)
	assert.Greater(t, nid, int32(-101))
	require.NoError(t, s.Close(context.Background()))

	// the restored bindings were written by the closing sync
	s = openStore(t, dir, testLogger())
	defer s.Close(context.Background())
	assert.Equal(t, []string{"v1", "v2"}, readVersions(t, s, -102))
	nids, err = s.NidsForCollection(-100)
	require.NoError(t, err)
	assert.Equal(t, []int32{-101, -102, -103}, nids)
}

type recordingListener struct {
	mu     sync.Mutex
	writes []int32
	syncs  atomic.Int32
}

func (l *recordingListener) WriteData(c types.Chronology) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, c.Nid())
}

func (l *recordingListener) Sync() { l.syncs.Add(1) }

func TestWriteListeners(t *testing.T) {
	s := openStore(t, t.TempDir(), testLogger())
	l := &recordingListener{}
	s.AddWriteListener(l)

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	require.NoError(t, s.PutChronologyData(concept(-102, -100, "v1")))
	assert.Error(t, s.PutChronologyData(concept(-101, -500, "v1")))

	assert.Equal(t, []int32{-101, -102}, l.writes)
	assert.Zero(t, l.syncs.Load())

	require.NoError(t, s.SyncNow(context.Background()))
	assert.Equal(t, int32(1), l.syncs.Load())
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, int32(2), l.syncs.Load())
}

func TestNidForUUIDAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir, testLogger())
	u := uuid.New()
	nid, err := s.NidForUUID(u)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	s = openStore(t, dir, testLogger())
	defer s.Close(context.Background())
	again, err := s.NidForUUID(u)
	require.NoError(t, err)
	assert.Equal(t, nid, again)

	fresh, err := s.NewNid()
	require.NoError(t, err)
	assert.Greater(t, fresh, nid)
}

func TestSyncProgressAndMetrics(t *testing.T) {
	var mu sync.Mutex
	var stages []string
	reg := prometheus.NewRegistry()
	s, err := New(Config{
		Paths:      []string{t.TempDir()},
		Logger:     testLogger(),
		Registerer: reg,
		Progress: func(stage string, done, total int) {
			mu.Lock()
			defer mu.Unlock()
			stages = append(stages, stage)
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close(context.Background())

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "v1")))
	require.NoError(t, s.SyncNow(context.Background()))

	mu.Lock()
	assert.Equal(t, []string{"generators", "references", "taxonomy", "identifiers", "engine", "barrier"}, stages)
	mu.Unlock()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["termstore_chronology_appends_total"])
	assert.True(t, names["termstore_sync_cycles_total"])
	assert.Equal(t, SyncState(0), s.SyncState())
}

func TestConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "termstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths: ["+dir+"]\nsyncInterval: 1m\nlogLevel: warn\n"), 0o600))

	conf, err := ConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, conf.Paths)
	assert.Equal(t, logrus.WarnLevel, conf.Logger.GetLevel())
	assert.Equal(t, "zstd", conf.Compression)
	assert.Equal(t, 1024, conf.SegmentSize)
}

func TestCollectionsSummary(t *testing.T) {
	s := openStore(t, t.TempDir(), testLogger())
	defer s.Close(context.Background())

	require.NoError(t, s.PutChronologyData(concept(-101, -100, "c1")))
	require.NoError(t, s.PutChronologyData(concept(-102, -100, "c2")))
	require.NoError(t, s.PutChronologyData(semantic(-201, -200, -101, "s1")))

	got, err := s.Collections()
	require.NoError(t, err)
	assert.ElementsMatch(t, []CollectionSummary{
		{Collection: -100, ObjectType: types.ObjectConcept, VersionType: types.VersionConcept, NextSequence: 3},
		{Collection: -200, ObjectType: types.ObjectSemantic, VersionType: types.VersionString, NextSequence: 2},
	}, got)
}

func TestManyComponentsSurviveRestarts(t *testing.T) {
	testutil.RequireLong(t)

	const (
		rounds      = 3
		perRound    = 20000
		collections = 8
	)
	dir := t.TempDir()
	for round := 0; round < rounds; round++ {
		s := openStore(t, dir, testLogger())
		var wg sync.WaitGroup
		for w := 0; w < collections; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				collection := int32(-1000 - w)
				for i := 0; i < perRound/collections; i++ {
					nid := int32(-100000 - w*perRound - i)
					data := fmt.Sprintf("r%d", round)
					assert.NoError(t, s.PutChronologyData(concept(nid, collection, data)))
				}
			}(w)
		}
		wg.Wait()
		require.NoError(t, s.Close(context.Background()))
	}

	s := openStore(t, dir, testLogger())
	defer s.Close(context.Background())
	for w := 0; w < collections; w++ {
		nids, err := s.NidsForCollection(int32(-1000 - w))
		require.NoError(t, err)
		require.Len(t, nids, perRound/collections)
	}
	assert.Equal(t, []string{"r0", "r1", "r2"}, readVersions(t, s, -100000))
}

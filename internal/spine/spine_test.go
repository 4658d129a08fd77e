package spine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntMapUnsetWithoutAllocation(t *testing.T) {
	m := NewIntMap(0)

	assert.Equal(t, Unset, m.Get(12345))
	assert.Equal(t, 0, m.SegmentCount())
	assert.Equal(t, DefaultSegmentSize, m.SegmentSize())
}

func TestIntMapPutGet(t *testing.T) {
	m := NewIntMap(16)

	m.Put(0, 7)
	m.Put(17, -3)

	assert.Equal(t, int32(7), m.Get(0))
	assert.Equal(t, int32(-3), m.Get(17))
	assert.Equal(t, Unset, m.Get(16))
	assert.Equal(t, 2, m.SegmentCount())
}

func TestSparseWritesAllocateOnlyTouchedSegments(t *testing.T) {
	ints := NewIntMap(DefaultSegmentSize)
	ints.Put(0, 1)
	ints.Put(1_000_000, 2)
	assert.Equal(t, 2, ints.SegmentCount())

	arrays := NewArrayMap(DefaultSegmentSize)
	arrays.Put(0, []int32{1})
	arrays.Put(1_000_000, []int32{2})
	assert.Equal(t, 2, arrays.SegmentCount())
	assert.Nil(t, arrays.Get(500_000))
	assert.Equal(t, 2, arrays.SegmentCount())
}

func TestIntMapCompareAndSwap(t *testing.T) {
	m := NewIntMap(8)

	require.True(t, m.CompareAndSwap(3, Unset, 10))
	require.False(t, m.CompareAndSwap(3, Unset, 11))
	assert.Equal(t, int32(10), m.Get(3))
}

func TestIntMapAccumulateConcurrent(t *testing.T) {
	m := NewIntMap(8)
	add := func(cur, delta int32) int32 {
		if cur == Unset {
			cur = 0
		}
		return cur + delta
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.AccumulateAndGet(5, 1, add)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3200), m.Get(5))
}

func TestIntMapRangeInKeyOrder(t *testing.T) {
	m := NewIntMap(4)
	m.Put(9, 90)
	m.Put(1, 10)
	m.Put(4, 40)

	var keys []int
	m.Range(func(key int, value int32) bool {
		keys = append(keys, key)
		assert.Equal(t, int32(key*10), value)
		return true
	})
	assert.Equal(t, []int{1, 4, 9}, keys)
}

func TestDirtySegmentsAndMarkClean(t *testing.T) {
	m := NewIntMap(4)
	m.Put(1, 1)
	m.Put(9, 9)

	dirty := m.DirtySegments()
	require.Len(t, dirty, 2)
	assert.Equal(t, 0, dirty[0].Index)
	assert.Equal(t, int32(1), dirty[0].Values[1])

	// a write after the snapshot keeps the segment dirty once the old mark is cleaned
	m.Put(2, 2)
	for _, d := range dirty {
		m.MarkClean(d.Index, d.Mark)
	}

	dirty = m.DirtySegments()
	require.Len(t, dirty, 1)
	assert.Equal(t, 0, dirty[0].Index)
	m.MarkClean(dirty[0].Index, dirty[0].Mark)
	assert.Empty(t, m.DirtySegments())

	// marks never move backwards
	m.MarkClean(0, 0)
	assert.Empty(t, m.DirtySegments())
}

func TestLoadSegmentIsClean(t *testing.T) {
	m := NewIntMap(4)
	m.LoadSegment(2, []int32{5, Unset, Unset, 8})

	assert.Equal(t, int32(5), m.Get(8))
	assert.Equal(t, int32(8), m.Get(11))
	assert.Empty(t, m.DirtySegments())

	a := NewArrayMap(4)
	a.Load(3, []int32{1, 2})
	assert.Equal(t, []int32{1, 2}, a.Get(3))
	assert.Empty(t, a.DirtySegments())
}

func TestArrayMapAccumulateIsLinearized(t *testing.T) {
	m := NewArrayMap(8)
	appendOne := func(cur, delta []int32) []int32 {
		out := make([]int32, 0, len(cur)+len(delta))
		out = append(out, cur...)
		return append(out, delta...)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int32) {
			defer wg.Done()
			m.AccumulateAndGet(2, []int32{i}, appendOne)
		}(int32(i))
	}
	wg.Wait()

	assert.ElementsMatch(t,
		[]int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		m.Get(2))
	require.Len(t, m.DirtySegments(), 1)
}

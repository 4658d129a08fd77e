package spine

import (
	"math"
	"sync/atomic"
)

// Unset is what IntMap returns for keys that were never written.
const Unset int32 = math.MaxInt32

type intSegment struct {
	dirtiness
	values []atomic.Int32
}

// IntMap maps a non-negative key to an int32.
type IntMap struct {
	dir directory[intSegment]
}

// IntSegment is a point-in-time copy of one segment, taken for persistence.
type IntSegment struct {
	Index  int
	Mark   uint64
	Values []int32
}

func NewIntMap(segmentSize int) *IntMap {
	m := &IntMap{}
	m.dir.init(segmentSize, func() *intSegment {
		s := &intSegment{values: make([]atomic.Int32, m.dir.segmentSize)}
		for i := range s.values {
			s.values[i].Store(Unset)
		}
		return s
	})
	return m
}

func (m *IntMap) SegmentSize() int { return m.dir.segmentSize }

// SegmentCount returns the number of allocated segments.
func (m *IntMap) SegmentCount() int { return int(m.dir.count.Load()) }

func (m *IntMap) Get(key int) int32 {
	idx, off := m.dir.locate(key)
	s := m.dir.get(idx)
	if s == nil {
		return Unset
	}
	return s.values[off].Load()
}

func (m *IntMap) Put(key int, value int32) {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	s.values[off].Store(value)
	s.touch()
}

// CompareAndSwap installs value if the slot currently holds old.
func (m *IntMap) CompareAndSwap(key int, old, value int32) bool {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	if !s.values[off].CompareAndSwap(old, value) {
		return false
	}
	s.touch()
	return true
}

// AccumulateAndGet applies fn(current, delta) and installs the result with a
// compare-and-swap loop. fn may run more than once and must be associative.
func (m *IntMap) AccumulateAndGet(key int, delta int32, fn func(cur, delta int32) int32) int32 {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	for {
		cur := s.values[off].Load()
		next := fn(cur, delta)
		if s.values[off].CompareAndSwap(cur, next) {
			s.touch()
			return next
		}
	}
}

// Range calls fn for every set slot in key order until fn returns false.
func (m *IntMap) Range(fn func(key int, value int32) bool) {
	for _, idx := range m.dir.indexes() {
		s := m.dir.get(idx)
		base := idx * m.dir.segmentSize
		for off := range s.values {
			v := s.values[off].Load()
			if v == Unset {
				continue
			}
			if !fn(base+off, v) {
				return
			}
		}
	}
}

// DirtySegments copies every segment written since its last MarkClean.
func (m *IntMap) DirtySegments() []IntSegment {
	var out []IntSegment
	for _, idx := range m.dir.indexes() {
		s := m.dir.get(idx)
		mark, dirty := s.dirty()
		if !dirty {
			continue
		}
		values := make([]int32, len(s.values))
		for i := range s.values {
			values[i] = s.values[i].Load()
		}
		out = append(out, IntSegment{Index: idx, Mark: mark, Values: values})
	}
	return out
}

func (m *IntMap) MarkClean(index int, mark uint64) {
	if s := m.dir.get(index); s != nil {
		s.markClean(mark)
	}
}

// LoadSegment installs persisted values without marking the segment dirty.
func (m *IntMap) LoadSegment(index int, values []int32) {
	s := m.dir.getOrCreate(index)
	for i := 0; i < len(values) && i < len(s.values); i++ {
		s.values[i].Store(values[i])
	}
}

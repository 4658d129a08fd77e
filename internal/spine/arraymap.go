package spine

import "sync/atomic"

type arraySegment struct {
	dirtiness
	values []atomic.Pointer[[]int32]
}

// ArrayMap maps a non-negative key to a small int32 array. Stored arrays are
// treated as immutable: writers install new slices, readers never see a slice change.
type ArrayMap struct {
	dir directory[arraySegment]
}

// ArraySegment is a point-in-time copy of one segment. Unset slots are nil.
type ArraySegment struct {
	Index  int
	Mark   uint64
	Values [][]int32
}

// MergeFunc combines the current array with a delta. It must not modify its
// arguments and must be associative, since it can be retried under contention.
type MergeFunc func(cur, delta []int32) []int32

func NewArrayMap(segmentSize int) *ArrayMap {
	m := &ArrayMap{}
	m.dir.init(segmentSize, func() *arraySegment {
		return &arraySegment{values: make([]atomic.Pointer[[]int32], m.dir.segmentSize)}
	})
	return m
}

func (m *ArrayMap) SegmentSize() int { return m.dir.segmentSize }

func (m *ArrayMap) SegmentCount() int { return int(m.dir.count.Load()) }

// Get returns the array at key, or nil when unset. The result must not be modified.
func (m *ArrayMap) Get(key int) []int32 {
	idx, off := m.dir.locate(key)
	s := m.dir.get(idx)
	if s == nil {
		return nil
	}
	if p := s.values[off].Load(); p != nil {
		return *p
	}
	return nil
}

func (m *ArrayMap) Put(key int, value []int32) {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	v := value
	s.values[off].Store(&v)
	s.touch()
}

// AccumulateAndGet applies fn(current, delta) and installs the result with a
// compare-and-swap loop, retrying when another writer got there first.
func (m *ArrayMap) AccumulateAndGet(key int, delta []int32, fn MergeFunc) []int32 {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	for {
		p := s.values[off].Load()
		var cur []int32
		if p != nil {
			cur = *p
		}
		next := fn(cur, delta)
		if s.values[off].CompareAndSwap(p, &next) {
			s.touch()
			return next
		}
	}
}

// Range calls fn for every set slot in key order until fn returns false.
func (m *ArrayMap) Range(fn func(key int, value []int32) bool) {
	for _, idx := range m.dir.indexes() {
		s := m.dir.get(idx)
		base := idx * m.dir.segmentSize
		for off := range s.values {
			p := s.values[off].Load()
			if p == nil {
				continue
			}
			if !fn(base+off, *p) {
				return
			}
		}
	}
}

func (m *ArrayMap) DirtySegments() []ArraySegment {
	var out []ArraySegment
	for _, idx := range m.dir.indexes() {
		s := m.dir.get(idx)
		mark, dirty := s.dirty()
		if !dirty {
			continue
		}
		values := make([][]int32, len(s.values))
		for i := range s.values {
			if p := s.values[i].Load(); p != nil {
				values[i] = *p
			}
		}
		out = append(out, ArraySegment{Index: idx, Mark: mark, Values: values})
	}
	return out
}

func (m *ArrayMap) MarkClean(index int, mark uint64) {
	if s := m.dir.get(index); s != nil {
		s.markClean(mark)
	}
}

// Load installs a persisted value without marking its segment dirty.
func (m *ArrayMap) Load(key int, value []int32) {
	idx, off := m.dir.locate(key)
	s := m.dir.getOrCreate(idx)
	v := value
	s.values[off].Store(&v)
}

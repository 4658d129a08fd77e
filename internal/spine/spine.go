// Package spine provides chunked dense-array maps keyed by non-negative integers.
//
// A map is a sparse set of fixed-size segments ("spines"). Key N lives in segment
// N/segmentSize at offset N%segmentSize. Segments are created the first time a key in
// their range is written and are never released while the map is live. Reads of keys
// in segments that do not exist return the unset value without allocating.
package spine

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultSegmentSize is the number of slots per segment.
const DefaultSegmentSize = 1024

// directory holds the segments of one map. S is the segment type.
type directory[S any] struct {
	segmentSize int
	newSegment  func() *S
	segments    sync.Map // int -> *S
	count       atomic.Int64
}

func (d *directory[S]) init(segmentSize int, newSegment func() *S) {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	d.segmentSize = segmentSize
	d.newSegment = newSegment
}

func (d *directory[S]) locate(key int) (int, int) {
	if key < 0 {
		panic("spine: negative key")
	}
	return key / d.segmentSize, key % d.segmentSize
}

func (d *directory[S]) get(index int) *S {
	s, ok := d.segments.Load(index)
	if !ok {
		return nil
	}
	return s.(*S)
}

func (d *directory[S]) getOrCreate(index int) *S {
	if s, ok := d.segments.Load(index); ok {
		return s.(*S)
	}
	s, loaded := d.segments.LoadOrStore(index, d.newSegment())
	if !loaded {
		d.count.Add(1)
	}
	return s.(*S)
}

// indexes returns the allocated segment indexes in ascending order.
func (d *directory[S]) indexes() []int {
	out := make([]int, 0, d.count.Load())
	d.segments.Range(func(k, _ any) bool {
		out = append(out, k.(int))
		return true
	})
	sort.Ints(out)
	return out
}

// dirtiness is embedded in every segment. mods counts writes, synced records the
// mods value that was last made durable.
type dirtiness struct {
	mods   atomic.Uint64
	synced atomic.Uint64
}

func (d *dirtiness) touch() { d.mods.Add(1) }

func (d *dirtiness) dirty() (uint64, bool) {
	m := d.mods.Load()
	return m, m != d.synced.Load()
}

// markClean records mark as durable. The synced counter never moves backwards.
func (d *dirtiness) markClean(mark uint64) {
	for {
		cur := d.synced.Load()
		if mark <= cur {
			return
		}
		if d.synced.CompareAndSwap(cur, mark) {
			return
		}
	}
}

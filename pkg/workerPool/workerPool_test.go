package workerpool

import (
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomCollectsEveryResult(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 4, GlobalBuffer: 16})
	defer wp.Close()

	room := NewRoom[int](wp, 100)
	for i := 0; i < 100; i++ {
		i := i
		room.NewTaskWaitForFreeSlot(func() int { return i * i })
	}

	results := room.Collect()
	require.Len(t, results, 100)
	sort.Ints(results)
	assert.Equal(t, 0, results[0])
	assert.Equal(t, 99*99, results[99])
}

func TestRoomsShareWorkers(t *testing.T) {
	wp := NewWorkerPool(Config{WorkerCount: 2})
	defer wp.Close()

	var ran atomic.Int32
	a := NewRoom[string](wp, 10)
	b := NewRoom[string](wp, 10)
	for i := 0; i < 10; i++ {
		a.NewTaskWaitForFreeSlot(func() string { ran.Add(1); return "a" })
		b.NewTaskWaitForFreeSlot(func() string { ran.Add(1); return "b" })
	}

	assert.Len(t, a.Collect(), 10)
	assert.Len(t, b.Collect(), 10)
	assert.Equal(t, int32(20), ran.Load())
}

func TestDefaults(t *testing.T) {
	wp := NewWorkerPool(Config{})
	defer wp.Close()
	assert.Positive(t, wp.WorkerCount())
	assert.Equal(t, 10000, cap(wp.taskQueue))
}

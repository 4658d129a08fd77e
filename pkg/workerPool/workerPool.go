package workerpool

import (
	"runtime"
	"sync"
)

// WorkerPool runs tasks of many rooms on a fixed set of goroutines.
type WorkerPool struct {
	config    Config
	taskQueue chan func()
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU()
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan func(), config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t()
	}
}

func (wp *WorkerPool) WorkerCount() int { return wp.config.WorkerCount }

// Close stops the workers once the queued tasks are done. No task may be
// submitted afterwards.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() { close(wp.taskQueue) })
}

// Room groups the tasks of one job so their results can be collected together.
type Room[T any] struct {
	resultChan chan T
	wg         sync.WaitGroup
	wp         *WorkerPool
}

// NewRoom creates a room whose result buffer holds size results. A room with
// fewer slots than tasks blocks workers until Collect drains it.
func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	return &Room[T]{
		resultChan: make(chan T, size),
		wp:         wp,
	}
}

func (ro *Room[T]) NewTaskWaitForFreeSlot(job func() T) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		ro.resultChan <- job()
	}
}

// Collect waits for every task of the room and returns their results in
// completion order.
func (ro *Room[T]) Collect() []T {
	go ro.waitAndClose()
	results := make([]T, 0, cap(ro.resultChan))

	for result := range ro.resultChan {
		results = append(results, result)
	}

	return results
}

func (ro *Room[T]) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}

package workerpool

import (
	"runtime"
	"sync"
)

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
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
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
	for run := range wp.taskQueue {
		run()
	}
}

// Close stops the workers once the queued tasks ran. Rooms must not submit
// tasks afterwards.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() { close(wp.taskQueue) })
}

// Room groups tasks whose results are collected together, in submission
// order.
type Room[T any] struct {
	wp      *WorkerPool
	mu      sync.Mutex
	results []T
	wg      sync.WaitGroup
	slots   chan struct{}
}

// NewRoom creates a room that runs at most size tasks at the same time.
func NewRoom[T any](wp *WorkerPool, size int) *Room[T] {
	if size < 1 {
		size = 1
	}
	return &Room[T]{
		wp:    wp,
		slots: make(chan struct{}, size),
	}
}

// Go submits job, blocking while the room has no free slot.
func (ro *Room[T]) Go(job func() T) {
	ro.mu.Lock()
	index := len(ro.results)
	var zero T
	ro.results = append(ro.results, zero)
	ro.mu.Unlock()

	ro.slots <- struct{}{}
	ro.wg.Add(1)
	ro.wp.taskQueue <- func() {
		defer ro.wg.Done()
		defer func() { <-ro.slots }()
		result := job()
		ro.mu.Lock()
		ro.results[index] = result
		ro.mu.Unlock()
	}
}

// Collect waits for every submitted task and returns the results.
func (ro *Room[T]) Collect() []T {
	ro.wg.Wait()
	ro.mu.Lock()
	defer ro.mu.Unlock()
	out := make([]T, len(ro.results))
	copy(out, ro.results)
	return out
}

// Package workerpool runs scan jobs on a fixed set of workers. Each worker
// owns a state value (a scanner with its buffers) that is handed to every job
// it runs, so per-input state is never shared between goroutines.
package workerpool

import (
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker pool is closed")

type Config struct {
	// WorkerCount is the number of workers; values below one mean one.
	WorkerCount int
	// GlobalBuffer is the capacity of the task queue.
	GlobalBuffer int
}

// WorkerPool feeds queued tasks to its workers. S is the per-worker state.
type WorkerPool[S any] struct {
	config    Config
	taskQueue chan Task[S]
	workers   sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type Task[S any] struct {
	run  func(S) any
	room *Room[S]
}

// NewWorkerPool starts config.WorkerCount workers. newState is called once
// per worker.
func NewWorkerPool[S any](config Config, newState func() S) *WorkerPool[S] {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = config.WorkerCount * 4
	}
	wp := &WorkerPool[S]{
		config:    config,
		taskQueue: make(chan Task[S], config.GlobalBuffer),
	}
	for i := 0; i < config.WorkerCount; i++ {
		wp.workers.Add(1)
		go wp.worker(newState())
	}
	return wp
}

func (wp *WorkerPool[S]) worker(state S) {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run(state)
		t.room.wg.Done()
	}
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (wp *WorkerPool[S]) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.workers.Wait()
}

// Room groups tasks whose results are collected together.
type Room[S any] struct {
	resultChan chan any
	wg         sync.WaitGroup
	wp         *WorkerPool[S]
}

// CreateRoom returns a room whose result buffer holds size results, so
// workers never block on a room that is collected after all submissions.
func (wp *WorkerPool[S]) CreateRoom(size int) *Room[S] {
	if size < 1 {
		size = 1
	}
	return &Room[S]{
		resultChan: make(chan any, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the task queue is full.
func (ro *Room[S]) NewTaskWaitForFreeSlot(job func(S) any) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}
	ro.wg.Add(1)
	ro.wp.taskQueue <- Task[S]{run: job, room: ro}
	return nil
}

// Collect waits for every task of the room and returns their results in
// completion order.
func (ro *Room[S]) Collect() []any {
	go ro.WaitAndClose()
	results := make([]any, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room[S]) WaitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}

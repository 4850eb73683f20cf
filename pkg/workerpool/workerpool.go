// Package workerpool runs independent jobs across a fixed set of workers
// and collects their results per caller through rooms. Verification uses
// it to check revisions in parallel without rebuilding a pool per run.
package workerpool

import (
	"runtime"
	"sync"
)

type Config struct {
	// WorkerCount is the number of goroutines draining the queue.
	// Defaults to 3x NumCPU.
	WorkerCount int
	// QueueSize bounds the shared task queue.
	QueueSize int
}

type task struct {
	run  func() interface{}
	room *Room
}

// Pool is a shared task queue with a fixed worker set. One pool serves
// the whole repository; each operation opens its own Room.
type Pool struct {
	config Config
	tasks  chan task
}

// Room groups the tasks of one caller so their results can be collected
// without interleaving with other callers on the same pool.
type Room struct {
	pool    *Pool
	results chan interface{}
	wg      sync.WaitGroup
}

func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.QueueSize < 1 {
		config.QueueSize = 10000
	}

	p := &Pool{
		config: config,
		tasks:  make(chan task, config.QueueSize),
	}
	for i := 0; i < config.WorkerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for t := range p.tasks {
		t.room.results <- t.run()
		t.room.wg.Done()
	}
}

// NewRoom opens a room sized for the expected number of results. Submit
// must not be called after Collect.
func (p *Pool) NewRoom(size int) *Room {
	return &Room{
		pool:    p,
		results: make(chan interface{}, size),
	}
}

// Submit enqueues one job, blocking while the shared queue is full.
func (r *Room) Submit(job func() interface{}) {
	r.wg.Add(1)
	r.pool.tasks <- task{run: job, room: r}
}

// Collect waits for every submitted job and returns their results in
// completion order.
func (r *Room) Collect() []interface{} {
	go func() {
		r.wg.Wait()
		close(r.results)
	}()

	out := make([]interface{}, 0, cap(r.results))
	for res := range r.results {
		out = append(out, res)
	}
	return out
}

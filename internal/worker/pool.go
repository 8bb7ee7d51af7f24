// Package worker implements a cooperative, priority-scheduled pool:
// closures progress tasks through their state machine, each task nominates
// a thread so its own transitions stay total-ordered, and cross-thread
// work (I/O, downloads) schedules callbacks back onto that thread. It also
// provides bounded fan-out helpers, built on golang.org/x/sync/errgroup,
// for parallel input jobs and parallel output downloads.
package worker

import (
	"container/heap"
	"sync"
	"time"
)

// Priority is one of the five cooperative scheduling levels.
// Immediate is reserved for timeout, cancellation, and notification cleanup.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityMin
)

type job struct {
	closure  func()
	priority Priority
	seq      uint64 // FIFO tiebreak within a priority level
}

type jobHeap []job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is the global default pool (or a dedicated I/O pool): a fixed set
// of goroutines draining one priority heap.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     jobHeap
	nextSeq  uint64
	quit     chan struct{}
	quitOnce sync.Once

	threadMu sync.Mutex
	threads  map[int]*threadQueue
}

// threadQueue is a single-goroutine FIFO used by RunClosureInThread, so
// closures pinned to the same thread id observe program order among
// themselves.
type threadQueue struct {
	mu    sync.Mutex
	chain chan func()
}

func NewPool(numWorkers int) *Pool {
	p := &Pool{
		quit:    make(chan struct{}),
		threads: make(map[int]*threadQueue),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < numWorkers; i++ {
		go p.workerLoop()
	}
	return p
}

func (p *Pool) workerLoop() {
	for {
		p.mu.Lock()
		for len(p.heap) == 0 {
			select {
			case <-p.quit:
				p.mu.Unlock()
				return
			default:
			}
			p.cond.Wait()
			select {
			case <-p.quit:
				p.mu.Unlock()
				return
			default:
			}
		}
		j := heap.Pop(&p.heap).(job)
		p.mu.Unlock()
		j.closure()
	}
}

// RunClosure schedules a closure on the pool at the given priority.
func (p *Pool) RunClosure(closure func(), priority Priority) {
	p.mu.Lock()
	p.nextSeq++
	heap.Push(&p.heap, job{closure: closure, priority: priority, seq: p.nextSeq})
	p.mu.Unlock()
	p.cond.Signal()
}

// RunClosureInThread pins closure to a named thread id, preserving FIFO
// order among every closure ever pinned to that same id. The thread's own
// goroutine still competes for pool priority only indirectly: once
// started, its queue drains in submission order regardless of priority,
// mirroring one goroutine per task.
func (p *Pool) RunClosureInThread(tid int, closure func()) {
	p.threadMu.Lock()
	tq, ok := p.threads[tid]
	if !ok {
		tq = &threadQueue{chain: make(chan func(), 256)}
		p.threads[tid] = tq
		go tq.run()
	}
	p.threadMu.Unlock()
	tq.chain <- closure
}

func (tq *threadQueue) run() {
	for c := range tq.chain {
		c()
	}
}

// RunClosureInPool runs closure on p at priority, exactly as RunClosure
// does; it takes no pool id, since this implementation keeps one Pool
// instance per pool and callers pick the instance themselves.
func (p *Pool) RunClosureInPool(closure func(), priority Priority) {
	p.RunClosure(closure, priority)
}

// RunDelayedClosureInThread schedules closure onto tid's queue after delay,
// used for the ramp-up "delayed local launch" decision.
func (p *Pool) RunDelayedClosureInThread(tid int, delay time.Duration, closure func()) *time.Timer {
	return time.AfterFunc(delay, func() {
		p.RunClosureInThread(tid, closure)
	})
}

// PeriodicClosure is a cancellable repeating closure registration.
type PeriodicClosure struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (p *Pool) RegisterPeriodicClosure(interval time.Duration, closure func()) *PeriodicClosure {
	pc := &PeriodicClosure{ticker: time.NewTicker(interval), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-pc.done:
				pc.ticker.Stop()
				return
			case <-pc.ticker.C:
				p.RunClosure(closure, PriorityLow)
			}
		}
	}()
	return pc
}

func (pc *PeriodicClosure) Cancel() {
	pc.once.Do(func() { close(pc.done) })
}

// Quit stops the pool's worker goroutines and closes every thread queue;
// each thread goroutine exits once the closures already queued on it have
// run (callers stop submitting to them first).
func (p *Pool) Quit() {
	p.quitOnce.Do(func() {
		close(p.quit)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()

		p.threadMu.Lock()
		for tid, tq := range p.threads {
			close(tq.chain)
			delete(p.threads, tid)
		}
		p.threadMu.Unlock()
	})
}

package driver

import "sync"

// workerPool runs submitted tasks on at most maxRunning goroutines at a
// time. Tasks waiting for a slot count against maxPending; once that is
// reached trySubmit refuses new work instead of blocking the caller.
type workerPool struct {
	maxRunning int
	maxPending int

	mu      sync.Mutex
	cond    sync.Cond // signaled whenever running decreases
	running int
	pending int
	closed  bool
	wg      sync.WaitGroup
}

func newWorkerPool(workers, queueDepth int) *workerPool {
	w := &workerPool{maxRunning: max(workers, 1), maxPending: max(queueDepth, 1)}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// trySubmit schedules task and reports whether it was accepted.
func (w *workerPool) trySubmit(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.pending >= w.maxPending {
		return false
	}
	w.pending++
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.mu.Lock()
		for w.running >= w.maxRunning {
			w.cond.Wait()
		}
		w.pending--
		w.running++
		w.mu.Unlock()

		defer func() {
			w.mu.Lock()
			w.running--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// load returns the number of running and waiting tasks.
func (w *workerPool) load() (running, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running, w.pending
}

// close refuses further tasks and waits for every accepted one to finish.
func (w *workerPool) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.wg.Wait()
}

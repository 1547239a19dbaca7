package device

import "sync"

// taskQueue is an unbounded FIFO of loop tasks. push never blocks so channel
// handlers and timers can post from any goroutine.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// push appends f. It reports false once the queue is closed.
func (q *taskQueue) push(f func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, f)
	q.mu.Unlock()

	q.wake()
	return true
}

// take blocks until tasks are available and returns the first of them.
// It returns false once the queue is closed; queued tasks are discarded.
func (q *taskQueue) take() (func(), bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.tasks) > 0 {
			f := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return f, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
	q.wake()
}

func (q *taskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

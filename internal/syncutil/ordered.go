package syncutil

import (
	"sync"
)

// OrderedExecutor runs tasks so that tasks submitted under the same key run
// one at a time in submission order, while tasks for different keys may run
// concurrently. Keys are hashed onto a fixed number of worker shards.
//
// Submit never blocks: each shard has an unbounded FIFO queue.
type OrderedExecutor struct {
	shards  []*orderedShard
	wg      sync.WaitGroup
	onPanic func(key string, recovered any)
}

type orderedShard struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []keyedTask
	closed bool
}

type keyedTask struct {
	key string
	fn  func()
}

// NewOrderedExecutor starts workers goroutines. onPanic, if non-nil, is
// called when a task panics; the worker keeps running either way.
func NewOrderedExecutor(workers int, onPanic func(key string, recovered any)) *OrderedExecutor {
	if workers <= 0 {
		workers = 1
	}
	e := &OrderedExecutor{
		shards:  make([]*orderedShard, workers),
		onPanic: onPanic,
	}
	for i := range e.shards {
		s := &orderedShard{}
		s.cond = sync.NewCond(&s.mu)
		e.shards[i] = s
		e.wg.Add(1)
		go e.run(s)
	}
	return e
}

// Submit queues fn behind earlier tasks for key. It returns false once the
// executor is closed.
func (e *OrderedExecutor) Submit(key string, fn func()) bool {
	s := e.shards[shardIndex(key, len(e.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, keyedTask{key: key, fn: fn})
	s.cond.Signal()
	return true
}

// Close stops accepting tasks, discards queued ones, and waits for running
// tasks to return.
func (e *OrderedExecutor) Close() {
	for _, s := range e.shards {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	e.wg.Wait()
}

func (e *OrderedExecutor) run(s *orderedShard) {
	defer e.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = keyedTask{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		e.call(task)
	}
}

func (e *OrderedExecutor) call(task keyedTask) {
	defer func() {
		if r := recover(); r != nil && e.onPanic != nil {
			e.onPanic(task.key, r)
		}
	}()
	task.fn()
}

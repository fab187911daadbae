package execution

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// delayedTask is a callable waiting in the delay queue.
type delayedTask struct {
	at  time.Time
	seq uint64
	fn  func()
}

// delayQueue is a min-heap ordered by due time, then insertion order.
type delayQueue []*delayedTask

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q delayQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *delayQueue) Push(x any) { *q = append(*q, x.(*delayedTask)) }

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// scheduler runs tasks on a fixed set of workers. Delayed tasks wait in a
// single heap drained by one dispatcher goroutine, so waiting tasks never
// occupy a worker.
type scheduler struct {
	workers int
	tasks   chan func()

	mu      sync.Mutex
	queue   delayQueue
	seq     uint64
	stopped bool
	wake    chan struct{}
	quit    chan struct{}

	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newScheduler(workers int, logger zerolog.Logger) *scheduler {
	s := &scheduler{
		workers: workers,
		tasks:   make(chan func()),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// schedule enqueues fn to run after delay. It reports false once the
// scheduler has been stopped.
func (s *scheduler) schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.seq++
	heap.Push(&s.queue, &delayedTask{at: time.Now().Add(delay), seq: s.seq, fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// pending returns the number of tasks waiting in the delay queue.
func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *scheduler) dispatch() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var next *delayedTask
		var wait time.Duration
		if len(s.queue) > 0 {
			wait = time.Until(s.queue[0].at)
			if wait <= 0 {
				next = heap.Pop(&s.queue).(*delayedTask)
			}
		}
		empty := len(s.queue) == 0 && next == nil
		s.mu.Unlock()

		if next != nil {
			select {
			case s.tasks <- next.fn:
			case <-s.quit:
				return
			}
			continue
		}

		if empty {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-s.quit:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.tasks:
			s.run(fn)
		}
	}
}

func (s *scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Scheduled task panicked")
		}
	}()
	fn()
}

// stop drops queued tasks and waits for running ones to return.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
}

package sandbox

import (
	"sync"
)

// loop runs jobs one at a time on a single goroutine. Everything that
// touches the VM goes through it.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	closed  bool
}

func newLoop() *loop {
	return &loop{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// post queues fn. It reports false once the loop is stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// run processes jobs until stop is called. wrap is applied around every
// job.
func (l *loop) run(wrap func(func())) {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			continue
		}
		job := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		wrap(job)
	}
}

// stop drops queued jobs and waits for the running one to finish.
func (l *loop) stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}

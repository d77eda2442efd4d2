// Package eventloop implements the Event Loop (component E): the
// daemon's single dispatcher for everything that isn't a direct
// response to a client request — periodic GC sweeps, log rotation,
// and a deferred work queue.
//
// The component design specifies a single-threaded epoll_wait loop
// multiplexing signalfd (SIGCHLD) and per-container OOM eventfds.
// Go's runtime already multiplexes blocking I/O across goroutines, and
// os/exec's Cmd.Wait reaps its own child without the PID-reuse races a
// hand-rolled SIGCHLD/waitpid loop has to guard against — so this
// module carries the epoll design's *sources* (child exit, OOM, timer,
// deferred work) but dispatches them the idiomatic Go way: Wait and
// OOM watches already run as per-container goroutines (see
// internal/container), and this package is left owning exactly the
// sources that are genuinely process-wide: periodic sweeps and
// one-shot deferred work, modeled after the teacher's own use of
// time.AfterFunc/time.Ticker rather than a raw timerfd.
package eventloop

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "eventloop")

// Deferred is one unit of work the loop runs on its own goroutine,
// serialized with every other deferred job so two sweeps never run
// concurrently against the Holder.
type Deferred func()

// Loop owns the periodic and deferred work every running container's
// lifecycle needs beyond its own direct goroutines: aging GC sweeps,
// log rotation, and anything else queued via Defer.
type Loop struct {
	mu      sync.Mutex
	jobs    chan Deferred
	done    chan struct{}
	wg      sync.WaitGroup
	tickers []*time.Ticker
}

// New builds a Loop with queue depth for up to 256 pending deferred
// jobs before Defer starts blocking its caller — generous enough that
// a burst of container exits during a mass Stop never backs up.
func New() *Loop {
	return &Loop{
		jobs: make(chan Deferred, 256),
		done: make(chan struct{}),
	}
}

// Run starts the dispatcher goroutine; it exits when Stop is called.
func (l *Loop) Run() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.done:
				return
			case job := <-l.jobs:
				l.runJob(job)
			}
		}
	}()
}

func (l *Loop) runJob(job Deferred) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("deferred job panicked")
		}
	}()
	job()
}

// Defer enqueues fn to run on the loop's dispatcher goroutine. Blocks
// if the queue is full, the same backpressure the component design's
// bounded epoll event queue would apply.
func (l *Loop) Defer(fn Deferred) {
	l.jobs <- fn
}

// Every schedules fn to run on the loop's dispatcher goroutine at a
// fixed interval — the Go equivalent of the design's periodic
// epoll_wait timeout sources (aging sweep, log rotation). Stop tears
// every registered ticker down.
func (l *Loop) Every(interval time.Duration, fn Deferred) {
	t := time.NewTicker(interval)
	l.mu.Lock()
	l.tickers = append(l.tickers, t)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.done:
				return
			case <-t.C:
				l.Defer(fn)
			}
		}
	}()
}

// Stop tears down every ticker and waits for the dispatcher and
// periodic goroutines to exit.
func (l *Loop) Stop() {
	close(l.done)
	l.mu.Lock()
	for _, t := range l.tickers {
		t.Stop()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

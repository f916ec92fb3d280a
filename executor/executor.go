// Package executor implements the shared asynchronous executor: a bounded
// worker pool plus a scheduled timer service. The cache's maintenance pass
// and the task scheduler's fires run here.
//
// Design Choices:
// - Submission blocks when the work queue is full. Upstream components observe
//   pressure instead of silently losing work.
// - Timer goroutines never execute tasks themselves; a fire is handed to the
//   pool so a slow task cannot delay other timers.
// - Shutdown drains queued and in-flight work for a bounded wait (5s default),
//   then force-stops the workers.
package executor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultWorkers is the pool size when Config.Workers is zero.
	DefaultWorkers = 8
	// DefaultQueueSize is the work queue capacity when Config.QueueSize is zero.
	DefaultQueueSize = 1024
	// DefaultShutdownWait bounds how long Close waits for draining.
	DefaultShutdownWait = 5 * time.Second
)

// ErrShutdown is returned by Submit and the schedule operations once shutdown
// has begun.
var ErrShutdown = errors.New("executor: shut down")

// Config holds executor sizing.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns the default pool sizing.
func DefaultConfig() Config {
	return Config{Workers: DefaultWorkers, QueueSize: DefaultQueueSize}
}

// Executor is a bounded worker pool with a timer service.
type Executor struct {
	queue     chan func()
	quit      chan struct{} // closed to force-stop workers
	done      chan struct{} // closed at shutdown; unblocks pending submits
	workers   int
	wg        sync.WaitGroup
	timerWG   sync.WaitGroup
	shutdown  atomic.Bool
	submitted atomic.Int64
	completed atomic.Int64
	active    atomic.Int32
	log       zerolog.Logger
}

// New creates and starts an executor.
func New(cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	e := &Executor{
		queue:   make(chan func(), cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		workers: cfg.Workers,
		log:     log.With().Str("component", "executor").Logger(),
	}
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.runWorker(i)
	}
	return e
}

// SetLogger replaces the executor's logger.
func (e *Executor) SetLogger(l zerolog.Logger) { e.log = l }

func (e *Executor) runWorker(id int) {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		select {
		case task := <-e.queue:
			e.runTask(task)
		case <-e.quit:
			return
		}
	}
}

func (e *Executor) runTask(task func()) {
	e.active.Add(1)
	defer func() {
		e.active.Add(-1)
		e.completed.Add(1)
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("task panicked")
		}
	}()
	task()
}

// Submit enqueues task for execution on the pool. When the queue is full,
// Submit blocks the caller until a slot frees up or shutdown begins.
func (e *Executor) Submit(task func()) error {
	if e.shutdown.Load() {
		return ErrShutdown
	}
	select {
	case e.queue <- task:
		e.submitted.Add(1)
		return nil
	case <-e.done:
		return ErrShutdown
	}
}

// Shutdown stops intake, cancels scheduled timers, waits for queued and
// in-flight tasks bounded by ctx, then force-stops the workers. Subsequent
// calls are no-ops.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	close(e.done)
	e.timerWG.Wait()

	drained := e.awaitDrain(ctx)
	close(e.quit)
	e.wg.Wait()

	if !drained {
		e.log.Warn().
			Int("queued", len(e.queue)).
			Int32("active", e.active.Load()).
			Msg("shutdown wait elapsed; remaining work abandoned")
		return ctx.Err()
	}
	return nil
}

// Close is Shutdown with the default bounded wait.
func (e *Executor) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownWait)
	defer cancel()
	return e.Shutdown(ctx)
}

func (e *Executor) awaitDrain(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(e.queue) == 0 && e.active.Load() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stats is a point-in-time view of the executor.
type Stats struct {
	Workers    int
	QueueDepth int
	QueueCap   int
	Submitted  int64
	Completed  int64
	Active     int32
}

// Stats returns current executor counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Workers:    e.workers,
		QueueDepth: len(e.queue),
		QueueCap:   cap(e.queue),
		Submitted:  e.submitted.Load(),
		Completed:  e.completed.Load(),
		Active:     e.active.Load(),
	}
}

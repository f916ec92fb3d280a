package schedule

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/TRUSTMATEKO/tx24-edge/executor"
)

// ErrCancelled rejects Start on a scheduler whose CancelAll already ran.
var ErrCancelled = errors.New("schedule: scheduler cancelled")

// Scheduler places registered tasks onto the executor's timer service.
// Fixed-period tasks hold a single fixed-rate handle; monthly tasks re-arm a
// one-shot after each fire. The scheduler never blocks on task execution:
// fires land on the executor pool, and a task body failure is caught and
// logged without affecting subsequent fires.
type Scheduler struct {
	reg *Registry
	ex  *executor.Executor
	log zerolog.Logger
	now func() time.Time

	mu        sync.Mutex
	handles   []*executor.Handle
	cancelled bool
	started   bool

	fired   sync.Map // task name -> *int64 fire count, for the snapshot
	skipped sync.Map
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger replaces the scheduler's logger.
func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithNow injects the time source; tests pin it to a fixed instant.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler over a populated registry and a running executor.
func New(reg *Registry, ex *executor.Executor, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reg: reg,
		ex:  ex,
		log: log.With().Str("component", "scheduler").Logger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start computes the first fire for every enabled task whose date window has
// not permanently closed, and registers it on the executor. A descriptor
// whose factory fails is excluded with an error log; the rest continue.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return ErrCancelled
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("schedule: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	now := s.now().In(s.reg.Location())
	for _, t := range s.reg.ordered() {
		if !t.d.Enabled {
			s.log.Debug().Str("task", t.d.Name).Msg("task disabled; not scheduled")
			continue
		}
		if t.windowClosed(now) {
			s.log.Debug().Str("task", t.d.Name).Msg("task window closed; not scheduled")
			continue
		}
		runner, err := t.d.Factory()
		if err != nil {
			s.log.Error().Err(err).Str("task", t.d.Name).Msg("task instantiation failed; excluded")
			continue
		}
		if t.monthly {
			s.armMonthly(t, runner)
			continue
		}
		delay, ok := t.initialDelay(now)
		if !ok {
			s.log.Warn().Str("task", t.d.Name).Msgf("no valid fire day within %d days; not scheduled", maxDaySearch)
			continue
		}
		h, err := s.ex.ScheduleAtFixedRate(func() { s.fire(t, runner) }, delay, t.period)
		if err != nil {
			s.log.Error().Err(err).Str("task", t.d.Name).Msg("scheduling failed")
			continue
		}
		s.keep(h)
		s.log.Info().
			Str("task", t.d.Name).
			Dur("initial_delay", delay).
			Dur("period", t.period).
			Time("first_fire", now.Add(delay)).
			Msg("task scheduled")
	}
	return nil
}

// fire is the per-tick wrapper: it re-checks the date window and day-of-week
// at fire time, then runs the body. It executes on the pool, so the timer
// goroutine is never blocked by a slow task.
func (s *Scheduler) fire(t *task, runner Runner) {
	now := s.now().In(s.reg.Location())
	if !t.inWindow(now) || !t.allowsDay(now) {
		s.count(&s.skipped, t.d.Name)
		s.log.Debug().Str("task", t.d.Name).Time("at", now).Msg("fire skipped outside window")
		return
	}
	s.count(&s.fired, t.d.Name)
	s.runBody(t, runner)
}

func (s *Scheduler) runBody(t *task, runner Runner) {
	defer func() {
		if cause := recover(); cause != nil {
			s.log.Warn().
				Str("task", t.d.Name).
				Interface("panic", cause).
				Str("stack", taskStack(10)).
				Msg("task panicked")
		}
	}()
	if err := runner.Run(context.Background()); err != nil {
		s.log.Warn().
			Err(err).
			Str("task", t.d.Name).
			Str("stack", taskStack(10)).
			Msg("task failed")
	}
}

// armMonthly registers the next one-shot; each fire re-arms the following
// month until cancellation or the end of the date window.
func (s *Scheduler) armMonthly(t *task, runner Runner) {
	now := s.now().In(s.reg.Location())
	next, ok := t.nextMonthly(now)
	if !ok {
		s.log.Warn().Str("task", t.d.Name).Msg("no next monthly fire; not scheduled")
		return
	}
	if t.windowClosed(next) {
		s.log.Debug().Str("task", t.d.Name).Msg("monthly window closed; re-arming stopped")
		return
	}
	h, err := s.ex.Schedule(func() {
		s.fire(t, runner)
		s.mu.Lock()
		cancelled := s.cancelled
		s.mu.Unlock()
		if !cancelled {
			s.armMonthly(t, runner)
		}
	}, next.Sub(now))
	if err != nil {
		// Executor already shut down; CancelAll tolerates this.
		s.log.Debug().Err(err).Str("task", t.d.Name).Msg("monthly re-arm rejected")
		return
	}
	s.keep(h)
	s.log.Info().Str("task", t.d.Name).Time("next_fire", next).Msg("monthly task armed")
}

func (s *Scheduler) keep(h *executor.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		h.Cancel()
		return
	}
	s.handles = append(s.handles, h)
}

// CancelAll cancels every registered handle without interrupting in-flight
// task bodies. The scheduler rejects Start afterward.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.cancelled = true
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.log.Info().Int("cancelled", len(handles)).Msg("all scheduled tasks cancelled")
}

// Counters exposes fire/skip totals for the monitoring snapshot.
func (s *Scheduler) Counters() map[string]int64 {
	out := make(map[string]int64)
	s.fired.Range(func(k, v any) bool {
		out["fired."+k.(string)] = *v.(*int64)
		return true
	})
	s.skipped.Range(func(k, v any) bool {
		out["skipped."+k.(string)] = *v.(*int64)
		return true
	})
	return out
}

func (s *Scheduler) count(m *sync.Map, name string) {
	v, _ := m.LoadOrStore(name, new(int64))
	s.mu.Lock()
	*v.(*int64)++
	s.mu.Unlock()
}

// taskStack renders at most depth frames of the current goroutine's stack.
func taskStack(depth int) string {
	pcs := make([]uintptr, depth)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s (%s:%d); ", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

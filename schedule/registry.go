package schedule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimezone names the conventional scheduling zone, the same zone as
// the task.timezone default in pkg/config. NewRegistry does not apply it: a
// nil location selects UTC.
const DefaultTimezone = "Asia/Seoul"

// Registry collects task descriptors during bootstrap. Registration errors
// are boot-fatal by contract: the caller decides whether to abort, but a
// rejected descriptor is never partially registered. The registry is
// read-only once the scheduler starts.
type Registry struct {
	loc   *time.Location
	mu    sync.Mutex
	tasks map[string]*task
	log   zerolog.Logger
}

// NewRegistry creates a registry anchored in loc; nil falls back to UTC.
func NewRegistry(loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{
		loc:   loc,
		tasks: make(map[string]*task),
		log:   log.With().Str("component", "schedule").Logger(),
	}
}

// SetLogger replaces the registry's logger.
func (r *Registry) SetLogger(l zerolog.Logger) { r.log = l }

// Location returns the scheduling zone.
func (r *Registry) Location() *time.Location { return r.loc }

// Register validates and stores a descriptor. Duplicate names, unparseable
// time/period/date fields and monthly descriptors without a start day are
// rejected.
func (r *Registry) Register(d Descriptor) error {
	t, err := parseDescriptor(d, r.loc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, d.Name)
	}
	r.tasks[d.Name] = t
	return nil
}

// MustRegister is Register that panics, for static task tables in init code.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Names returns the registered task names, priority-ordered.
func (r *Registry) Names() []string {
	ts := r.ordered()
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.d.Name
	}
	return names
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// ordered returns tasks by descending priority, then name.
func (r *Registry) ordered() []*task {
	r.mu.Lock()
	ts := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		ts = append(ts, t)
	}
	r.mu.Unlock()

	sort.Slice(ts, func(i, j int) bool {
		if ts[i].d.Priority != ts[j].d.Priority {
			return ts[i].d.Priority > ts[j].d.Priority
		}
		return ts[i].d.Name < ts[j].d.Name
	})
	return ts
}

// LogDiscovery writes one line per registered task, priority-ordered.
func (r *Registry) LogDiscovery() {
	for _, t := range r.ordered() {
		period := t.d.Period
		if t.monthly {
			period = "monthly(day " + fmt.Sprint(t.start.Day()) + ")"
		}
		r.log.Info().
			Str("task", t.d.Name).
			Str("time", t.d.Time).
			Str("period", period).
			Bool("enabled", t.d.Enabled).
			Int("priority", t.d.Priority).
			Str("desc", t.d.Desc).
			Msg("task registered")
	}
}

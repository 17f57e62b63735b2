// Package schedule starts executions on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/robfig/cron/v3"

	"github.com/ChuLiYu/durable-exec/internal/clock"
	"github.com/ChuLiYu/durable-exec/internal/config"
	"github.com/ChuLiYu/durable-exec/internal/engine"
	"github.com/ChuLiYu/durable-exec/pkg/types"
)

// Error codes.
const (
	ErrCodeInvalidSchedule   = "SCHEDULE_INVALID"
	ErrCodeDuplicateSchedule = "SCHEDULE_DUPLICATE"
	ErrCodeUnknownSchedule   = "SCHEDULE_NOT_FOUND"
)

// Starter is the slice of the client API a scheduler needs.
type Starter interface {
	Start(ctx context.Context, id types.ExecutionID, workflow string, input any, opts engine.StartOptions) (types.RunKey, error)
	Describe(id types.ExecutionID) (*types.ExecutionRecord, error)
}

// Entry describes one registered schedule.
type Entry struct {
	Name     string
	Workflow string
	Next     time.Time
	Prev     time.Time
	// Last is the execution started by the most recent firing.
	Last types.ExecutionID
}

type job struct {
	spec    config.Schedule
	entryID cron.EntryID
	last    types.ExecutionID
}

// Scheduler fires configured schedules through a Starter.
type Scheduler struct {
	starter Starter
	clock   clock.Clock
	log     *slog.Logger
	cron    *cron.Cron

	mu   sync.Mutex
	jobs map[string]*job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

// WithClock sets the clock used to name executions.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// New returns a stopped scheduler evaluating expressions in loc.
func New(starter Starter, loc *time.Location, opts ...Option) *Scheduler {
	s := &Scheduler{
		starter: starter,
		clock:   clock.Real{},
		log:     slog.Default(),
		jobs:    make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
	return s
}

// Add registers a schedule. Expressions use the standard five fields or a
// descriptor such as @hourly or @every 10m.
func (s *Scheduler) Add(spec config.Schedule) error {
	if spec.Name == "" || spec.Workflow == "" {
		return apperrors.New("schedule name and workflow are required", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidSchedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[spec.Name]; ok {
		return apperrors.New(fmt.Sprintf("schedule %q already registered", spec.Name), apperrors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateSchedule).
			WithMetadata(map[string]any{"schedule": spec.Name})
	}

	j := &job{spec: spec}
	id, err := s.cron.AddFunc(spec.Cron, func() { s.fire(j) })
	if err != nil {
		return apperrors.New(fmt.Sprintf("schedule %q: %v", spec.Name, err), apperrors.CategoryValidation).
			WithTextCode(ErrCodeInvalidSchedule).
			WithMetadata(map[string]any{"schedule": spec.Name, "cron": spec.Cron})
	}
	j.entryID = id
	s.jobs[spec.Name] = j
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return apperrors.New(fmt.Sprintf("schedule %q not found", name), apperrors.CategoryNotFound).
			WithTextCode(ErrCodeUnknownSchedule)
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, name)
	return nil
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Scheduler started", "schedules", len(s.Entries()))
}

// Stop stops firing and waits for running starts until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger fires a schedule now, outside its cron timing.
//
// Returns:
//   - the started execution, or "" when the previous one is still running
//     and the schedule does not allow overlap
func (s *Scheduler) Trigger(name string) (types.ExecutionID, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return "", apperrors.New(fmt.Sprintf("schedule %q not found", name), apperrors.CategoryNotFound).
			WithTextCode(ErrCodeUnknownSchedule)
	}
	return s.run(j)
}

// Entries lists the registered schedules by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.cron.Entry(j.entryID)
		out = append(out, Entry{Name: j.spec.Name, Workflow: j.spec.Workflow, Next: e.Next, Prev: e.Prev, Last: j.last})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) fire(j *job) {
	if _, err := s.run(j); err != nil {
		s.log.Error("Scheduled start failed", "schedule", j.spec.Name, "workflow", j.spec.Workflow, "error", err)
	}
}

func (s *Scheduler) run(j *job) (types.ExecutionID, error) {
	s.mu.Lock()
	last := j.last
	s.mu.Unlock()

	if !j.spec.Overlap && last != "" {
		if rec, err := s.starter.Describe(last); err == nil && !rec.Status.IsFinal() {
			s.log.Info("Skipping scheduled start, previous execution still open",
				"schedule", j.spec.Name, "execution", last)
			return "", nil
		}
	}

	// One execution per schedule and second, so a repeated firing is
	// rejected as already running rather than started twice.
	id := types.ExecutionID(fmt.Sprintf("%s-%d", j.spec.Name, s.clock.Now().Unix()))
	if _, err := s.starter.Start(context.Background(), id, j.spec.Workflow, j.spec.Input, engine.StartOptions{}); err != nil {
		return "", err
	}

	s.mu.Lock()
	j.last = id
	s.mu.Unlock()
	s.log.Info("Scheduled execution started", "schedule", j.spec.Name, "execution", id)
	return id, nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

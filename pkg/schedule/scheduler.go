package schedule

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Descriptor describes a recurring command.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Pattern     string `json:"pattern"`
	MaxCalls    *int   `json:"maxCalls,omitempty"`
	Command     string `json:"command"`
	BotID       string `json:"bot_id,omitempty"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.ID) == "":
		return errors.New("schedule id is required")
	case strings.TrimSpace(d.Name) == "":
		return errors.New("schedule name is required")
	case strings.TrimSpace(d.Description) == "":
		return errors.New("schedule description is required")
	case strings.TrimSpace(d.Command) == "":
		return errors.New("schedule command is required")
	case strings.TrimSpace(d.Pattern) == "":
		return errors.New("schedule pattern is required")
	}
	if d.MaxCalls != nil && *d.MaxCalls < 1 {
		return errors.New("schedule maxCalls must be positive")
	}
	if _, err := parser.Parse(d.Pattern); err != nil {
		return errors.Wrapf(err, "invalid schedule pattern %q", d.Pattern)
	}
	return nil
}

// Next returns the first activation strictly after t.
func (d Descriptor) Next(t time.Time) (time.Time, error) {
	s, err := parser.Parse(d.Pattern)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid schedule pattern %q", d.Pattern)
	}
	return s.Next(t), nil
}

// Runner executes one activation.
type Runner func(ctx context.Context, d Descriptor) error

type entry struct {
	id    cron.EntryID
	desc  Descriptor
	calls int
}

// Status reports a registered schedule.
type Status struct {
	Descriptor Descriptor
	Calls      int
	Next       time.Time
}

type Config struct {
	BaseCtx  context.Context
	Runner   Runner
	Location *time.Location
}

// Scheduler registers descriptors with a cron engine and removes them once
// they reach MaxCalls.
type Scheduler struct {
	baseCtx context.Context
	run     Runner
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.BaseCtx == nil {
		return nil, errors.New("scheduler base context is nil")
	}
	if cfg.Runner == nil {
		return nil, errors.New("scheduler runner is nil")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{l: log.With().Str("component", "schedule").Logger()}
	return &Scheduler{
		baseCtx: cfg.BaseCtx,
		run:     cfg.Runner,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		entries: map[string]*entry{},
	}, nil
}

func (s *Scheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
}

// Stop halts the engine and waits for running jobs.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Register adds or replaces d. callsSoFar counts activations already made
// outside the scheduler, such as an immediate first run.
func (s *Scheduler) Register(d Descriptor, callsSoFar int) error {
	if s == nil {
		return errors.New("scheduler is nil")
	}
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[d.ID]; ok {
		s.cron.Remove(old.id)
		delete(s.entries, d.ID)
	}
	if d.MaxCalls != nil && callsSoFar >= *d.MaxCalls {
		return nil
	}
	e := &entry{desc: d, calls: callsSoFar}
	id, err := s.cron.AddFunc(d.Pattern, func() { s.fire(d.ID) })
	if err != nil {
		return errors.Wrap(err, "add schedule")
	}
	e.id = id
	s.entries[d.ID] = e
	log.Info().Str("component", "schedule").Str("schedule_id", d.ID).Str("pattern", d.Pattern).Msg("schedule registered")
	return nil
}

func (s *Scheduler) Remove(id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, id)
	return true
}

// Trigger runs the schedule now as if it had fired.
func (s *Scheduler) Trigger(id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	_, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.fire(id)
	return true
}

func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.calls++
	desc := e.desc
	if desc.MaxCalls != nil && e.calls >= *desc.MaxCalls {
		s.cron.Remove(e.id)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if err := s.run(s.baseCtx, desc); err != nil {
		log.Warn().Err(err).Str("component", "schedule").Str("schedule_id", id).Msg("scheduled run failed")
	}
}

// Entries lists registered schedules sorted by id.
func (s *Scheduler) Entries() []Status {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{Descriptor: e.desc, Calls: e.calls, Next: s.cron.Entry(e.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ID < out[j].Descriptor.ID })
	return out
}

type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

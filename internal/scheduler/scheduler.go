// Package scheduler runs graph maintenance on a cron schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/lazypower/memgraph/internal/config"
	"github.com/lazypower/memgraph/internal/engine"
	apperrors "github.com/lazypower/memgraph/internal/errors"
)

// Maintainer runs one maintenance pass.
type Maintainer interface {
	PerformMaintenance(ctx context.Context, opts engine.MaintenanceOptions) (*engine.MaintenanceResult, error)
}

// Status describes the schedule and the most recent pass.
type Status struct {
	Schedule string                    `json:"schedule"`
	Running  bool                      `json:"running"`
	NextRun  *time.Time                `json:"nextRun,omitempty"`
	LastRun  *time.Time                `json:"lastRun,omitempty"`
	LastErr  string                    `json:"lastError,omitempty"`
	Last     *engine.MaintenanceResult `json:"lastResult,omitempty"`
}

// Scheduler fires maintenance at the ticks of a cron expression. An empty
// expression disables scheduled runs; RunNow still works.
type Scheduler struct {
	m   Maintainer
	log *zap.Logger
	now func() time.Time
	// after is swapped in tests to fire without waiting.
	after func(time.Duration) <-chan time.Time

	mu         sync.Mutex
	expr       string
	next       time.Time
	running    bool
	stopCh     chan struct{}
	done       chan struct{}
	reschedule chan struct{}
	lastRun    time.Time
	lastErr    error
	last       *engine.MaintenanceResult
}

func New(m Maintainer, expr string, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		m:          m,
		log:        log.Named("scheduler"),
		now:        time.Now,
		after:      time.After,
		reschedule: make(chan struct{}, 1),
	}
	if err := s.SetSchedule(expr); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedule replaces the cron expression and recomputes the next run.
func (s *Scheduler) SetSchedule(expr string) error {
	if expr != "" && !gronx.New().IsValid(expr) {
		return apperrors.Config("maintenance", "invalid cron schedule %q", expr)
	}
	s.mu.Lock()
	changed := expr != s.expr
	s.expr = expr
	s.next = time.Time{}
	if expr != "" {
		next, err := gronx.NextTickAfter(expr, s.now(), false)
		if err != nil {
			s.mu.Unlock()
			return apperrors.Config("maintenance", "schedule %q: %v", expr, err)
		}
		s.next = next
	}
	s.mu.Unlock()

	if changed {
		s.log.Info("maintenance schedule set", zap.String("schedule", expr))
	}
	select {
	case s.reschedule <- struct{}{}:
	default:
	}
	return nil
}

// OnConfigChange follows config reloads.
func (s *Scheduler) OnConfigChange(cfg *config.Config) {
	if err := s.SetSchedule(cfg.Maintenance.Schedule); err != nil {
		s.log.Warn("schedule reload rejected", zap.Error(err))
	}
}

// Start launches the scheduling loop. It is a no-op when already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	go s.loop(s.stopCh, s.done)
	s.log.Info("scheduler started", zap.String("schedule", s.expr))
}

// Stop halts the loop and waits for an in-flight pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.done
	s.running = false
	s.mu.Unlock()
	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		s.mu.Lock()
		next := s.next
		s.mu.Unlock()

		var fire <-chan time.Time
		if !next.IsZero() {
			fire = s.after(max(next.Sub(s.now()), 0))
		}
		select {
		case <-stop:
			return
		case <-s.reschedule:
		case <-fire:
			s.RunNow(ctx, engine.MaintenanceOptions{})
			s.advance()
		}
	}
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expr == "" {
		s.next = time.Time{}
		return
	}
	// A tick that fired early must not fire twice.
	from := s.now()
	if from.Before(s.next) {
		from = s.next
	}
	next, err := gronx.NextTickAfter(s.expr, from, false)
	if err != nil {
		s.log.Error("compute next run failed", zap.String("schedule", s.expr), zap.Error(err))
		s.next = time.Time{}
		return
	}
	s.next = next
}

// RunNow performs one maintenance pass and records its outcome.
func (s *Scheduler) RunNow(ctx context.Context, opts engine.MaintenanceOptions) (*engine.MaintenanceResult, error) {
	started := s.now()
	res, err := s.m.PerformMaintenance(ctx, opts)

	s.mu.Lock()
	s.lastRun = started
	s.lastErr = err
	if res != nil {
		s.last = res
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("maintenance failed", zap.Error(err))
	} else {
		s.log.Debug("maintenance finished", zap.Duration("took", res.TotalTime), zap.Int("errors", len(res.Errors)))
	}
	return res, err
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Schedule: s.expr, Running: s.running, Last: s.last}
	if !s.next.IsZero() {
		next := s.next
		st.NextRun = &next
	}
	if !s.lastRun.IsZero() {
		last := s.lastRun
		st.LastRun = &last
	}
	if s.lastErr != nil {
		st.LastErr = s.lastErr.Error()
	}
	return st
}

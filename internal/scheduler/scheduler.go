// Package scheduler runs the daemon's named background tasks on intervals
// or cron schedules, gated on REPL idleness where tasks ask for it.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tether-agent/tether/internal/common/config"
	"github.com/tether-agent/tether/internal/common/logger"
)

// TaskFunc is one task invocation. The context carries the task's
// max-duration deadline.
type TaskFunc func(ctx context.Context) error

// IdleChecker answers whether the REPL is busy. Satisfied by the session
// bridge.
type IdleChecker interface {
	IsAgentIdle(ctx context.Context) bool
}

type task struct {
	cfg  config.TaskConfig
	fn   TaskFunc
	cron *cronSchedule

	mu      sync.Mutex // held for the duration of a run; enforces non-overlap
	lastRun time.Time
}

// Scheduler is a cooperative runner of named tasks.
type Scheduler struct {
	idle   IdleChecker
	logger *logger.Logger

	tasksMu sync.Mutex
	tasks   map[string]*task

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a scheduler.
func New(idle IdleChecker, log *logger.Logger) *Scheduler {
	return &Scheduler{
		idle:   idle,
		logger: log.WithFields(zap.String("component", "scheduler")),
		tasks:  make(map[string]*task),
		stopCh: make(chan struct{}),
	}
}

// Register adds a task. A task declares exactly one of interval or cron.
func (s *Scheduler) Register(cfg config.TaskConfig, fn TaskFunc) error {
	if cfg.Name == "" {
		return fmt.Errorf("task needs a name")
	}
	if (cfg.Interval > 0) == (cfg.Cron != "") {
		return fmt.Errorf("task %s: declare exactly one of interval or cron", cfg.Name)
	}

	t := &task{cfg: cfg, fn: fn}
	if cfg.Cron != "" {
		sched, err := parseCron(cfg.Cron)
		if err != nil {
			return fmt.Errorf("task %s: %w", cfg.Name, err)
		}
		t.cron = sched
	}

	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	if _, exists := s.tasks[cfg.Name]; exists {
		return fmt.Errorf("task %s already registered", cfg.Name)
	}
	s.tasks[cfg.Name] = t

	s.logger.Info("task registered",
		zap.String("task", cfg.Name),
		zap.Int("interval_s", cfg.Interval),
		zap.String("cron", cfg.Cron),
		zap.Bool("busy_gate", cfg.BusyGate))
	return nil
}

// Start launches one runner goroutine per enabled task.
func (s *Scheduler) Start(ctx context.Context) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if s.started {
		return
	}
	s.started = true

	for _, t := range s.tasks {
		if !t.cfg.Enabled {
			s.logger.Debug("task disabled", zap.String("task", t.cfg.Name))
			continue
		}
		s.wg.Add(1)
		go s.runLoop(t)
	}

	s.logger.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop halts all runners and waits for in-flight invocations.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// RunNow fires a task immediately, subject to the same gates as a scheduled
// tick. Used by tests and the control-plane API.
func (s *Scheduler) RunNow(name string) error {
	s.tasksMu.Lock()
	t, ok := s.tasks[name]
	s.tasksMu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task: %s", name)
	}
	s.tick(t)
	return nil
}

// TaskNames lists registered tasks.
func (s *Scheduler) TaskNames() []string {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) runLoop(t *task) {
	defer s.wg.Done()

	for {
		var wait time.Duration
		if t.cron != nil {
			next := t.cron.Next(time.Now())
			if next.IsZero() {
				s.logger.Error("cron schedule never fires", zap.String("task", t.cfg.Name))
				return
			}
			wait = time.Until(next)
		} else {
			wait = time.Duration(t.cfg.Interval) * time.Second
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
			s.tick(t)
		}
	}
}

// tick runs one task invocation, applying the busy gate, the minimum gap,
// and the max-duration budget.
func (s *Scheduler) tick(t *task) {
	log := s.logger.WithFields(zap.String("task", t.cfg.Name))

	if !t.mu.TryLock() {
		log.Debug("previous run still in flight, skipped")
		return
	}
	defer t.mu.Unlock()

	if t.cfg.BusyGate && s.idle != nil {
		probeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		idle := s.idle.IsAgentIdle(probeCtx)
		cancel()
		if !idle {
			log.Debug("agent busy, tick skipped")
			return
		}
	}

	if t.cfg.MinGap > 0 && !t.lastRun.IsZero() {
		gap := time.Duration(t.cfg.MinGap) * time.Second
		if since := time.Since(t.lastRun); since < gap {
			log.Debug("within minimum gap, tick skipped",
				zap.Duration("since_last", since))
			return
		}
	}

	maxDur := time.Duration(t.cfg.MaxDuration) * time.Second
	if maxDur <= 0 {
		maxDur = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), maxDur)
	defer cancel()

	t.lastRun = time.Now()
	start := t.lastRun

	err := t.fn(ctx)
	elapsed := time.Since(start)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		log.Error("task overran max duration, terminated",
			zap.Duration("max_duration", maxDur),
			zap.Duration("elapsed", elapsed))
	case err != nil:
		log.Error("task failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	default:
		log.Debug("task completed", zap.Duration("elapsed", elapsed))
	}
}

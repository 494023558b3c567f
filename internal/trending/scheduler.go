package trending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// DefaultSchedule runs the trending calculation every quarter hour.
const DefaultSchedule = "@every 15m"

// ErrRunInProgress indicates that a trending run was requested while another was executing.
var ErrRunInProgress = errors.New("trending: a calculation run is already in progress")

// ErrSchedulerStopped indicates that a run was requested after Stop.
var ErrSchedulerStopped = errors.New("trending: scheduler is stopped")

var errMissingRunner = errors.New("trending runner is required")

// Runner executes a trending calculation run.
type Runner interface {
	CalculateTrending(ctx context.Context, payload Payload) (RunResult, error)
}

// SchedulerConfig describes a periodic trending calculation.
type SchedulerConfig struct {
	Runner   Runner
	Schedule string
	Payload  Payload
	Logger   *zap.Logger
	// RunTimeout bounds a single scheduled run. Zero means no bound.
	RunTimeout time.Duration
}

// Scheduler triggers CalculateTrending on a cron schedule and never runs two calculations at once.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	payload    Payload
	logger     *zap.Logger
	runTimeout time.Duration

	mu      sync.Mutex
	running bool
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	runs    sync.WaitGroup
}

// NewScheduler validates the schedule and payload without starting anything.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errMissingRunner
	}
	payload, err := cfg.Payload.normalize()
	if err != nil {
		return nil, err
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler := &Scheduler{
		cron:       cron.NewWithLocation(time.UTC),
		runner:     cfg.Runner,
		payload:    payload,
		logger:     logger,
		runTimeout: cfg.RunTimeout,
	}
	if err := scheduler.cron.AddFunc(spec, scheduler.runScheduled); err != nil {
		return nil, fmt.Errorf("trending: invalid schedule %q: %w", spec, err)
	}
	return scheduler, nil
}

// Start begins firing scheduled runs. Runs observe ctx and are cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	s.logger.Info("trending scheduler started")
}

// Stop halts the schedule, cancels an in-flight run and waits for it to return.
// Later RunOnce calls fail with ErrSchedulerStopped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if !s.started {
		s.mu.Unlock()
		s.runs.Wait()
		return
	}
	s.started = false
	s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	s.runs.Wait()
	s.logger.Info("trending scheduler stopped")
}

// RunOnce executes a calculation immediately with payload, or with the scheduled payload when
// payload is nil.
func (s *Scheduler) RunOnce(ctx context.Context, payload *Payload) (RunResult, error) {
	if err := s.acquire(); err != nil {
		return RunResult{}, err
	}
	defer s.release()

	selected := s.payload
	if payload != nil {
		selected = *payload
	}
	return s.runner.CalculateTrending(ctx, selected)
}

func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.acquire(); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Warn("skipping scheduled trending run, previous run still executing")
		}
		return
	}
	defer s.release()

	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	result, err := s.runner.CalculateTrending(ctx, s.payload)
	if err != nil {
		s.logger.Error("scheduled trending run failed", zap.Error(err))
		return
	}
	if len(result.Errors) > 0 {
		s.logger.Warn("scheduled trending run completed with errors",
			zap.Int("cache_updates", result.CacheUpdates),
			zap.Strings("errors", result.Errors))
	}
}

// acquire registers a run under mu so Stop never waits on a group that is still growing.
func (s *Scheduler) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.running {
		return ErrRunInProgress
	}
	s.running = true
	s.runs.Add(1)
	return nil
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.runs.Done()
}

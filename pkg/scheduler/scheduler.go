// Package scheduler triggers periodic synchronization batches.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var ErrSchedulerAlreadyRunning = errors.New("scheduler already running")

const (
	DefaultInterval = time.Hour
	DefaultLockTTL  = 30 * time.Minute

	// LockKey guards a cycle across replicas.
	LockKey = "scheduler:cycle"

	// Initiator is recorded on every scheduled run.
	Initiator = "scheduler"
)

// Runner starts batches.
type Runner interface {
	RunAll(ctx context.Context, trigger orchestrator.Trigger) (*models.BatchResult, error)
	RunForActiveSelections(ctx context.Context, trigger orchestrator.Trigger) (*models.BatchResult, error)
}

type Config struct {
	Interval time.Duration
	// FullRefreshEvery makes every Nth cycle a full RunAll; other cycles refresh active selections.
	// Values below 2 make every cycle a full refresh.
	FullRefreshEvery int
	RunOnStart       bool
	LockTTL          time.Duration
}

type Scheduler struct {
	runner Runner
	// locker is nil for a single instance.
	locker *redis.Locker
	config Config
	logger ectologger.Logger

	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	cycle    int
	mu       sync.Mutex
}

func NewScheduler(runner Runner, locker *redis.Locker, config Config, logger ectologger.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultLockTTL
	}
	return &Scheduler{
		runner: runner,
		locker: locker,
		config: config,
		logger: logger,
	}
}

// Start begins the cycle loop. The loop stops when Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedC = make(chan struct{})

	s.logger.WithContext(ctx).Infof("Starting scheduler: interval=%s full_refresh_every=%d", s.config.Interval, s.config.FullRefreshEvery)
	go s.loop(ctx, s.stopCh, s.stoppedC)
	return nil
}

// Stop waits for an in-flight cycle to end, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopped := s.stoppedC
	close(s.stopCh)
	s.mu.Unlock()

	select {
	case <-stopped:
		s.logger.WithContext(ctx).Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Scheduler shutdown timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.RunCycle(ctx)
	}
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle runs one scheduled batch unless another replica holds the cycle lock.
func (s *Scheduler) RunCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.Scheduler.RunCycle")
	defer span.End()

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, LockKey, s.config.LockTTL)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				s.logger.WithContext(ctx).Debug("Cycle already running on another instance")
				return
			}
			s.logger.WithContext(ctx).WithError(err).Error("Failed to acquire scheduler lock")
			return
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	s.mu.Lock()
	s.cycle++
	full := s.config.FullRefreshEvery < 2 || s.cycle%s.config.FullRefreshEvery == 1
	s.mu.Unlock()

	trigger := orchestrator.Trigger{Type: models.RunTypeScheduled, By: Initiator}
	var (
		batch *models.BatchResult
		err   error
	)
	if full {
		batch, err = s.runner.RunAll(ctx, trigger)
	} else {
		batch, err = s.runner.RunForActiveSelections(ctx, trigger)
	}
	if err != nil {
		tracing.Fail(span, err)
		s.logger.WithContext(ctx).WithError(err).Error("Scheduled batch failed to start")
		return
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batch.BatchID,
		"status":   batch.Status,
		"full":     full,
	}).Info("Scheduled batch finished")
}

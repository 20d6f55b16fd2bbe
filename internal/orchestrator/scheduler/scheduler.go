// Package scheduler processes the task queue and dispatches tasks to
// worker goroutines.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator/queue"
	"github.com/devflow/devflow/internal/orchestrator/state"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
)

// Runner executes a dequeued task to completion.
type Runner interface {
	Execute(ctx context.Context, taskID string) error
}

// Config holds scheduler configuration
type Config struct {
	ProcessInterval time.Duration // Fallback poll interval for the queue
	MaxWorkers      int           // Max concurrent task executions
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		ProcessInterval: time.Second,
		MaxWorkers:      4,
	}
}

// Scheduler pulls tasks off the priority queue and runs each on its own
// worker goroutine, bounded by MaxWorkers. Dispatch happens on an explicit
// kick (submit, worker finish) with a ticker as fallback.
type Scheduler struct {
	queue  *queue.TaskQueue
	store  *state.Store
	runner Runner
	logger *logger.Logger
	config Config

	totalProcessed int64
	totalFailed    int64

	mu      sync.RWMutex
	running bool
	workers map[string]struct{}
	kick    chan struct{}
	stopCh  chan struct{}
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(q *queue.TaskQueue, store *state.Store, runner Runner, log *logger.Logger, config Config) *Scheduler {
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = time.Second
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	return &Scheduler{
		queue:   q,
		store:   store,
		runner:  runner,
		logger:  log.WithComponent("scheduler"),
		config:  config,
		workers: make(map[string]struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// Start begins the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("process_interval", s.config.ProcessInterval),
		zap.Int("max_workers", s.config.MaxWorkers))

	s.wg.Add(1)
	go s.dispatchLoop()
	return nil
}

// Stop cancels running workers and waits for the loop and workers to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Kick nudges the dispatch loop. Safe to call from any goroutine; a kick
// while one is already pending is a no-op.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// RunningWorkers returns the number of tasks currently executing.
func (s *Scheduler) RunningWorkers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// MaxWorkers returns the concurrency bound.
func (s *Scheduler) MaxWorkers() int {
	return s.config.MaxWorkers
}

// TotalProcessed returns the number of tasks that completed successfully.
func (s *Scheduler) TotalProcessed() int64 {
	return atomic.LoadInt64(&s.totalProcessed)
}

// TotalFailed returns the number of tasks that finished with an error.
func (s *Scheduler) TotalFailed() int64 {
	return atomic.LoadInt64(&s.totalFailed)
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ProcessInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler dispatch loop started")

	for {
		select {
		case <-s.baseCtx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			return
		case <-s.stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			return
		case <-s.kick:
			s.dispatch()
		case <-ticker.C:
			s.dispatch()
		}
	}
}

// dispatch starts workers while there is capacity and queued work.
func (s *Scheduler) dispatch() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		if len(s.workers) >= s.config.MaxWorkers {
			s.mu.Unlock()
			return
		}
		qt := s.queue.Dequeue()
		if qt == nil {
			s.mu.Unlock()
			return
		}

		entry, err := s.admit(qt.TaskID)
		if err != nil {
			s.mu.Unlock()
			s.logger.Debug("skipping stale queue entry",
				zap.String("task_id", qt.TaskID),
				zap.Error(err))
			continue
		}

		s.workers[qt.TaskID] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.logger.Info("dispatching task",
			zap.String("task_id", qt.TaskID),
			zap.Int("priority", qt.Priority))
		go s.runWorker(entry, qt.TaskID)
	}
}

// admit verifies a dequeued task is still runnable. Tasks cancelled while
// queued never reach a worker.
func (s *Scheduler) admit(taskID string) (*state.Entry, error) {
	entry, err := s.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if entry.Cancelled() {
		return nil, errors.New("task cancelled while queued")
	}
	if status := entry.Snapshot().Status; status != v1.TaskStatusPending {
		return nil, errors.New("task no longer pending: " + string(status))
	}
	return entry, nil
}

func (s *Scheduler) runWorker(entry *state.Entry, taskID string) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	entry.SetCancel(cancel)

	err := s.runner.Execute(ctx, taskID)

	s.mu.Lock()
	delete(s.workers, taskID)
	s.mu.Unlock()

	if err != nil {
		atomic.AddInt64(&s.totalFailed, 1)
		s.logger.Warn("task execution returned error",
			zap.String("task_id", taskID),
			zap.Error(err))
	} else {
		atomic.AddInt64(&s.totalProcessed, 1)
	}

	// Freed capacity, look for more work
	s.Kick()
}

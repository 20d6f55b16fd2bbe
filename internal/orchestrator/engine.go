// Package orchestrator wires the queue, scheduler, executor and event
// fan-out into the engine facade.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/clock"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/orchestrator/broadcast"
	"github.com/devflow/devflow/internal/orchestrator/executor"
	"github.com/devflow/devflow/internal/orchestrator/modes"
	"github.com/devflow/devflow/internal/orchestrator/queue"
	"github.com/devflow/devflow/internal/orchestrator/scheduler"
	"github.com/devflow/devflow/internal/orchestrator/state"
	"github.com/devflow/devflow/internal/provider"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Sentinel errors surfaced by the engine.
var (
	ErrUnknownMode   = modes.ErrUnknownMode
	ErrDuplicateTask = state.ErrDuplicateTask
	ErrTaskNotFound  = state.ErrTaskNotFound
	ErrQueueFull     = queue.ErrQueueFull
)

// Options configures the engine.
type Options struct {
	DefaultMode     string
	MaxWorkers      int
	QueueSize       int
	ProcessInterval time.Duration
}

// Handler receives engine events. Handlers run on the emitting goroutine;
// a panicking handler is recovered and logged, never propagated.
type Handler func(event *bus.Event)

// Engine is the orchestration facade: task submission, state queries,
// cancellation, mode switching and event subscription.
type Engine struct {
	opts        Options
	modes       *modes.Registry
	providers   *provider.Registry
	store       *state.Store
	queue       *queue.TaskQueue
	scheduler   *scheduler.Scheduler
	broadcaster *broadcast.Broadcaster
	clock       clock.Clock
	logger      *logger.Logger

	modeMu      sync.RWMutex
	currentMode string

	handlerMu sync.RWMutex
	handlers  map[string][]Handler
}

// NewEngine builds an engine. The default mode must exist in the registry.
func NewEngine(
	opts Options,
	modeReg *modes.Registry,
	providers *provider.Registry,
	broadcaster *broadcast.Broadcaster,
	clk clock.Clock,
	log *logger.Logger,
) (*Engine, error) {
	if opts.DefaultMode == "" {
		opts.DefaultMode = modes.ModeQuality
	}
	if !modeReg.Has(opts.DefaultMode) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, opts.DefaultMode)
	}

	e := &Engine{
		opts:        opts,
		modes:       modeReg,
		providers:   providers,
		store:       state.NewStore(),
		queue:       queue.NewTaskQueue(opts.QueueSize),
		broadcaster: broadcaster,
		clock:       clk,
		logger:      log.WithComponent("engine"),
		currentMode: opts.DefaultMode,
		handlers:    make(map[string][]Handler),
	}

	exec := executor.New(e.store, providers, e, clk, log)
	e.scheduler = scheduler.New(e.queue, e.store, exec, log, scheduler.Config{
		ProcessInterval: opts.ProcessInterval,
		MaxWorkers:      opts.MaxWorkers,
	})
	return e, nil
}

// Start launches the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	return e.scheduler.Start(ctx)
}

// Stop halts the scheduler and detaches broadcast subscribers. Running
// tasks are interrupted through their contexts.
func (e *Engine) Stop() error {
	if err := e.scheduler.Stop(); err != nil {
		return err
	}
	e.broadcaster.Close()
	return nil
}

// Submit validates and queues a task, returning its initial state.
func (e *Engine) Submit(ctx context.Context, req v1.SubmitTaskRequest) (*v1.TaskState, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("description is required")
	}

	mode := req.Mode
	if mode == "" {
		mode = e.CurrentMode()
	}
	cfg, err := e.modes.Get(mode)
	if err != nil {
		return nil, err
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	now := e.clock.Now()
	entry, err := e.store.Create(v1.NewTaskState(taskID, req.Description, mode, req.ProjectID, req.Priority, cfg, now))
	if err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(taskID, req.Priority, mode, now); err != nil {
		e.store.Delete(taskID)
		return nil, err
	}

	e.logger.Info("task submitted",
		zap.String("task_id", taskID),
		zap.String("mode", mode),
		zap.Int("priority", req.Priority))
	e.Emit(ctx, events.TaskSubmitted, taskID, map[string]interface{}{
		"task":        entry.Snapshot(),
		"description": req.Description,
		"mode":        mode,
		"priority":    req.Priority,
	})
	e.scheduler.Kick()

	return entry.Snapshot(), nil
}

// GetState returns a copy of a task's full state.
func (e *Engine) GetState(taskID string) (*v1.TaskState, error) {
	return e.store.Snapshot(taskID)
}

// Cancel stops a task. Queued tasks never start; running tasks are
// interrupted at the next checkpoint. Cancelling a terminal task is a
// no-op and returns false.
func (e *Engine) Cancel(ctx context.Context, taskID string) (bool, error) {
	entry, err := e.store.Get(taskID)
	if err != nil {
		return false, err
	}

	cancelled := false
	now := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		if st.Status.Terminal() {
			return
		}
		st.Status = v1.TaskStatusCancelled
		st.CompletedAt = &now
		cancelled = true
	})
	if !cancelled {
		return false, nil
	}

	e.queue.Remove(taskID)
	entry.Cancel()

	e.logger.Info("task cancelled", zap.String("task_id", taskID))
	e.Emit(ctx, events.TaskCancelled, taskID, map[string]interface{}{
		"task": entry.Snapshot(),
	})
	return true, nil
}

// SwitchMode changes the default mode for future submissions. Tasks
// already submitted keep the config snapshot taken at submission time.
func (e *Engine) SwitchMode(ctx context.Context, mode string) (*v1.ModeSwitch, error) {
	cfg, err := e.modes.Get(mode)
	if err != nil {
		return nil, err
	}

	e.modeMu.Lock()
	old := e.currentMode
	e.currentMode = mode
	e.modeMu.Unlock()

	sw := &v1.ModeSwitch{
		OldMode:     old,
		NewMode:     mode,
		ActiveTasks: e.store.ActiveCount(),
	}

	e.logger.Info("mode switched",
		zap.String("old_mode", old),
		zap.String("new_mode", mode))
	e.Emit(ctx, events.ModeChange, "", map[string]interface{}{
		"old_mode": old,
		"new_mode": mode,
		"config":   cfg,
	})
	return sw, nil
}

// CurrentMode returns the default mode for new submissions.
func (e *Engine) CurrentMode() string {
	e.modeMu.RLock()
	defer e.modeMu.RUnlock()
	return e.currentMode
}

// Modes returns the registered mode names.
func (e *Engine) Modes() []string {
	return e.modes.Names()
}

// ModeConfig returns the config of a registered mode.
func (e *Engine) ModeConfig(mode string) (v1.ModeConfig, error) {
	return e.modes.Get(mode)
}

// Stats reports current engine load.
func (e *Engine) Stats() v1.Stats {
	return v1.Stats{
		CurrentMode:    e.CurrentMode(),
		ActiveTasks:    e.store.ActiveCount(),
		QueuedTasks:    e.queue.Len(),
		RunningWorkers: e.scheduler.RunningWorkers(),
		MaxWorkers:     e.scheduler.MaxWorkers(),
	}
}

// QueuedTasks returns the queue contents in dequeue order.
func (e *Engine) QueuedTasks() []*queue.QueuedTask {
	return e.queue.List()
}

// HealthCheck probes the configured providers.
func (e *Engine) HealthCheck(ctx context.Context) map[string]error {
	return e.providers.HealthCheck(ctx)
}

// On registers a handler for an event type. "*" receives every event.
func (e *Engine) On(eventType string, h Handler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], h)
}

// Emit implements executor.Emitter: it dispatches the event to registered
// handlers and publishes it to the broadcaster.
func (e *Engine) Emit(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, taskID, data, e.clock.Now())
	event.Source = "engine"

	e.handlerMu.RLock()
	handlers := append([]Handler(nil), e.handlers[eventType]...)
	handlers = append(handlers, e.handlers["*"]...)
	e.handlerMu.RUnlock()

	for _, h := range handlers {
		e.invoke(h, event)
	}

	e.broadcaster.Publish(ctx, event)
}

func (e *Engine) invoke(h Handler, event *bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				zap.String("event_type", event.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	h(event)
}

// Package executor runs a task end to end: decomposition into phases,
// phase execution and per-agent provider calls.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/clock"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/orchestrator/decompose"
	"github.com/devflow/devflow/internal/orchestrator/state"
	"github.com/devflow/devflow/internal/provider"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// errCostLimitExceeded stops a task whose accumulated cost passed the
// mode's cost limit.
var errCostLimitExceeded = errors.New("cost limit exceeded")

// interrupted reports why execution should stop early: an engine-side
// cancel or an expired context. The cancel flag is checked first because
// a cancel may land before the entry's context hook is wired.
func interrupted(ctx context.Context, entry *state.Entry) error {
	if entry.Cancelled() {
		return context.Canceled
	}
	return ctx.Err()
}

// Emitter publishes orchestration events on behalf of the executor.
type Emitter interface {
	Emit(ctx context.Context, eventType, taskID string, data map[string]interface{})
}

// Executor drives a single task through its lifecycle. It owns no state of
// its own; all task state lives in the store and all visible progress goes
// through the emitter.
type Executor struct {
	store     *state.Store
	providers *provider.Registry
	emitter   Emitter
	clock     clock.Clock
	logger    *logger.Logger
}

// New creates an executor.
func New(store *state.Store, providers *provider.Registry, emitter Emitter, clk clock.Clock, log *logger.Logger) *Executor {
	return &Executor{
		store:     store,
		providers: providers,
		emitter:   emitter,
		clock:     clk,
		logger:    log.WithComponent("executor"),
	}
}

// Execute runs the task to a terminal status. A task cancelled before or
// during execution keeps the state the cancel path wrote; Execute never
// overwrites a terminal status.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	entry, err := e.store.Get(taskID)
	if err != nil {
		return err
	}
	if entry.Cancelled() {
		return nil
	}

	snap := entry.Snapshot()
	if snap.Status != v1.TaskStatusPending {
		// Stale queue entry, nothing to do
		return nil
	}
	cfg := snap.ModeConfig

	if timeout := cfg.TaskTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log := e.logger.WithTaskID(taskID)
	log.Info("task execution started", zap.String("mode", snap.Mode))

	started := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		st.Status = v1.TaskStatusDecomposing
		st.StartedAt = &started
	})
	e.emitter.Emit(ctx, events.TaskStarted, taskID, map[string]interface{}{
		"task":        entry.Snapshot(),
		"mode":        snap.Mode,
		"description": snap.Description,
	})

	phases := decompose.Plan(cfg)
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	entry.Mutate(func(st *v1.TaskState) {
		st.Status = v1.TaskStatusRunning
		st.Phases = phases
	})
	e.emitter.Emit(ctx, events.TaskDecomposed, taskID, map[string]interface{}{
		"task":        entry.Snapshot(),
		"phases":      len(phases),
		"phase_names": names,
		"depth":       cfg.DecompositionDepth,
	})

	for i := range phases {
		// Checkpoint between phases: a task cancelled here never starts
		// its next phase.
		if err := interrupted(ctx, entry); err != nil {
			return e.finishFailed(ctx, entry, taskID, i+1, err, log)
		}
		entry.Mutate(func(st *v1.TaskState) {
			st.CurrentPhase = i + 1
		})
		if err := e.runPhase(ctx, entry, taskID, i); err != nil {
			return e.finishFailed(ctx, entry, taskID, i+1, err, log)
		}
	}

	completed := e.clock.Now()
	var tokens int
	var cost float64
	entry.Mutate(func(st *v1.TaskState) {
		st.Status = v1.TaskStatusCompleted
		st.CompletedAt = &completed
		tokens = st.TokensUsed
		cost = st.EstimatedCost
	})
	e.emitter.Emit(ctx, events.TaskCompleted, taskID, map[string]interface{}{
		"task":           entry.Snapshot(),
		"tokens_used":    tokens,
		"estimated_cost": cost,
		"phases":         len(phases),
	})
	log.Info("task execution completed",
		zap.Int("tokens_used", tokens),
		zap.Float64("estimated_cost", cost),
	)
	return nil
}

// finishFailed converts an execution error into the task's terminal state.
// Cancellation is not a failure: the cancel path already wrote the terminal
// state and emitted its event.
func (e *Executor) finishFailed(ctx context.Context, entry *state.Entry, taskID string, phase int, execErr error, log *logger.Logger) error {
	if entry.Cancelled() {
		log.Info("task execution stopped by cancellation")
		return nil
	}

	errType := "agent_failed"
	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		errType = "timeout"
	case errors.Is(execErr, errCostLimitExceeded):
		errType = "cost_limit_exceeded"
	}

	now := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		st.Errors = append(st.Errors, v1.TaskError{
			Type:      errType,
			Phase:     phase,
			Message:   execErr.Error(),
			Timestamp: now,
		})
		st.Status = v1.TaskStatusFailed
		st.CompletedAt = &now
	})
	e.emitter.Emit(ctx, events.TaskFailed, taskID, map[string]interface{}{
		"task":       entry.Snapshot(),
		"error_type": errType,
		"phase":      phase,
		"message":    execErr.Error(),
	})
	log.Warn("task execution failed",
		zap.String("error_type", errType),
		zap.Int("phase", phase),
		zap.Error(execErr),
	)
	return fmt.Errorf("task %s failed: %w", taskID, execErr)
}

package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/orchestrator/prompt"
	"github.com/devflow/devflow/internal/orchestrator/state"
	"github.com/devflow/devflow/internal/provider"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// runAgent executes one agent of a phase: builds the prompt from the task
// description and accumulated results, calls the provider, then applies the
// outcome to the task state in a single mutation. An interrupt observed at
// any checkpoint stops the agent without events; a provider result that
// arrives after an interrupt is discarded.
func (e *Executor) runAgent(ctx context.Context, entry *state.Entry, taskID string, phaseIdx int, kind string) error {
	if err := interrupted(ctx, entry); err != nil {
		return err
	}

	snap := entry.Snapshot()
	cfg := snap.ModeConfig
	promptText := prompt.Build(snap.Description, kind, snap.Results)

	var phaseNumber, execIdx int
	var execSnap *v1.AgentExecution
	started := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		p := st.Phases[phaseIdx]
		phaseNumber = p.Number
		exec := &v1.AgentExecution{
			AgentType: kind,
			Status:    v1.ExecutionStatusRunning,
			Input:     map[string]string{"prompt": promptText},
			ModelUsed: cfg.PrimaryModel.Model,
			StartedAt: &started,
		}
		p.Executions = append(p.Executions, exec)
		execIdx = len(p.Executions) - 1
		execSnap = exec.Clone()
	})
	e.emitter.Emit(ctx, events.AgentStarted, taskID, map[string]interface{}{
		"phase":     phaseNumber,
		"agent":     kind,
		"model":     cfg.PrimaryModel.Model,
		"execution": execSnap,
	})

	result, err := e.generate(ctx, cfg, promptText, taskID, kind)
	if err == nil {
		if ierr := interrupted(ctx, entry); ierr != nil {
			err = ierr
		}
	}
	if err != nil {
		completed := e.clock.Now()
		entry.Mutate(func(st *v1.TaskState) {
			exec := st.Phases[phaseIdx].Executions[execIdx]
			exec.Status = v1.ExecutionStatusFailed
			exec.Error = err.Error()
			exec.CompletedAt = &completed
			exec.DurationMs = completed.Sub(started).Milliseconds()
			execSnap = exec.Clone()
		})
		if ierr := interrupted(ctx, entry); ierr != nil {
			// Interrupted mid-flight; any provider output is discarded and
			// the task accumulators stay untouched.
			return ierr
		}
		e.emitter.Emit(ctx, events.AgentCompleted, taskID, map[string]interface{}{
			"phase":     phaseNumber,
			"agent":     kind,
			"status":    string(v1.ExecutionStatusFailed),
			"error":     err.Error(),
			"execution": execSnap,
		})
		return fmt.Errorf("agent %s: %w", kind, err)
	}

	completed := e.clock.Now()
	var totalCost float64
	entry.Mutate(func(st *v1.TaskState) {
		exec := st.Phases[phaseIdx].Executions[execIdx]
		exec.Status = v1.ExecutionStatusCompleted
		exec.Output = map[string]string{"content": result.Content}
		exec.ModelUsed = result.Model
		exec.TokensInput = result.TokensInput
		exec.TokensOutput = result.TokensOutput
		exec.Cost = result.Cost
		exec.CompletedAt = &completed
		exec.DurationMs = completed.Sub(started).Milliseconds()

		st.TokensUsed += result.TotalTokens()
		st.EstimatedCost += result.Cost
		st.Results[kind] = v1.AgentResult{
			Output: result.Content,
			Tokens: result.TotalTokens(),
			Cost:   result.Cost,
		}
		totalCost = st.EstimatedCost
		execSnap = exec.Clone()
	})
	e.emitter.Emit(ctx, events.AgentCompleted, taskID, map[string]interface{}{
		"phase":     phaseNumber,
		"agent":     kind,
		"status":    string(v1.ExecutionStatusCompleted),
		"tokens":    result.TotalTokens(),
		"cost":      result.Cost,
		"execution": execSnap,
	})

	if cfg.CostLimit > 0 && totalCost > cfg.CostLimit {
		return fmt.Errorf("%w: %.4f over limit %.4f", errCostLimitExceeded, totalCost, cfg.CostLimit)
	}
	return nil
}

// generate calls the primary model and falls back to the fallback model on
// failure. Context errors are never retried against the fallback.
func (e *Executor) generate(ctx context.Context, cfg v1.ModeConfig, promptText, taskID, kind string) (*provider.Result, error) {
	result, err := e.generateWith(ctx, cfg.PrimaryModel, promptText)
	if err == nil || ctx.Err() != nil {
		return result, err
	}
	if cfg.FallbackModel.Provider == "" {
		return nil, err
	}

	e.logger.WithTaskID(taskID).Warn("primary model failed, trying fallback",
		zap.String("agent", kind),
		zap.String("primary", cfg.PrimaryModel.Model),
		zap.String("fallback", cfg.FallbackModel.Model),
		zap.Error(err),
	)
	result, fbErr := e.generateWith(ctx, cfg.FallbackModel, promptText)
	if fbErr != nil {
		return nil, fmt.Errorf("primary: %v; fallback: %w", err, fbErr)
	}
	return result, nil
}

func (e *Executor) generateWith(ctx context.Context, ref v1.ModelRef, promptText string) (*provider.Result, error) {
	p, err := e.providers.Get(ref.Provider)
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, promptText, provider.GenerateOptions{Model: ref.Model})
}

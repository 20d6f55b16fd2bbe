package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/orchestrator/state"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// runPhase executes the agents of one phase. Parallel phases launch every
// agent concurrently and wait for all of them; a failing agent never aborts
// its siblings. Sequential phases stop at the first failure.
func (e *Executor) runPhase(ctx context.Context, entry *state.Entry, taskID string, phaseIdx int) error {
	var number int
	var name string
	var agents []string
	var parallel bool

	started := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		p := st.Phases[phaseIdx]
		p.Status = v1.PhaseStatusRunning
		p.StartedAt = &started
		number = p.Number
		name = p.Name
		agents = append([]string(nil), p.Agents...)
		parallel = p.Parallel
	})
	e.emitter.Emit(ctx, events.PhaseStarted, taskID, map[string]interface{}{
		"phase":    number,
		"name":     name,
		"agents":   agents,
		"parallel": parallel,
	})

	var agentErr error
	if parallel {
		var g errgroup.Group
		for _, kind := range agents {
			kind := kind
			g.Go(func() error {
				return e.runAgent(ctx, entry, taskID, phaseIdx, kind)
			})
		}
		agentErr = g.Wait()
	} else {
		for _, kind := range agents {
			if agentErr = e.runAgent(ctx, entry, taskID, phaseIdx, kind); agentErr != nil {
				break
			}
		}
	}

	if err := interrupted(ctx, entry); err != nil {
		// Cancelled or timed out; the caller decides the task's terminal
		// state, the phase keeps whatever progress it made.
		return err
	}

	status := v1.PhaseStatusCompleted
	if agentErr != nil {
		status = v1.PhaseStatusFailed
	}
	completed := e.clock.Now()
	entry.Mutate(func(st *v1.TaskState) {
		p := st.Phases[phaseIdx]
		p.Status = status
		p.CompletedAt = &completed
	})
	e.emitter.Emit(ctx, events.PhaseCompleted, taskID, map[string]interface{}{
		"phase":  number,
		"name":   name,
		"status": string(status),
	})
	return agentErr
}

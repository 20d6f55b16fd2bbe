package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devflow/devflow/internal/common/clock"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/orchestrator/state"
	"github.com/devflow/devflow/internal/provider"
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

type fakeProvider struct {
	name     string
	mu       sync.Mutex
	prompts  []string
	calls    int
	generate func(ctx context.Context, call int, prompt string) (*provider.Result, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }

func (f *fakeProvider) Generate(ctx context.Context, prompt string, opts provider.GenerateOptions) (*provider.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.generate(ctx, call, prompt)
}

func okResult(call int) *provider.Result {
	return &provider.Result{
		Content:      fmt.Sprintf("result-%d", call),
		Model:        "fake-model",
		TokensInput:  100,
		TokensOutput: 50,
		Cost:         0.01,
	}
}

type recordedEvent struct {
	Type string
	Data map[string]interface{}
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
	hook   func(eventType string)
}

func (r *recorder) Emit(ctx context.Context, eventType, taskID string, data map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, recordedEvent{Type: eventType, Data: data})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(eventType)
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) has(eventType string) bool {
	return r.count(eventType) > 0
}

func (r *recorder) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) find(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *state.Store
	exec     *Executor
	recorder *recorder
	provider *fakeProvider
}

func newFixture(t *testing.T, p *fakeProvider) *fixture {
	t.Helper()
	store := state.NewStore()
	reg := provider.NewRegistry()
	reg.Register(p)
	rec := &recorder{}
	return &fixture{
		store:    store,
		exec:     New(store, reg, rec, clock.System(), logger.Default()),
		recorder: rec,
		provider: p,
	}
}

func (f *fixture) createTask(t *testing.T, id string, cfg v1.ModeConfig) *state.Entry {
	t.Helper()
	entry, err := f.store.Create(v1.NewTaskState(id, "build a widget", cfg.Name, "", 5, cfg, time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func deepConfig(agents ...string) v1.ModeConfig {
	return v1.ModeConfig{
		Name:               "QUALITY",
		DecompositionDepth: "deep",
		PrimaryModel:       v1.ModelRef{Provider: "fake", Model: "fake-model"},
		RequiredAgents:     agents,
	}
}

func TestExecuteDeepSuccess(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("concept", "architect", "implement"))

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s", snap.Status)
	}
	if len(snap.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(snap.Phases))
	}
	for _, ph := range snap.Phases {
		if ph.Status != v1.PhaseStatusCompleted {
			t.Errorf("phase %s: expected completed, got %s", ph.Name, ph.Status)
		}
	}
	if len(snap.Results) != 3 {
		t.Errorf("expected 3 results, got %d", len(snap.Results))
	}
	if snap.TokensUsed != 450 {
		t.Errorf("expected 450 tokens, got %d", snap.TokensUsed)
	}
	if snap.EstimatedCost < 0.029 || snap.EstimatedCost > 0.031 {
		t.Errorf("expected cost ~0.03, got %f", snap.EstimatedCost)
	}
	if snap.CompletedAt == nil || snap.StartedAt == nil {
		t.Error("expected started and completed timestamps")
	}

	want := []string{
		events.TaskStarted, events.TaskDecomposed,
		events.PhaseStarted, events.AgentStarted, events.AgentCompleted, events.PhaseCompleted,
		events.PhaseStarted, events.AgentStarted, events.AgentCompleted, events.PhaseCompleted,
		events.PhaseStarted, events.AgentStarted, events.AgentCompleted, events.PhaseCompleted,
		events.TaskCompleted,
	}
	if got := f.recorder.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("event order mismatch:\ngot  %v\nwant %v", got, want)
	}
}

func TestContextThreadsBetweenPhases(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("concept", "architect"))

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(p.prompts))
	}
	// The architect prompt carries the concept output
	if !strings.Contains(p.prompts[1], "result-1") {
		t.Errorf("architect prompt missing concept output:\n%s", p.prompts[1])
	}
}

func TestSequentialStopOnFailure(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		if call == 2 {
			return nil, errors.New("model exploded")
		}
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("concept", "architect", "implement"))

	if err := f.exec.Execute(context.Background(), "t1"); err == nil {
		t.Fatal("expected error from failed task")
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if p.calls != 2 {
		t.Errorf("later phases should not run after a failure, got %d calls", p.calls)
	}
	if len(snap.Errors) != 1 {
		t.Fatalf("expected 1 task error, got %d", len(snap.Errors))
	}
	if snap.Errors[0].Type != "agent_failed" || snap.Errors[0].Phase != 2 {
		t.Errorf("unexpected error record: %+v", snap.Errors[0])
	}
	if snap.Phases[0].Status != v1.PhaseStatusCompleted {
		t.Errorf("first phase should stay completed, got %s", snap.Phases[0].Status)
	}
	if snap.Phases[1].Status != v1.PhaseStatusFailed {
		t.Errorf("second phase should be failed, got %s", snap.Phases[1].Status)
	}
	if !f.recorder.has(events.TaskFailed) {
		t.Error("expected task_failed event")
	}
	if f.recorder.has(events.TaskCompleted) {
		t.Error("failed task must not emit task_completed")
	}
}

func TestParallelPhaseRunsAllAgents(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("implement", "review", "security"))

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	snap, _ := f.store.Snapshot("t1")
	review := snap.Phases[1]
	if !review.Parallel {
		t.Fatal("review phase should be parallel")
	}
	if len(review.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(review.Executions))
	}
	for _, kind := range []string{"review", "security"} {
		if _, ok := snap.Results[kind]; !ok {
			t.Errorf("missing result for %s", kind)
		}
	}
	if snap.TokensUsed != 450 {
		t.Errorf("expected all 3 agents to accumulate, got %d tokens", snap.TokensUsed)
	}
}

func TestTimeout(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, p)
	cfg := deepConfig("implement")
	cfg.TaskTimeoutMs = 50
	f.createTask(t, "t1", cfg)

	if err := f.exec.Execute(context.Background(), "t1"); err == nil {
		t.Fatal("expected error from timed out task")
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Type != "timeout" {
		t.Errorf("expected timeout error, got %+v", snap.Errors)
	}
	if !f.recorder.has(events.TaskFailed) {
		t.Error("expected task_failed event")
	}
	if snap.TokensUsed != 0 || snap.EstimatedCost != 0 {
		t.Error("interrupted work must not touch accumulators")
	}
}

func TestCancellation(t *testing.T) {
	started := make(chan struct{})
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, p)
	entry := f.createTask(t, "t1", deepConfig("implement"))

	ctx, cancel := context.WithCancel(context.Background())
	entry.SetCancel(cancel)

	done := make(chan error, 1)
	go func() { done <- f.exec.Execute(ctx, "t1") }()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("provider never started")
	}

	// What the engine's cancel path does
	now := time.Now().UTC()
	entry.Mutate(func(st *v1.TaskState) {
		st.Status = v1.TaskStatusCancelled
		st.CompletedAt = &now
	})
	entry.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("cancelled execution should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusCancelled {
		t.Errorf("cancel state must survive, got %s", snap.Status)
	}
	if f.recorder.has(events.TaskFailed) || f.recorder.has(events.TaskCompleted) {
		t.Error("cancelled task must not emit completion or failure")
	}
	if snap.TokensUsed != 0 || snap.EstimatedCost != 0 {
		t.Error("in-flight output must be discarded on cancel")
	}
}

func TestParallelSiblingRunsToCompletion(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		if strings.Contains(prompt, "Perform a security audit") {
			return okResult(call), nil
		}
		return nil, errors.New("review model exploded")
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("review", "security"))

	if err := f.exec.Execute(context.Background(), "t1"); err == nil {
		t.Fatal("expected error from failed review agent")
	}

	snap, _ := f.store.Snapshot("t1")
	phase := snap.Phases[0]
	if !phase.Parallel {
		t.Fatal("review phase should be parallel")
	}
	if phase.Status != v1.PhaseStatusFailed {
		t.Errorf("expected failed phase, got %s", phase.Status)
	}
	if len(phase.Executions) != 2 {
		t.Fatalf("both agents must run, got %d executions", len(phase.Executions))
	}

	byKind := make(map[string]*v1.AgentExecution, 2)
	for _, ex := range phase.Executions {
		byKind[ex.AgentType] = ex
	}
	if got := byKind["security"]; got.Status != v1.ExecutionStatusCompleted {
		t.Errorf("failing review must not abort security, got %s (%s)", got.Status, got.Error)
	}
	if got := byKind["review"]; got.Status != v1.ExecutionStatusFailed {
		t.Errorf("expected review failed, got %s", got.Status)
	}
	if _, ok := snap.Results["security"]; !ok {
		t.Error("security result should be recorded despite the sibling failure")
	}
	if n := f.recorder.count(events.AgentCompleted); n != 2 {
		t.Errorf("expected agent_completed from both agents, got %d", n)
	}
	if snap.Status != v1.TaskStatusFailed {
		t.Errorf("expected failed task, got %s", snap.Status)
	}
}

func TestCancelBetweenPhases(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	entry := f.createTask(t, "t1", deepConfig("concept", "architect"))

	// Cancel when the first phase finishes, the way the engine does it
	f.recorder.hook = func(eventType string) {
		if eventType != events.PhaseCompleted {
			return
		}
		now := time.Now().UTC()
		entry.Mutate(func(st *v1.TaskState) {
			if st.Status.Terminal() {
				return
			}
			st.Status = v1.TaskStatusCancelled
			st.CompletedAt = &now
		})
		entry.Cancel()
	}

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatalf("cancelled execution should return nil, got %v", err)
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if n := f.recorder.count(events.PhaseStarted); n != 1 {
		t.Errorf("second phase must not start after cancel, got %d phase_started", n)
	}
	if n := f.recorder.count(events.AgentStarted); n != 1 {
		t.Errorf("architect must not start after cancel, got %d agent_started", n)
	}
	if p.calls != 1 {
		t.Errorf("expected 1 provider call, got %d", p.calls)
	}
	if _, ok := snap.Results["architect"]; ok {
		t.Error("architect must not produce a result after cancel")
	}
	if f.recorder.has(events.TaskCompleted) || f.recorder.has(events.TaskFailed) {
		t.Error("cancelled task must not emit completion or failure")
	}
}

func TestLateProviderResultDiscardedOnCancel(t *testing.T) {
	var entry *state.Entry
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		// Cancel lands while the provider call is in flight; the call
		// still returns a success afterwards
		now := time.Now().UTC()
		entry.Mutate(func(st *v1.TaskState) {
			st.Status = v1.TaskStatusCancelled
			st.CompletedAt = &now
		})
		entry.Cancel()
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	entry = f.createTask(t, "t1", deepConfig("implement"))

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatalf("cancelled execution should return nil, got %v", err)
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if len(snap.Results) != 0 {
		t.Errorf("late output must be discarded, got results %v", snap.Results)
	}
	if snap.TokensUsed != 0 || snap.EstimatedCost != 0 {
		t.Error("late output must not touch accumulators")
	}
	if got := snap.Phases[0].Executions[0]; got.Status != v1.ExecutionStatusFailed {
		t.Errorf("interrupted execution should be marked failed, got %s", got.Status)
	}
	if f.recorder.has(events.AgentCompleted) {
		t.Error("no agent_completed after cancel")
	}
}

func TestEventPayloadSnapshots(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	f.createTask(t, "t1", deepConfig("implement"))

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	started := f.recorder.find(events.TaskStarted)
	if len(started) != 1 {
		t.Fatalf("expected 1 task_started, got %d", len(started))
	}
	if task, ok := started[0].Data["task"].(*v1.TaskState); !ok || task.TaskID != "t1" {
		t.Errorf("task_started payload missing task snapshot: %+v", started[0].Data)
	}

	agentDone := f.recorder.find(events.AgentCompleted)
	if len(agentDone) != 1 {
		t.Fatalf("expected 1 agent_completed, got %d", len(agentDone))
	}
	exec, ok := agentDone[0].Data["execution"].(*v1.AgentExecution)
	if !ok {
		t.Fatalf("agent_completed payload missing execution snapshot: %+v", agentDone[0].Data)
	}
	if exec.Status != v1.ExecutionStatusCompleted || exec.Output["content"] == "" {
		t.Errorf("unexpected execution snapshot: %+v", exec)
	}

	completed := f.recorder.find(events.TaskCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected 1 task_completed, got %d", len(completed))
	}
	if task, ok := completed[0].Data["task"].(*v1.TaskState); !ok || task.Status != v1.TaskStatusCompleted {
		t.Errorf("task_completed payload missing terminal snapshot: %+v", completed[0].Data)
	}
}

func TestCostLimit(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		r := okResult(call)
		r.Cost = 0.6
		return r, nil
	}}
	f := newFixture(t, p)
	cfg := v1.ModeConfig{
		Name:                 "COST",
		DecompositionDepth:   "shallow",
		ParallelizationLevel: "conservative",
		PrimaryModel:         v1.ModelRef{Provider: "fake", Model: "fake-model"},
		RequiredAgents:       []string{"implement", "test"},
		CostLimit:            1.0,
	}
	f.createTask(t, "t1", cfg)

	if err := f.exec.Execute(context.Background(), "t1"); err == nil {
		t.Fatal("expected cost limit error")
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if len(snap.Errors) != 1 || snap.Errors[0].Type != "cost_limit_exceeded" {
		t.Errorf("expected cost_limit_exceeded, got %+v", snap.Errors)
	}
	// Both agents ran; the limit trips after the overrunning agent
	if p.calls != 2 {
		t.Errorf("expected 2 calls before the limit tripped, got %d", p.calls)
	}
}

func TestFallbackModel(t *testing.T) {
	primary := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return nil, errors.New("primary down")
	}}
	fallback := &fakeProvider{name: "backup", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		r := okResult(call)
		r.Model = "backup-model"
		return r, nil
	}}

	f := newFixture(t, primary)
	store := f.store
	reg := provider.NewRegistry()
	reg.Register(primary)
	reg.Register(fallback)
	exec := New(store, reg, f.recorder, clock.System(), logger.Default())

	cfg := deepConfig("implement")
	cfg.FallbackModel = v1.ModelRef{Provider: "backup", Model: "backup-model"}
	f.createTask(t, "t1", cfg)

	if err := exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	snap, _ := f.store.Snapshot("t1")
	if snap.Status != v1.TaskStatusCompleted {
		t.Fatalf("expected completed via fallback, got %s", snap.Status)
	}
	exec0 := snap.Phases[0].Executions[0]
	if exec0.ModelUsed != "backup-model" {
		t.Errorf("expected fallback model recorded, got %s", exec0.ModelUsed)
	}
}

func TestStaleEntrySkipped(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	entry := f.createTask(t, "t1", deepConfig("implement"))
	entry.Mutate(func(st *v1.TaskState) { st.Status = v1.TaskStatusCancelled })

	if err := f.exec.Execute(context.Background(), "t1"); err != nil {
		t.Fatalf("stale execute should be a no-op, got %v", err)
	}
	if p.calls != 0 {
		t.Error("stale entry must not reach the provider")
	}
	if len(f.recorder.types()) != 0 {
		t.Errorf("stale entry must not emit events, got %v", f.recorder.types())
	}
}

func TestExecuteUnknownTask(t *testing.T) {
	p := &fakeProvider{name: "fake", generate: func(ctx context.Context, call int, prompt string) (*provider.Result, error) {
		return okResult(call), nil
	}}
	f := newFixture(t, p)
	if err := f.exec.Execute(context.Background(), "missing"); !errors.Is(err, state.ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

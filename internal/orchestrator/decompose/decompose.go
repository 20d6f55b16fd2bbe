// Package decompose turns a task description and mode config into an
// ordered phase plan.
package decompose

import (
	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// phaseGroup maps a canonical phase to the agent kinds that belong in it.
// Order here is execution order.
type phaseGroup struct {
	name        string
	description string
	agents      []string
}

var phaseGroups = []phaseGroup{
	{"Concept", "Analyze requirements and define scope", []string{"concept"}},
	{"Architecture", "Design the technical architecture", []string{"architect"}},
	{"Implementation", "Generate production code", []string{"implement"}},
	{"Testing", "Create and run tests", []string{"test"}},
	{"Review", "Review code quality and security", []string{"review", "security"}},
	{"Optimization", "Optimize performance", []string{"optimize"}},
	{"Documentation", "Generate documentation", []string{"docs"}},
	{"Deployment", "Prepare deployment configuration", []string{"deploy"}},
}

// Plan produces the phase list for a task. Shallow decomposition yields a
// single phase holding every required agent; deep decomposition walks the
// canonical groups in order and emits one phase per group that has at least
// one of the task's agents. Agents not covered by any group are dropped.
// The function is pure: equal inputs always produce an equal plan.
func Plan(cfg v1.ModeConfig) []*v1.Phase {
	agents := cfg.RequiredAgents

	if cfg.DecompositionDepth != "deep" {
		return []*v1.Phase{{
			Number:      1,
			Name:        "Execution",
			Description: "Execute all agents for the task",
			Status:      v1.PhaseStatusPending,
			Parallel:    cfg.ParallelizationLevel == "aggressive" && len(agents) > 1,
			Agents:      append([]string(nil), agents...),
		}}
	}

	present := make(map[string]bool, len(agents))
	for _, a := range agents {
		present[a] = true
	}

	var phases []*v1.Phase
	for _, g := range phaseGroups {
		var members []string
		for _, a := range g.agents {
			if present[a] {
				members = append(members, a)
			}
		}
		if len(members) == 0 {
			continue
		}
		phases = append(phases, &v1.Phase{
			Number:      len(phases) + 1,
			Name:        g.name,
			Description: g.description,
			Status:      v1.PhaseStatusPending,
			Parallel:    len(members) > 1,
			Agents:      members,
		})
	}
	return phases
}

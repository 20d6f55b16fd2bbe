// Package prompt builds agent prompts from the task description and the
// outputs of earlier agents.
package prompt

import (
	"fmt"

	v1 "github.com/devflow/devflow/pkg/api/v1"
)

// Truncation limits for prior-output context, per consuming agent kind.
const (
	implementContextLimit = 2000
	docsContextLimit      = 1500
	deployContextLimit    = 1000
)

// Build produces the prompt for an agent kind. It is a pure function: for
// fixed inputs the output is byte-identical. A missing prior output
// substitutes the literal "N/A"; an unknown kind yields a generic template.
func Build(description, agentKind string, results map[string]v1.AgentResult) string {
	switch agentKind {
	case "concept":
		return fmt.Sprintf(`Analyze this development task and provide a clear breakdown:

Task: %s

Provide:
1. Clear requirements list
2. User stories (if applicable)
3. Acceptance criteria
4. Scope boundaries

Be concise and actionable.`, description)

	case "architect":
		return fmt.Sprintf(`Design the technical architecture for this task:

Task: %s

Previous Analysis:
%s

Provide:
1. Component diagram (text-based)
2. Data flow description
3. API contracts (if applicable)
4. Technology recommendations

Be specific about implementation details.`, description, prior(results, "concept", 0))

	case "implement":
		return fmt.Sprintf(`Generate production-ready code for this task:

Task: %s

Architecture Context:
%s

Requirements:
- Follow best practices
- Include proper error handling
- Add necessary type annotations
- Make code testable

Generate complete, working code.`, description, prior(results, "architect", 0))

	case "test":
		return fmt.Sprintf(`Create comprehensive tests for this implementation:

Task: %s

Implementation:
%s

Create:
1. Unit tests
2. Integration tests (if applicable)
3. Edge case tests
4. Error handling tests`, description, prior(results, "implement", implementContextLimit))

	case "review":
		return fmt.Sprintf(`Review this code for quality and best practices:

Task: %s

Code to Review:
%s

Check for:
1. Code quality issues
2. Performance concerns
3. Security vulnerabilities
4. Best practice violations

Provide actionable feedback.`, description, prior(results, "implement", implementContextLimit))

	case "security":
		return fmt.Sprintf(`Perform a security audit on this implementation:

Task: %s

Code to Audit:
%s

Check for:
1. OWASP Top 10 vulnerabilities
2. Input validation issues
3. Authentication/Authorization flaws
4. Data exposure risks`, description, prior(results, "implement", implementContextLimit))

	case "optimize":
		return fmt.Sprintf(`Optimize this code for performance:

Task: %s

Code to Optimize:
%s

Focus on:
1. Algorithm efficiency
2. Memory usage
3. Database queries (if applicable)
4. Caching opportunities`, description, prior(results, "implement", implementContextLimit))

	case "docs":
		return fmt.Sprintf(`Generate documentation for this implementation:

Task: %s

Code:
%s

Create:
1. Function/method documentation
2. Usage examples
3. API documentation (if applicable)
4. README content`, description, prior(results, "implement", docsContextLimit))

	case "deploy":
		return fmt.Sprintf(`Create deployment configuration for this implementation:

Task: %s

Implementation Context:
%s

Provide:
1. Docker configuration (if applicable)
2. CI/CD pipeline steps
3. Environment variables needed
4. Deployment checklist`, description, prior(results, "implement", deployContextLimit))

	default:
		return fmt.Sprintf("Execute the %s task for: %s", agentKind, description)
	}
}

// prior returns the output of an earlier agent, truncated to limit runes
// when limit > 0, or "N/A" when the agent has not produced output.
func prior(results map[string]v1.AgentResult, agentKind string, limit int) string {
	r, ok := results[agentKind]
	if !ok || r.Output == "" {
		return "N/A"
	}
	if limit > 0 && len(r.Output) > limit {
		// Truncate on rune boundaries so a multi-byte rune at the cut
		// never leaves invalid UTF-8 in the prompt.
		if runes := []rune(r.Output); len(runes) > limit {
			return string(runes[:limit])
		}
	}
	return r.Output
}

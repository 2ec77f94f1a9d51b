// Package tools is the single gateway to the LLM layer. Every reasoning
// call — planning, acting, grounding, reflecting — goes through one Invoke
// operation on a named tool from a closed set.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/lybic/agent/internal/task"
)

// Tool names the closed set of invocable tools.
type Tool string

const (
	WebSearch                   Tool = "web_search"
	ContextFusion               Tool = "context_fusion"
	SubtaskPlanner              Tool = "subtask_planner"
	TrajReflector               Tool = "traj_reflector"
	MemoryRetrieval             Tool = "memory_retrieval"
	Grounding                   Tool = "grounding"
	Evaluator                   Tool = "evaluator"
	ActionGenerator             Tool = "action_generator"
	ActionGeneratorWithTakeover Tool = "action_generator_with_takeover"
	FastActionGenerator         Tool = "fast_action_generator"
	FastActionGenWithTakeover   Tool = "fast_action_generator_with_takeover"
	DAGTranslator               Tool = "dag_translator"
	Embedding                   Tool = "embedding"
	QueryFormulator             Tool = "query_formulator"
	NarrativeSummarization      Tool = "narrative_summarization"
	TextSpan                    Tool = "text_span"
	EpisodeSummarization        Tool = "episode_summarization"
)

// All lists every recognized tool.
var All = []Tool{
	WebSearch, ContextFusion, SubtaskPlanner, TrajReflector, MemoryRetrieval,
	Grounding, Evaluator, ActionGenerator, ActionGeneratorWithTakeover,
	FastActionGenerator, FastActionGenWithTakeover, DAGTranslator, Embedding,
	QueryFormulator, NarrativeSummarization, TextSpan, EpisodeSummarization,
}

var validTools = func() map[Tool]bool {
	m := make(map[Tool]bool, len(All))
	for _, t := range All {
		m[t] = true
	}
	return m
}()

// Valid reports whether name is in the closed tool set.
func Valid(name string) bool { return validTools[Tool(name)] }

// Call is one tool invocation.
type Call struct {
	Tool   Tool
	Text   string
	Image  []byte // optional screenshot, PNG bytes
	TaskID string // for metrics attribution
}

// Result carries the tool reply and its token accounting.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Currency     string
}

// Invoker executes named tools. Implementations must honor ctx cancellation
// and the per-call timeout.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
}

// ToolError is the kind-tagged failure of one tool call.
type ToolError struct {
	Tool      Tool
	Kind      task.Kind
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Retryable reports whether err is a tool failure worth retrying.
func Retryable(err error) bool {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

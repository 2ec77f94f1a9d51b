package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// ─── Planner ───

// Planner turns an instruction into an ordered subtask queue. The textual
// plan comes from the subtask planner tool; the DAG translator then
// recovers inter-subtask dependencies, and a topological sort produces the
// execution order.
type Planner struct {
	inv          tools.Invoker
	logger       *zap.SugaredLogger
	enableSearch bool
}

// NewPlanner builds a planner over the given invoker.
func NewPlanner(inv tools.Invoker, enableSearch bool, logger *zap.SugaredLogger) *Planner {
	return &Planner{inv: inv, logger: logger, enableSearch: enableSearch}
}

// InitialPlan produces the first subtask queue for an instruction.
func (p *Planner) InitialPlan(ctx context.Context, instruction string, screenshot []byte) ([]task.Subtask, error) {
	knowledge := p.retrieveKnowledge(ctx, instruction)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Instruction: %s\n", instruction)
	if knowledge != "" {
		fmt.Fprintf(&sb, "Background knowledge:\n%s\n", knowledge)
	}
	sb.WriteString("Break the instruction into an ordered list of concrete GUI subtasks.")

	res, err := p.inv.Invoke(ctx, tools.Call{
		Tool:  tools.SubtaskPlanner,
		Text:  sb.String(),
		Image: screenshot,
	})
	if err != nil {
		return nil, fmt.Errorf("subtask planner: %w", err)
	}
	return p.orderPlan(ctx, instruction, res.Text)
}

// Replan produces a revised queue after a subtask failure or a reflector
// replan recommendation. An empty revised queue is fatal: the model has
// concluded there is no way forward.
func (p *Planner) Replan(ctx context.Context, instruction string, screenshot []byte, plan task.Plan) ([]task.Subtask, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are revising the plan of an ongoing task.\nInstruction: %s\n", instruction)
	if n := len(plan.Failed); n > 0 {
		fmt.Fprintf(&sb, "The subtask %q cannot be completed.\n", plan.Failed[n-1].Name)
	}
	writeList := func(header string, items []task.Subtask) {
		if len(items) == 0 {
			return
		}
		sb.WriteString(header + "\n")
		for _, st := range items {
			fmt.Fprintf(&sb, "- %s\n", st.Name)
		}
	}
	writeList("Completed subtasks:", plan.Completed)
	writeList("Failed subtasks:", plan.Failed)
	writeList("Previously remaining subtasks:", plan.Remaining)
	sb.WriteString("Produce a revised ordered list of subtasks for the remaining work.")

	res, err := p.inv.Invoke(ctx, tools.Call{
		Tool:  tools.SubtaskPlanner,
		Text:  sb.String(),
		Image: screenshot,
	})
	if err != nil {
		return nil, fmt.Errorf("replan: %w", err)
	}

	queue, err := p.orderPlan(ctx, instruction, res.Text)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, task.E(task.KindFatal, "replanning produced an empty plan")
	}
	return queue, nil
}

// retrieveKnowledge runs the optional search pipeline. Any failure here
// degrades to planning without external context.
func (p *Planner) retrieveKnowledge(ctx context.Context, instruction string) string {
	if !p.enableSearch {
		return ""
	}

	query, err := p.inv.Invoke(ctx, tools.Call{
		Tool: tools.QueryFormulator,
		Text: fmt.Sprintf("Formulate a web search query for: %s", instruction),
	})
	if err != nil {
		p.logger.Warnw("Query formulation failed, planning without search", "error", err)
		return ""
	}

	results, err := p.inv.Invoke(ctx, tools.Call{Tool: tools.WebSearch, Text: query.Text})
	if err != nil {
		p.logger.Warnw("Web search failed, planning without search", "error", err)
		return ""
	}

	fused, err := p.inv.Invoke(ctx, tools.Call{
		Tool: tools.ContextFusion,
		Text: fmt.Sprintf("Instruction: %s\nSearch results:\n%s", instruction, results.Text),
	})
	if err != nil {
		p.logger.Warnw("Context fusion failed, planning without search", "error", err)
		return ""
	}
	return fused.Text
}

// orderPlan runs the DAG translator over the textual plan and sorts the
// result. A malformed or cyclic graph degrades to the linear plan order.
func (p *Planner) orderPlan(ctx context.Context, instruction, planText string) ([]task.Subtask, error) {
	linear := ParseSubtasks(planText)

	res, err := p.inv.Invoke(ctx, tools.Call{
		Tool: tools.DAGTranslator,
		Text: fmt.Sprintf("Instruction: %s\nPlan: %s", instruction, planText),
	})
	if err != nil {
		p.logger.Warnw("DAG translation failed, using linear plan order", "error", err)
		return linear, nil
	}

	graph, err := ParseDAG(res.Text)
	if err != nil {
		p.logger.Warnw("DAG parse failed, using linear plan order", "error", err)
		return linear, nil
	}
	ordered, err := TopoSort(graph)
	if err != nil {
		p.logger.Warnw("DAG sort failed, using linear plan order", "error", err)
		return linear, nil
	}
	return ordered, nil
}

var planLineRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*(.+)$`)

// ParseSubtasks extracts subtasks from a numbered or bulleted textual plan.
// The name is the leading phrase before a colon; the full line is kept as
// the info.
func ParseSubtasks(text string) []task.Subtask {
	var out []task.Subtask
	for _, line := range strings.Split(text, "\n") {
		m := planLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		name := body
		if idx := strings.Index(body, ":"); idx > 0 {
			name = strings.TrimSpace(body[:idx])
		}
		out = append(out, task.Subtask{Name: name, Info: body})
	}
	return out
}

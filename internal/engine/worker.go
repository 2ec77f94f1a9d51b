package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// ─── Worker ───

// StepInput is everything the worker needs to decide one step.
type StepInput struct {
	Instruction string
	Subtask     task.Subtask
	Future      []task.Subtask
	Done        []task.Subtask
	Reflection  string
	Screenshot  []byte
	ScreenW     int
	ScreenH     int
}

// StepPlan is the worker's decision for one step.
type StepPlan struct {
	Action          action.Action
	Thought         string
	Raw             string
	GroundingFailed bool
}

// Worker produces the next device action for the current subtask: one
// action-generator call, a pseudocode parse, and a grounding call for any
// element description that still needs coordinates.
type Worker struct {
	inv      tools.Invoker
	logger   *zap.SugaredLogger
	mode     task.Mode
	takeover bool
}

// NewWorker builds a worker for the task's mode.
func NewWorker(inv tools.Invoker, mode task.Mode, takeover bool, logger *zap.SugaredLogger) *Worker {
	return &Worker{inv: inv, logger: logger, mode: mode, takeover: takeover}
}

// generatorTool picks the action generator variant for the mode and
// takeover settings.
func (w *Worker) generatorTool() tools.Tool {
	switch {
	case w.mode == task.ModeFast && w.takeover:
		return tools.FastActionGenWithTakeover
	case w.mode == task.ModeFast:
		return tools.FastActionGenerator
	case w.takeover:
		return tools.ActionGeneratorWithTakeover
	default:
		return tools.ActionGenerator
	}
}

// NextAction decides the next step. A reply that cannot be parsed into any
// action is an error; a grounding miss degrades to a short wait so the
// reflector sees the stall instead of the task dying.
func (w *Worker) NextAction(ctx context.Context, in StepInput) (*StepPlan, error) {
	res, err := w.inv.Invoke(ctx, tools.Call{
		Tool:  w.generatorTool(),
		Text:  composeStepMessage(in),
		Image: in.Screenshot,
	})
	if err != nil {
		return nil, fmt.Errorf("action generator: %w", err)
	}

	act, err := action.Parse(res.Text)
	if err != nil {
		return nil, fmt.Errorf("parse generated action: %w", err)
	}

	plan := &StepPlan{Action: act, Thought: thoughtOf(res.Text), Raw: res.Text}
	if err := w.ground(ctx, plan, in); err != nil {
		return nil, err
	}
	return plan, nil
}

// composeStepMessage builds the generator's user message in the fixed
// section order the prompt templates expect.
func composeStepMessage(in StepInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current subtask: %s\n", in.Subtask.Name)
	if in.Subtask.Info != "" && in.Subtask.Info != in.Subtask.Name {
		fmt.Fprintf(&sb, "Subtask details: %s\n", in.Subtask.Info)
	}
	if len(in.Future) > 0 {
		sb.WriteString("FUTURE_TASKS:\n")
		for _, st := range in.Future {
			fmt.Fprintf(&sb, "- %s\n", st.Name)
		}
	}
	if len(in.Done) > 0 {
		sb.WriteString("DONE_TASKS:\n")
		for _, st := range in.Done {
			fmt.Fprintf(&sb, "- %s\n", st.Name)
		}
	}
	fmt.Fprintf(&sb, "Overall instruction: %s\n", in.Instruction)
	if in.Reflection != "" {
		fmt.Fprintf(&sb, "Reflection on the previous step: %s\n", in.Reflection)
	}
	return sb.String()
}

// thoughtOf keeps the prose before the grounded-action marker as the step's
// recorded reasoning.
func thoughtOf(text string) string {
	if idx := strings.LastIndex(text, "(Grounded Action)"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// ground resolves element descriptions into pixel coordinates in place.
func (w *Worker) ground(ctx context.Context, plan *StepPlan, in StepInput) error {
	width, height := screenshotBounds(in, w.logger)

	locate := func(desc string) ([]int, bool) {
		xy, err := w.locate(ctx, desc, in.Screenshot, width, height)
		if err != nil {
			w.logger.Warnw("Grounding failed", "description", desc, "error", err)
			return nil, false
		}
		return xy, true
	}

	switch a := plan.Action.(type) {
	case *action.Click:
		if len(a.XY) != 2 {
			xy, ok := locate(a.ElementDescription)
			if !ok {
				plan.degradeToWait()
				return nil
			}
			a.XY = xy
		}
	case *action.Scroll:
		if len(a.XY) != 2 {
			xy, ok := locate(a.ElementDescription)
			if !ok {
				plan.degradeToWait()
				return nil
			}
			a.XY = xy
		}
	case *action.TypeText:
		if a.ElementDescription != "" && len(a.XY) != 2 {
			xy, ok := locate(a.ElementDescription)
			if !ok {
				plan.degradeToWait()
				return nil
			}
			a.XY = xy
		}
	case *action.Drag:
		if len(a.Start) != 2 {
			xy, ok := locate(a.StartDescription)
			if !ok {
				plan.degradeToWait()
				return nil
			}
			a.Start = xy
		}
		if len(a.End) != 2 {
			xy, ok := locate(a.EndDescription)
			if !ok {
				plan.degradeToWait()
				return nil
			}
			a.End = xy
		}
	}
	return nil
}

// degradeToWait replaces the action with a one-second wait and marks the
// grounding failure for the reflector.
func (p *StepPlan) degradeToWait() {
	p.Action = &action.Wait{Seconds: 1}
	p.GroundingFailed = true
}

// screenshotBounds grounds against the decoded PNG dimensions. When they
// disagree with the backend-reported screen size, the screenshot wins.
func screenshotBounds(in StepInput, logger *zap.SugaredLogger) (int, int) {
	width, height := in.ScreenW, in.ScreenH
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Screenshot)); err == nil {
		if (cfg.Width != width || cfg.Height != height) && width > 0 {
			logger.Warnw("Screenshot size differs from reported screen size",
				"screenshot_w", cfg.Width, "screenshot_h", cfg.Height,
				"screen_w", width, "screen_h", height,
			)
		}
		width, height = cfg.Width, cfg.Height
	}
	return width, height
}

var intRe = regexp.MustCompile(`-?\d+`)

// locate calls the grounding tool and validates the reply: at least two
// integers, both inside the screenshot.
func (w *Worker) locate(ctx context.Context, desc string, screenshot []byte, width, height int) ([]int, error) {
	if desc == "" {
		return nil, fmt.Errorf("empty element description")
	}
	res, err := w.inv.Invoke(ctx, tools.Call{
		Tool:  tools.Grounding,
		Text:  fmt.Sprintf("Locate this element and answer with its pixel coordinates: %s", desc),
		Image: screenshot,
	})
	if err != nil {
		return nil, err
	}

	nums := intRe.FindAllString(res.Text, 2)
	if len(nums) < 2 {
		return nil, fmt.Errorf("grounding reply has no coordinates: %s", truncate(res.Text, 80))
	}
	x, _ := strconv.Atoi(nums[0])
	y, _ := strconv.Atoi(nums[1])
	if x < 0 || y < 0 || (width > 0 && x >= width) || (height > 0 && y >= height) {
		return nil, fmt.Errorf("coordinates (%d, %d) outside %dx%d screenshot", x, y, width, height)
	}
	return []int{x, y}, nil
}

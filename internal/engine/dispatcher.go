package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/backend"
	"github.com/lybic/agent/internal/event"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
	"github.com/lybic/agent/internal/workspace"
)

// ─── Dispatcher ───

// Config wires one task's dispatcher.
type Config struct {
	Task            *task.Task
	Store           store.Store
	Bus             *event.Bus
	Workspace       *workspace.Workspace
	Backend         backend.Backend
	Invoker         tools.Invoker
	Metrics         metrics.Recorder
	Logger          *zap.SugaredLogger
	EnableSearch    bool
	EnableTakeover  bool
	ReflectInterval int
}

// Dispatcher runs one task to a terminal state. It is single-threaded:
// screenshots, tool calls and action execution all happen inline, so task
// state never races with itself.
type Dispatcher struct {
	t         *task.Task
	store     store.Store
	bus       *event.Bus
	ws        *workspace.Workspace
	backend   backend.Backend
	planner   *Planner
	worker    *Worker
	reflector *Reflector
	metrics   metrics.Recorder
	logger    *zap.SugaredLogger
	logFile   *os.File
}

// New builds a dispatcher. The per-task log mirrors to the workspace so the
// trail survives process exit.
func New(cfg Config) *Dispatcher {
	base := cfg.Logger.Desugar()
	var logFile *os.File
	if f, err := cfg.Workspace.LogFile(); err == nil {
		logFile = f
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			zapcore.AddSync(f),
			zapcore.DebugLevel,
		)
		base = zap.New(zapcore.NewTee(base.Core(), fileCore))
	} else {
		cfg.Logger.Warnw("Per-task log file unavailable", "task_id", cfg.Task.ID, "error", err)
	}
	logger := base.Sugar().With("task_id", cfg.Task.ID)

	d := &Dispatcher{
		t:       cfg.Task,
		store:   cfg.Store,
		bus:     cfg.Bus,
		ws:      cfg.Workspace,
		backend: cfg.Backend,
		metrics: cfg.Metrics,
		logger:  logger,
		logFile: logFile,
	}
	inv := &accountingInvoker{next: cfg.Invoker, d: d}
	d.planner = NewPlanner(inv, cfg.EnableSearch, logger)
	d.worker = NewWorker(inv, cfg.Task.Mode, cfg.EnableTakeover, logger)
	d.reflector = NewReflector(inv, cfg.ReflectInterval, logger)
	return d
}

// Run executes the task until terminal and returns the terminal status.
// The bus stays open: closing it after the linger is the manager's job.
func (d *Dispatcher) Run(ctx context.Context) task.Status {
	defer func() {
		if d.logFile != nil {
			d.logFile.Close()
		}
	}()

	d.metrics.QueueWait(time.Since(d.t.CreatedAt).Seconds())
	now := time.Now()
	d.t.Status = task.StatusRunning
	d.t.StartedAt = &now
	d.persist(store.Patch{Status: &d.t.Status, StartedAt: d.t.StartedAt})
	d.publish(event.StageStarting, "Task started", nil)
	d.logger.Infow("Dispatcher started", "instruction", d.t.Instruction, "max_steps", d.t.MaxSteps)

	status := d.execute(ctx)
	d.finish(status)
	return status
}

// execute is the per-step state machine. It returns the terminal status and
// leaves the final message on the task.
func (d *Dispatcher) execute(ctx context.Context) task.Status {
	if ctx.Err() != nil {
		return task.StatusCancelled
	}

	d.publish(event.StagePlanning, "Planning task", nil)
	shot := d.screenshot(ctx)
	queue, err := d.planner.InitialPlan(ctx, d.t.Instruction, shot)
	if err != nil {
		return d.failWith(ctx, "planning_failed", err)
	}
	if len(queue) == 0 {
		d.t.FinalMessage = "empty_plan"
		return task.StatusFailed
	}
	d.t.Plan.Remaining = queue
	d.savePlan()
	d.publish(event.StagePlanning, fmt.Sprintf("Plan ready with %d subtasks", len(queue)),
		map[string]any{"subtasks": subtaskNames(queue)})

	var current *task.Subtask
	stepsOnSubtask := 0
	reflection := ""

	for {
		if ctx.Err() != nil {
			return task.StatusCancelled
		}

		if current == nil {
			if len(d.t.Plan.Remaining) == 0 {
				return task.StatusCompleted
			}
			next := d.t.Plan.Remaining[0]
			current = &next
			stepsOnSubtask = 0
			reflection = ""
			d.publish(event.StageExecuting, fmt.Sprintf("Starting subtask: %s", current.Name), nil)
		}

		// Budget gate before any further work: done/fail steps count too,
		// so a worker that fails every step cannot replan forever.
		if d.t.Stats.Steps >= d.t.MaxSteps {
			d.t.FinalMessage = "step_budget_exhausted"
			return task.StatusFailed
		}

		shot = d.screenshot(ctx)
		shotPath := ""
		if len(shot) > 0 {
			if p, err := d.ws.SaveScreenshot(shot); err == nil {
				shotPath = p
			} else {
				d.logger.Warnw("Screenshot save failed", "error", err)
			}
		}
		width, height, _ := d.backend.ScreenSize(ctx)

		stepStart := time.Now()
		plan, err := d.worker.NextAction(ctx, StepInput{
			Instruction: d.t.Instruction,
			Subtask:     *current,
			Future:      d.t.Plan.Remaining[1:],
			Done:        d.t.Plan.Completed,
			Reflection:  reflection,
			Screenshot:  shot,
			ScreenW:     width,
			ScreenH:     height,
		})
		if err != nil {
			return d.failWith(ctx, "action_generation_failed", err)
		}

		switch a := plan.Action.(type) {
		case *action.Done:
			// done() is an executed step, same as in the step counter of a
			// device action.
			d.recordControlStep(plan, *current, shotPath, true)
			d.t.Plan.Completed = append(d.t.Plan.Completed, *current)
			d.t.Plan.Remaining = d.t.Plan.Remaining[1:]
			current = nil
			if a.ReturnValue != "" {
				d.t.FinalMessage = a.ReturnValue
			}
			d.savePlan()
			d.publish(event.StageExecuting, "Subtask completed", nil)
			continue
		case *action.Fail:
			d.recordControlStep(plan, *current, shotPath, false)
			current = nil
			if st := d.replan(ctx, "subtask reported unachievable"); st != "" {
				return st
			}
			continue
		}

		rec := d.executeAction(ctx, plan, *current, shotPath)
		d.metrics.TaskLatency(time.Since(stepStart).Seconds())
		stepsOnSubtask++
		if ctx.Err() != nil {
			return task.StatusCancelled
		}

		rep := d.reflector.Reflect(ctx, ReflectInput{
			Instruction:    d.t.Instruction,
			Subtask:        *current,
			ActionJSON:     rec.Action,
			Screenshot:     shot,
			StepsOnSubtask: stepsOnSubtask,
		})
		if plan.GroundingFailed {
			rep.Issues = append(rep.Issues, "grounding failed for the requested element")
		}
		if err := d.ws.AppendRecord("reflections", rep); err != nil {
			d.logger.Warnw("Reflection record write failed", "error", err)
		}
		d.publish(event.StageReflecting, fmt.Sprintf("Trajectory %s", rep.Status),
			map[string]any{"recommendation": rep.Recommendation})
		reflection = strings.Join(append(rep.Issues, rep.Suggestions...), "; ")

		if rep.Recommendation == task.RecommendReplan {
			current = nil
			if st := d.replan(ctx, "reflector recommended replanning"); st != "" {
				return st
			}
			continue
		}
	}
}

// executeAction runs one device action, records it, and advances the step
// accounting.
func (d *Dispatcher) executeAction(ctx context.Context, plan *StepPlan, current task.Subtask, shotPath string) *task.ActionRecord {
	payload, err := action.Encode(plan.Action)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"type":%q}`, plan.Action.Type()))
	}

	rec := &task.ActionRecord{
		Step:        d.t.Stats.Steps + 1,
		Timestamp:   time.Now(),
		Subtask:     current.Name,
		Description: plan.Thought,
		Action:      payload,
		Screenshot:  shotPath,
	}

	res, err := d.backend.Execute(ctx, plan.Action)
	switch {
	case err != nil:
		rec.Error = err.Error()
	case res.Success:
		rec.Success = true
	default:
		rec.Error = res.Error
	}

	d.t.Stats.Steps++
	if err := d.ws.AppendRecord("actions", rec); err != nil {
		d.logger.Warnw("Action record write failed", "error", err)
	}
	d.persist(store.Patch{Stats: &d.t.Stats})
	d.publish(event.StageExecuting,
		fmt.Sprintf("Step %d: %s", rec.Step, plan.Action.Type()),
		map[string]any{"action": plan.Action.Type(), "success": rec.Success})
	if rec.Error != "" {
		d.logger.Warnw("Action did not succeed", "action", plan.Action.Type(), "error", rec.Error)
	}
	return rec
}

// recordControlStep charges a done/fail decision against the step budget
// and records it like any executed action, minus the device round-trip.
func (d *Dispatcher) recordControlStep(plan *StepPlan, current task.Subtask, shotPath string, success bool) {
	payload, err := action.Encode(plan.Action)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"type":%q}`, plan.Action.Type()))
	}

	rec := &task.ActionRecord{
		Step:        d.t.Stats.Steps + 1,
		Timestamp:   time.Now(),
		Subtask:     current.Name,
		Description: plan.Thought,
		Action:      payload,
		Screenshot:  shotPath,
		Success:     success,
	}

	d.t.Stats.Steps++
	if err := d.ws.AppendRecord("actions", rec); err != nil {
		d.logger.Warnw("Action record write failed", "error", err)
	}
	d.persist(store.Patch{Stats: &d.t.Stats})
	d.publish(event.StageExecuting,
		fmt.Sprintf("Step %d: %s", rec.Step, plan.Action.Type()),
		map[string]any{"action": plan.Action.Type(), "success": success})
}

// replan swaps the remaining queue after a failure. The failed subtask is
// the head of the old queue. A non-empty return is a terminal status.
func (d *Dispatcher) replan(ctx context.Context, reason string) task.Status {
	if len(d.t.Plan.Remaining) > 0 {
		d.t.Plan.Failed = append(d.t.Plan.Failed, d.t.Plan.Remaining[0])
		d.t.Plan.Remaining = d.t.Plan.Remaining[1:]
	}
	d.publish(event.StageReplanning, "Replanning: "+reason, nil)

	queue, err := d.planner.Replan(ctx, d.t.Instruction, d.screenshot(ctx), d.t.Plan)
	if err != nil {
		if task.IsKind(err, task.KindFatal) {
			d.t.FinalMessage = "empty_plan"
			return task.StatusFailed
		}
		return d.failWith(ctx, "replanning_failed", err)
	}
	d.t.Plan.Remaining = queue
	d.savePlan()
	d.publish(event.StageReplanning, fmt.Sprintf("Revised plan with %d subtasks", len(queue)),
		map[string]any{"subtasks": subtaskNames(queue)})
	return ""
}

// failWith distinguishes cancellation from genuine failure and sets the
// final message accordingly.
func (d *Dispatcher) failWith(ctx context.Context, reason string, err error) task.Status {
	if ctx.Err() != nil || task.IsKind(err, task.KindCancelled) {
		return task.StatusCancelled
	}
	d.logger.Errorw("Task step failed", "reason", reason, "error", err)
	d.t.FinalMessage = fmt.Sprintf("%s: %v", reason, err)
	return task.StatusFailed
}

// finish records the terminal state: store, workspace, events, metrics,
// sandbox teardown. Uses a fresh context so a cancelled task still persists.
func (d *Dispatcher) finish(status task.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now()
	d.t.Status = status
	d.t.EndedAt = &now
	if status == task.StatusCancelled && d.t.FinalMessage == "" {
		d.t.FinalMessage = "cancelled"
	}
	if err := d.store.Update(ctx, d.t.ID, store.Patch{
		Status:       &d.t.Status,
		EndedAt:      d.t.EndedAt,
		FinalMessage: &d.t.FinalMessage,
		Stats:        &d.t.Stats,
		Plan:         &d.t.Plan,
	}); err != nil {
		d.logger.Errorw("Terminal state persistence failed", "error", err)
	}

	termination := map[string]any{
		"status":        string(status),
		"final_message": d.t.FinalMessage,
		"steps":         d.t.Stats.Steps,
		"ended_at":      now,
	}
	if err := d.ws.WriteState("termination", termination); err != nil {
		d.logger.Warnw("Termination record write failed", "error", err)
	}

	if d.t.StartedAt != nil {
		d.metrics.TaskDuration(now.Sub(*d.t.StartedAt).Seconds())
	}
	d.metrics.TaskSteps(d.t.Stats.Steps)
	d.metrics.TaskCreated(string(status))

	if d.t.DestroySandbox {
		if err := d.backend.ReleaseSandbox(ctx); err != nil {
			d.logger.Warnw("Sandbox release failed", "error", err)
		}
	}

	stage := event.StageFinished
	switch status {
	case task.StatusFailed:
		stage = event.StageFailed
	case task.StatusCancelled:
		stage = event.StageCancelled
	}
	d.publish(stage, d.t.FinalMessage, map[string]any{"steps": d.t.Stats.Steps})
	d.logger.Infow("Dispatcher finished",
		"status", status,
		"steps", d.t.Stats.Steps,
		"final_message", d.t.FinalMessage,
	)
}

// screenshot captures the screen, best effort: planning and grounding can
// proceed without one.
func (d *Dispatcher) screenshot(ctx context.Context) []byte {
	if ctx.Err() != nil {
		return nil
	}
	res, err := d.backend.Execute(ctx, &action.Screenshot{})
	if err != nil || !res.Success {
		d.logger.Warnw("Screenshot capture failed", "error", err)
		return nil
	}
	return res.Observation
}

func (d *Dispatcher) savePlan() {
	d.persist(store.Patch{Plan: &d.t.Plan})
	if err := d.ws.WriteState("plan", d.t.Plan); err != nil {
		d.logger.Warnw("Plan state write failed", "error", err)
	}
}

func (d *Dispatcher) persist(p store.Patch) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.store.Update(ctx, d.t.ID, p); err != nil {
		d.logger.Errorw("State persistence failed", "error", err)
	}
}

func (d *Dispatcher) publish(stage event.Stage, message string, payload map[string]any) {
	d.bus.Publish(stage, message, payload)
}

func subtaskNames(subtasks []task.Subtask) []string {
	names := make([]string, len(subtasks))
	for i, st := range subtasks {
		names[i] = st.Name
	}
	return names
}

// ─── Tool Accounting ───

// accountingInvoker threads every tool call through the task's stats and
// conversation history. Images never reach the stored conversation.
type accountingInvoker struct {
	next tools.Invoker
	d    *Dispatcher
}

type conversationEntry struct {
	Tool      string    `json:"tool"`
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *accountingInvoker) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	call.TaskID = a.d.t.ID
	res, err := a.next.Invoke(ctx, call)
	if err != nil {
		return nil, err
	}

	d := a.d
	d.t.Stats.InputTokens += res.InputTokens
	d.t.Stats.OutputTokens += res.OutputTokens
	d.t.Stats.Cost += res.Cost
	if d.t.Stats.Currency == "" {
		d.t.Stats.Currency = res.Currency
	}

	entry, merr := json.Marshal(conversationEntry{
		Tool:      string(call.Tool),
		Request:   call.Text,
		Response:  res.Text,
		Timestamp: time.Now(),
	})
	if merr == nil {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if aerr := d.store.AppendConversation(cctx, d.t.ID, []json.RawMessage{entry}); aerr != nil {
			d.logger.Warnw("Conversation append failed", "error", aerr)
		}
	}
	return res, nil
}

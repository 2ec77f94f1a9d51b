package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/backend"
	"github.com/lybic/agent/internal/event"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
	"github.com/lybic/agent/internal/workspace"
)

type dispatcherFixture struct {
	t        *testing.T
	task     *task.Task
	store    *store.Memory
	bus      *event.Bus
	backend  *backend.Scripted
	sub      *event.Subscription
	dispatch *Dispatcher
}

func newDispatcherFixture(t *testing.T, inv tools.Invoker, maxSteps int) *dispatcherFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	tk := &task.Task{
		ID:          "task-1",
		Instruction: "save the document",
		Status:      task.StatusPending,
		CreatedAt:   time.Now(),
		Mode:        task.ModeNormal,
		MaxSteps:    maxSteps,
		Platform:    task.PlatformLinux,
	}
	mem := store.NewMemory()
	require.NoError(t, mem.Create(context.Background(), tk))

	ws, err := workspace.New(t.TempDir(), tk.ID, logger)
	require.NoError(t, err)

	bus := event.NewBus(tk.ID, logger)
	scripted := backend.NewScripted(logger)

	f := &dispatcherFixture{
		t:       t,
		task:    tk,
		store:   mem,
		bus:     bus,
		backend: scripted,
		sub:     bus.Subscribe(),
	}
	f.dispatch = New(Config{
		Task:      tk,
		Store:     mem,
		Bus:       bus,
		Workspace: ws,
		Backend:   scripted,
		Invoker:   inv,
		Metrics:   metrics.Noop{},
		Logger:    logger,
	})
	return f
}

// stages drains the subscription until a terminal stage arrives.
func (f *dispatcherFixture) stages() []event.Stage {
	f.t.Helper()
	var out []event.Stage
	deadline := time.After(10 * time.Second)
	for {
		select {
		case evt := <-f.sub.Events():
			require.NotNil(f.t, evt, "bus closed before a terminal event")
			out = append(out, evt.Stage)
			switch evt.Stage {
			case event.StageFinished, event.StageFailed, event.StageCancelled:
				return out
			}
		case <-deadline:
			f.t.Fatal("no terminal event within deadline")
		}
	}
}

func (f *dispatcherFixture) stored() *task.Task {
	f.t.Helper()
	got, err := f.store.Get(context.Background(), f.task.ID)
	require.NoError(f.t, err)
	return got
}

const oneNodeDAG = `{"nodes": ["Open app"], "edges": []}`

// Happy path: two subtasks, one action plus a closing done() each, so the
// task completes after four counted steps.
func TestDispatcherCompletesTask(t *testing.T) {
	generated := 0
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			return "1. Open app\n2. Save file", nil
		case tools.DAGTranslator:
			return twoNodeDAG, nil
		case tools.ActionGenerator:
			generated++
			if generated%2 == 1 {
				return "(Grounded Action)\n```\nagent.hotkey([\"ctrl\", \"s\"])\n```", nil
			}
			return "(Grounded Action)\nDONE", nil
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 50)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusCompleted, status)

	stages := f.stages()
	assert.Equal(t, event.StageStarting, stages[0])
	assert.Equal(t, event.StagePlanning, stages[1])
	assert.Equal(t, event.StageFinished, stages[len(stages)-1])
	assert.Contains(t, stages, event.StageExecuting)
	assert.Contains(t, stages, event.StageReflecting)

	got := f.stored()
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 4, got.Stats.Steps)
	assert.Positive(t, got.Stats.InputTokens)
	assert.Len(t, got.Plan.Completed, 2)
	assert.Empty(t, got.Plan.Remaining)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt)
	assert.NotEmpty(t, got.Conversation)
}

// Cancellation mid-task transitions to cancelled and releases the sandbox.
func TestDispatcherCancelMidStep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			return "1. Open app", nil
		case tools.DAGTranslator:
			return oneNodeDAG, nil
		case tools.ActionGenerator:
			if n == 0 {
				return "(Grounded Action)\n```\nagent.hotkey([\"enter\"])\n```", nil
			}
			// Second step: the user hit cancel while we were thinking.
			cancel()
			return "", &tools.ToolError{Tool: tool, Kind: task.KindCancelled, Err: ctx.Err()}
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 50)
	f.task.DestroySandbox = true
	status := f.dispatch.Run(ctx)
	assert.Equal(t, task.StatusCancelled, status)

	stages := f.stages()
	assert.Equal(t, event.StageCancelled, stages[len(stages)-1])

	got := f.stored()
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled", got.FinalMessage)
	assert.True(t, f.backend.Released())
}

// A failed subtask triggers a replan and the revised plan completes.
func TestDispatcherReplansAfterSubtaskFailure(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			if n == 0 {
				return "1. Use the menu entry", nil
			}
			return "1. Use the toolbar button", nil
		case tools.DAGTranslator:
			if n == 0 {
				return `{"nodes": ["Use the menu entry"], "edges": []}`, nil
			}
			return `{"nodes": ["Use the toolbar button"], "edges": []}`, nil
		case tools.ActionGenerator:
			if n == 0 {
				return "(Grounded Action)\nFAIL", nil
			}
			if n == 1 {
				return "(Grounded Action)\n```\nagent.hotkey([\"ctrl\", \"s\"])\n```", nil
			}
			return "(Grounded Action)\n```\nagent.done(\"saved via toolbar\")\n```", nil
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 50)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusCompleted, status)

	assert.Contains(t, f.stages(), event.StageReplanning)

	got := f.stored()
	require.Len(t, got.Plan.Failed, 1)
	assert.Equal(t, "Use the menu entry", got.Plan.Failed[0].Name)
	require.Len(t, got.Plan.Completed, 1)
	assert.Equal(t, "Use the toolbar button", got.Plan.Completed[0].Name)
	assert.Equal(t, "saved via toolbar", got.FinalMessage)
}

// A click with literal coordinates executes without a grounding call, and
// the closing done() is charged against the step budget like the click.
func TestDispatcherCoordinateClickThenDone(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			return "1. Open app", nil
		case tools.DAGTranslator:
			return oneNodeDAG, nil
		case tools.ActionGenerator:
			if n == 0 {
				return "(Grounded Action)\nclick([120, 800], 1, \"left\")", nil
			}
			return "(Grounded Action)\ndone()", nil
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 50)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusCompleted, status)

	got := f.stored()
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.Stats.Steps)
	assert.Empty(t, inv.callsFor(tools.Grounding))

	calls := inv.allCalls()
	require.NotEmpty(t, calls)
	for _, c := range calls {
		assert.Equal(t, "task-1", c.TaskID)
	}
}

// A worker that declares every subtask unachievable burns budget on each
// fail() instead of replanning forever.
func TestDispatcherPerpetualFailureExhaustsBudget(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			return "1. Open app", nil
		case tools.DAGTranslator:
			return oneNodeDAG, nil
		case tools.ActionGenerator:
			return "(Grounded Action)\nFAIL", nil
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 3)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusFailed, status)

	got := f.stored()
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "step_budget_exhausted", got.FinalMessage)
	assert.Equal(t, 3, got.Stats.Steps)
	assert.Len(t, got.Plan.Failed, 3)
}

// Exhausting the step budget fails the task with the canonical reason.
func TestDispatcherStepBudgetExhausted(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		switch tool {
		case tools.SubtaskPlanner:
			return "1. Open app", nil
		case tools.DAGTranslator:
			return oneNodeDAG, nil
		case tools.ActionGenerator:
			return "(Grounded Action)\n```\nagent.hotkey([\"tab\"])\n```", nil
		}
		return "", nil
	})

	f := newDispatcherFixture(t, inv, 2)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusFailed, status)

	stages := f.stages()
	assert.Equal(t, event.StageFailed, stages[len(stages)-1])

	got := f.stored()
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "step_budget_exhausted", got.FinalMessage)
	assert.Equal(t, 2, got.Stats.Steps)
}

// A planner failure that is not a cancellation fails the task.
func TestDispatcherPlanningFailure(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		return "", &tools.ToolError{Tool: tool, Kind: task.KindFatal, Err: assert.AnError}
	})

	f := newDispatcherFixture(t, inv, 50)
	status := f.dispatch.Run(context.Background())
	assert.Equal(t, task.StatusFailed, status)
	assert.Contains(t, f.stored().FinalMessage, "planning_failed")
}

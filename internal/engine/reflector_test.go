package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

func TestReflectorIdenticalActionsRule(t *testing.T) {
	r := NewReflector(nil, DefaultReflectInterval, zap.NewNop().Sugar())
	ctx := context.Background()

	var rep *task.QualityReport
	for i := 0; i < 3; i++ {
		rep = r.Reflect(ctx, ReflectInput{
			Subtask:    task.Subtask{Name: "Click send"},
			ActionJSON: []byte(`{"type":"click","xy":[10,10]}`),
			Screenshot: []byte(fmt.Sprintf("shot-%d", i)),
		})
	}
	assert.Equal(t, task.QualityConcerning, rep.Status)
	assert.Equal(t, task.RecommendAdjust, rep.Recommendation)
	assert.NotEmpty(t, rep.Issues)
}

func TestReflectorSubtaskStepRule(t *testing.T) {
	r := NewReflector(nil, DefaultReflectInterval, zap.NewNop().Sugar())

	rep := r.Reflect(context.Background(), ReflectInput{
		Subtask:        task.Subtask{Name: "Fill form"},
		ActionJSON:     []byte(`{"type":"type"}`),
		Screenshot:     []byte("shot"),
		StepsOnSubtask: 11,
	})
	assert.Equal(t, task.QualityConcerning, rep.Status)
	assert.Equal(t, task.RecommendReplan, rep.Recommendation)
}

func TestReflectorStalledScreenRule(t *testing.T) {
	r := NewReflector(nil, DefaultReflectInterval, zap.NewNop().Sugar())
	ctx := context.Background()

	var rep *task.QualityReport
	for i := 0; i < 3; i++ {
		rep = r.Reflect(ctx, ReflectInput{
			Subtask:    task.Subtask{Name: "Load page"},
			ActionJSON: []byte(fmt.Sprintf(`{"type":"wait","n":%d}`, i)),
			Screenshot: []byte("frozen screen"),
		})
	}
	assert.Equal(t, task.QualityConcerning, rep.Status)
	assert.Contains(t, rep.Issues[0], "unchanged")
}

func TestReflectorInvokesToolAtInterval(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		return "Status: CONCERNING. The last click hit the wrong row. Recommendation: ADJUST.", nil
	})
	r := NewReflector(inv, 1, zap.NewNop().Sugar())

	rep := r.Reflect(context.Background(), ReflectInput{
		Instruction: "delete the second row",
		Subtask:     task.Subtask{Name: "Delete row"},
		ActionJSON:  []byte(`{"type":"click"}`),
		Screenshot:  []byte("shot-a"),
	})
	assert.Equal(t, task.QualityConcerning, rep.Status)
	assert.Equal(t, task.RecommendAdjust, rep.Recommendation)
	require.Len(t, inv.callsFor(tools.TrajReflector), 1)
}

func TestReflectorBudgetExhaustionDowngrades(t *testing.T) {
	inv := newScriptInvoker(func(tool tools.Tool, n int, call tools.Call) (string, error) {
		return "", &tools.ToolError{
			Tool: tool, Kind: task.KindToolBudgetExhausted, Retryable: true,
			Err: fmt.Errorf("rate limited"),
		}
	})
	r := NewReflector(inv, 1, zap.NewNop().Sugar())

	rep := r.Reflect(context.Background(), ReflectInput{
		Subtask:    task.Subtask{Name: "Continue work"},
		ActionJSON: []byte(`{"type":"click"}`),
		Screenshot: []byte("shot-b"),
	})
	assert.Equal(t, task.QualityGood, rep.Status)
	assert.Equal(t, task.RecommendContinue, rep.Recommendation)
	require.NotEmpty(t, rep.Issues)
	assert.Contains(t, rep.Issues[0], "budget")
}

func TestParseReflection(t *testing.T) {
	cases := []struct {
		text           string
		status         string
		recommendation string
		confidence     float64
	}{
		{"GOOD trajectory, CONTINUE as planned", task.QualityGood, task.RecommendContinue, 1.0},
		{"This is CRITICAL, you must REPLAN now", task.QualityCritical, task.RecommendReplan, 1.0},
		{"CONCERNING: the click missed; ADJUST the target", task.QualityConcerning, task.RecommendAdjust, 1.0},
		// REPLAN outranks the other keywords when several appear.
		{"CONTINUE or maybe ADJUST, honestly REPLAN", task.QualityConcerning, task.RecommendReplan, 1.0},
		{"no keywords at all", task.QualityGood, task.RecommendContinue, 0.8},
	}
	for _, tc := range cases {
		rep := parseReflection(tc.text)
		assert.Equal(t, tc.status, rep.Status, tc.text)
		assert.Equal(t, tc.recommendation, rep.Recommendation, tc.text)
		assert.Equal(t, tc.confidence, rep.Confidence, tc.text)
	}
}

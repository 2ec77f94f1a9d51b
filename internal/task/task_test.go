package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s_to_%s", c.from, c.to), func(t *testing.T) {
			assert.Equal(t, c.ok, c.from.CanTransition(c.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestTaskClone(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:          "t-1",
		Instruction: "open calculator",
		Status:      StatusRunning,
		StartedAt:   &started,
		Plan: Plan{
			Remaining: []Subtask{{Name: "A", Info: "first"}},
		},
		Conversation: []json.RawMessage{json.RawMessage(`{"role":"user"}`)},
	}

	cp := orig.Clone()
	cp.Plan.Remaining[0].Name = "B"
	*cp.StartedAt = started.Add(time.Hour)
	cp.Conversation[0][2] = 'X'

	assert.Equal(t, "A", orig.Plan.Remaining[0].Name)
	assert.Equal(t, started, *orig.StartedAt)
	assert.Equal(t, byte('r'), orig.Conversation[0][2])
}

func TestRunRequestDefaultsAndValidate(t *testing.T) {
	r := &RunRequest{Instruction: "do a thing"}
	r.ApplyDefaults()
	require.NoError(t, r.Validate())
	assert.Equal(t, BackendLybic, r.Config.Backend)
	assert.Equal(t, ModeNormal, r.Config.Mode)
	assert.Equal(t, DefaultMaxSteps, r.Config.MaxSteps)
	assert.Equal(t, PlatformLinux, r.Config.Platform)
}

func TestRunRequestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*RunRequest)
		want string
	}{
		{"empty instruction", func(r *RunRequest) { r.Instruction = "" }, "instruction"},
		{"bad backend", func(r *RunRequest) { r.Config.Backend = "telepathy" }, "backend"},
		{"bad mode", func(r *RunRequest) { r.Config.Mode = "turbo" }, "mode"},
		{"zero steps", func(r *RunRequest) { r.Config.MaxSteps = -1 }, "max_steps"},
		{"bad platform", func(r *RunRequest) { r.Config.Platform = "beos" }, "platform"},
		{"continue without previous", func(r *RunRequest) { r.ContinueContext = true }, "previous_task_id"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := &RunRequest{Instruction: "x"}
			r.ApplyDefaults()
			c.mut(r)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
			assert.Contains(t, err.Error(), c.want)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	base := E(KindUnavailable, "too many active tasks: %d", 5)
	assert.Equal(t, KindUnavailable, KindOf(base))
	assert.Contains(t, base.Error(), "too many active tasks: 5")

	wrapped := fmt.Errorf("submit: %w", base)
	assert.Equal(t, KindUnavailable, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindUnavailable))

	tagged := WrapE(KindFatal, errors.New("disk full"), "workspace unwritable")
	assert.Equal(t, KindFatal, KindOf(tagged))
	assert.Contains(t, tagged.Error(), "workspace unwritable")
	assert.Contains(t, tagged.Error(), "disk full")

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

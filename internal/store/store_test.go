package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/task"
)

func newTask(id string, createdAt time.Time) *task.Task {
	return &task.Task{
		ID:          id,
		Instruction: "open calculator",
		Status:      task.StatusPending,
		CreatedAt:   createdAt,
		Mode:        task.ModeNormal,
		MaxSteps:    50,
		Platform:    task.PlatformLinux,
		Stats:       task.Stats{Currency: "USD"},
	}
}

// runContractTests exercises the Store contract shared by both backends.
func runContractTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		created := time.Now().UTC().Truncate(time.Microsecond)
		in := newTask("t-1", created)
		require.NoError(t, s.Create(ctx, in))

		got, err := s.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, "t-1", got.ID)
		assert.Equal(t, "open calculator", got.Instruction)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.True(t, got.CreatedAt.Equal(created))
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.EndedAt)
	})

	t.Run("create duplicate", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Create(ctx, newTask("t-1", time.Now())))
		err := s.Create(ctx, newTask("t-1", time.Now()))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update patch", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Create(ctx, newTask("t-1", time.Now())))

		status := task.StatusRunning
		started := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.Update(ctx, "t-1", Patch{Status: &status, StartedAt: &started}))

		got, err := s.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.True(t, got.StartedAt.Equal(started))
		// Untouched fields survive.
		assert.Equal(t, "open calculator", got.Instruction)

		msg := "step_budget_exhausted"
		failed := task.StatusFailed
		ended := started.Add(time.Minute)
		stats := task.Stats{Steps: 5, InputTokens: 100, OutputTokens: 40, Cost: 0.02, Currency: "USD"}
		plan := task.Plan{Completed: []task.Subtask{{Name: "A", Info: "done"}}}
		require.NoError(t, s.Update(ctx, "t-1", Patch{
			Status: &failed, EndedAt: &ended, FinalMessage: &msg, Stats: &stats, Plan: &plan,
		}))

		got, err = s.Get(ctx, "t-1")
		require.NoError(t, err)
		assert.Equal(t, task.StatusFailed, got.Status)
		assert.Equal(t, msg, got.FinalMessage)
		assert.Equal(t, stats, got.Stats)
		require.Len(t, got.Plan.Completed, 1)
		assert.Equal(t, "A", got.Plan.Completed[0].Name)
	})

	t.Run("update unknown", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		status := task.StatusRunning
		err := s.Update(ctx, "nope", Patch{Status: &status})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list reverse chronological with total", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		base := time.Now().UTC()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Create(ctx, newTask(fmt.Sprintf("t-%d", i), base.Add(time.Duration(i)*time.Second))))
		}

		tasks, total, err := s.List(ctx, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, tasks, 2)
		assert.Equal(t, "t-4", tasks[0].ID)
		assert.Equal(t, "t-3", tasks[1].ID)

		tasks, total, err = s.List(ctx, 2, 4)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, tasks, 1)
		assert.Equal(t, "t-0", tasks[0].ID)

		tasks, _, err = s.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, tasks, 5)
	})

	t.Run("list by status", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Create(ctx, newTask("t-1", time.Now())))
		require.NoError(t, s.Create(ctx, newTask("t-2", time.Now())))
		running := task.StatusRunning
		require.NoError(t, s.Update(ctx, "t-2", Patch{Status: &running}))

		tasks, err := s.ListByStatus(ctx, task.StatusRunning)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "t-2", tasks[0].ID)
	})

	t.Run("append conversation", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Create(ctx, newTask("t-1", time.Now())))
		require.NoError(t, s.AppendConversation(ctx, "t-1", []json.RawMessage{
			json.RawMessage(`{"role":"user","content":"open calculator"}`),
		}))
		require.NoError(t, s.AppendConversation(ctx, "t-1", []json.RawMessage{
			json.RawMessage(`{"role":"assistant","content":"ok"}`),
		}))

		got, err := s.Get(ctx, "t-1")
		require.NoError(t, err)
		require.Len(t, got.Conversation, 2)
		assert.JSONEq(t, `{"role":"user","content":"open calculator"}`, string(got.Conversation[0]))
		assert.JSONEq(t, `{"role":"assistant","content":"ok"}`, string(got.Conversation[1]))

		err = s.AppendConversation(ctx, "nope", []json.RawMessage{json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	runContractTests(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestSQLiteStore(t *testing.T) {
	runContractTests(t, func(t *testing.T) Store {
		s, err := OpenSQL(context.Background(), filepath.Join(t.TempDir(), "tasks.db"), zap.NewNop().Sugar())
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	logger := zap.NewNop().Sugar()

	s, err := OpenSQL(ctx, dsn, logger)
	require.NoError(t, err)

	in := newTask("t-1", time.Now().UTC())
	require.NoError(t, s.Create(ctx, in))
	running := task.StatusRunning
	started := time.Now().UTC()
	require.NoError(t, s.Update(ctx, "t-1", Patch{Status: &running, StartedAt: &started}))
	require.NoError(t, s.AppendConversation(ctx, "t-1", []json.RawMessage{json.RawMessage(`{"role":"user"}`)}))
	plan := task.Plan{Completed: []task.Subtask{{Name: "OpenCalculator", Info: "click dock icon"}}}
	require.NoError(t, s.Update(ctx, "t-1", Patch{Plan: &plan}))
	require.NoError(t, s.Close())

	// Simulated process restart: reopen the same file, migrations are
	// idempotent, nothing is lost.
	s2, err := OpenSQL(ctx, dsn, logger)
	require.NoError(t, err)
	defer s2.Close()

	tasks, err := s2.ListByStatus(ctx, task.StatusRunning)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	got := tasks[0]
	assert.Equal(t, "t-1", got.ID)
	require.Len(t, got.Conversation, 1)
	require.Len(t, got.Plan.Completed, 1)
	assert.Equal(t, "OpenCalculator", got.Plan.Completed[0].Name)
}

func TestDriverSelection(t *testing.T) {
	cases := []struct {
		dsn, driver, source string
	}{
		{"postgres://u:p@localhost/db", "pgx", "postgres://u:p@localhost/db"},
		{"postgresql://u:p@localhost/db", "pgx", "postgresql://u:p@localhost/db"},
		{"sqlite:/var/lib/agent/tasks.db", "sqlite", "/var/lib/agent/tasks.db"},
		{"/var/lib/agent/tasks.db", "sqlite", "/var/lib/agent/tasks.db"},
		{":memory:", "sqlite", ":memory:"},
	}
	for _, c := range cases {
		driver, source := driverFor(c.dsn)
		assert.Equal(t, c.driver, driver, c.dsn)
		assert.Equal(t, c.source, source, c.dsn)
	}
}

func TestTransientClassification(t *testing.T) {
	assert.True(t, transient(fmt.Errorf("dial tcp: connection refused")))
	assert.True(t, transient(fmt.Errorf("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, transient(fmt.Errorf("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.False(t, transient(fmt.Errorf("syntax error at or near SELECT")))
	assert.False(t, transient(ErrNotFound))
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/task"
)

type lybicFake struct {
	mu       sync.Mutex
	actions  []map[string]any
	failures int // leading 500s before success on the actions endpoint
	reject   int // when non-zero, reply this 4xx status
	shotPNG  []byte
}

func (f *lybicFake) handler(t *testing.T, base *string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/shot.png":
			w.Write(f.shotPNG)
		case r.Method == http.MethodGet: // preview
			json.NewEncoder(w).Encode(map[string]string{"screenShot": *base + "/shot.png"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/api/orgs/org-1/sandboxes":
			json.NewEncoder(w).Encode(map[string]string{"id": "sbx-99"})
		default: // actions
			require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.reject != 0 {
				w.WriteHeader(f.reject)
				io.WriteString(w, "element not found")
				return
			}
			if f.failures > 0 {
				f.failures--
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			body, _ := io.ReadAll(r.Body)
			var req struct {
				Action map[string]any `json:"action"`
			}
			require.NoError(t, json.Unmarshal(body, &req))
			f.actions = append(f.actions, req.Action)
			w.Write([]byte(`{}`))
		}
	}
}

func newLybicFixture(t *testing.T, fake *lybicFake) *Lybic {
	t.Helper()
	if fake.shotPNG == nil {
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 800, 600))))
		fake.shotPNG = buf.Bytes()
	}
	var base string
	srv := httptest.NewServer(fake.handler(t, &base))
	base = srv.URL
	t.Cleanup(srv.Close)

	b, err := newLybic(context.Background(), Config{
		Kind:      task.BackendLybic,
		SandboxID: "sbx-1",
		OrgID:     "org-1",
		APIKey:    "key-1",
		Endpoint:  srv.URL,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return b
}

func (f *lybicFake) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions[len(f.actions)-1]
}

func TestLybicActionMapping(t *testing.T) {
	fake := &lybicFake{}
	b := newLybicFixture(t, fake)
	ctx := context.Background()

	res, err := b.Execute(ctx, &action.Click{XY: []int{120, 800}, Button: "left", Count: 1})
	require.NoError(t, err)
	assert.True(t, res.Success)
	got := fake.last()
	assert.Equal(t, "mouse:click", got["type"])
	assert.Equal(t, map[string]any{"type": "px", "value": float64(120)}, got["x"])
	assert.Equal(t, "left", got["button"])

	_, err = b.Execute(ctx, &action.Click{XY: []int{10, 20}, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "mouse:doubleClick", fake.last()["type"])

	_, err = b.Execute(ctx, &action.Scroll{XY: []int{5, 6}, Clicks: -3, Vertical: true})
	require.NoError(t, err)
	got = fake.last()
	assert.Equal(t, "mouse:scroll", got["type"])
	assert.Equal(t, float64(-3), got["stepVertical"])
	assert.Equal(t, float64(0), got["stepHorizontal"])

	_, err = b.Execute(ctx, &action.Hotkey{Keys: []string{"ctrl", "c"}})
	require.NoError(t, err)
	got = fake.last()
	assert.Equal(t, "keyboard:hotkey", got["type"])
	assert.Equal(t, "ctrl+c", got["keys"])

	_, err = b.Execute(ctx, &action.Drag{Start: []int{1, 2}, End: []int{3, 4}})
	require.NoError(t, err)
	assert.Equal(t, "mouse:drag", fake.last()["type"])
}

func TestLybicTypeComposition(t *testing.T) {
	fake := &lybicFake{}
	b := newLybicFixture(t, fake)

	_, err := b.Execute(context.Background(), &action.TypeText{
		Text: "hello", XY: []int{40, 50}, Overwrite: true, PressEnter: true,
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.actions, 4)
	assert.Equal(t, "mouse:click", fake.actions[0]["type"])
	assert.Equal(t, "keyboard:hotkey", fake.actions[1]["type"])
	assert.Equal(t, "ctrl+a", fake.actions[1]["keys"])
	assert.Equal(t, "keyboard:type", fake.actions[2]["type"])
	assert.Equal(t, "hello", fake.actions[2]["content"])
	assert.Equal(t, "enter", fake.actions[3]["keys"])
}

func TestLybicTransientRetry(t *testing.T) {
	fake := &lybicFake{failures: 2}
	b := newLybicFixture(t, fake)

	res, err := b.Execute(context.Background(), &action.Hotkey{Keys: []string{"enter"}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, fake.actions, 1)
}

func TestLybicRejectionIsLogicalFailure(t *testing.T) {
	fake := &lybicFake{reject: http.StatusUnprocessableEntity}
	b := newLybicFixture(t, fake)

	res, err := b.Execute(context.Background(), &action.Hotkey{Keys: []string{"enter"}})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "element not found")
}

func TestLybicScreenshotAndScreenSize(t *testing.T) {
	fake := &lybicFake{}
	b := newLybicFixture(t, fake)
	ctx := context.Background()

	res, err := b.Execute(ctx, &action.Screenshot{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, fake.shotPNG, res.Observation)

	w, h, err := b.ScreenSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)
}

func TestLybicCreateAndReleaseSandbox(t *testing.T) {
	fake := &lybicFake{}
	var base string
	srv := httptest.NewServer(fake.handler(t, &base))
	base = srv.URL
	defer srv.Close()

	b, err := newLybic(context.Background(), Config{
		Kind:     task.BackendLybic,
		OrgID:    "org-1",
		APIKey:   "key-1",
		Endpoint: srv.URL,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, "sbx-99", b.SandboxID())

	require.NoError(t, b.ReleaseSandbox(context.Background()))
	assert.Empty(t, b.SandboxID())
}

func TestFactoryValidation(t *testing.T) {
	logger := zap.NewNop().Sugar()
	ctx := context.Background()

	_, err := New(ctx, Config{Kind: task.BackendVM}, logger)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = New(ctx, Config{Kind: "telepathy"}, logger)
	assert.True(t, task.IsKind(err, task.KindValidation))

	_, err = New(ctx, Config{Kind: task.BackendLybic}, logger)
	assert.True(t, task.IsKind(err, task.KindValidation), "missing credentials must fail validation")

	b, err := New(ctx, Config{Kind: task.BackendScripted}, logger)
	require.NoError(t, err)
	assert.Equal(t, task.BackendScripted, b.Name())
}

func TestScriptedBackend(t *testing.T) {
	s := NewScripted(zap.NewNop().Sugar())
	ctx := context.Background()

	res, err := s.Execute(ctx, &action.Screenshot{})
	require.NoError(t, err)
	require.True(t, res.Success)
	first := res.Observation

	res, err = s.Execute(ctx, &action.Screenshot{})
	require.NoError(t, err)
	assert.NotEqual(t, first, res.Observation, "consecutive screenshots must differ")

	_, err = s.Execute(ctx, &action.Click{XY: []int{1, 2}})
	require.NoError(t, err)
	assert.Len(t, s.Executed(), 3)

	w, h, err := s.ScreenSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	require.NoError(t, s.ReleaseSandbox(ctx))
	assert.True(t, s.Released())
}

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/task"
)

func TestClosedToolSet(t *testing.T) {
	for _, tool := range All {
		assert.True(t, Valid(string(tool)), tool)
	}
	assert.False(t, Valid("screenshot_tool"))
	assert.False(t, Valid(""))
}

func TestRegistryMergeAndOverrides(t *testing.T) {
	r := NewRegistry(ProviderConfig{
		Provider:    "openai",
		ModelName:   "base-model",
		APIEndpoint: "https://base.example",
	})
	require.NoError(t, r.SetConfigUnlocked(t))

	cfg := r.ConfigFor(Grounding)
	assert.Equal(t, "base-model", cfg.ModelName)
	assert.Equal(t, "USD", cfg.Currency)

	derived, err := r.WithOverrides(map[string]task.ProviderOverride{
		"grounding": {ModelName: "sharp-eye"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sharp-eye", derived.ConfigFor(Grounding).ModelName)
	assert.Equal(t, "https://base.example", derived.ConfigFor(Grounding).APIEndpoint)
	assert.Equal(t, "base-model", r.ConfigFor(Grounding).ModelName, "receiver must not change")

	_, err = r.WithOverrides(map[string]task.ProviderOverride{"nope": {}})
	assert.True(t, task.IsKind(err, task.KindValidation))
}

// SetConfigUnlocked exercises the runtime gate from tests.
func (r *Registry) SetConfigUnlocked(t *testing.T) error {
	t.Helper()
	err := r.SetConfig(Evaluator, ProviderConfig{ModelName: "x"})
	if !task.IsKind(err, task.KindValidation) {
		return err
	}
	r.AllowRuntimeUpdates()
	if err := r.SetConfig(Evaluator, ProviderConfig{ModelName: "judge"}); err != nil {
		return err
	}
	if got := r.ConfigFor(Evaluator).ModelName; got != "judge" {
		t.Fatalf("runtime update not applied, got %q", got)
	}
	delete(r.perTool, Evaluator)
	return nil
}

func TestLoadRegistryYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  provider: openai
  model_name: general
  api_endpoint: https://llm.example/v1
tools:
  grounding:
    model_name: pixel-model
    requests_per_minute: 30
`), 0o644))

	r, err := LoadRegistry(path, ProviderConfig{APIKey: "env-key"})
	require.NoError(t, err)
	assert.Equal(t, "general", r.ConfigFor(SubtaskPlanner).ModelName)
	assert.Equal(t, "pixel-model", r.ConfigFor(Grounding).ModelName)
	assert.Equal(t, "env-key", r.ConfigFor(Grounding).APIKey)
	assert.Equal(t, float64(30), r.ConfigFor(Grounding).RequestsPerMinute)

	_, err = LoadRegistry(filepath.Join(dir, "absent.yaml"), ProviderConfig{})
	assert.NoError(t, err, "missing config file falls back to defaults")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("tools:\n  warp_drive: {}\n"), 0o644))
	_, err = LoadRegistry(bad, ProviderConfig{})
	assert.True(t, task.IsKind(err, task.KindValidation))
}

type chatFixture struct {
	status   int32
	requests atomic.Int32
	lastBody atomic.Pointer[map[string]any]
}

func (f *chatFixture) serve(w http.ResponseWriter, r *http.Request) {
	f.requests.Add(1)
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	f.lastBody.Store(&body)

	if s := atomic.LoadInt32(&f.status); s != 0 {
		w.WriteHeader(int(s))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": "the answer"}},
		},
		"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30},
	})
}

func newInvokerFixture(t *testing.T, f *chatFixture, cfg ProviderConfig) *HTTPInvoker {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	cfg.APIEndpoint = srv.URL
	if cfg.ModelName == "" {
		cfg.ModelName = "general"
	}
	return NewHTTPInvoker(NewRegistry(cfg), metrics.Noop{}, zap.NewNop().Sugar())
}

func TestHTTPInvokerUsageAndCost(t *testing.T) {
	f := &chatFixture{}
	inv := newInvokerFixture(t, f, ProviderConfig{
		SystemPrompt:     "you plan subtasks",
		InputPricePer1K:  0.5,
		OutputPricePer1K: 1.0,
	})

	res, err := inv.Invoke(context.Background(), Call{Tool: SubtaskPlanner, Text: "plan this"})
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Text)
	assert.Equal(t, 120, res.InputTokens)
	assert.Equal(t, 30, res.OutputTokens)
	assert.InDelta(t, 0.09, res.Cost, 1e-9)
	assert.Equal(t, "USD", res.Currency)

	body := *f.lastBody.Load()
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestHTTPInvokerImagePart(t *testing.T) {
	f := &chatFixture{}
	inv := newInvokerFixture(t, f, ProviderConfig{})

	_, err := inv.Invoke(context.Background(), Call{
		Tool:  Grounding,
		Text:  "find the button",
		Image: []byte{0x89, 0x50, 0x4E, 0x47},
	})
	require.NoError(t, err)

	body := *f.lastBody.Load()
	msgs := body["messages"].([]any)
	parts := msgs[len(msgs)-1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[1].(map[string]any)
	assert.Equal(t, "image_url", img["type"])
	url := img["image_url"].(map[string]any)["url"].(string)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"), url)
}

func TestHTTPInvokerErrorClassification(t *testing.T) {
	f := &chatFixture{status: http.StatusTooManyRequests}
	inv := newInvokerFixture(t, f, ProviderConfig{})

	_, err := inv.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.True(t, task.IsKind(err, task.KindToolBudgetExhausted) || errKind(err) == task.KindToolBudgetExhausted)

	atomic.StoreInt32(&f.status, http.StatusBadGateway)
	_, err = inv.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	assert.True(t, Retryable(err))

	atomic.StoreInt32(&f.status, http.StatusBadRequest)
	_, err = inv.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	assert.False(t, Retryable(err))

	_, err = inv.Invoke(context.Background(), Call{Tool: "made_up", Text: "x"})
	assert.Equal(t, task.KindValidation, errKind(err))
}

func TestHTTPInvokerRateLimiterBlocks(t *testing.T) {
	f := &chatFixture{}
	inv := newInvokerFixture(t, f, ProviderConfig{RequestsPerMinute: 1200}) // 20/s

	ctx := context.Background()
	_, err := inv.Invoke(ctx, Call{Tool: WebSearch, Text: "a"})
	require.NoError(t, err)

	start := time.Now()
	_, err = inv.Invoke(ctx, Call{Tool: WebSearch, Text: "b"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

type fakeInvoker struct {
	calls int
	errs  []error
}

func (f *fakeInvoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return &Result{Text: "ok"}, nil
}

func TestRetrySchedule(t *testing.T) {
	transient := &ToolError{Tool: Evaluator, Kind: task.KindTransient, Retryable: true,
		Err: context.DeadlineExceeded}
	fake := &fakeInvoker{errs: []error{transient, transient}}

	r := WithRetries(fake, zap.NewNop().Sugar())
	var delays []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := r.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, fake.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 2 * time.Second}, delays)
}

func TestRetryExhaustsAndStopsOnFatal(t *testing.T) {
	transient := &ToolError{Tool: Evaluator, Kind: task.KindTransient, Retryable: true,
		Err: context.DeadlineExceeded}
	fake := &fakeInvoker{errs: []error{transient, transient, transient}}
	r := WithRetries(fake, zap.NewNop().Sugar())
	r.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := r.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 3, fake.calls, "initial attempt plus two retries")

	fatal := &ToolError{Tool: Evaluator, Kind: task.KindFatal,
		Err: context.DeadlineExceeded}
	fake = &fakeInvoker{errs: []error{fatal}}
	r = WithRetries(fake, zap.NewNop().Sugar())
	_, err = r.Invoke(context.Background(), Call{Tool: Evaluator, Text: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls, "fatal errors are never retried")
}

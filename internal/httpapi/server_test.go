package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/backend"
	grpcapi "github.com/lybic/agent/internal/grpc"
	"github.com/lybic/agent/internal/manager"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// stubInvoker plans one subtask and completes it on the first action.
type stubInvoker struct{}

func (stubInvoker) Invoke(ctx context.Context, call tools.Call) (*tools.Result, error) {
	var text string
	switch call.Tool {
	case tools.SubtaskPlanner:
		text = "1. Only step"
	case tools.DAGTranslator:
		text = `{"nodes": ["Only step"], "edges": []}`
	case tools.ActionGenerator:
		text = "(Grounded Action)\nDONE"
	}
	return &tools.Result{Text: text, InputTokens: 1, OutputTokens: 1, Currency: "USD"}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *manager.Manager) {
	t.Helper()
	logger := zap.NewNop().Sugar()

	registry := tools.NewRegistry(tools.ProviderConfig{})
	registry.AllowRuntimeUpdates()

	mgr := manager.New(manager.Config{
		Version:       "test",
		MaxConcurrent: 2,
		LogDir:        t.TempDir(),
		Linger:        time.Second,
		Invokers: func(map[string]task.ProviderOverride) (tools.Invoker, error) {
			return stubInvoker{}, nil
		},
		Backends: func(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
			return backend.NewScripted(logger), nil
		},
	}, store.NewMemory(), metrics.Noop{}, logger)

	srv := httptest.NewServer(NewServer(mgr, registry, metrics.Noop{}, logger).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return srv, mgr
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) *T {
	t.Helper()
	defer resp.Body.Close()
	v := new(T)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return v
}

const runBody = `{"instruction": "do the thing", "config": {"backend": "scripted"}}`

func TestInfoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/info")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody[manager.Info](t, resp)
	assert.Equal(t, "test", info.Version)
	assert.Equal(t, 2, info.MaxConcurrent)
}

func TestSubmitQueryCancelRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks", runBody)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[grpcapi.SubmitReply](t, resp)
	require.NotEmpty(t, submitted.TaskID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/v1/tasks/" + submitted.TaskID)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		got := decodeBody[task.Task](t, resp)
		return got.Status.Terminal()
	}, 10*time.Second, 50*time.Millisecond)

	resp = postJSON(t, srv.URL+"/v1/tasks/"+submitted.TaskID+"/cancel", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decodeBody[grpcapi.CancelReply](t, resp)
	assert.False(t, cancelled.Success)
	assert.Equal(t, "task already terminal", cancelled.Message)

	resp, err := http.Get(srv.URL + "/v1/tasks?limit=10")
	require.NoError(t, err)
	list := decodeBody[grpcapi.ListReply](t, resp)
	assert.Equal(t, 1, list.Total)
}

func TestErrorStatusMapping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/tasks/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, "not_found", body.Kind)

	resp = postJSON(t, srv.URL+"/v1/tasks", `{"instruction": ""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/v1/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSetToolConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/config/tools",
		strings.NewReader(`{"tool": "grounding", "config": {"model_name": "sharp-eye"}}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/v1/config/tools",
		strings.NewReader(`{"tool": "bogus"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

// sseFrame is one parsed Server-Sent Event.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func readFrames(t *testing.T, resp *http.Response, max int) []sseFrame {
	t.Helper()
	defer resp.Body.Close()

	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			frames = append(frames, cur)
			if cur.Event == "eof" || len(frames) >= max {
				return frames
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestRunStreamsStageEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks:run", runBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp, 100)
	require.NotEmpty(t, frames)

	assert.Equal(t, "starting", frames[0].Event)
	assert.Equal(t, "eof", frames[len(frames)-1].Event)
	assert.Equal(t, "finished", frames[len(frames)-2].Event)

	// Stage frames carry the bus sequence as the SSE id and a JSON event body.
	lastSeq := 0
	for _, f := range frames[:len(frames)-1] {
		require.NotEmpty(t, f.ID, "stage frame missing id")
		var evt struct {
			Seq   int    `json:"seq"`
			Stage string `json:"stage"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.Data), &evt))
		assert.Equal(t, f.Event, evt.Stage)
		assert.Greater(t, evt.Seq, lastSeq)
		lastSeq = evt.Seq
	}
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/tasks:run", `{"instruction": ""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

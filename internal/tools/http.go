package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/task"
)

// CallTimeout is the per-call deadline applied to every tool invocation.
const CallTimeout = 120 * time.Second

// HTTPInvoker speaks the OpenAI-compatible chat completions protocol, the
// provider surface the tool layer was built against. Prompt templates and
// provider selection come from the registry; the invoker owns encoding,
// rate limiting and accounting.
type HTTPInvoker struct {
	registry *Registry
	client   *http.Client
	metrics  metrics.Recorder
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	limiters map[Tool]*rate.Limiter
}

// NewHTTPInvoker wires an invoker to a registry.
func NewHTTPInvoker(registry *Registry, rec metrics.Recorder, logger *zap.SugaredLogger) *HTTPInvoker {
	return &HTTPInvoker{
		registry: registry,
		client:   &http.Client{Timeout: CallTimeout},
		metrics:  rec,
		logger:   logger,
		limiters: make(map[Tool]*rate.Limiter),
	}
}

// limiterFor returns the tool's token bucket, creating it on first use.
// A zero configured rate means unlimited.
func (h *HTTPInvoker) limiterFor(tool Tool, rpm float64) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rpm/60), 1)
		h.limiters[tool] = l
	}
	return l
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Invoke executes one named tool call. Rate limiting blocks only the
// calling dispatcher.
func (h *HTTPInvoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	if !Valid(string(call.Tool)) {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindValidation,
			Err: fmt.Errorf("unknown tool name")}
	}

	cfg := h.registry.ConfigFor(call.Tool)
	if cfg.APIEndpoint == "" {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindValidation,
			Err: fmt.Errorf("no api endpoint configured")}
	}

	if l := h.limiterFor(call.Tool, cfg.RequestsPerMinute); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, &ToolError{Tool: call.Tool, Kind: task.KindCancelled, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := h.post(ctx, call, cfg)
	if err != nil {
		h.metrics.Error("tool_"+string(call.Tool), errKind(err).String())
		return nil, err
	}

	h.metrics.TokensConsumed("input", res.InputTokens)
	h.metrics.TokensConsumed("output", res.OutputTokens)
	h.metrics.Cost(res.Currency, res.Cost)
	h.logger.Debugw("Tool call completed",
		"tool", call.Tool,
		"task_id", call.TaskID,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"duration", time.Since(start),
	)
	return res, nil
}

func (h *HTTPInvoker) post(ctx context.Context, call Call, cfg ProviderConfig) (*Result, error) {
	userContent := any(call.Text)
	if len(call.Image) > 0 {
		userContent = []contentPart{
			{Type: "text", Text: call.Text},
			{Type: "image_url", ImageURL: &imageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(call.Image),
			}},
		}
	}

	messages := make([]chatMessage, 0, 2)
	if cfg.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: cfg.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userContent})

	body, err := json.Marshal(chatRequest{Model: cfg.ModelName, Messages: messages})
	if err != nil {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindFatal, Err: err}
	}

	url := strings.TrimRight(cfg.APIEndpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindFatal, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransport(call.Tool, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindTransient, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindToolBudgetExhausted, Retryable: true,
			Err: fmt.Errorf("rate limited by provider")}
	case resp.StatusCode >= 500:
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindTransient, Retryable: true,
			Err: fmt.Errorf("provider returned %d", resp.StatusCode)}
	default:
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindFatal,
			Err: fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindTransient, Retryable: true,
			Err: fmt.Errorf("malformed provider response: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindFatal,
			Err: fmt.Errorf("provider error: %s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ToolError{Tool: call.Tool, Kind: task.KindTransient, Retryable: true,
			Err: fmt.Errorf("provider response has no choices")}
	}

	in, out := parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens
	return &Result{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         float64(in)/1000*cfg.InputPricePer1K + float64(out)/1000*cfg.OutputPricePer1K,
		Currency:     cfg.Currency,
	}, nil
}

// errKind looks through ToolError wrapping for the behavioral kind.
func errKind(err error) task.Kind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return task.KindOf(err)
}

func classifyTransport(tool Tool, err error) error {
	if errors.Is(err, context.Canceled) {
		return &ToolError{Tool: tool, Kind: task.KindCancelled, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &ToolError{Tool: tool, Kind: task.KindTransient, Retryable: true, Err: err}
	}
	return &ToolError{Tool: tool, Kind: task.KindTransient, Retryable: true, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

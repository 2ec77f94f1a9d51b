package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/task"
)

// Lybic drives a remote cloud sandbox over its REST API. One adapter owns
// one sandbox for the lifetime of a task.
type Lybic struct {
	http      *http.Client
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.SugaredLogger
	endpoint  string
	orgID     string
	apiKey    string
	sandboxID string
	owned     bool // sandbox was created here, not passed in
	mobile    bool

	screenW int
	screenH int
}

const (
	lybicDefaultEndpoint = "https://api.lybic.cn"
	lybicActionTimeout   = 30 * time.Second
	lybicMaxRetries      = 2
)

func newLybic(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Lybic, error) {
	if cfg.OrgID == "" || cfg.APIKey == "" {
		return nil, task.E(task.KindValidation, "lybic backend requires org id and api key")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = lybicDefaultEndpoint
	}

	l := &Lybic{
		http:     &http.Client{Timeout: lybicActionTimeout},
		logger:   logger,
		endpoint: strings.TrimRight(endpoint, "/"),
		orgID:    cfg.OrgID,
		apiKey:   cfg.APIKey,
		mobile:   cfg.Kind == task.BackendLybicMobile,
	}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "lybic",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Lybic breaker state change", "from", from.String(), "to", to.String())
		},
	})

	if cfg.SandboxID != "" {
		l.sandboxID = cfg.SandboxID
		return l, nil
	}

	maxLife := cfg.MaxLifeSeconds
	if maxLife <= 0 {
		maxLife = 3600
	}
	sid, err := l.createSandbox(ctx, "agent-run", maxLife, cfg.Shape)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	l.sandboxID = sid
	l.owned = true
	logger.Infow("Created sandbox", "sandbox_id", sid, "shape", cfg.Shape)
	return l, nil
}

func (l *Lybic) Name() string {
	if l.mobile {
		return task.BackendLybicMobile
	}
	return task.BackendLybic
}

func (l *Lybic) SandboxID() string { return l.sandboxID }

// Execute maps the neutral schema onto Lybic computer-use actions. Wait is
// handled locally; screenshot goes through the preview endpoint.
func (l *Lybic) Execute(ctx context.Context, a action.Action) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, lybicActionTimeout)
	defer cancel()

	switch v := a.(type) {
	case *action.Screenshot:
		img, err := l.screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Success: true, Observation: img}, nil

	case *action.Wait:
		select {
		case <-time.After(time.Duration(v.Seconds * float64(time.Second))):
			return &Result{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case *action.Click:
		payload := map[string]any{
			"type":    "mouse:click",
			"x":       px(v.XY[0]),
			"y":       px(v.XY[1]),
			"button":  buttonName(v.Button),
			"holdKey": strings.Join(v.HoldKeys, "+"),
		}
		if v.Count >= 2 {
			payload["type"] = "mouse:doubleClick"
		}
		res, err := l.execAction(ctx, payload)
		if err != nil || !res.Success {
			return res, err
		}
		// Triple click is a double plus a single; the API has no triple.
		if v.Count == 3 {
			payload["type"] = "mouse:click"
			return l.execAction(ctx, payload)
		}
		return res, nil

	case *action.TypeText:
		if len(v.XY) == 2 {
			if res, err := l.execAction(ctx, map[string]any{
				"type": "mouse:click", "x": px(v.XY[0]), "y": px(v.XY[1]), "button": "left", "holdKey": "",
			}); err != nil || !res.Success {
				return res, err
			}
		}
		if v.Overwrite {
			if res, err := l.hotkey(ctx, []string{"ctrl", "a"}); err != nil || !res.Success {
				return res, err
			}
		}
		res, err := l.execAction(ctx, map[string]any{"type": "keyboard:type", "content": v.Text})
		if err != nil || !res.Success {
			return res, err
		}
		if v.PressEnter {
			return l.hotkey(ctx, []string{"enter"})
		}
		return res, nil

	case *action.Drag:
		return l.execAction(ctx, map[string]any{
			"type":    "mouse:drag",
			"startX":  px(v.Start[0]),
			"startY":  px(v.Start[1]),
			"endX":    px(v.End[0]),
			"endY":    px(v.End[1]),
			"holdKey": strings.Join(v.HoldKeys, "+"),
		})

	case *action.Scroll:
		vertical, horizontal := v.Clicks, 0
		if !v.Vertical {
			vertical, horizontal = 0, v.Clicks
		}
		return l.execAction(ctx, map[string]any{
			"type":           "mouse:scroll",
			"x":              px(v.XY[0]),
			"y":              px(v.XY[1]),
			"stepVertical":   vertical,
			"stepHorizontal": horizontal,
		})

	case *action.Hotkey:
		return l.hotkey(ctx, v.Keys)

	case *action.HoldAndPress:
		// The API expresses a held press as one hotkey combination per key.
		var res *Result
		var err error
		for _, key := range v.PressKeys {
			res, err = l.hotkey(ctx, append(append([]string(nil), v.HoldKeys...), key))
			if err != nil || !res.Success {
				return res, err
			}
		}
		return res, nil

	case *action.Open:
		return l.execAction(ctx, map[string]any{"type": "shell:open", "target": v.AppOrFilename})

	case *action.SwitchApp:
		return l.execAction(ctx, map[string]any{"type": "shell:activate", "app": v.AppCode})

	default:
		return nil, task.E(task.KindValidation, "lybic backend does not execute %s actions", a.Type())
	}
}

func (l *Lybic) hotkey(ctx context.Context, keys []string) (*Result, error) {
	return l.execAction(ctx, map[string]any{
		"type":     "keyboard:hotkey",
		"keys":     strings.Join(keys, "+"),
		"duration": 80,
	})
}

// ScreenSize decodes the current screenshot to learn the pixel bounds.
// Cached after the first successful decode; a sandbox never resizes
// mid-task.
func (l *Lybic) ScreenSize(ctx context.Context) (int, int, error) {
	if l.screenW > 0 && l.screenH > 0 {
		return l.screenW, l.screenH, nil
	}
	img, err := l.screenshot(ctx)
	if err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return 0, 0, fmt.Errorf("decode screenshot bounds: %w", err)
	}
	l.screenW, l.screenH = cfg.Width, cfg.Height
	return cfg.Width, cfg.Height, nil
}

// ReleaseSandbox destroys the sandbox if this adapter created it.
func (l *Lybic) ReleaseSandbox(ctx context.Context) error {
	if l.sandboxID == "" {
		return nil
	}
	_, err := l.call(ctx, http.MethodDelete,
		fmt.Sprintf("/api/orgs/%s/sandboxes/%s", l.orgID, l.sandboxID), nil)
	if err != nil {
		return fmt.Errorf("release sandbox %s: %w", l.sandboxID, err)
	}
	l.logger.Infow("Released sandbox", "sandbox_id", l.sandboxID, "owned", l.owned)
	l.sandboxID = ""
	return nil
}

// ─── REST transport ───

func (l *Lybic) createSandbox(ctx context.Context, name string, maxLifeSeconds int, shape string) (string, error) {
	body := map[string]any{"name": name, "maxLifeSeconds": maxLifeSeconds}
	if shape != "" {
		body["shape"] = shape
	}
	data, err := l.call(ctx, http.MethodPost, fmt.Sprintf("/api/orgs/%s/sandboxes", l.orgID), body)
	if err != nil {
		return "", err
	}
	var resp struct {
		ID      string `json:"id"`
		Sandbox struct {
			ID string `json:"id"`
		} `json:"sandbox"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parse sandbox response: %w", err)
	}
	if resp.ID != "" {
		return resp.ID, nil
	}
	if resp.Sandbox.ID != "" {
		return resp.Sandbox.ID, nil
	}
	return "", fmt.Errorf("sandbox response missing id")
}

// execAction sends one computer-use action. A 4xx rejection is a logical
// failure; transport trouble is retried then surfaced.
func (l *Lybic) execAction(ctx context.Context, payload map[string]any) (*Result, error) {
	data, err := l.call(ctx, http.MethodPost,
		fmt.Sprintf("/api/orgs/%s/sandboxes/%s/actions", l.orgID, l.sandboxID),
		map[string]any{"action": payload})
	var rej *rejectionError
	if errors.As(err, &rej) {
		return &Result{Success: false, Error: rej.message}, nil
	}
	if err != nil {
		return nil, err
	}
	_ = data
	return &Result{Success: true}, nil
}

// screenshot calls the preview endpoint and downloads the referenced image.
func (l *Lybic) screenshot(ctx context.Context) ([]byte, error) {
	data, err := l.call(ctx, http.MethodGet,
		fmt.Sprintf("/api/orgs/%s/sandboxes/%s/preview", l.orgID, l.sandboxID), nil)
	if err != nil {
		return nil, err
	}
	var meta struct {
		ScreenShot string `json:"screenShot"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse preview response: %w", err)
	}
	if meta.ScreenShot == "" {
		return nil, fmt.Errorf("preview response missing screenShot url")
	}

	return l.download(ctx, meta.ScreenShot)
}

func (l *Lybic) download(ctx context.Context, url string) ([]byte, error) {
	var out []byte
	err := l.withRetries(ctx, "download", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := l.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &httpStatusError{status: resp.StatusCode}
		}
		out, err = io.ReadAll(resp.Body)
		return err
	})
	return out, err
}

// rejectionError marks a 4xx action rejection: a logical failure, never
// retried.
type rejectionError struct {
	status  int
	message string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("action rejected (%d): %s", e.status, e.message)
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string { return fmt.Sprintf("http status %d", e.status) }

// call performs one authenticated API request through the breaker with
// transient retries.
func (l *Lybic) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	var out []byte
	err := l.withRetries(ctx, method+" "+path, func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, l.endpoint+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := l.breaker.Execute(func() (any, error) {
			resp, err := l.http.Do(req)
			if err != nil {
				// Cancellation is the caller's choice, not a service fault.
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, err
			}
			defer resp.Body.Close()
			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				return data, nil
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return nil, &httpStatusError{status: resp.StatusCode}
			default:
				return nil, &rejectionError{status: resp.StatusCode, message: strings.TrimSpace(string(data))}
			}
		})
		if err != nil {
			return err
		}
		out = res.([]byte)
		return nil
	})
	return out, err
}

// withRetries retries transient transport errors up to 2 times with linear
// 400ms·attempt backoff, matching the service's documented client behavior.
func (l *Lybic) withRetries(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= lybicMaxRetries+1; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !transientTransport(err) || attempt > lybicMaxRetries {
			break
		}
		l.logger.Warnw("Lybic call failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(time.Duration(attempt) * 400 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil && transientTransport(err) {
		return task.WrapE(task.KindTransient, err, "lybic %s", op)
	}
	return err
}

func transientTransport(err error) bool {
	var rej *rejectionError
	if errors.As(err, &rej) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, gobreaker.ErrOpenState) {
		return false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func px(v int) map[string]any {
	return map[string]any{"type": "px", "value": v}
}

func buttonName(b string) string {
	if b == "" {
		return action.ButtonLeft
	}
	return b
}

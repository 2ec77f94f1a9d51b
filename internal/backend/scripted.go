package backend

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/task"
)

// Scripted is a deterministic in-process backend for tests and dry runs.
// Every action succeeds instantly; screenshots are synthetic PNGs that vary
// per capture so change detection sees progress.
type Scripted struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	executed []action.Action
	shots    int
	released bool
	width    int
	height   int
}

// NewScripted creates a scripted backend with a 1920x1080 virtual screen.
func NewScripted(logger *zap.SugaredLogger) *Scripted {
	return &Scripted{logger: logger, width: 1920, height: 1080}
}

func (s *Scripted) Name() string      { return task.BackendScripted }
func (s *Scripted) SandboxID() string { return "" }

func (s *Scripted) Execute(ctx context.Context, a action.Action) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.executed = append(s.executed, a)
	s.mu.Unlock()

	switch v := a.(type) {
	case *action.Screenshot:
		img, err := s.render()
		if err != nil {
			return nil, err
		}
		return &Result{Success: true, Observation: img}, nil
	case *action.Wait:
		select {
		case <-time.After(time.Duration(v.Seconds * float64(time.Second))):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Result{Success: true}, nil
	default:
		s.logger.Debugw("Scripted backend executed action", "type", a.Type())
		return &Result{Success: true}, nil
	}
}

// render produces a tiny PNG scaled to the virtual screen config. One pixel
// tracks the capture count so consecutive screenshots never hash equal.
func (s *Scripted) render() ([]byte, error) {
	s.mu.Lock()
	s.shots++
	n := s.shots
	w, h := s.width, s.height
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: uint8(n), G: uint8(n >> 8), B: 0xCC, A: 0xFF})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Scripted) ScreenSize(ctx context.Context) (int, int, error) {
	return s.width, s.height, nil
}

func (s *Scripted) ReleaseSandbox(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}

// Executed returns a copy of every action run so far, for assertions.
func (s *Scripted) Executed() []action.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]action.Action(nil), s.executed...)
}

// Released reports whether ReleaseSandbox was called.
func (s *Scripted) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

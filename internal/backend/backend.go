// Package backend dispatches neutral device actions to a concrete
// execution environment. Adapters are the only components allowed to block
// on external I/O outside the tool invoker.
package backend

import (
	"context"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/action"
	"github.com/lybic/agent/internal/task"
)

// Result is the outcome of one executed action. Logical failures (element
// not found, permission denied) set Success=false and are never retried;
// transport failures surface as errors.
type Result struct {
	Success     bool
	Observation []byte // screenshot bytes, nil unless the action captures one
	Error       string
}

// Backend executes neutral actions against one sandbox or display.
type Backend interface {
	Name() string
	// SandboxID identifies the remote environment, "" for local adapters.
	SandboxID() string
	// Execute runs one action. The implementation owns per-action timeouts.
	Execute(ctx context.Context, a action.Action) (*Result, error)
	// ScreenSize reports the pixel bounds actions are grounded against.
	ScreenSize(ctx context.Context) (width, height int, err error)
	// ReleaseSandbox tears down the remote environment, if any.
	ReleaseSandbox(ctx context.Context) error
}

// Config selects and parameterizes an adapter for one task.
type Config struct {
	Kind           string // task.Backend* name
	SandboxID      string // reuse an existing sandbox when set
	Shape          string
	Platform       task.Platform
	OrgID          string
	APIKey         string
	Endpoint       string
	MaxLifeSeconds int
}

// New constructs the adapter for cfg.Kind. Recognized-but-unbuilt backends
// return a validation error so callers see a clear message instead of a
// silent fallback.
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Backend, error) {
	switch cfg.Kind {
	case task.BackendLybic, task.BackendLybicMobile:
		return newLybic(ctx, cfg, logger)
	case task.BackendScripted:
		return NewScripted(logger), nil
	case task.BackendLocalGUI, task.BackendVM, task.BackendADB:
		return nil, task.E(task.KindValidation, "backend %q is not built into this binary", cfg.Kind)
	default:
		return nil, task.E(task.KindValidation, "unknown backend %q", cfg.Kind)
	}
}


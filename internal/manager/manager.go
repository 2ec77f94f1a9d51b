// Package manager owns task admission and lifecycle: it bounds concurrency,
// launches one dispatcher per admitted task, routes cancellation, and keeps
// the store and the live task map consistent.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lybic/agent/internal/backend"
	"github.com/lybic/agent/internal/engine"
	"github.com/lybic/agent/internal/event"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/store"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
	"github.com/lybic/agent/internal/workspace"
)

// Default admission and linger settings.
const (
	DefaultMaxConcurrent = 5
	DefaultLinger        = 5 * time.Second
	minLinger            = 1 * time.Second
	maxLinger            = 30 * time.Second
)

// InvokerFactory builds the tool invoker for one task, with the task's
// per-tool overrides applied.
type InvokerFactory func(overrides map[string]task.ProviderOverride) (tools.Invoker, error)

// BackendFactory builds the device backend for one task.
type BackendFactory func(ctx context.Context, cfg backend.Config) (backend.Backend, error)

// Config wires a Manager.
type Config struct {
	Version         string
	MaxConcurrent   int
	LogDir          string
	Linger          time.Duration
	ReflectInterval int

	// Lybic credentials forwarded to the backend adapter.
	LybicOrgID       string
	LybicAPIKey      string
	LybicEndpoint    string
	LybicMaxLifeSecs int

	Invokers InvokerFactory
	Backends BackendFactory
}

// runningTask is the in-memory side of one live task.
type runningTask struct {
	bus    *event.Bus
	cancel context.CancelFunc
	ws     *workspace.Workspace
}

// Manager is the public service surface of the execution core.
type Manager struct {
	cfg     Config
	store   store.Store
	metrics metrics.Recorder
	logger  *zap.SugaredLogger
	sem     *semaphore.Weighted
	linger  time.Duration

	mu      sync.RWMutex
	running map[string]*runningTask
	active  int

	wg sync.WaitGroup
}

// New builds a manager. Zero config fields fall back to defaults.
func New(cfg Config, st store.Store, rec metrics.Recorder, logger *zap.SugaredLogger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	linger := cfg.Linger
	if linger == 0 {
		linger = DefaultLinger
	}
	if linger < minLinger {
		linger = minLinger
	}
	if linger > maxLinger {
		linger = maxLinger
	}
	if cfg.Invokers == nil {
		cfg.Invokers = func(map[string]task.ProviderOverride) (tools.Invoker, error) {
			return nil, task.E(task.KindValidation, "no tool invoker configured")
		}
	}
	if cfg.Backends == nil {
		cfg.Backends = func(ctx context.Context, bc backend.Config) (backend.Backend, error) {
			return backend.New(ctx, bc, logger)
		}
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		metrics: rec,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		linger:  linger,
		running: make(map[string]*runningTask),
	}
}

// Recover marks tasks the previous process left non-terminal as failed.
// Called once before serving.
func (m *Manager) Recover(ctx context.Context) error {
	for _, status := range []task.Status{task.StatusRunning, task.StatusPending} {
		stale, err := m.store.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, t := range stale {
			now := time.Now()
			failed := task.StatusFailed
			reason := "process_restart"
			err := m.store.Update(ctx, t.ID, store.Patch{
				Status:       &failed,
				EndedAt:      &now,
				FinalMessage: &reason,
			})
			if err != nil {
				return fmt.Errorf("mark task %s failed: %w", t.ID, err)
			}
			m.logger.Warnw("Recovered stale task", "task_id", t.ID, "previous_status", status)
		}
	}
	return nil
}

// Submit admits a task and starts its dispatcher. Admission is non-blocking:
// a full manager returns Unavailable instead of queueing.
func (m *Manager) Submit(ctx context.Context, req *task.RunRequest) (string, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := m.resolveContinuation(ctx, req); err != nil {
		return "", err
	}

	if !m.sem.TryAcquire(1) {
		m.metrics.Error("Submit", task.KindUnavailable.String())
		return "", task.E(task.KindUnavailable, "maximum concurrent tasks (%d) reached", m.cfg.MaxConcurrent)
	}

	id := uuid.New().String()
	t := &task.Task{
		ID:             id,
		Instruction:    req.Instruction,
		Status:         task.StatusPending,
		CreatedAt:      time.Now(),
		SandboxID:      req.SandboxID,
		DestroySandbox: req.DestroySandbox,
		Mode:           req.Config.Mode,
		MaxSteps:       req.Config.MaxSteps,
		Platform:       req.Config.Platform,
	}
	if err := m.store.Create(ctx, t); err != nil {
		m.sem.Release(1)
		return "", fmt.Errorf("create task record: %w", err)
	}

	ws, err := workspace.New(m.cfg.LogDir, id, m.logger)
	if err != nil {
		m.sem.Release(1)
		m.failBeforeStart(id, fmt.Sprintf("workspace_init_failed: %v", err))
		return "", fmt.Errorf("create workspace: %w", err)
	}

	inv, err := m.cfg.Invokers(req.Config.PerToolOverrides)
	if err != nil {
		m.sem.Release(1)
		m.failBeforeStart(id, fmt.Sprintf("tool_config_invalid: %v", err))
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bus := event.NewBus(id, m.logger)
	rt := &runningTask{bus: bus, cancel: cancel, ws: ws}

	m.mu.Lock()
	m.running[id] = rt
	m.active++
	m.publishGauges()
	m.mu.Unlock()

	m.metrics.TaskCreated(string(task.StatusPending))
	m.logger.Infow("Task admitted",
		"task_id", id,
		"backend", req.Config.Backend,
		"mode", req.Config.Mode,
		"max_steps", req.Config.MaxSteps,
	)

	m.wg.Add(1)
	go m.execute(runCtx, t, req, rt, inv)
	return id, nil
}

// resolveContinuation validates continue_context and inherits the previous
// task's sandbox when the caller did not name one.
func (m *Manager) resolveContinuation(ctx context.Context, req *task.RunRequest) error {
	if !req.ContinueContext {
		return nil
	}
	prev, err := m.store.Get(ctx, req.PreviousTaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return task.E(task.KindValidation, "previous task %q not found", req.PreviousTaskID)
		}
		return fmt.Errorf("load previous task: %w", err)
	}
	if req.SandboxID == "" {
		req.SandboxID = prev.SandboxID
	}
	return nil
}

// execute owns one task from backend setup to bus teardown.
func (m *Manager) execute(ctx context.Context, t *task.Task, req *task.RunRequest, rt *runningTask, inv tools.Invoker) {
	defer m.wg.Done()
	defer m.sem.Release(1)

	status := m.runTask(ctx, t, req, rt, inv)
	m.logger.Infow("Task finished", "task_id", t.ID, "status", status)

	// Late subscribers still get the replayed history during the linger.
	time.AfterFunc(m.linger, func() {
		rt.bus.Close()
		m.mu.Lock()
		delete(m.running, t.ID)
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.active--
	m.publishGauges()
	m.mu.Unlock()
}

func (m *Manager) runTask(ctx context.Context, t *task.Task, req *task.RunRequest, rt *runningTask, inv tools.Invoker) task.Status {
	if ctx.Err() != nil {
		return m.terminalBeforeStart(t, rt, task.StatusCancelled, "cancelled")
	}

	be, err := m.cfg.Backends(ctx, backend.Config{
		Kind:           req.Config.Backend,
		SandboxID:      req.SandboxID,
		Shape:          req.Config.Shape,
		Platform:       req.Config.Platform,
		OrgID:          m.cfg.LybicOrgID,
		APIKey:         m.cfg.LybicAPIKey,
		Endpoint:       m.cfg.LybicEndpoint,
		MaxLifeSeconds: m.cfg.LybicMaxLifeSecs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return m.terminalBeforeStart(t, rt, task.StatusCancelled, "cancelled")
		}
		m.logger.Errorw("Backend setup failed", "task_id", t.ID, "error", err)
		return m.terminalBeforeStart(t, rt, task.StatusFailed, fmt.Sprintf("backend_init_failed: %v", err))
	}

	if sid := be.SandboxID(); sid != "" && sid != t.SandboxID {
		t.SandboxID = sid
		m.metrics.SandboxCreated(req.Config.Backend)
		if uerr := m.store.Update(ctx, t.ID, store.Patch{SandboxID: &sid}); uerr != nil {
			m.logger.Warnw("Sandbox id persistence failed", "task_id", t.ID, "error", uerr)
		}
	}

	d := engine.New(engine.Config{
		Task:            t,
		Store:           m.store,
		Bus:             rt.bus,
		Workspace:       rt.ws,
		Backend:         be,
		Invoker:         inv,
		Metrics:         m.metrics,
		Logger:          m.logger,
		EnableSearch:    req.Config.EnableSearch,
		EnableTakeover:  req.Config.EnableTakeover,
		ReflectInterval: m.cfg.ReflectInterval,
	})
	return d.Run(ctx)
}

// terminalBeforeStart finalizes a task that never reached its dispatcher.
func (m *Manager) terminalBeforeStart(t *task.Task, rt *runningTask, status task.Status, reason string) task.Status {
	m.markTerminal(t.ID, status, reason)
	stage := event.StageFailed
	if status == task.StatusCancelled {
		stage = event.StageCancelled
	}
	rt.bus.Publish(stage, reason, nil)
	m.metrics.TaskCreated(string(status))
	return status
}

// failBeforeStart marks a record failed when setup died before dispatch.
func (m *Manager) failBeforeStart(id, reason string) {
	m.markTerminal(id, task.StatusFailed, reason)
}

func (m *Manager) markTerminal(id string, status task.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now()
	if err := m.store.Update(ctx, id, store.Patch{
		Status:       &status,
		EndedAt:      &now,
		FinalMessage: &reason,
	}); err != nil {
		m.logger.Errorw("Pre-start terminal persistence failed", "task_id", id, "error", err)
	}
}

// RunStreaming admits a task and immediately attaches to its stream.
func (m *Manager) RunStreaming(ctx context.Context, req *task.RunRequest) (string, *event.Subscription, error) {
	id, err := m.Submit(ctx, req)
	if err != nil {
		return "", nil, err
	}
	sub, err := m.Subscribe(ctx, id)
	if err != nil {
		return id, nil, err
	}
	return id, sub, nil
}

// Subscribe attaches to a task's live event stream. A terminal task whose
// bus already closed yields AlreadyTerminal; unknown ids yield NotFound.
func (m *Manager) Subscribe(ctx context.Context, id string) (*event.Subscription, error) {
	m.mu.RLock()
	rt, ok := m.running[id]
	m.mu.RUnlock()
	if ok {
		return rt.bus.Subscribe(), nil
	}

	if _, err := m.store.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, task.E(task.KindNotFound, "task %q not found", id)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return nil, task.E(task.KindAlreadyTerminal, "task %q is no longer streaming", id)
}

// Query returns the stored record for a task.
func (m *Manager) Query(ctx context.Context, id string) (*task.Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, task.E(task.KindNotFound, "task %q not found", id)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

// Cancel requests cooperative cancellation. It is idempotent: terminal tasks
// return false without error; unknown ids are NotFound.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, task.E(task.KindNotFound, "task %q not found", id)
		}
		return false, fmt.Errorf("load task: %w", err)
	}
	if t.Status.Terminal() {
		return false, nil
	}

	m.mu.RLock()
	rt, ok := m.running[id]
	m.mu.RUnlock()
	if ok {
		rt.cancel()
		m.logger.Infow("Cancellation requested", "task_id", id)
		return true, nil
	}

	// Pending record with no live dispatcher: recovered or raced; finalize
	// it directly.
	cancelled := task.StatusCancelled
	now := time.Now()
	reason := "cancelled"
	if err := m.store.Update(ctx, id, store.Patch{
		Status:       &cancelled,
		EndedAt:      &now,
		FinalMessage: &reason,
	}); err != nil {
		return false, fmt.Errorf("cancel pending task: %w", err)
	}
	return true, nil
}

// List returns tasks newest first plus the total count.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*task.Task, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return m.store.List(ctx, limit, offset)
}

// Info describes this service instance.
type Info struct {
	Version       string `json:"version"`
	MaxConcurrent int    `json:"max_concurrent"`
	LogLevel      string `json:"log_level"`
	Domain        string `json:"domain"`
}

// Info returns static service facts.
func (m *Manager) Info() Info {
	host, _ := os.Hostname()
	level := "info"
	if m.logger.Desugar().Core().Enabled(zap.DebugLevel) {
		level = "debug"
	}
	return Info{
		Version:       m.cfg.Version,
		MaxConcurrent: m.cfg.MaxConcurrent,
		LogLevel:      level,
		Domain:        host,
	}
}

// SandboxRequest asks for a standalone sandbox outside any task.
type SandboxRequest struct {
	Name           string `json:"name,omitempty"`
	Shape          string `json:"shape,omitempty"`
	MaxLifeSeconds int    `json:"max_life_seconds,omitempty"`
}

// SandboxInfo describes a created sandbox.
type SandboxInfo struct {
	SandboxID string `json:"sandbox_id"`
	Shape     string `json:"shape,omitempty"`
	Status    string `json:"status"`
}

// CreateSandbox allocates a sandbox without admitting a task.
func (m *Manager) CreateSandbox(ctx context.Context, req SandboxRequest) (*SandboxInfo, error) {
	maxLife := req.MaxLifeSeconds
	if maxLife == 0 {
		maxLife = m.cfg.LybicMaxLifeSecs
	}
	be, err := m.cfg.Backends(ctx, backend.Config{
		Kind:           task.BackendLybic,
		Shape:          req.Shape,
		OrgID:          m.cfg.LybicOrgID,
		APIKey:         m.cfg.LybicAPIKey,
		Endpoint:       m.cfg.LybicEndpoint,
		MaxLifeSeconds: maxLife,
	})
	if err != nil {
		return nil, err
	}
	m.metrics.SandboxCreated(task.BackendLybic)
	return &SandboxInfo{SandboxID: be.SandboxID(), Shape: req.Shape, Status: "running"}, nil
}

// ActiveCount reports tasks admitted and not yet finished.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Shutdown cancels every running task and waits for dispatchers to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, rt := range m.running {
		rt.cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishGauges mirrors admission state to the metrics. Caller holds m.mu.
func (m *Manager) publishGauges() {
	m.metrics.SetActiveTasks(m.active)
	m.metrics.SetUtilization(float64(m.active) / float64(m.cfg.MaxConcurrent))
}

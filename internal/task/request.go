package task

// Backend names recognized by the run configuration. Only a subset is
// compiled into this service; the rest are validated so callers get a
// clear error instead of a silent fallback.
const (
	BackendLybic       = "lybic"
	BackendLybicMobile = "lybic_mobile"
	BackendLocalGUI    = "local_gui"
	BackendVM          = "vm"
	BackendADB         = "adb"
	BackendScripted    = "scripted"
)

// DefaultMaxSteps bounds a task when the caller does not set a budget.
const DefaultMaxSteps = 50

var knownBackends = map[string]bool{
	BackendLybic:       true,
	BackendLybicMobile: true,
	BackendLocalGUI:    true,
	BackendVM:          true,
	BackendADB:         true,
	BackendScripted:    true,
}

// ProviderOverride swaps the provider wiring of a single tool for one task.
type ProviderOverride struct {
	Provider    string `json:"provider,omitempty"`
	ModelName   string `json:"model_name,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	APIEndpoint string `json:"api_endpoint,omitempty"`
}

// RunConfig is the per-task execution configuration carried by a run request.
type RunConfig struct {
	Backend          string                      `json:"backend,omitempty"`
	Mode             Mode                        `json:"mode,omitempty"`
	MaxSteps         int                         `json:"max_steps,omitempty"`
	Platform         Platform                    `json:"platform,omitempty"`
	Shape            string                      `json:"shape,omitempty"`
	EnableSearch     bool                        `json:"enable_search,omitempty"`
	EnableTakeover   bool                        `json:"enable_takeover,omitempty"`
	PerToolOverrides map[string]ProviderOverride `json:"per_tool_overrides,omitempty"`
}

// RunRequest is what clients submit to start a task.
type RunRequest struct {
	Instruction     string    `json:"instruction"`
	SandboxID       string    `json:"sandbox,omitempty"`
	DestroySandbox  bool      `json:"destroy_sandbox,omitempty"`
	ContinueContext bool      `json:"continue_context,omitempty"`
	PreviousTaskID  string    `json:"previous_task_id,omitempty"`
	Config          RunConfig `json:"config,omitempty"`
}

// ApplyDefaults fills unset configuration fields in place.
func (r *RunRequest) ApplyDefaults() {
	if r.Config.Backend == "" {
		r.Config.Backend = BackendLybic
	}
	if r.Config.Mode == "" {
		r.Config.Mode = ModeNormal
	}
	if r.Config.MaxSteps == 0 {
		r.Config.MaxSteps = DefaultMaxSteps
	}
	if r.Config.Platform == "" {
		r.Config.Platform = PlatformLinux
	}
}

// Validate checks the request after defaults are applied. Failures carry
// KindValidation.
func (r *RunRequest) Validate() error {
	if r.Instruction == "" {
		return E(KindValidation, "instruction must not be empty")
	}
	if !knownBackends[r.Config.Backend] {
		return E(KindValidation, "unknown backend %q", r.Config.Backend)
	}
	if r.Config.Mode != ModeNormal && r.Config.Mode != ModeFast {
		return E(KindValidation, "mode must be %q or %q, got %q", ModeNormal, ModeFast, r.Config.Mode)
	}
	if r.Config.MaxSteps < 1 {
		return E(KindValidation, "max_steps must be >= 1, got %d", r.Config.MaxSteps)
	}
	switch r.Config.Platform {
	case PlatformWindows, PlatformLinux, PlatformMacOS, PlatformAndroid:
	default:
		return E(KindValidation, "unknown platform %q", r.Config.Platform)
	}
	if r.ContinueContext && r.PreviousTaskID == "" {
		return E(KindValidation, "continue_context requires previous_task_id")
	}
	return nil
}

package tools

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lybic/agent/internal/task"
)

// ProviderConfig is the wiring of one tool to an LLM provider.
type ProviderConfig struct {
	Provider     string `yaml:"provider" json:"provider,omitempty"`
	ModelName    string `yaml:"model_name" json:"model_name,omitempty"`
	APIKey       string `yaml:"api_key" json:"api_key,omitempty"`
	APIEndpoint  string `yaml:"api_endpoint" json:"api_endpoint,omitempty"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt,omitempty"`
	// RequestsPerMinute > 0 enables a token-bucket rate limit on the tool.
	RequestsPerMinute float64 `yaml:"requests_per_minute" json:"requests_per_minute,omitempty"`
	// Per-1K-token prices used for cost accounting.
	InputPricePer1K  float64 `yaml:"input_price_per_1k" json:"input_price_per_1k,omitempty"`
	OutputPricePer1K float64 `yaml:"output_price_per_1k" json:"output_price_per_1k,omitempty"`
	Currency         string  `yaml:"currency" json:"currency,omitempty"`
}

// merge fills c's zero fields from base.
func (c ProviderConfig) merge(base ProviderConfig) ProviderConfig {
	if c.Provider == "" {
		c.Provider = base.Provider
	}
	if c.ModelName == "" {
		c.ModelName = base.ModelName
	}
	if c.APIKey == "" {
		c.APIKey = base.APIKey
	}
	if c.APIEndpoint == "" {
		c.APIEndpoint = base.APIEndpoint
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = base.SystemPrompt
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = base.RequestsPerMinute
	}
	if c.InputPricePer1K == 0 {
		c.InputPricePer1K = base.InputPricePer1K
	}
	if c.OutputPricePer1K == 0 {
		c.OutputPricePer1K = base.OutputPricePer1K
	}
	if c.Currency == "" {
		c.Currency = base.Currency
	}
	return c
}

// configFile is the on-disk YAML shape: a defaults block plus per-tool
// overrides keyed by tool name.
type configFile struct {
	Defaults ProviderConfig          `yaml:"defaults"`
	Tools    map[string]ProviderConfig `yaml:"tools"`
}

// Registry resolves the provider configuration for each tool. It is
// read-only after startup unless runtime reconfiguration was explicitly
// enabled.
type Registry struct {
	mu           sync.RWMutex
	defaults     ProviderConfig
	perTool      map[Tool]ProviderConfig
	allowRuntime bool
}

// NewRegistry builds a registry from explicit defaults.
func NewRegistry(defaults ProviderConfig) *Registry {
	if defaults.Currency == "" {
		defaults.Currency = "USD"
	}
	return &Registry{
		defaults: defaults,
		perTool:  make(map[Tool]ProviderConfig),
	}
}

// LoadRegistry reads the YAML tool configuration. A missing path yields the
// built-in defaults; an unknown tool name in the file is a validation error.
func LoadRegistry(path string, defaults ProviderConfig) (*Registry, error) {
	r := NewRegistry(defaults)
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read tools config %s: %w", path, err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, task.WrapE(task.KindValidation, err, "parse tools config %s", path)
	}

	r.defaults = file.Defaults.merge(r.defaults)
	for name, cfg := range file.Tools {
		if !Valid(name) {
			return nil, task.E(task.KindValidation, "tools config names unknown tool %q", name)
		}
		r.perTool[Tool(name)] = cfg
	}
	return r, nil
}

// AllowRuntimeUpdates enables SetConfig after startup.
func (r *Registry) AllowRuntimeUpdates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowRuntime = true
}

// ConfigFor resolves the effective provider wiring for one tool.
func (r *Registry) ConfigFor(tool Tool) ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.perTool[tool]; ok {
		return cfg.merge(r.defaults)
	}
	return r.defaults
}

// SetConfig swaps one tool's wiring at runtime. Rejected unless runtime
// updates were enabled at startup.
func (r *Registry) SetConfig(tool Tool, cfg ProviderConfig) error {
	if !Valid(string(tool)) {
		return task.E(task.KindValidation, "unknown tool %q", tool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.allowRuntime {
		return task.E(task.KindValidation, "runtime tool configuration is disabled")
	}
	r.perTool[tool] = cfg
	return nil
}

// WithOverrides derives a registry applying one task's per-tool overrides
// on top of this one. The receiver is not modified.
func (r *Registry) WithOverrides(overrides map[string]task.ProviderOverride) (*Registry, error) {
	if len(overrides) == 0 {
		return r, nil
	}
	r.mu.RLock()
	derived := &Registry{
		defaults: r.defaults,
		perTool:  make(map[Tool]ProviderConfig, len(r.perTool)+len(overrides)),
	}
	for k, v := range r.perTool {
		derived.perTool[k] = v
	}
	r.mu.RUnlock()

	for name, ov := range overrides {
		if !Valid(name) {
			return nil, task.E(task.KindValidation, "per_tool_overrides names unknown tool %q", name)
		}
		cfg := derived.perTool[Tool(name)]
		if ov.Provider != "" {
			cfg.Provider = ov.Provider
		}
		if ov.ModelName != "" {
			cfg.ModelName = ov.ModelName
		}
		if ov.APIKey != "" {
			cfg.APIKey = ov.APIKey
		}
		if ov.APIEndpoint != "" {
			cfg.APIEndpoint = ov.APIEndpoint
		}
		derived.perTool[Tool(name)] = cfg
	}
	return derived, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"livepatch/internal/agent"
	"livepatch/internal/compiler"
	"livepatch/internal/reload"
	"livepatch/internal/watch"
)

// Config holds all livepatch configuration.
type Config struct {
	// Command agent embedded in the host process
	Agent AgentConfig `yaml:"agent"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Result rendering
	Render RenderConfig `yaml:"render"`

	// Recompilation sandbox
	Compiler CompilerConfig `yaml:"compiler"`

	// Source file watcher
	Watch WatchConfig `yaml:"watch"`
}

// AgentConfig configures the command agent and its clients.
type AgentConfig struct {
	Network        string `yaml:"network"` // tcp, unix
	Addr           string `yaml:"addr"`
	QueueSize      int    `yaml:"queue_size"`
	RequestTimeout string `yaml:"request_timeout"`
}

// RenderConfig configures how reload outcomes are shown.
type RenderConfig struct {
	Color     bool `yaml:"color"`
	MaxLines  int  `yaml:"max_lines"`
	HeadLines int  `yaml:"head_lines"`
	TailLines int  `yaml:"tail_lines"`
	ShowDiff  bool `yaml:"show_diff"`
}

// CompilerConfig configures what recompiled code may import.
type CompilerConfig struct {
	DeniedImports []string `yaml:"denied_imports"`
}

// WatchConfig configures the source file watcher.
type WatchConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AutoReload bool   `yaml:"auto_reload"`
	Debounce   string `yaml:"debounce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	render := reload.DefaultRenderOptions()
	return &Config{
		Agent: AgentConfig{
			Network:        "tcp",
			Addr:           "127.0.0.1:7878",
			QueueSize:      16,
			RequestTimeout: "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},

		Render: RenderConfig{
			Color:     true,
			MaxLines:  render.MaxLines,
			HeadLines: render.HeadLines,
			TailLines: render.TailLines,
		},

		Compiler: CompilerConfig{
			DeniedImports: append([]string(nil), compiler.DefaultDeniedImports...),
		},

		Watch: WatchConfig{
			Enabled:    true,
			AutoReload: false,
			Debounce:   "500ms",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVEPATCH_ADDR"); addr != "" {
		c.Agent.Addr = addr
	}
	if network := os.Getenv("LIVEPATCH_NETWORK"); network != "" {
		c.Agent.Network = network
	}
	if level := os.Getenv("LIVEPATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if v := os.Getenv("LIVEPATCH_AUTO_RELOAD"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Watch.AutoReload = on
		}
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		c.Render.Color = false
	}
}

// GetRequestTimeout returns the client request timeout as a duration.
func (c *Config) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Agent.RequestTimeout)
	if err != nil {
		return agent.DefaultTimeout
	}
	return d
}

// GetDebounce returns the watcher debounce interval as a duration.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// ValidNetworks lists the transports the agent can listen on.
var ValidNetworks = []string{"tcp", "unix"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validNetwork := false
	for _, n := range ValidNetworks {
		if c.Agent.Network == n {
			validNetwork = true
			break
		}
	}
	if !validNetwork {
		return fmt.Errorf("invalid agent network: %s (valid: %v)", c.Agent.Network, ValidNetworks)
	}
	if c.Agent.Addr == "" {
		return fmt.Errorf("agent address not configured (set agent.addr or LIVEPATCH_ADDR)")
	}
	if c.Agent.QueueSize < 0 {
		return fmt.Errorf("agent queue size must not be negative: %d", c.Agent.QueueSize)
	}
	if _, err := time.ParseDuration(c.Agent.RequestTimeout); c.Agent.RequestTimeout != "" && err != nil {
		return fmt.Errorf("invalid agent request timeout: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return err
	}

	r := c.Render
	if r.MaxLines < 0 || r.HeadLines < 0 || r.TailLines < 0 {
		return fmt.Errorf("render line limits must not be negative")
	}
	if r.MaxLines > 0 && r.HeadLines+r.TailLines > r.MaxLines {
		return fmt.Errorf("render head_lines + tail_lines (%d) exceed max_lines (%d)", r.HeadLines+r.TailLines, r.MaxLines)
	}

	if _, err := time.ParseDuration(c.Watch.Debounce); c.Watch.Debounce != "" && err != nil {
		return fmt.Errorf("invalid watch debounce: %w", err)
	}

	return nil
}

// RenderOptions converts the render section for reload.Render.
func (c *Config) RenderOptions() reload.RenderOptions {
	return reload.RenderOptions{
		Color:     c.Render.Color,
		MaxLines:  c.Render.MaxLines,
		HeadLines: c.Render.HeadLines,
		TailLines: c.Render.TailLines,
		ShowDiff:  c.Render.ShowDiff,
	}
}

// AgentOptions converts the agent and render sections for agent.NewServer.
func (c *Config) AgentOptions() agent.Options {
	return agent.Options{
		Network:   c.Agent.Network,
		Addr:      c.Agent.Addr,
		Render:    c.RenderOptions(),
		QueueSize: c.Agent.QueueSize,
	}
}

// CompilerOptions converts the compiler section for compiler.New.
func (c *Config) CompilerOptions() compiler.Options {
	return compiler.Options{DeniedImports: c.Compiler.DeniedImports}
}

// WatchOptions converts the watch section for watch.New.
func (c *Config) WatchOptions() watch.Options {
	return watch.Options{
		Debounce:   c.GetDebounce(),
		AutoReload: c.Watch.AutoReload,
	}
}

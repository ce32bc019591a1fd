package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface consumed by the execution core.
// It is assembled from up to three layers (default, profile, session
// overlay); later layers win key-by-key.
type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Executor ExecutorConfig `yaml:"executor"`
	Gate     GateConfig     `yaml:"gate"`
	Scope    ScopeConfig    `yaml:"scope"`
	Tools    ToolsConfig    `yaml:"tools"`
	Context  ContextConfig  `yaml:"context"`
	Session  SessionConfig  `yaml:"session"`
	Feed     FeedConfig     `yaml:"feed"`
	Log      LogConfig      `yaml:"log"`
}

type AgentConfig struct {
	Name          string `yaml:"name"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxActions    int    `yaml:"max_actions_per_round"`
	Workers       int    `yaml:"workers"`
}

type LLMConfig struct {
	BaseURL         string  `yaml:"base_url"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	Temperature     float32 `yaml:"temperature"`
	MaxFailures     int     `yaml:"max_failures"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
}

type ExecutorConfig struct {
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	GraceSeconds      int    `yaml:"grace_seconds"`
	MaxOutputBytes    int    `yaml:"max_output_bytes"`
	WorkingRoot       string `yaml:"working_root"`
	RestrictToWorkdir bool   `yaml:"restrict_to_workdir"`
}

type GateConfig struct {
	AssumeYes       bool `yaml:"assume_yes"`
	CooldownSeconds int  `yaml:"cooldown_seconds"`
}

type ScopeConfig struct {
	Networks    []string `yaml:"networks"`
	Targets     []string `yaml:"targets"`
	DenyTargets []string `yaml:"deny_targets"`
}

type ToolsConfig struct {
	Extra []string `yaml:"extra"`
}

type ContextConfig struct {
	MaxPromptBytes int `yaml:"max_prompt_bytes"`
	KeepRecent     int `yaml:"keep_recent_messages"`
	MaxOutputLines int `yaml:"max_output_lines"`
}

type SessionConfig struct {
	LogDir         string `yaml:"log_dir"`
	LedgerFilename string `yaml:"ledger_filename"`
}

type FeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func DefaultPath() string {
	return filepath.Join("config", "default.yaml")
}

func ProfilePath(profile string) string {
	return filepath.Join("config", "profiles", profile+".yaml")
}

func SessionPath(logDir, sessionID string) string {
	return filepath.Join(logDir, sessionID, "config.yaml")
}

// Load merges the default layer with the optional profile and session
// layers. The default layer is required; missing optional layers are
// skipped. Returns the merged config and the list of paths applied.
func Load(defaultPath, profilePath, sessionPath string) (Config, []string, error) {
	if defaultPath == "" {
		defaultPath = DefaultPath()
	}
	merged := map[string]any{}
	paths := []string{}

	if err := mergeFile(merged, defaultPath, true); err != nil {
		return Config{}, paths, err
	}
	paths = append(paths, defaultPath)

	for _, layer := range []string{profilePath, sessionPath} {
		if layer == "" {
			continue
		}
		if err := mergeFile(merged, layer, false); err != nil {
			return Config{}, paths, err
		}
		paths = append(paths, layer)
	}

	data, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, paths, fmt.Errorf("marshal merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, paths, fmt.Errorf("unmarshal merged config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, paths, err
	}
	return cfg, paths, nil
}

// Normalize fills unset fields with working defaults.
func (c *Config) Normalize() {
	if c.Agent.Name == "" {
		c.Agent.Name = "redeye"
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.MaxActions <= 0 {
		c.Agent.MaxActions = 5
	}
	if c.Agent.Workers <= 0 {
		c.Agent.Workers = 3
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.LLM.MaxFailures <= 0 {
		c.LLM.MaxFailures = 3
	}
	if c.LLM.CooldownSeconds <= 0 {
		c.LLM.CooldownSeconds = 300
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 300
	}
	if c.Executor.GraceSeconds <= 0 {
		c.Executor.GraceSeconds = 2
	}
	if c.Executor.MaxOutputBytes <= 0 {
		c.Executor.MaxOutputBytes = 2 << 20
	}
	if c.Gate.CooldownSeconds <= 0 {
		c.Gate.CooldownSeconds = 60
	}
	if c.Context.MaxPromptBytes <= 0 {
		c.Context.MaxPromptBytes = 48 << 10
	}
	if c.Context.KeepRecent <= 0 {
		c.Context.KeepRecent = 8
	}
	if c.Context.MaxOutputLines <= 0 {
		c.Context.MaxOutputLines = 40
	}
	if c.Session.LogDir == "" {
		c.Session.LogDir = "sessions"
	}
	if c.Session.LedgerFilename == "" {
		c.Session.LedgerFilename = "ledger.md"
	}
	if c.Feed.ListenAddr == "" {
		c.Feed.ListenAddr = "127.0.0.1:8787"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the core cannot run under.
func (c Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be >= 1")
	}
	if c.Executor.MaxOutputBytes < 1024 {
		return fmt.Errorf("executor.max_output_bytes must be >= 1024")
	}
	if c.Executor.TimeoutSeconds < 1 {
		return fmt.Errorf("executor.timeout_seconds must be >= 1")
	}
	if c.Gate.CooldownSeconds < 1 {
		return fmt.Errorf("gate.cooldown_seconds must be >= 1")
	}
	return nil
}

func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

func (c Config) ExecGrace() time.Duration {
	return time.Duration(c.Executor.GraceSeconds) * time.Second
}

func (c Config) GateCooldown() time.Duration {
	return time.Duration(c.Gate.CooldownSeconds) * time.Second
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutSeconds) * time.Second
}

func (c Config) LLMCooldown() time.Duration {
	return time.Duration(c.LLM.CooldownSeconds) * time.Second
}

func mergeFile(dst map[string]any, path string, required bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return fmt.Errorf("config file not found: %s", path)
	}
	if info.IsDir() {
		return fmt.Errorf("config path is a directory: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %s: %w", path, err)
	}
	var src map[string]any
	if err := yaml.Unmarshal(data, &src); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}
	deepMerge(dst, src)
	return nil
}

func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		if existing, ok := dst[key]; ok {
			if existingMap, ok := existing.(map[string]any); ok {
				deepMerge(existingMap, srcMap)
				continue
			}
		}
		newMap := map[string]any{}
		deepMerge(newMap, srcMap)
		dst[key] = newMap
	}
}

func Save(path string, cfg Config) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

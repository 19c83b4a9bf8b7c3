package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ModelConfig selects the models used for orchestration and for short
// auxiliary calls (titles, objectives, summaries).
type ModelConfig struct {
	Provider           string  `json:"provider"` // "anthropic"
	OrchestrationModel string  `json:"orchestration_model"`
	AuxiliaryModel     string  `json:"auxiliary_model"`
	APIKeyEnv          string  `json:"api_key_env"`
	MaxTokens          int     `json:"max_tokens"`
	Temperature        float64 `json:"temperature"`
}

// TurnConfig bounds the statement and delegated-task turn loops.
type TurnConfig struct {
	MaxTurnsPerStatement int `json:"max_turns_per_statement"`
	MaxTurnsPerTask      int `json:"max_turns_per_task"`
	// ContextCutoffPercent is the share of the context window that a single
	// turn may consume before a forced summary is triggered.
	ContextCutoffPercent int `json:"context_cutoff_percent"`
}

// DelegationConfig holds the default failure-strategy parameters.
type DelegationConfig struct {
	MaxRetries               int `json:"max_retries"`
	ContinueOnErrorThreshold int `json:"continue_on_error_threshold"`
}

// StorageConfig locates the interaction store and the audit log.
type StorageConfig struct {
	BaseDir      string `json:"base_dir"`
	AuditLogPath string `json:"audit_log_path"`
}

// Config represents application configuration
type Config struct {
	LogLevel       string           `json:"log_level"`
	LogPath        string           `json:"log_path"`
	Model          ModelConfig      `json:"model"`
	Turns          TurnConfig       `json:"turns"`
	Delegation     DelegationConfig `json:"delegation"`
	Storage        StorageConfig    `json:"storage"`
	ContextWindows map[string]int   `json:"context_windows,omitempty"`
}

// Defaults used when the config file is missing fields.
const (
	DefaultMaxTurnsPerStatement = 25
	DefaultMaxTurnsPerTask      = 10
	DefaultContextCutoff        = 95
	DefaultContextWindow        = 200000
	DefaultMaxRetries           = 3
	DefaultContinueThreshold    = 3
	DefaultMaxTokens            = 8192
)

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	stateDir, _ := stateDir()
	return &Config{
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "dirigent.log"),
		Model: ModelConfig{
			Provider:           "anthropic",
			OrchestrationModel: "claude-sonnet-4-20250514",
			AuxiliaryModel:     "claude-3-5-haiku-20241022",
			APIKeyEnv:          "ANTHROPIC_API_KEY",
			MaxTokens:          DefaultMaxTokens,
			Temperature:        1.0,
		},
		Turns: TurnConfig{
			MaxTurnsPerStatement: DefaultMaxTurnsPerStatement,
			MaxTurnsPerTask:      DefaultMaxTurnsPerTask,
			ContextCutoffPercent: DefaultContextCutoff,
		},
		Delegation: DelegationConfig{
			MaxRetries:               DefaultMaxRetries,
			ContinueOnErrorThreshold: DefaultContinueThreshold,
		},
		Storage: StorageConfig{
			BaseDir:      filepath.Join(stateDir, "interactions"),
			AuditLogPath: filepath.Join(stateDir, "audit.db"),
		},
	}
}

// GetConfigPath returns the platform-specific config file path.
func GetConfigPath() string {
	dir, err := configDir()
	if err != nil {
		return "dirigent.json"
	}
	return filepath.Join(dir, "config.json")
}

func configDir() (string, error) {
	if custom := strings.TrimSpace(os.Getenv("DIRIGENT_CONFIG_DIR")); custom != "" {
		return custom, nil
	}
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "dirigent"), nil
		}
	default:
		if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
			return filepath.Join(xdg, "dirigent"), nil
		}
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "dirigent"), nil
}

func stateDir() (string, error) {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "dirigent"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".local", "state", "dirigent"), nil
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "dirigent"), nil
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, "AppData", "Local", "dirigent"), nil
	default:
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(homeDir, ".config", "dirigent", "state"), nil
	}
}

// Load reads the config file from the default location, applying defaults
// for missing fields. A missing file yields the default configuration.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Save writes the config to the default location atomically.
func (c *Config) Save() error {
	path := GetConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace config: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Turns.MaxTurnsPerStatement <= 0 {
		c.Turns.MaxTurnsPerStatement = DefaultMaxTurnsPerStatement
	}
	if c.Turns.MaxTurnsPerTask <= 0 {
		c.Turns.MaxTurnsPerTask = DefaultMaxTurnsPerTask
	}
	if c.Turns.ContextCutoffPercent <= 0 || c.Turns.ContextCutoffPercent > 100 {
		c.Turns.ContextCutoffPercent = DefaultContextCutoff
	}
	if c.Delegation.MaxRetries < 0 {
		c.Delegation.MaxRetries = DefaultMaxRetries
	}
	if c.Delegation.ContinueOnErrorThreshold <= 0 {
		c.Delegation.ContinueOnErrorThreshold = DefaultContinueThreshold
	}
	if c.Model.MaxTokens <= 0 {
		c.Model.MaxTokens = DefaultMaxTokens
	}
}

// ContextWindow returns the context-window size for a model, falling back
// to the default window when the model is unknown.
func (c *Config) ContextWindow(modelID string) int {
	if window, ok := c.ContextWindows[modelID]; ok && window > 0 {
		return window
	}
	return DefaultContextWindow
}

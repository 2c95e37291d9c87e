package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the satchel configuration
type Config struct {
	// DefaultProvider names the AI backend used when a run doesn't pick one.
	DefaultProvider string `yaml:"default_provider"`

	// AI holds one entry per configured backend, keyed by provider name
	// ("gemini", "openai").
	AI map[string]AIConfig `yaml:"ai"`

	Pipeline PipelineConfig `yaml:"pipeline"`

	// Maildir points at a local message directory (one subdirectory per
	// user). When set, it is used as the inbox instead of Gmail.
	Maildir string `yaml:"maildir,omitempty"`

	Google GoogleConfig `yaml:"google"`

	// CalendarSync pushes extracted events to the user's calendar after
	// local persistence.
	CalendarSync bool `yaml:"calendar_sync"`

	Debug bool `yaml:"debug,omitempty"`
}

// AIConfig configures one AI backend.
type AIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model,omitempty"`
	// BaseURL overrides the provider endpoint (testing, proxies,
	// OpenAI-compatible gateways).
	BaseURL string `yaml:"base_url,omitempty"`
}

// PipelineConfig holds the extraction run knobs.
type PipelineConfig struct {
	BatchSize          int     `yaml:"batch_size,omitempty"`
	Workers            int     `yaml:"workers,omitempty"`
	MaxResults         int     `yaml:"max_results,omitempty"`
	Label              string  `yaml:"label,omitempty"`
	FewshotPerCategory int     `yaml:"fewshot_per_category,omitempty"`
	MinSenderSamples   int     `yaml:"min_sender_samples,omitempty"`
	MinSenderScore     float64 `yaml:"min_sender_score,omitempty"`
}

// GoogleConfig configures the Gmail/Calendar provider.
type GoogleConfig struct {
	// TokenFile is the per-user bearer token cache written by the auth
	// flow (managed outside this binary).
	TokenFile string `yaml:"token_file,omitempty"`
}

// Defaults used when the config file leaves pipeline knobs unset.
const (
	DefaultBatchSize          = 8
	DefaultWorkers            = 3
	DefaultMaxResults         = 100
	DefaultLabel              = "Satchel/Processed"
	DefaultFewshotPerCategory = 2
	DefaultMinSenderSamples   = 4
	DefaultMinSenderScore     = 0.2
)

func (p *PipelineConfig) applyDefaults() {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.Workers <= 0 {
		p.Workers = DefaultWorkers
	}
	if p.MaxResults <= 0 {
		p.MaxResults = DefaultMaxResults
	}
	if p.Label == "" {
		p.Label = DefaultLabel
	}
	if p.FewshotPerCategory <= 0 {
		p.FewshotPerCategory = DefaultFewshotPerCategory
	}
	if p.MinSenderSamples <= 0 {
		p.MinSenderSamples = DefaultMinSenderSamples
	}
	if p.MinSenderScore <= 0 {
		p.MinSenderScore = DefaultMinSenderScore
	}
}

// GetConfigDir returns the XDG-compliant config directory
func GetConfigDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("SATCHEL_CONFIG_DIR"); override != "" {
		return override, nil
	}

	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "satchel"), nil
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() (string, error) {
	// Explicit override (useful for tests and portable installs)
	if override := os.Getenv("SATCHEL_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "Satchel"), nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "satchel"), nil
	}

	return filepath.Join(home, ".local", "share", "satchel"), nil
}

// Load loads config from the config file
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default empty config
			cfg := &Config{AI: make(map[string]AIConfig)}
			cfg.Pipeline.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.AI == nil {
		cfg.AI = make(map[string]AIConfig)
	}
	cfg.Pipeline.applyDefaults()

	return &cfg, nil
}

// Save saves the config to the config file
func (c *Config) Save() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

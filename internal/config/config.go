// Package config handles Ember configuration loading.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, an optional YAML file (environment variables in the
// file are expanded before parsing), and the recognized environment
// variable set (PORT, MAX_MESSAGE_LENGTH, AI_PROVIDER, AI_MODEL,
// AI_BASE_URL, AI_API_KEY, ENERGY_REPLENISH_RATE, RUN_DURATION, DEBUG).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ember/config.yaml, /etc/ember/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ember", "config.yaml"))
	}

	paths = append(paths, "/etc/ember/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns "" (no error) when nothing was found — Ember runs fine on
// defaults plus environment variables.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all Ember configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Provider ProviderConfig `yaml:"provider"`
	Tiers    []TierConfig   `yaml:"tiers"`
	Energy   EnergyConfig   `yaml:"energy"`
	Ingress  IngressConfig  `yaml:"ingress"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`

	// Duration bounds the cognitive loop's run time. Zero means run
	// until interrupted.
	Duration time.Duration `yaml:"duration"`
	// Debug enables verbose logging regardless of LogLevel.
	Debug bool `yaml:"debug"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig defines the LLM provider adapter settings.
type ProviderConfig struct {
	// Name selects the adapter: "ollama" (default) or "openai".
	Name string `yaml:"name"`
	// BaseURL is the provider endpoint.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates with hosted providers. Unused by ollama.
	APIKey string `yaml:"api_key"`
	// Model, when set, overrides every tier's concrete model id.
	Model string `yaml:"model"`
}

// TierConfig maps an energy threshold to a model tier. The gateway
// selects the most expensive tier whose MinEnergy is at or below the
// current level.
type TierConfig struct {
	// MinEnergy is the level required to select this tier.
	MinEnergy float64 `yaml:"min_energy"`
	// Tier is the opaque size label ("small", "medium", "large").
	Tier string `yaml:"tier"`
	// Model is the concrete model identifier for the provider.
	Model string `yaml:"model"`
	// NominalCost is the per-call energy cost before wall-time credit.
	NominalCost float64 `yaml:"nominal_cost"`
}

// EnergyConfig defines regulator settings.
type EnergyConfig struct {
	// ReplenishRate is energy units added per second of sleep.
	ReplenishRate float64 `yaml:"replenish_rate"`
}

// IngressConfig defines HTTP ingress policy.
type IngressConfig struct {
	// MaxMessageLength caps POST /message content length in characters.
	MaxMessageLength int `yaml:"max_message_length"`
	// RateLimitPerMinute is the per-IP request allowance.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// RateLimitBurst is the token bucket capacity.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// MQTTConfig defines the optional MQTT event sink.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Provider: ProviderConfig{
			Name:    "ollama",
			BaseURL: "http://localhost:11434",
		},
		Tiers: []TierConfig{
			{MinEnergy: 0, Tier: "small", Model: "llama3.2:3b", NominalCost: 3},
			{MinEnergy: 30, Tier: "medium", Model: "qwen2.5:14b", NominalCost: 8},
			{MinEnergy: 70, Tier: "large", Model: "qwen2.5:32b", NominalCost: 15},
		},
		Energy: EnergyConfig{ReplenishRate: 1},
		Ingress: IngressConfig{
			MaxMessageLength:   10000,
			RateLimitPerMinute: 60,
			RateLimitBurst:     10,
		},
		MQTT:     MQTTConfig{DeviceName: "ember"},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. path may be "" for defaults-plus-env only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}

		// Expand ${VAR} references so secrets stay out of the file.
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays the recognized environment variable set.
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT %q: %w", v, err)
		}
		c.Listen.Port = port
	}
	if v := os.Getenv("MAX_MESSAGE_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_MESSAGE_LENGTH %q: %w", v, err)
		}
		c.Ingress.MaxMessageLength = n
	}
	if v := os.Getenv("AI_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("AI_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("AI_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("AI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("ENERGY_REPLENISH_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("ENERGY_REPLENISH_RATE %q: %w", v, err)
		}
		c.Energy.ReplenishRate = rate
	}
	if v := os.Getenv("RUN_DURATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RUN_DURATION %q: %w", v, err)
		}
		c.Duration = d
	}
	if v := os.Getenv("DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG %q: %w", v, err)
		}
		c.Debug = debug
	}
	return nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures. Called by Load; startup fails non-zero on error.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range 1-65535", c.Listen.Port)
	}
	if c.Ingress.MaxMessageLength <= 0 {
		return fmt.Errorf("max_message_length must be positive, got %d", c.Ingress.MaxMessageLength)
	}
	switch c.Provider.Name {
	case "ollama", "openai":
	default:
		return fmt.Errorf("unknown provider %q (valid: ollama, openai)", c.Provider.Name)
	}
	if c.Provider.Name == "openai" && c.Provider.APIKey == "" {
		return fmt.Errorf("provider %q requires AI_API_KEY", c.Provider.Name)
	}
	if c.Energy.ReplenishRate <= 0 {
		return fmt.Errorf("energy replenish_rate must be positive, got %v", c.Energy.ReplenishRate)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one model tier is required")
	}
	for i, t := range c.Tiers {
		if t.Tier == "" || t.Model == "" {
			return fmt.Errorf("tier %d: tier and model must be set", i)
		}
		if t.NominalCost <= 0 {
			return fmt.Errorf("tier %q: nominal_cost must be positive", t.Tier)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt enabled but no broker configured")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

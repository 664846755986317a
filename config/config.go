// Package config handles process-level configuration loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hupe1980/convoloop/core"
	"gopkg.in/yaml.v3"
)

// Config holds all process configuration. Agent configurations are not part
// of this file: they live in the repository and reach processes through the
// config cache.
type Config struct {
	// InstanceID identifies this process on the broadcast channels. A random
	// id is generated when empty.
	InstanceID string       `yaml:"instance_id"`
	Listen     ListenConfig `yaml:"listen"`
	MQTT       MQTTConfig   `yaml:"mqtt"`
	Store      StoreConfig  `yaml:"store"`
	Engine     EngineConfig `yaml:"engine"`
	Anthropic  ProviderKey  `yaml:"anthropic"`
	OpenAI     ProviderKey  `yaml:"openai"`
	LogLevel   string       `yaml:"log_level"`
}

// ListenConfig defines the HTTP listener.
type ListenConfig struct {
	Addr              string        `yaml:"addr"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	WriteDeadline     time.Duration `yaml:"write_deadline"`
}

// MQTTConfig defines the broker used for cross-process cancel and config-sync
// broadcasts. When Broker is empty the process runs standalone with an
// in-memory bus.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// StoreConfig defines persistence. When Path is empty the process keeps
// everything in memory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes turn execution.
type EngineConfig struct {
	SystemPrompt  string        `yaml:"system_prompt"`
	MaxIterations int           `yaml:"max_iterations"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepMinAge   time.Duration `yaml:"sweep_min_age"`
}

// ProviderKey holds one provider's API credentials. Empty falls back to the
// provider SDK's environment variables.
type ProviderKey struct {
	APIKey string `yaml:"api_key"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		InstanceID: core.NewID(),
		Listen: ListenConfig{
			Addr:              ":8080",
			KeepAliveInterval: 15 * time.Second,
			WriteDeadline:     120 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "convoloop",
		},
		Engine: EngineConfig{
			MaxIterations: 10,
			IdleTimeout:   2 * time.Minute,
			SweepInterval: 10 * time.Minute,
			SweepMinAge:   30 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = core.NewID()
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "convoloop"
	}
	return cfg, nil
}

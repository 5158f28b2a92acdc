package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Policy   PolicyConfig   `yaml:"policy"`
	Script   ScriptConfig   `yaml:"script"`
	Voice    VoiceConfig    `yaml:"voice"`
	Video    VideoConfig    `yaml:"video"`
	Paths    PathsConfig    `yaml:"paths"`
}

type PolicyConfig struct {
	// MaxRegenerations bounds the regenerate self-loop per script request.
	MaxRegenerations int `yaml:"max_regenerations"`
	// SessionMaxIdleMin is the eviction horizon for idle sessions, minutes.
	SessionMaxIdleMin int `yaml:"session_max_idle_min"`

	ScriptTimeoutSec  int `yaml:"script_timeout_sec"`
	VoiceTimeoutSec   int `yaml:"voice_timeout_sec"`
	VisualTimeoutSec  int `yaml:"visual_timeout_sec"`
	ComposeTimeoutSec int `yaml:"compose_timeout_sec"`
}

type ScriptConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	TargetWords int     `yaml:"target_words"`
}

type VoiceConfig struct {
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	ModelID         string  `yaml:"model_id"`
}

type VideoConfig struct {
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FPS       int    `yaml:"fps"`
	Watermark string `yaml:"watermark"`
}

type PathsConfig struct {
	WorkDir string `yaml:"work_dir"`
}

// Load reads the YAML config file and applies defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with all defaults applied, for tests and for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Policy.MaxRegenerations == 0 {
		c.Policy.MaxRegenerations = 3
	}
	if c.Policy.SessionMaxIdleMin == 0 {
		c.Policy.SessionMaxIdleMin = 120
	}
	if c.Policy.ScriptTimeoutSec == 0 {
		c.Policy.ScriptTimeoutSec = 60
	}
	if c.Policy.VoiceTimeoutSec == 0 {
		// Voice synthesis moves the largest payload, give it the longest wait.
		c.Policy.VoiceTimeoutSec = 120
	}
	if c.Policy.VisualTimeoutSec == 0 {
		c.Policy.VisualTimeoutSec = 30
	}
	if c.Policy.ComposeTimeoutSec == 0 {
		c.Policy.ComposeTimeoutSec = 120
	}
	if c.Script.Model == "" {
		c.Script.Model = "gpt-4o-mini"
	}
	if c.Script.Temperature == 0 {
		c.Script.Temperature = 0.7
	}
	if c.Script.TargetWords == 0 {
		c.Script.TargetWords = 130
	}
	if c.Voice.Stability == 0 {
		c.Voice.Stability = 0.5
	}
	if c.Voice.SimilarityBoost == 0 {
		c.Voice.SimilarityBoost = 0.75
	}
	if c.Voice.ModelID == "" {
		c.Voice.ModelID = "eleven_multilingual_v2"
	}
	if c.Video.Width == 0 {
		c.Video.Width = 1080
	}
	if c.Video.Height == 0 {
		c.Video.Height = 1920
	}
	if c.Video.FPS == 0 {
		c.Video.FPS = 30
	}
	if c.Video.Watermark == "" {
		c.Video.Watermark = "TruePast"
	}
	if c.Paths.WorkDir == "" {
		c.Paths.WorkDir = "output"
	}
}

func (c *Config) ScriptTimeout() time.Duration {
	return time.Duration(c.Policy.ScriptTimeoutSec) * time.Second
}

func (c *Config) VoiceTimeout() time.Duration {
	return time.Duration(c.Policy.VoiceTimeoutSec) * time.Second
}

func (c *Config) VisualTimeout() time.Duration {
	return time.Duration(c.Policy.VisualTimeoutSec) * time.Second
}

func (c *Config) ComposeTimeout() time.Duration {
	return time.Duration(c.Policy.ComposeTimeoutSec) * time.Second
}

func (c *Config) SessionMaxIdle() time.Duration {
	return time.Duration(c.Policy.SessionMaxIdleMin) * time.Minute
}

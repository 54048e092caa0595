// Package config loads runtime configuration for the session core, in the
// same yaml.v3-plus-defaults style as the teacher's internal/config package.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/basket/play-session/internal/metrics"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for cmd/playd.
type Config struct {
	Listen string `yaml:"listen"`

	HomeDir  string `yaml:"home_dir"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Telemetry   metrics.Config    `yaml:"telemetry"`
}

// CoordinatorConfig tunes the permit pool and timeout constants a session
// applies (§3 "N_PARALLEL", §2 "IDLE_TIMEOUT"/"SESSION_TIMEOUT").
type CoordinatorConfig struct {
	Parallelism    int64         `yaml:"parallelism"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// SandboxConfig controls the Docker backend.
type SandboxConfig struct {
	Workspace   string            `yaml:"workspace"`
	MemoryMB    int64             `yaml:"memory_mb"`
	NetworkMode string            `yaml:"network_mode"`
	Images      map[string]string `yaml:"images"`
}

// Defaults returns the configuration a fresh install runs with absent an
// override file, matching the spec's literal constants (§2, §3).
func Defaults() Config {
	return Config{
		Listen:   ":8080",
		HomeDir:  ".",
		LogLevel: "info",
		Coordinator: CoordinatorConfig{
			Parallelism:    2,
			IdleTimeout:    60 * time.Second,
			SessionTimeout: 45 * time.Minute,
		},
		Sandbox: SandboxConfig{
			Workspace:   os.TempDir(),
			MemoryMB:    512,
			NetworkMode: "none",
		},
		Telemetry: metrics.Config{
			Enabled:    false,
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

// Load reads path over top of Defaults(). A missing file is not an error:
// the caller runs on defaults, matching the teacher's permissive config
// loading so a fresh checkout starts without any setup step.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Package config loads the broker configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "30s" style values in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Sessions SessionsConfig `yaml:"sessions"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Agent    AgentConfig    `yaml:"agent"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// Path is the sqlite database file. Empty disables persistence; the
	// broker then runs purely in memory.
	Path string `yaml:"path"`

	// RecordingDir is where asciinema recordings of shell sessions go.
	RecordingDir string `yaml:"recording_dir"`
}

type SessionsConfig struct {
	// MaxPerOwner bounds concurrent non-exited sessions per identity.
	MaxPerOwner int `yaml:"max_per_owner"`

	// TerminateGrace is how long terminate waits for a clean exit before
	// force-killing the adapter process.
	TerminateGrace Duration `yaml:"terminate_grace"`

	// SweepInterval is how often the registry checks adapter PIDs for
	// sessions that crashed without notifying.
	SweepInterval Duration `yaml:"sweep_interval"`

	// Retention is how long an exited session and its event log are kept
	// before being reclaimed.
	Retention Duration `yaml:"retention"`

	// WriteTimeout bounds the wait on adapter input backpressure.
	WriteTimeout Duration `yaml:"write_timeout"`
}

type PipelineConfig struct {
	// DedupeWindow is how many recent distinct lines are checked for
	// exact-duplicate suppression.
	DedupeWindow int `yaml:"dedupe_window"`

	// ProgressThreshold is the minimum percentage-point change a progress
	// line must represent to be appended.
	ProgressThreshold float64 `yaml:"progress_threshold"`
}

type AgentConfig struct {
	// LoginCommand is the helper CLI spawned for an interactive login
	// attempt, for example "claude /login".
	LoginCommand string `yaml:"login_command"`

	// LoginTimeout is the hard watchdog for a login attempt; the helper
	// process is force-killed when it fires.
	LoginTimeout Duration `yaml:"login_timeout"`
}

type AuthConfig struct {
	// Token is the shared bearer token accepted by the static gate. Empty
	// disables the gate (development only).
	Token string `yaml:"token"`
}

// Load reads the YAML file at path, filling defaults for anything unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Path:         "data/broker.db",
			RecordingDir: "data/recordings",
		},
		Sessions: SessionsConfig{
			MaxPerOwner:    10,
			TerminateGrace: Duration(5 * time.Second),
			SweepInterval:  Duration(30 * time.Second),
			Retention:      Duration(24 * time.Hour),
			WriteTimeout:   Duration(2 * time.Second),
		},
		Pipeline: PipelineConfig{
			DedupeWindow:      8,
			ProgressThreshold: 5,
		},
		Agent: AgentConfig{
			LoginCommand: "claude /login",
			LoginTimeout: Duration(90 * time.Second),
		},
	}
}

// Package settings reads the host settings file.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/designs/envsandbox/internal/expr"
)

// FileName is the default settings filename, looked up in the base directory.
const FileName = "envsandbox.yaml"

// Executor backends.
const (
	BackendInProcess = "inprocess"
	BackendProcess   = "process"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Settings represents an envsandbox.yaml file.
type Settings struct {
	Executor Executor `yaml:"executor"`
	Relay    Relay    `yaml:"relay,omitempty"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics,omitempty"`
}

// Executor selects and tunes the execution backend.
type Executor struct {
	Backend       string   `yaml:"backend"`
	Timeout       string   `yaml:"timeout"`
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// Relay configures callback delivery.
type Relay struct {
	// Filter is an optional policy expression; callbacks for which it is
	// false are dropped.
	Filter string `yaml:"filter,omitempty"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `yaml:"listen,omitempty"`
}

// Default returns the settings used when no file is present.
func Default() *Settings {
	return &Settings{
		Executor: Executor{Backend: BackendInProcess, Timeout: "30s"},
		Log:      Log{Level: "info", Format: FormatJSON},
	}
}

// Read loads FileName from dir. A missing file yields the defaults.
func Read(dir string) (*Settings, error) {
	s, err := ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return s, err
}

// ReadFile loads and validates the settings file at path.
func ReadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return Parse(data)
}

// Parse parses settings from YAML bytes. Omitted fields keep their defaults.
func Parse(data []byte) (*Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write writes s as FileName in dir.
func Write(s *Settings, dir string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, FileName), data, 0644)
}

// Validate checks every field.
func (s *Settings) Validate() error {
	switch s.Executor.Backend {
	case BackendInProcess, BackendProcess:
	default:
		return fmt.Errorf("settings: unknown executor backend %q (want %s or %s)", s.Executor.Backend, BackendInProcess, BackendProcess)
	}
	d, err := time.ParseDuration(s.Executor.Timeout)
	if err != nil {
		return fmt.Errorf("settings: executor timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("settings: executor timeout must be positive, got %s", s.Executor.Timeout)
	}
	for _, arg := range s.Executor.WorkerCommand {
		if strings.TrimSpace(arg) == "" {
			return fmt.Errorf("settings: executor worker_command has an empty argument")
		}
	}
	if s.Relay.Filter != "" {
		if _, err := expr.Compile(s.Relay.Filter); err != nil {
			return fmt.Errorf("settings: relay filter: %w", err)
		}
	}
	switch strings.ToLower(s.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("settings: unknown log level %q", s.Log.Level)
	}
	switch s.Log.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("settings: unknown log format %q", s.Log.Format)
	}
	return nil
}

// Timeout returns the parsed executor timeout.
func (s *Settings) Timeout() time.Duration {
	d, err := time.ParseDuration(s.Executor.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

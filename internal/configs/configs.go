// Package configs reads per-plugin target environment configurations and
// enforces the permission invariants on their files.
package configs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/szaher/designs/envsandbox/internal/paths"
	"github.com/szaher/designs/envsandbox/internal/telemetry"
)

// Config is one target environment configuration. Data is only populated
// for privileged callers; see Public.
type Config struct {
	ID          string         `json:"_id"`
	Name        string         `json:"name"`
	TargetEnvID string         `json:"targetEnvId"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data"`
}

// Public returns a copy of c safe to hand to lower-trust consumers.
func (c Config) Public() Config {
	c.Data = map[string]any{}
	return c
}

// Scrub returns public copies of cfgs.
func Scrub(cfgs []Config) []Config {
	out := make([]Config, len(cfgs))
	for i, c := range cfgs {
		out[i] = c.Public()
	}
	return out
}

// Failure reasons reported by Load.
const (
	ReasonUnreadable = "unreadable"
	ReasonMalformed  = "malformed"
	ReasonInvalid    = "invalid"
	ReasonUnexpected = "unexpected"
)

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// WithLogger sets the logger used for load diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *loadOptions) { o.logger = l }
}

// WithMetrics sets the metrics collector for load failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *loadOptions) { o.metrics = m }
}

// Load reads the configs of the plugin at root. It never fails: a missing
// file yields an empty list silently, and every other problem yields an
// empty list with one logged error. Every entry is stamped with the plugin's
// identity and carries full Data.
func Load(root paths.PluginRoot, opts ...Option) (cfgs []Config) {
	o := loadOptions{logger: telemetry.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	path := root.ConfigPath()

	fail := func(reason string, attrs ...any) {
		o.logger.Error("failed to load plugin configs",
			append([]any{"plugin", root.ID, "path", path, "reason", reason}, attrs...)...)
		o.metrics.RecordConfigFailure(reason)
		cfgs = []Config{}
	}
	defer func() {
		if r := recover(); r != nil {
			fail(ReasonUnexpected, "error", fmt.Sprint(r))
		}
	}()

	cfgs, reason, err := read(root, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && reason == "" {
			return []Config{}
		}
		var invalid ValidationErrors
		if errors.As(err, &invalid) {
			fail(reason, "fields", invalid.Paths(), "error", err.Error())
			return cfgs
		}
		fail(reason, "error", err.Error())
		return cfgs
	}
	return cfgs
}

func read(root paths.PluginRoot, path string) ([]Config, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		return nil, ReasonUnreadable, err
	}
	if !info.Mode().IsRegular() {
		return nil, ReasonUnexpected, fmt.Errorf("%s is not a regular file", path)
	}
	if info.Mode().Perm()&0o400 == 0 {
		return nil, ReasonUnreadable, fmt.Errorf("%s: owner read permission missing", path)
	}
	if err := checkAccess(path, false); err != nil {
		return nil, ReasonUnreadable, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return nil, ReasonUnreadable, err
		}
		return nil, ReasonUnexpected, err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ReasonMalformed, fmt.Errorf("parse %s: %w", path, err)
	}
	if errs := Validate(doc); len(errs) > 0 {
		return nil, ReasonInvalid, errs
	}

	var cfgs []Config
	if err := json.Unmarshal(data, &cfgs); err != nil {
		return nil, ReasonUnexpected, fmt.Errorf("decode %s: %w", path, err)
	}
	for i := range cfgs {
		cfgs[i].TargetEnvID = root.ID
		if cfgs[i].Data == nil {
			cfgs[i].Data = map[string]any{}
		}
	}
	if cfgs == nil {
		cfgs = []Config{}
	}
	return cfgs, "", nil
}

// FieldError is one validation failure at a JSON path.
type FieldError struct {
	Path    string
	Message string
}

func (e FieldError) Error() string {
	return e.Path + ": " + e.Message
}

// ValidationErrors lists every field that failed validation.
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return "invalid configs: " + strings.Join(msgs, "; ")
}

// Paths returns the failing field paths.
func (e ValidationErrors) Paths() []string {
	out := make([]string, len(e))
	for i, fe := range e {
		out[i] = fe.Path
	}
	return out
}

// Validate checks a decoded configs document and reports every failing
// field.
func Validate(doc any) ValidationErrors {
	entries, ok := doc.([]any)
	if !ok {
		return ValidationErrors{{Path: "$", Message: "must be an array of configs"}}
	}
	var errs ValidationErrors
	for i, entry := range entries {
		prefix := fmt.Sprintf("[%d]", i)
		obj, ok := entry.(map[string]any)
		if !ok {
			errs = append(errs, FieldError{Path: prefix, Message: "must be an object"})
			continue
		}
		for _, field := range []string{"_id", "name"} {
			if s, ok := obj[field].(string); !ok || strings.TrimSpace(s) == "" {
				errs = append(errs, FieldError{Path: prefix + "." + field, Message: "must be a non-empty string"})
			}
		}
		if v, present := obj["targetEnvId"]; present {
			if _, ok := v.(string); !ok {
				errs = append(errs, FieldError{Path: prefix + ".targetEnvId", Message: "must be a string"})
			}
		}
		if v, present := obj["description"]; present {
			if _, ok := v.(string); !ok {
				errs = append(errs, FieldError{Path: prefix + ".description", Message: "must be a string"})
			}
		}
		if v, present := obj["data"]; present {
			if _, ok := v.(map[string]any); !ok {
				errs = append(errs, FieldError{Path: prefix + ".data", Message: "must be an object"})
			}
		}
	}
	return errs
}

// Package schema defines the definition objects plugins export and loads
// them from plugin modules under the import gatekeeper.
package schema

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/paths"
)

// Kind names a schema type as plugin code sees it.
type Kind string

const (
	KindEnvironment Kind = "TargetEnvSchema"
	KindTarget      Kind = "TargetSchema"
)

// Shape describes how plugin code constructs a schema of this kind.
func (k Kind) Shape() string {
	switch k {
	case KindEnvironment:
		return "new TargetEnvSchema({ name, description, version, targets })"
	case KindTarget:
		return "new TargetSchema({ name, description, script })"
	default:
		return string(k)
	}
}

// Schema is implemented only by the types in this package.
type Schema interface {
	Kind() Kind
	sealed()
}

// EnvironmentSchema describes a plugin. Targets maps a target name to its
// module path relative to the plugin root.
type EnvironmentSchema struct {
	id          string
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Targets     map[string]string `json:"targets"`
}

func (*EnvironmentSchema) Kind() Kind { return KindEnvironment }
func (*EnvironmentSchema) sealed()    {}

// ID returns the plugin identity, empty until stamped.
func (s *EnvironmentSchema) ID() string { return s.id }

// SetID stamps the plugin identity. Once set it can be neither changed nor
// cleared; setting the same value again is a no-op.
func (s *EnvironmentSchema) SetID(id string) error {
	if (s.id == "" && id != "") || s.id == id {
		s.id = id
		return nil
	}
	return &ErrIdentityImmutable{Current: s.id, Attempted: id}
}

// TargetNames returns the declared target names in sorted order.
func (s *EnvironmentSchema) TargetNames() []string {
	names := make([]string, 0, len(s.Targets))
	for name := range s.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveTarget returns the absolute module path of the named target. The
// path must stay inside the plugin root or the shared library.
func (s *EnvironmentSchema) ResolveTarget(root paths.PluginRoot, library, name string) (string, error) {
	rel, ok := s.Targets[name]
	if !ok {
		return "", &ErrUnknownTarget{Plugin: root.ID, Target: name}
	}
	p := filepath.FromSlash(rel)
	if !filepath.IsAbs(p) {
		p = filepath.Join(root.Dir, p)
	}
	p, err := paths.Real(p)
	if err != nil {
		return "", err
	}
	if !paths.IsInside(p, root.Dir) && !paths.IsInside(p, library) {
		return "", &ErrTargetOutsideRoot{Plugin: root.ID, Target: name, Path: p}
	}
	return p, nil
}

// TargetSchema describes one scriptable target. Script is not visible to
// plugin code once constructed.
type TargetSchema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Script      goja.Callable `json:"-"`
}

func (*TargetSchema) Kind() Kind { return KindTarget }
func (*TargetSchema) sealed()    {}

// ErrIdentityImmutable is returned when a stamped identity would change.
type ErrIdentityImmutable struct {
	Current   string
	Attempted string
}

func (e *ErrIdentityImmutable) Error() string {
	return fmt.Sprintf("environment identity is immutable: already %q, cannot set %q", e.Current, e.Attempted)
}

// ErrUnknownTarget is returned for a target the environment does not declare.
type ErrUnknownTarget struct {
	Plugin string
	Target string
}

func (e *ErrUnknownTarget) Error() string {
	return fmt.Sprintf("plugin %s declares no target %q", e.Plugin, e.Target)
}

// ErrTargetOutsideRoot is returned for a target module outside the plugin
// root and the library.
type ErrTargetOutsideRoot struct {
	Plugin string
	Target string
	Path   string
}

func (e *ErrTargetOutsideRoot) Error() string {
	return fmt.Sprintf("target %q of plugin %s points outside the plugin and library: %s", e.Target, e.Plugin, e.Path)
}

// SchemaValidationError reports a module whose default export has the wrong
// shape.
type SchemaValidationError struct {
	Path     string
	Expected Kind
	Got      string
	Reason   string
}

func (e *SchemaValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: invalid %s: %s; expected %s", e.Path, e.Expected, e.Reason, e.Expected.Shape())
	}
	return fmt.Sprintf("%s: default export must be a %s instance, got %s; expected %s",
		e.Path, e.Expected, e.Got, e.Expected.Shape())
}

func (e *SchemaValidationError) ErrorName() string { return "SchemaValidationError" }

// Package paths classifies filesystem locations against the fixed set of
// roots that make up the plugin layout.
package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Conventional locations, relative to the base directory.
const (
	AreaDir         = "integrations/target-environments"
	EnvironmentsDir = AreaDir + "/environments"
	LibraryDir      = AreaDir + "/library"
	ModulesDir      = "node_modules"
	SharedDir       = "shared"
	ServerDir       = "server"

	// ConfigFile is the per-plugin config file name at the plugin root.
	ConfigFile = "configs.json"
)

// IsInside reports whether child is a strict descendant of parent.
// The same path is not inside itself, and a relative path that climbs
// out of parent with ".." is never inside.
func IsInside(child, parent string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Roots is the set of named roots derived from one base directory.
type Roots struct {
	Base         string
	Area         string
	Environments string
	Library      string
	Modules      string
	Shared       string
	Server       string
}

// DefaultRoots returns the conventional layout under base.
// base is made absolute against the working directory.
func DefaultRoots(base string) (Roots, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return Roots{}, fmt.Errorf("resolving base directory %s: %w", base, err)
	}
	if abs, err = Real(abs); err != nil {
		return Roots{}, fmt.Errorf("resolving base directory %s: %w", base, err)
	}
	return Roots{
		Base:         abs,
		Area:         filepath.Join(abs, filepath.FromSlash(AreaDir)),
		Environments: filepath.Join(abs, filepath.FromSlash(EnvironmentsDir)),
		Library:      filepath.Join(abs, filepath.FromSlash(LibraryDir)),
		Modules:      filepath.Join(abs, ModulesDir),
		Shared:       filepath.Join(abs, SharedDir),
		Server:       filepath.Join(abs, ServerDir),
	}, nil
}

// Real resolves every symlink in p. A path that does not exist is returned
// cleaned, so roots can be derived before the tree is created.
func Real(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Clean(p), nil
		}
		return "", err
	}
	return resolved, nil
}

// PluginRoot is the root directory of one plugin. ID is the directory name.
type PluginRoot struct {
	Dir string
	ID  string
}

// ConfigPath returns the location of the plugin's configs.json.
func (p PluginRoot) ConfigPath() string {
	return filepath.Join(p.Dir, ConfigFile)
}

// InPluginTree reports whether file lives anywhere under the plugin-roots tree.
func (r Roots) InPluginTree(file string) bool {
	return IsInside(file, r.Environments)
}

// PluginOf returns the plugin whose root contains file.
func (r Roots) PluginOf(file string) (PluginRoot, bool) {
	if !r.InPluginTree(file) {
		return PluginRoot{}, false
	}
	rel, err := filepath.Rel(r.Environments, filepath.Clean(file))
	if err != nil {
		return PluginRoot{}, false
	}
	id := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	return r.PluginRoot(id), true
}

// PluginRoot returns the root for the plugin with the given identity.
func (r Roots) PluginRoot(id string) PluginRoot {
	return PluginRoot{Dir: filepath.Join(r.Environments, id), ID: id}
}

// ListPlugins returns every plugin directory under the plugin-roots tree,
// sorted by identity. A missing tree yields no plugins.
func (r Roots) ListPlugins() ([]PluginRoot, error) {
	entries, err := os.ReadDir(r.Environments)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing plugins in %s: %w", r.Environments, err)
	}
	var out []PluginRoot
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, r.PluginRoot(e.Name()))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SearchPaths are the directories bare module names are looked up in,
// after node_modules.
func (r Roots) SearchPaths() []string {
	return []string{r.Environments, r.Area, r.Base}
}

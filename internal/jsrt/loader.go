package jsrt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dop251/goja"

	"github.com/szaher/designs/envsandbox/internal/gate"
	"github.com/szaher/designs/envsandbox/internal/paths"
)

// Builtin populates the exports of a built-in module.
type Builtin func(vm *goja.Runtime, exports *goja.Object) error

// ResolveError reports a request the resolution algorithm could not map to a
// file. Err wraps fs.ErrNotExist for missing modules.
type ResolveError struct {
	Request   string
	Requester string
	Err       error
}

func (e *ResolveError) Error() string {
	from := e.Requester
	if from == "" {
		from = "host"
	}
	return fmt.Sprintf("resolve %q from %s: %v", e.Request, from, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Loader is a CommonJS module loader bound to one VM. Resolution passes
// through an installable hook so a gatekeeper can police what gets loaded.
type Loader struct {
	vm       *goja.Runtime
	roots    paths.Roots
	builtins map[string]Builtin
	cache    map[string]*goja.Object
	hook     gate.Hook
	search   []string
}

func newLoader(vm *goja.Runtime, roots paths.Roots, extra map[string]Builtin) *Loader {
	builtins := map[string]Builtin{"path": pathModule}
	for name, b := range extra {
		builtins[name] = b
	}
	return &Loader{
		vm:       vm,
		roots:    roots,
		builtins: builtins,
		cache:    make(map[string]*goja.Object),
		search:   roots.SearchPaths(),
	}
}

// SwapHook installs h and returns the previous hook. A nil hook means plain
// resolution.
func (l *Loader) SwapHook(h gate.Hook) gate.Hook {
	prev := l.hook
	l.hook = h
	return prev
}

// Builtin reports whether name is a built-in module.
func (l *Loader) Builtin(name string) bool {
	_, ok := l.builtins[name]
	return ok
}

// Resolve maps request onto an absolute file path. requester is the
// absolute path of the requiring file, or empty for the host.
//
// Path requests are probed relative to the requester. Bare requests are
// looked up in node_modules directories from the requester upward, then in
// the loader's search paths.
func (l *Loader) Resolve(requester, request string) (string, error) {
	if request == "" {
		return "", &ResolveError{Request: request, Requester: requester, Err: errors.New("empty module request")}
	}
	base := l.roots.Base
	if requester != "" {
		base = filepath.Dir(requester)
	}

	if isPathRequest(request) {
		target := filepath.FromSlash(request)
		if !filepath.IsAbs(target) {
			target = filepath.Join(base, target)
		}
		resolved, err := probe(target)
		if err != nil {
			return "", &ResolveError{Request: request, Requester: requester, Err: err}
		}
		return resolved, nil
	}

	dirs := append(nodeModulesDirs(base), l.search...)
	for _, dir := range dirs {
		resolved, err := probe(filepath.Join(dir, filepath.FromSlash(request)))
		if err == nil {
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", &ResolveError{Request: request, Requester: requester, Err: err}
		}
	}
	return "", &ResolveError{Request: request, Requester: requester, Err: fs.ErrNotExist}
}

// Require loads request as seen from requester and returns its exports.
func (l *Loader) Require(requester, request string) (goja.Value, error) {
	hook := l.hook
	if hook == nil {
		hook = plainHook
	}
	name, err := hook(requester, request, l)
	if err != nil {
		return nil, err
	}
	if l.Builtin(name) {
		return l.loadBuiltin(name)
	}
	return l.loadFile(name)
}

func plainHook(requester, request string, next gate.Resolver) (string, error) {
	if next.Builtin(request) {
		return request, nil
	}
	return next.Resolve(requester, request)
}

// Forget drops every cached module so the next require re-reads from disk.
func (l *Loader) Forget() {
	clear(l.cache)
}

func (l *Loader) loadBuiltin(name string) (goja.Value, error) {
	key := "builtin:" + name
	if module, ok := l.cache[key]; ok {
		return module.Get("exports"), nil
	}
	exports := l.vm.NewObject()
	if err := l.builtins[name](l.vm, exports); err != nil {
		return nil, fmt.Errorf("builtin module %s: %w", name, err)
	}
	module := l.vm.NewObject()
	_ = module.Set("exports", exports)
	l.cache[key] = module
	return exports, nil
}

func (l *Loader) loadFile(path string) (goja.Value, error) {
	if module, ok := l.cache[path]; ok {
		return module.Get("exports"), nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module %s: %w", path, err)
	}

	module := l.vm.NewObject()
	exports := l.vm.NewObject()
	_ = module.Set("exports", exports)
	_ = module.Set("id", path)
	_ = module.Set("filename", path)
	// Cycles observe the partially populated exports.
	l.cache[path] = module

	if err := l.evaluate(path, src, module, exports); err != nil {
		delete(l.cache, path)
		return nil, err
	}
	_ = module.Set("loaded", true)
	return module.Get("exports"), nil
}

func (l *Loader) evaluate(path string, src []byte, module, exports *goja.Object) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var v any
		if err := json.Unmarshal(src, &v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		_ = module.Set("exports", l.vm.ToValue(v))
		return nil
	}

	wrapped := "(function(exports, require, module, __filename, __dirname) {" + string(src) + "\n})"
	prg, err := goja.Compile(path, wrapped, false)
	if err != nil {
		return fmt.Errorf("compile %s: %w", path, err)
	}
	fnValue, err := l.vm.RunProgram(prg)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return fmt.Errorf("compile %s: module wrapper is not a function", path)
	}
	_, err = fn(module, exports, l.requireFunc(path), module, l.vm.ToValue(path), l.vm.ToValue(filepath.Dir(path)))
	return err
}

// requireFunc is the require function handed to the module at path.
func (l *Loader) requireFunc(path string) goja.Value {
	return l.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		request := call.Argument(0)
		if goja.IsUndefined(request) || goja.IsNull(request) {
			panic(l.vm.NewTypeError("require expects a module name"))
		}
		v, err := l.Require(path, request.String())
		if err != nil {
			l.throw(err)
		}
		return v
	})
}

// throw raises err inside the VM. Exceptions from nested modules are
// rethrown unchanged.
func (l *Loader) throw(err error) {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		panic(ex)
	}
	panic(l.vm.NewGoError(err))
}

func isPathRequest(request string) bool {
	return request == "." || request == ".." ||
		strings.HasPrefix(request, "./") || strings.HasPrefix(request, "../") ||
		strings.HasPrefix(request, "/") || filepath.IsAbs(request)
}

func nodeModulesDirs(start string) []string {
	var dirs []string
	for dir := start; ; {
		if filepath.Base(dir) != paths.ModulesDir {
			dirs = append(dirs, filepath.Join(dir, paths.ModulesDir))
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dirs
		}
		dir = parent
	}
}

// probe finds the file a request target denotes: the exact file, the file
// with a known extension, or a directory's package main or index file. The
// result has every symlink resolved.
func probe(target string) (string, error) {
	found, err := find(target)
	if err != nil {
		return "", err
	}
	return paths.Real(found)
}

func find(target string) (string, error) {
	if ok, err := isFile(target); err != nil || ok {
		return target, err
	}
	for _, ext := range []string{".js", ".json"} {
		if ok, err := isFile(target + ext); err != nil || ok {
			return target + ext, err
		}
	}

	info, err := os.Stat(target)
	if err != nil {
		if missing(err) {
			return "", fs.ErrNotExist
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fs.ErrNotExist
	}

	if main, err := packageMain(target); err != nil {
		return "", err
	} else if main != "" {
		resolved, err := probeFile(filepath.Join(target, filepath.FromSlash(main)))
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return resolved, err
		}
	}
	for _, index := range []string{"index.js", "index.json"} {
		if ok, err := isFile(filepath.Join(target, index)); err != nil || ok {
			return filepath.Join(target, index), err
		}
	}
	return "", fs.ErrNotExist
}

// probeFile is probe for a package main entry, which may not name another
// package directory's main.
func probeFile(target string) (string, error) {
	candidates := []string{target, target + ".js", target + ".json",
		filepath.Join(target, "index.js"), filepath.Join(target, "index.json")}
	for _, c := range candidates {
		if ok, err := isFile(c); err != nil || ok {
			return c, err
		}
	}
	return "", fs.ErrNotExist
}

func packageMain(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if missing(err) {
			return "", nil
		}
		return "", err
	}
	var pkg struct {
		Main string `json:"main"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return "", fmt.Errorf("parse %s: %w", filepath.Join(dir, "package.json"), err)
	}
	return pkg.Main, nil
}

func isFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if missing(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

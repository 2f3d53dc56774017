package jsrt

import (
	"path"
	"strings"

	"github.com/dop251/goja"
)

// pathModule is a POSIX subset of the path built-in.
func pathModule(vm *goja.Runtime, exports *goja.Object) error {
	strs := func(call goja.FunctionCall) []string {
		out := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			out = append(out, a.String())
		}
		return out
	}

	set := map[string]any{
		"sep":       "/",
		"delimiter": ":",
		"join": func(call goja.FunctionCall) goja.Value {
			joined := path.Join(strs(call)...)
			if joined == "" {
				joined = "."
			}
			return vm.ToValue(joined)
		},
		"normalize": func(p string) string {
			if p == "" {
				return "."
			}
			clean := path.Clean(p)
			if strings.HasSuffix(p, "/") && clean != "/" {
				clean += "/"
			}
			return clean
		},
		"dirname":    path.Dir,
		"isAbsolute": path.IsAbs,
		"extname":    path.Ext,
		"basename": func(p string, ext goja.Value) string {
			base := path.Base(p)
			if base == "/" || (base == "." && p == "") {
				return ""
			}
			if !goja.IsUndefined(ext) && ext != nil {
				base = strings.TrimSuffix(base, ext.String())
			}
			return base
		},
		"resolve": func(call goja.FunctionCall) goja.Value {
			resolved := "/"
			for _, seg := range strs(call) {
				if path.IsAbs(seg) {
					resolved = seg
					continue
				}
				resolved = path.Join(resolved, seg)
			}
			return vm.ToValue(path.Clean(resolved))
		},
	}
	for name, v := range set {
		if err := exports.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

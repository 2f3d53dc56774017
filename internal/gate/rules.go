package gate

import (
	"fmt"

	"github.com/szaher/designs/envsandbox/internal/paths"
)

// Violation names the boundary an unauthorized import crossed.
type Violation string

const (
	ViolationExternalPackage Violation = "external-package"
	ViolationSharedCode      Violation = "shared-code"
	ViolationServerCode      Violation = "server-code"
	ViolationCrossPlugin     Violation = "cross-plugin"
	ViolationGeneric         Violation = "generic"
)

// ImportRule pairs a disallowed root with the message reported when a
// plugin's import resolves inside it. Template receives the request and
// the resolved path, in that order.
type ImportRule struct {
	Violation Violation
	Root      string
	Template  string
}

const genericTemplate = "unauthorized import %q (resolved to %s): plugins may only import their own files, the shared library, and built-in modules"

// DefaultRules returns the rule set in priority order.
func DefaultRules(roots paths.Roots) []ImportRule {
	return []ImportRule{
		{
			Violation: ViolationExternalPackage,
			Root:      roots.Modules,
			Template:  "plugins may not import installed package %q (resolved to %s); bundle the code into the plugin or the shared library",
		},
		{
			Violation: ViolationSharedCode,
			Root:      roots.Shared,
			Template:  "plugins may not import internal shared code %q (resolved to %s)",
		},
		{
			Violation: ViolationServerCode,
			Root:      roots.Server,
			Template:  "plugins may not import server code %q (resolved to %s)",
		},
		{
			Violation: ViolationCrossPlugin,
			Root:      roots.Environments,
			Template:  "plugins may not import from another plugin: %q resolved to %s",
		},
	}
}

// classify picks the first rule whose root contains resolved.
func classify(rules []ImportRule, plugin, request, resolved string) *ErrUnauthorizedImport {
	for _, rule := range rules {
		if paths.IsInside(resolved, rule.Root) {
			return &ErrUnauthorizedImport{
				Violation: rule.Violation,
				Plugin:    plugin,
				Request:   request,
				Resolved:  resolved,
				message:   fmt.Sprintf(rule.Template, request, resolved),
			}
		}
	}
	return &ErrUnauthorizedImport{
		Violation: ViolationGeneric,
		Plugin:    plugin,
		Request:   request,
		Resolved:  resolved,
		message:   fmt.Sprintf(genericTemplate, request, resolved),
	}
}

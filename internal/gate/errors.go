package gate

import "fmt"

// ErrModuleNotFound indicates a request that does not resolve to any module.
type ErrModuleNotFound struct {
	Request   string
	Requester string
}

func (e *ErrModuleNotFound) Error() string {
	return fmt.Sprintf("cannot find module %q required from %s", e.Request, e.Requester)
}

// ErrResolution indicates resolution failed for a reason other than a
// missing module.
type ErrResolution struct {
	Request string
	Err     error
}

func (e *ErrResolution) Error() string {
	return fmt.Sprintf("failed to resolve module %q: only the plugin's own files, the shared library, and built-in modules may be imported (%v)",
		e.Request, e.Err)
}

func (e *ErrResolution) Unwrap() error { return e.Err }

// ErrUnauthorizedImport indicates a resolved module that plugin code is not
// allowed to load.
type ErrUnauthorizedImport struct {
	Violation Violation
	Plugin    string
	Request   string
	Resolved  string
	message   string
}

func (e *ErrUnauthorizedImport) Error() string {
	return e.message
}

// ErrRestrictedTimer indicates plugin code called a global timer function.
type ErrRestrictedTimer struct {
	Function string
	Caller   string
}

func (e *ErrRestrictedTimer) Error() string {
	return fmt.Sprintf("%s is not available to plugin code (called from %s); use the context's delay() capability instead",
		e.Function, e.Caller)
}

// ErrorName reports the error name surfaced to plugin code.
func (e *ErrModuleNotFound) ErrorName() string { return "ModuleNotFoundError" }

func (e *ErrResolution) ErrorName() string { return "ModuleResolutionError" }

func (e *ErrUnauthorizedImport) ErrorName() string { return "UnauthorizedImportError" }

func (e *ErrRestrictedTimer) ErrorName() string { return "RestrictedTimerError" }

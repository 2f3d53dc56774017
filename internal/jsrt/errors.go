package jsrt

import (
	"errors"

	"github.com/dop251/goja"
)

// ScriptError is an error thrown by, or rejected from, script code. Name
// and Stack are empty when the thrown value was not an Error object.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
	err     error
}

func (e *ScriptError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

// Unwrap returns the Go error behind the script error, if any.
func (e *ScriptError) Unwrap() error { return e.err }

// namedError is implemented by Go errors that choose the name script code
// sees for them.
type namedError interface {
	ErrorName() string
}

// AsScriptError converts err into a *ScriptError. Exceptions carrying a Go
// error keep it in the chain.
func AsScriptError(err error) *ScriptError {
	if err == nil {
		return nil
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if inner := ex.Unwrap(); inner != nil {
			out := fromGoError(inner)
			out.Stack = ex.String()
			return out
		}
		return ScriptErrorFromValue(ex.Value())
	}
	return fromGoError(err)
}

// ScriptErrorFromValue converts a thrown or rejected value.
func ScriptErrorFromValue(v goja.Value) *ScriptError {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ScriptError{Message: "undefined"}
	}
	obj, ok := v.(*goja.Object)
	if !ok || obj.ClassName() != "Error" {
		return &ScriptError{Message: v.String()}
	}
	if inner := goError(obj); inner != nil {
		se := fromGoError(inner)
		se.Stack = stringProp(obj, "stack")
		return se
	}
	return &ScriptError{
		Name:    stringProp(obj, "name"),
		Message: stringProp(obj, "message"),
		Stack:   stringProp(obj, "stack"),
	}
}

func fromGoError(err error) *ScriptError {
	name := "Error"
	var named namedError
	if errors.As(err, &named) {
		name = named.ErrorName()
	}
	return &ScriptError{Name: name, Message: err.Error(), err: err}
}

func stringProp(obj *goja.Object, name string) string {
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func goError(obj *goja.Object) error {
	v := obj.Get("value")
	if v == nil {
		return nil
	}
	err, _ := v.Export().(error)
	return err
}

// Package protocol defines the messages exchanged between the execution
// host and a worker: the one-shot request, callback messages and the single
// terminal result.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// OpExecuteTargetScript is the only operation a worker understands.
const OpExecuteTargetScript = "execute-target-script"

// Request is the sole input of a worker.
type Request struct {
	Operation  string         `json:"operation"`
	SchemaPath string         `json:"schemaPath"`
	Context    map[string]any `json:"context"`
}

// Message types on the wire.
const (
	TypeCallback = "callback"
	TypeResult   = "result"
)

// Callback is one capability invocation relayed from the worker.
type Callback struct {
	Method Method
	Args   []any
}

// ErrorInfo describes a failed execution.
type ErrorInfo struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Result is the terminal message of an execution.
type Result struct {
	Success bool
	Result  any
	Error   *ErrorInfo
}

// Failure builds a failed Result.
func Failure(name, message, stack string) Result {
	return Result{Error: &ErrorInfo{Name: name, Message: message, Stack: stack}}
}

// Success builds a successful Result.
func Success(v any) Result {
	return Result{Success: true, Result: v}
}

// Message is either a Callback or a Result.
type Message struct {
	Callback *Callback
	Result   *Result
}

// CallbackMessage wraps a callback.
func CallbackMessage(method Method, args ...any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Callback: &Callback{Method: method, Args: args}}
}

// ResultMessage wraps a result.
func ResultMessage(r Result) Message {
	return Message{Result: &r}
}

// ErrUnknownMessage is returned when decoding a message of an unknown type.
type ErrUnknownMessage struct {
	Type string
}

func (e *ErrUnknownMessage) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

type callbackWire struct {
	Type   string `json:"type"`
	Method Method `json:"method"`
	Args   []any  `json:"args"`
}

type resultWire struct {
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// MarshalJSON encodes m as {type:'callback', method, args} or
// {type:'result', success, result?, error?}.
func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.Callback != nil && m.Result == nil:
		args := m.Callback.Args
		if args == nil {
			args = []any{}
		}
		return json.Marshal(callbackWire{Type: TypeCallback, Method: m.Callback.Method, Args: args})
	case m.Result != nil && m.Callback == nil:
		w := resultWire{Type: TypeResult, Success: m.Result.Success, Error: m.Result.Error}
		if m.Result.Result != nil {
			raw, err := json.Marshal(m.Result.Result)
			if err != nil {
				return nil, fmt.Errorf("encode result value: %w", err)
			}
			w.Result = raw
		}
		return json.Marshal(w)
	default:
		return nil, errors.New("message must hold exactly one of callback or result")
	}
}

// UnmarshalJSON decodes either message shape.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	switch head.Type {
	case TypeCallback:
		var w callbackWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		if w.Args == nil {
			w.Args = []any{}
		}
		*m = Message{Callback: &Callback{Method: w.Method, Args: w.Args}}
	case TypeResult:
		var w resultWire
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		r := Result{Success: w.Success, Error: w.Error}
		if len(w.Result) > 0 && !bytes.Equal(w.Result, []byte("null")) {
			if err := json.Unmarshal(w.Result, &r.Result); err != nil {
				return err
			}
		}
		*m = Message{Result: &r}
	default:
		return &ErrUnknownMessage{Type: head.Type}
	}
	return nil
}

// Clone deep-copies m through its JSON form, so nothing is shared between
// sender and receiver.
func (m Message) Clone() (Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, err
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		return Message{}, err
	}
	return out, nil
}

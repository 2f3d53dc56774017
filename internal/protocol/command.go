package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Method names one host-mediated capability.
type Method string

const (
	MethodSendOutput          Method = "sendOutput"
	MethodBlockNode           Method = "blockNode"
	MethodUnblockNode         Method = "unblockNode"
	MethodOpenNode            Method = "openNode"
	MethodCloseNode           Method = "closeNode"
	MethodModifySuccessChance Method = "modifySuccessChance"
	MethodModifyProcessTime   Method = "modifyProcessTime"
	MethodModifyResourceCost  Method = "modifyResourceCost"
	MethodModifyResourcePool  Method = "modifyResourcePool"
	MethodGrantFileAccess     Method = "grantFileAccess"
	MethodRevokeFileAccess    Method = "revokeFileAccess"
)

var methods = []Method{
	MethodSendOutput,
	MethodBlockNode,
	MethodUnblockNode,
	MethodOpenNode,
	MethodCloseNode,
	MethodModifySuccessChance,
	MethodModifyProcessTime,
	MethodModifyResourceCost,
	MethodModifyResourcePool,
	MethodGrantFileAccess,
	MethodRevokeFileAccess,
}

// Methods returns every capability in a fixed order.
func Methods() []Method {
	return append([]Method(nil), methods...)
}

// Valid reports whether m is a known capability.
func (m Method) Valid() bool {
	for _, known := range methods {
		if m == known {
			return true
		}
	}
	return false
}

// Command is a decoded callback. The set of implementations is closed.
type Command interface {
	Method() Method
	command()
}

type (
	SendOutput  struct{ Text string }
	BlockNode   struct{ NodeID string }
	UnblockNode struct{ NodeID string }
	OpenNode    struct{ NodeID string }
	CloseNode   struct{ NodeID string }

	ModifySuccessChance struct {
		NodeID string
		Delta  float64
	}
	ModifyProcessTime struct {
		NodeID string
		Delta  float64
	}
	ModifyResourceCost struct {
		NodeID   string
		Resource string
		Delta    float64
	}
	ModifyResourcePool struct {
		Resource string
		Delta    float64
	}
	GrantFileAccess struct {
		NodeID string
		FileID string
	}
	RevokeFileAccess struct {
		NodeID string
		FileID string
	}
)

func (SendOutput) Method() Method          { return MethodSendOutput }
func (BlockNode) Method() Method           { return MethodBlockNode }
func (UnblockNode) Method() Method         { return MethodUnblockNode }
func (OpenNode) Method() Method            { return MethodOpenNode }
func (CloseNode) Method() Method           { return MethodCloseNode }
func (ModifySuccessChance) Method() Method { return MethodModifySuccessChance }
func (ModifyProcessTime) Method() Method   { return MethodModifyProcessTime }
func (ModifyResourceCost) Method() Method  { return MethodModifyResourceCost }
func (ModifyResourcePool) Method() Method  { return MethodModifyResourcePool }
func (GrantFileAccess) Method() Method     { return MethodGrantFileAccess }
func (RevokeFileAccess) Method() Method    { return MethodRevokeFileAccess }

func (SendOutput) command()          {}
func (BlockNode) command()           {}
func (UnblockNode) command()         {}
func (OpenNode) command()            {}
func (CloseNode) command()           {}
func (ModifySuccessChance) command() {}
func (ModifyProcessTime) command()   {}
func (ModifyResourceCost) command()  {}
func (ModifyResourcePool) command()  {}
func (GrantFileAccess) command()     {}
func (RevokeFileAccess) command()    {}

// ErrBadArguments is returned when a callback's arguments do not fit its
// capability.
type ErrBadArguments struct {
	Method Method
	Reason string
}

func (e *ErrBadArguments) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Reason)
}

// ErrUnknownMethod is returned for a callback naming no known capability.
type ErrUnknownMethod struct {
	Method Method
}

func (e *ErrUnknownMethod) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Method)
}

// DecodeCommand converts a callback into its typed command.
func DecodeCommand(cb Callback) (Command, error) {
	a := args{method: cb.Method, values: cb.Args}
	var cmd Command
	switch cb.Method {
	case MethodSendOutput:
		cmd = SendOutput{Text: a.text(0)}
	case MethodBlockNode:
		cmd = BlockNode{NodeID: a.id(0, "node id")}
	case MethodUnblockNode:
		cmd = UnblockNode{NodeID: a.id(0, "node id")}
	case MethodOpenNode:
		cmd = OpenNode{NodeID: a.id(0, "node id")}
	case MethodCloseNode:
		cmd = CloseNode{NodeID: a.id(0, "node id")}
	case MethodModifySuccessChance:
		cmd = ModifySuccessChance{NodeID: a.id(0, "node id"), Delta: a.number(1, "delta")}
	case MethodModifyProcessTime:
		cmd = ModifyProcessTime{NodeID: a.id(0, "node id"), Delta: a.number(1, "delta")}
	case MethodModifyResourceCost:
		cmd = ModifyResourceCost{NodeID: a.id(0, "node id"), Resource: a.id(1, "resource"), Delta: a.number(2, "delta")}
	case MethodModifyResourcePool:
		cmd = ModifyResourcePool{Resource: a.id(0, "resource"), Delta: a.number(1, "delta")}
	case MethodGrantFileAccess:
		cmd = GrantFileAccess{NodeID: a.id(0, "node id"), FileID: a.id(1, "file id")}
	case MethodRevokeFileAccess:
		cmd = RevokeFileAccess{NodeID: a.id(0, "node id"), FileID: a.id(1, "file id")}
	default:
		return nil, &ErrUnknownMethod{Method: cb.Method}
	}
	if a.err != nil {
		return nil, a.err
	}
	return cmd, nil
}

// args extracts positional arguments, keeping the first error.
type args struct {
	method Method
	values []any
	err    error
}

func (a *args) fail(format string, v ...any) {
	if a.err == nil {
		a.err = &ErrBadArguments{Method: a.method, Reason: fmt.Sprintf(format, v...)}
	}
}

func (a *args) at(i int, name string) (any, bool) {
	if i >= len(a.values) || a.values[i] == nil {
		a.fail("missing %s (argument %d)", name, i+1)
		return nil, false
	}
	return a.values[i], true
}

func (a *args) id(i int, name string) string {
	v, ok := a.at(i, name)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			a.fail("%s must not be empty", name)
		}
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<63 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		a.fail("%s must be a string or number, got %T", name, v)
		return ""
	}
}

func (a *args) number(i int, name string) float64 {
	v, ok := a.at(i, name)
	if !ok {
		return 0
	}
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			a.fail("%s must be finite", name)
		}
		return x
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			a.fail("%s: %v", name, err)
		}
		return f
	default:
		a.fail("%s must be a number, got %T", name, v)
		return 0
	}
}

func (a *args) text(i int) string {
	if i >= len(a.values) {
		return ""
	}
	switch x := a.values[i].(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(raw)
	}
}

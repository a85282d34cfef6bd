// Package wire implements the Cap'n Web wire codec: the escaped JSON
// dialect used to transport values and protocol frames between peers.
//
// The codec operates on a value domain of plain JSON scalars/arrays/
// objects plus a fixed set of tagged special forms (export, import,
// promise, pipeline, error, bytes, date, bigint, undefined, and the
// non-finite floats). Capability identity (which target a given
// export/import id refers to) is not this package's concern — callers
// hand it raw signed ids and get raw signed ids back.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
)

// ProtocolError marks a malformed frame or value — per the protocol's
// error-handling design, these are always fatal to the session.
type ProtocolError string

func (e ProtocolError) Error() string { return string(e) }

// Tag strings for special forms, matching spec §3 exactly.
const (
	TagExport    = "export"
	TagImport    = "import"
	TagPromise   = "promise"
	TagPipeline  = "pipeline"
	TagError     = "error"
	TagBytes     = "bytes"
	TagDate      = "date"
	TagBigInt    = "bigint"
	TagUndefined = "undefined"
	TagInf       = "inf"
	TagNegInf    = "-inf"
	TagNaN       = "nan"
)

// ExportRef is the decoded form of ["export", id]: the writer is
// offering a capability it hosts, identified by its own (negative) id.
type ExportRef struct{ ID int64 }

// ImportRef is the decoded form of ["import", id]: the writer is
// referencing a capability it imports, identified by its own
// (positive) id.
type ImportRef struct{ ID int64 }

// PromiseRef is the decoded form of ["promise", id]: like ImportRef,
// but the writer marks the referenced value as not yet resolved.
type PromiseRef struct{ ID int64 }

// PipelineRef is the decoded form of ["pipeline", id, path?, args?].
type PipelineRef struct {
	ID      int64
	Path    []interface{} // string or int64 elements; nil if absent
	Args    []interface{} // decoded argument values; meaningful only if HasArgs
	HasArgs bool
}

// ErrorValue is the decoded form of ["error", kind, message, data?].
type ErrorValue struct {
	Kind    string
	Message string
	Data    interface{}
	HasData bool
}

// BytesValue is the decoded form of ["bytes", base64].
type BytesValue struct{ Data []byte }

// DateValue is the decoded form of ["date", epochMillis].
type DateValue struct{ Millis int64 }

// BigIntValue is the decoded form of ["bigint", decimalString].
type BigIntValue struct{ Int *big.Int }

// UndefinedValue is the decoded form of ["undefined"].
type UndefinedValue struct{}

// InfValue, NegInfValue, NaNValue are the decoded forms of the
// non-finite float sentinels.
type (
	InfValue    struct{}
	NegInfValue struct{}
	NaNValue    struct{}
)

// EncodeOptions customizes value encoding.
type EncodeOptions struct {
	// ReservedKeyPolicy, if set, rewrites plain object keys before
	// they're emitted — e.g. the $-prefixed-key sanitization demo
	// servers that shuttle third-party JSON need to apply.
	ReservedKeyPolicy func(key string) string
}

// EncodeValue converts a decoded Value into its JSON-marshalable wire
// representation (still as Go interface{} — call json.Marshal on the
// result, or let EncodeFrame do it for you).
func EncodeValue(v interface{}, opts EncodeOptions) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case float64:
		switch {
		case math.IsNaN(val):
			return []interface{}{TagNaN}, nil
		case math.IsInf(val, 1):
			return []interface{}{TagInf}, nil
		case math.IsInf(val, -1):
			return []interface{}{TagNegInf}, nil
		default:
			return val, nil
		}
	case []interface{}:
		encoded := make([]interface{}, len(val))
		for i, e := range val {
			ev, err := EncodeValue(e, opts)
			if err != nil {
				return nil, err
			}
			encoded[i] = ev
		}
		// Plain arrays are always escaped as a one-element outer wrap.
		return []interface{}{encoded}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			key := k
			if opts.ReservedKeyPolicy != nil {
				key = opts.ReservedKeyPolicy(k)
			}
			ev, err := EncodeValue(elem, opts)
			if err != nil {
				return nil, err
			}
			out[key] = ev
		}
		return out, nil
	case ExportRef:
		return []interface{}{TagExport, val.ID}, nil
	case ImportRef:
		return []interface{}{TagImport, val.ID}, nil
	case PromiseRef:
		return []interface{}{TagPromise, val.ID}, nil
	case PipelineRef:
		return encodePipeline(val, opts)
	case ErrorValue:
		return encodeError(val, opts)
	case BytesValue:
		return []interface{}{TagBytes, base64.StdEncoding.EncodeToString(val.Data)}, nil
	case DateValue:
		return []interface{}{TagDate, val.Millis}, nil
	case BigIntValue:
		if val.Int == nil {
			return nil, ProtocolError("wire: nil bigint")
		}
		return []interface{}{TagBigInt, val.Int.String()}, nil
	case UndefinedValue:
		return []interface{}{TagUndefined}, nil
	case InfValue:
		return []interface{}{TagInf}, nil
	case NegInfValue:
		return []interface{}{TagNegInf}, nil
	case NaNValue:
		return []interface{}{TagNaN}, nil
	default:
		return nil, fmt.Errorf("wire: unsupported value type %T", v)
	}
}

func encodePipeline(p PipelineRef, opts EncodeOptions) (interface{}, error) {
	arr := []interface{}{TagPipeline, p.ID}
	if p.Path == nil && !p.HasArgs {
		return arr, nil
	}
	path := p.Path
	if path == nil {
		path = []interface{}{}
	}
	arr = append(arr, path)
	if p.HasArgs {
		args := p.Args
		if args == nil {
			args = []interface{}{}
		}
		encArgs, err := EncodeValue(args, opts)
		if err != nil {
			return nil, err
		}
		arr = append(arr, encArgs)
	}
	return arr, nil
}

func encodeError(e ErrorValue, opts EncodeOptions) (interface{}, error) {
	arr := []interface{}{TagError, e.Kind, e.Message}
	if e.HasData {
		d, err := EncodeValue(e.Data, opts)
		if err != nil {
			return nil, err
		}
		arr = append(arr, d)
	}
	return arr, nil
}

// DecodeOptions customizes value decoding. Reserved for symmetry with
// EncodeOptions; the codec currently needs no decode-side hooks.
type DecodeOptions struct{}

// DecodeValue converts a JSON-decoded node (produced with
// json.Decoder.UseNumber) back into the Value domain.
func DecodeValue(node interface{}) (interface{}, error) {
	switch n := node.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return n, nil
	case json.Number:
		return decodeNumber(n)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, v := range n {
			dv, err := DecodeValue(v)
			if err != nil {
				return nil, err
			}
			out[k] = dv
		}
		return out, nil
	case []interface{}:
		return decodeArray(n)
	default:
		return nil, fmt.Errorf("wire: unexpected decoded node type %T", node)
	}
}

func decodeNumber(n json.Number) (interface{}, error) {
	s := string(n)
	if strings.ContainsAny(s, ".eE") {
		f, err := n.Float64()
		if err != nil {
			return nil, ProtocolError("wire: malformed float " + s)
		}
		return f, nil
	}
	iv, err := n.Int64()
	if err != nil {
		// Overflow of int64 range: fall back to float64 rather than fail.
		f, ferr := n.Float64()
		if ferr != nil {
			return nil, ProtocolError("wire: malformed number " + s)
		}
		return f, nil
	}
	return iv, nil
}

func decodeArray(n []interface{}) (interface{}, error) {
	if len(n) == 0 {
		return nil, ProtocolError("wire: empty array on wire")
	}
	if len(n) == 1 {
		if inner, ok := n[0].([]interface{}); ok {
			out := make([]interface{}, len(inner))
			for i, e := range inner {
				dv, err := DecodeValue(e)
				if err != nil {
					return nil, err
				}
				out[i] = dv
			}
			return out, nil
		}
	}
	tag, ok := n[0].(string)
	if !ok {
		return nil, ProtocolError("wire: array is neither an escaped plain array nor a tagged form")
	}
	switch tag {
	case TagExport:
		id, err := requireInt(n, 1, "export id")
		if err != nil {
			return nil, err
		}
		return ExportRef{ID: id}, nil
	case TagImport:
		id, err := requireInt(n, 1, "import id")
		if err != nil {
			return nil, err
		}
		return ImportRef{ID: id}, nil
	case TagPromise:
		id, err := requireInt(n, 1, "promise id")
		if err != nil {
			return nil, err
		}
		return PromiseRef{ID: id}, nil
	case TagPipeline:
		return decodePipeline(n)
	case TagError:
		return decodeError(n)
	case TagBytes:
		s, ok := stringAt(n, 1)
		if !ok {
			return nil, ProtocolError("wire: malformed bytes form")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, ProtocolError("wire: invalid base64 in bytes form")
		}
		return BytesValue{Data: b}, nil
	case TagDate:
		millis, err := requireInt(n, 1, "date millis")
		if err != nil {
			return nil, err
		}
		return DateValue{Millis: millis}, nil
	case TagBigInt:
		s, ok := stringAt(n, 1)
		if !ok {
			return nil, ProtocolError("wire: malformed bigint form")
		}
		bi, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, ProtocolError("wire: invalid bigint literal " + s)
		}
		return BigIntValue{Int: bi}, nil
	case TagUndefined:
		return UndefinedValue{}, nil
	case TagInf:
		return InfValue{}, nil
	case TagNegInf:
		return NegInfValue{}, nil
	case TagNaN:
		return NaNValue{}, nil
	default:
		return nil, ProtocolError("wire: unknown tag " + tag)
	}
}

func decodePipeline(n []interface{}) (interface{}, error) {
	id, err := requireInt(n, 1, "pipeline id")
	if err != nil {
		return nil, err
	}
	p := PipelineRef{ID: id}
	if len(n) >= 3 {
		pathRaw, ok := n[2].([]interface{})
		if !ok {
			return nil, ProtocolError("wire: pipeline path must be an array")
		}
		path := make([]interface{}, len(pathRaw))
		for i, e := range pathRaw {
			switch pe := e.(type) {
			case string:
				path[i] = pe
			case json.Number:
				iv, err := pe.Int64()
				if err != nil {
					return nil, ProtocolError("wire: pipeline path index must be an integer")
				}
				path[i] = iv
			default:
				return nil, ProtocolError("wire: invalid pipeline path element")
			}
		}
		p.Path = path
	}
	if len(n) >= 4 {
		argsVal, err := DecodeValue(n[3])
		if err != nil {
			return nil, err
		}
		argsArr, ok := argsVal.([]interface{})
		if !ok {
			return nil, ProtocolError("wire: pipeline args must decode to an array")
		}
		p.Args = argsArr
		p.HasArgs = true
	}
	return p, nil
}

func decodeError(n []interface{}) (interface{}, error) {
	if len(n) < 3 {
		return nil, ProtocolError("wire: malformed error form")
	}
	kind, ok1 := n[1].(string)
	msg, ok2 := n[2].(string)
	if !ok1 || !ok2 {
		return nil, ProtocolError("wire: error kind/message must be strings")
	}
	ev := ErrorValue{Kind: kind, Message: msg}
	if len(n) >= 4 {
		d, err := DecodeValue(n[3])
		if err != nil {
			return nil, err
		}
		ev.Data = d
		ev.HasData = true
	}
	return ev, nil
}

func requireInt(n []interface{}, idx int, what string) (int64, error) {
	if idx >= len(n) {
		return 0, ProtocolError("wire: missing " + what)
	}
	num, ok := n[idx].(json.Number)
	if !ok {
		return 0, ProtocolError("wire: " + what + " must be an integer")
	}
	iv, err := num.Int64()
	if err != nil {
		return 0, ProtocolError("wire: " + what + " must be an integer")
	}
	return iv, nil
}

func stringAt(n []interface{}, idx int) (string, bool) {
	if idx >= len(n) {
		return "", false
	}
	s, ok := n[idx].(string)
	return s, ok
}

// FrameType identifies one of the six protocol frame kinds.
type FrameType string

const (
	FramePush    FrameType = "push"
	FramePull    FrameType = "pull"
	FrameResolve FrameType = "resolve"
	FrameReject  FrameType = "reject"
	FrameRelease FrameType = "release"
	FrameAbort   FrameType = "abort"
)

// Frame is a decoded top-level message. Only the fields relevant to
// Type are populated; the rest are zero.
type Frame struct {
	Type     FrameType
	ExportID int64       // push, resolve, reject
	ImportID int64       // pull, release
	Delta    int64       // release
	Expr     interface{} // push
	Value    interface{} // resolve
	Error    interface{} // reject, abort
}

// EncodeFrame marshals a Frame to its wire bytes.
func EncodeFrame(f Frame, opts EncodeOptions) ([]byte, error) {
	var arr []interface{}
	switch f.Type {
	case FramePush:
		expr, err := EncodeValue(f.Expr, opts)
		if err != nil {
			return nil, err
		}
		arr = []interface{}{string(FramePush), f.ExportID, expr}
	case FramePull:
		arr = []interface{}{string(FramePull), f.ImportID}
	case FrameResolve:
		v, err := EncodeValue(f.Value, opts)
		if err != nil {
			return nil, err
		}
		arr = []interface{}{string(FrameResolve), f.ExportID, v}
	case FrameReject:
		e, err := EncodeValue(f.Error, opts)
		if err != nil {
			return nil, err
		}
		arr = []interface{}{string(FrameReject), f.ExportID, e}
	case FrameRelease:
		arr = []interface{}{string(FrameRelease), f.ImportID, f.Delta}
	case FrameAbort:
		e, err := EncodeValue(f.Error, opts)
		if err != nil {
			return nil, err
		}
		arr = []interface{}{string(FrameAbort), e}
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", f.Type)
	}
	return json.Marshal(arr)
}

// DecodeFrame parses wire bytes into a Frame.
func DecodeFrame(data []byte, opts DecodeOptions) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var top interface{}
	if err := dec.Decode(&top); err != nil {
		return Frame{}, ProtocolError("wire: invalid frame JSON: " + err.Error())
	}
	arr, ok := top.([]interface{})
	if !ok || len(arr) == 0 {
		return Frame{}, ProtocolError("wire: frame must be a non-empty array")
	}
	typ, ok := arr[0].(string)
	if !ok {
		return Frame{}, ProtocolError("wire: frame type must be a string")
	}
	switch FrameType(typ) {
	case FramePush:
		if len(arr) < 3 {
			return Frame{}, ProtocolError("wire: malformed push frame")
		}
		id, err := requireInt(arr, 1, "push export id")
		if err != nil {
			return Frame{}, err
		}
		expr, err := DecodeValue(arr[2])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FramePush, ExportID: id, Expr: expr}, nil
	case FramePull:
		if len(arr) < 2 {
			return Frame{}, ProtocolError("wire: malformed pull frame")
		}
		id, err := requireInt(arr, 1, "pull import id")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FramePull, ImportID: id}, nil
	case FrameResolve:
		if len(arr) < 3 {
			return Frame{}, ProtocolError("wire: malformed resolve frame")
		}
		id, err := requireInt(arr, 1, "resolve export id")
		if err != nil {
			return Frame{}, err
		}
		v, err := DecodeValue(arr[2])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameResolve, ExportID: id, Value: v}, nil
	case FrameReject:
		if len(arr) < 3 {
			return Frame{}, ProtocolError("wire: malformed reject frame")
		}
		id, err := requireInt(arr, 1, "reject export id")
		if err != nil {
			return Frame{}, err
		}
		e, err := DecodeValue(arr[2])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameReject, ExportID: id, Error: e}, nil
	case FrameRelease:
		if len(arr) < 3 {
			return Frame{}, ProtocolError("wire: malformed release frame")
		}
		id, err := requireInt(arr, 1, "release import id")
		if err != nil {
			return Frame{}, err
		}
		delta, err := requireInt(arr, 2, "release delta")
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameRelease, ImportID: id, Delta: delta}, nil
	case FrameAbort:
		if len(arr) < 2 {
			return Frame{}, ProtocolError("wire: malformed abort frame")
		}
		e, err := DecodeValue(arr[1])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: FrameAbort, Error: e}, nil
	default:
		return Frame{}, ProtocolError("wire: unknown frame type " + typ)
	}
}

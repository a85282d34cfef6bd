package capnweb

import "github.com/gocapnweb/internal/wire"

// materialize converts a value freshly decoded by the wire codec
// (which still contains wire.ExportRef/ImportRef/PromiseRef/
// PipelineRef placeholders) into the application-level value domain:
// capability tags become *Stub or Target, nested pipeline expressions
// are evaluated eagerly, error forms become *Error, and every other
// wire special form passes through unchanged for application code to
// type-switch on.
//
// The sign handling here is the decode half of the session's id
// convention: export/import/promise tags always negate
// the wire id to find this session's own local key; which table that
// negated key lands in is determined entirely by its resulting sign.
func (s *Session) materialize(ctx *evalContext, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case wire.ExportRef:
		localKey := -val.ID
		entry := s.imports.acquireForCapability(localKey, nil)
		stub := &Stub{session: s, wireTargetID: localKey, importID: localKey, isPeerCapability: true}
		entry.mu.Lock()
		entry.value = stub
		entry.mu.Unlock()
		return stub, nil
	case wire.ImportRef:
		localKey := -val.ID
		entry, ok := s.exports.get(localKey)
		if !ok {
			return nil, NewError(KindCapRevoked, "import tag references unknown export")
		}
		if entry.target == nil {
			return nil, NewError(KindBadRequest, "import tag does not reference a capability")
		}
		return entry.target, nil
	case wire.PromiseRef:
		localKey := -val.ID
		entry := s.imports.acquirePendingCapability(localKey)
		stub := &Stub{session: s, wireTargetID: localKey, importID: localKey, isPeerCapability: true}
		return stub, entryErrIfRejected(entry)
	case wire.PipelineRef:
		return s.evaluatePipeline(ctx, val)
	case wire.ErrorValue:
		return errorFromWire(val), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			m, err := s.materialize(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = m
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			m, err := s.materialize(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	default:
		return v, nil
	}
}

func entryErrIfRejected(e *importEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == importRejected {
		return e.err
	}
	return nil
}

// dematerialize is the encode half: it walks an application-level
// value, replacing Target and *Stub occurrences with the wire tag
// that lets the peer reconstruct the reference, then defers to
// wire.EncodeValue for everything else (scalars, plain-array
// escaping, reserved-key rewriting).
func (s *Session) dematerialize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case Target:
		entry := s.exports.intern(s.ids, val)
		return wire.ExportRef{ID: entry.id}, nil
	case *Stub:
		if val.localTarget != nil {
			return s.dematerialize(val.localTarget)
		}
		if val.isPeerCapability {
			return wire.ImportRef{ID: val.wireTargetID}, nil
		}
		return nil, NewError(KindBadRequest, "cannot pass an unsettled call result as a value")
	case *Error:
		return val.toWire(), nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			d, err := s.dematerialize(item)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			d, err := s.dematerialize(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

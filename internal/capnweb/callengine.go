package capnweb

import (
	"context"
	"fmt"

	"github.com/gocapnweb/internal/wire"
)

// evalContext threads the Go context through a (possibly nested)
// pipeline evaluation so dependent expressions share the same
// deadline and cancellation signal as the push that introduced them.
type evalContext struct {
	ctx context.Context
}

// resolveExportTarget implements the call engine's target_cap_id rule:
// a pipeline's root id is always looked up against this session's OWN
// Exports table, never Imports — a peer can only ask us to evaluate
// against something we host. Positive wire ids are negated first;
// negative ids (our own freshly-pushed pending slots, or genuine
// exports the peer already holds positively) are used as written.
func (s *Session) resolveExportTarget(ctx context.Context, id int64) (interface{}, error) {
	if id == 0 {
		return s.mainCapability, nil
	}
	exportKey := id
	if id > 0 {
		exportKey = -id
	}
	entry, ok := s.exports.get(exportKey)
	if !ok {
		return nil, NewError(KindCapRevoked, fmt.Sprintf("unknown export %d", exportKey))
	}
	return entry.awaitValue(ctx)
}

// evaluatePipeline evaluates a decoded pipeline expression against
// this session's own tables, suspending until any pending dependency
// settles. handlePush runs it on its own goroutine, so a push never
// blocks the read loop; a pipeline nested inside a resolve value is
// evaluated by handleResolve on the read loop itself.
func (s *Session) evaluatePipeline(ec *evalContext, p wire.PipelineRef) (interface{}, error) {
	root, err := s.resolveExportTarget(ec.ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if len(p.Path) == 0 {
		if p.HasArgs {
			return nil, NewError(KindBadRequest, "call requires a method path")
		}
		return root, nil
	}

	if !p.HasArgs {
		return s.walkProperties(root, p.Path)
	}

	walkPath := p.Path[:len(p.Path)-1]
	methodName, ok := p.Path[len(p.Path)-1].(string)
	if !ok {
		return nil, NewError(KindBadRequest, "method name must be a string")
	}

	current, err := s.walkProperties(root, walkPath)
	if err != nil {
		return nil, err
	}

	target, ok := current.(Target)
	if !ok {
		return nil, NewError(KindBadRequest, "value is not callable")
	}

	args, err := s.materializeArgs(ec, p.Args)
	if err != nil {
		return nil, err
	}
	return target.Dispatch(ec.ctx, methodName, args)
}

func (s *Session) materializeArgs(ec *evalContext, args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		m, err := s.materialize(ec, a)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (s *Session) walkProperties(root interface{}, path []interface{}) (interface{}, error) {
	current := root
	for _, key := range path {
		switch k := key.(type) {
		case string:
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, NewError(KindBadRequest, fmt.Sprintf("cannot access property %q on non-object", k))
			}
			current = m[k]
		case int64:
			arr, ok := current.([]interface{})
			if !ok {
				return nil, NewError(KindBadRequest, "cannot index non-array")
			}
			if k < 0 || int(k) >= len(arr) {
				return nil, NewError(KindBadRequest, "array index out of bounds")
			}
			current = arr[k]
		default:
			return nil, NewError(KindBadRequest, "invalid path element")
		}
	}
	return current, nil
}

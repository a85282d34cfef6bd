package capnweb

import (
	"context"

	"github.com/gocapnweb/internal/wire"
)

// Stub is a client-side handle onto a capability or a pending call
// result: the session's main capability, a capability received from
// the peer, or the not-yet-settled result of a call this session
// itself pushed.
type Stub struct {
	session *Session

	// wireTargetID is written verbatim as a pipeline expression's
	// root id whenever this stub is used as a call target. For the
	// main capability it is 0. For a capability received from the
	// peer (export/promise tag) it is this session's own positive
	// import key, written directly — the peer, evaluating the
	// resulting push, negates it to find its own export. For a
	// pending result of a call this session pushed, it is the
	// negative export id that push used, reused verbatim — the peer
	// already created its own export entry at that same key when the
	// push first arrived, so no negation is needed on either side.
	wireTargetID int64

	// importID is this session's own local bookkeeping key (always
	// positive, 0 for main) used to await/release the underlying
	// value regardless of which wireTargetID convention applies.
	importID int64

	// isPeerCapability marks a stub materialized from an incoming
	// export/promise tag — dematerializing it emits an ["import", id]
	// tag so the peer can map it back to its own export.
	isPeerCapability bool

	// localTarget is set when this stub wraps a capability this
	// session itself hosts (see Session.Export); dematerializing it
	// defers to the Target case so the normal export-interning/reuse
	// path runs instead of emitting an import tag.
	localTarget Target

	disposed bool
}

// MainStub returns the handle to the session's own main capability.
func (s *Session) MainStub() *Stub {
	return &Stub{session: s, wireTargetID: 0, importID: 0}
}

// Call invokes method on the stub's target with args, returning a
// Stub for the (possibly not-yet-settled) result. The call is
// enqueued immediately; it is flushed to the transport the next time
// any returned stub is awaited, so dependent calls queued before that
// await go out together in one flush.
func (s *Stub) Call(ctx context.Context, method string, args ...interface{}) (*Stub, error) {
	return s.CallPath(ctx, []interface{}{method}, args)
}

// CallPath invokes a method reached by walking a property path off
// this stub's target before calling: CallPath(ctx, ["a","b",method], args)
// sends a single pipeline expression with that path. (Chaining Get
// instead enqueues one push per Get.)
func (s *Stub) CallPath(ctx context.Context, path []interface{}, args []interface{}) (*Stub, error) {
	wireArgs, err := s.session.dematerializeArgs(args)
	if err != nil {
		return nil, err
	}
	return s.session.pushCall(ctx, s.wireTargetID, path, wireArgs)
}

// Get returns a Stub representing a property of this stub's target,
// without issuing a call. Awaiting it resolves the property value.
func (s *Stub) Get(ctx context.Context, path ...interface{}) (*Stub, error) {
	return s.session.pushGet(ctx, s.wireTargetID, path)
}

// Await blocks until the stub's value settles, flushing any queued
// pushes (including this one) to the transport first.
func (s *Stub) Await(ctx context.Context) (interface{}, error) {
	if s.importID == 0 {
		return nil, NewError(KindBadRequest, "main capability has no value to await")
	}
	s.session.flush(s.importID)
	entry, ok := s.session.imports.get(s.importID)
	if !ok {
		return nil, NewError(KindCapRevoked, "import already released")
	}
	awaitCtx := ctx
	if timeout := s.session.opts.CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		awaitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	value, err := entry.awaitValue(awaitCtx)
	if err != nil {
		if ctx.Err() == nil && awaitCtx.Err() != nil {
			s.Dispose()
		}
		return nil, err
	}
	if m, mErr := s.session.materializeResult(ctx, value); mErr == nil {
		return m, nil
	}
	return value, nil
}

// Dispose releases this session's reference to the stub's target. It
// is idempotent.
func (s *Stub) Dispose() {
	if s.disposed || s.importID == 0 {
		return
	}
	s.disposed = true
	s.session.imports.queueRelease(s.importID, 1)
	s.session.scheduleReleaseFlush()
}

func (s *Session) dematerializeArgs(args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(args))
	for i, a := range args {
		d, err := s.dematerialize(a)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// materializeResult gives application code that awaits a Stub the
// same capability substitution an incoming push's arguments get.
func (s *Session) materializeResult(ctx context.Context, v interface{}) (interface{}, error) {
	ec := &evalContext{ctx: ctx}
	return s.materialize(ec, v)
}

// pushCall enqueues a push frame expressing a call and returns a Stub
// for its result.
func (s *Session) pushCall(ctx context.Context, targetID int64, path []interface{}, wireArgs []interface{}) (*Stub, error) {
	exportID := s.ids.nextExportID()
	expr := wire.PipelineRef{ID: targetID, Path: path, Args: wireArgs, HasArgs: true}
	importID := -exportID
	s.imports.createForPush(exportID)
	s.enqueuePush(wire.Frame{Type: wire.FramePush, ExportID: exportID, Expr: expr})
	return &Stub{session: s, wireTargetID: exportID, importID: importID}, nil
}

// pushGet enqueues a push frame expressing a property read (no call).
func (s *Session) pushGet(ctx context.Context, targetID int64, path []interface{}) (*Stub, error) {
	exportID := s.ids.nextExportID()
	expr := wire.PipelineRef{ID: targetID, Path: path}
	importID := -exportID
	s.imports.createForPush(exportID)
	s.enqueuePush(wire.Frame{Type: wire.FramePush, ExportID: exportID, Expr: expr})
	return &Stub{session: s, wireTargetID: exportID, importID: importID}, nil
}

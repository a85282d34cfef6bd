package capnweb

import (
	"context"

	"github.com/gocapnweb/internal/wire"
)

// handleFrame routes one decoded frame to the table or call engine
// operation responsible for it. Frames are processed strictly in
// the order Run reads them; push evaluation itself may continue on
// its own goroutine (so a slow call doesn't stall unrelated pulls),
// but the export placeholder it produces is created synchronously
// before handleFrame returns, so no later frame can observe a gap.
//
// A non-nil return is a fatal table protocol violation (duplicate
// resolve/reject, a release delta exceeding the tracked refcount,
// etc.): Run aborts and tears the session down rather than continuing
// to process frames against tables it can no longer trust.
func (s *Session) handleFrame(ctx context.Context, frame wire.Frame) error {
	switch frame.Type {
	case wire.FramePush:
		s.handlePush(ctx, frame)
	case wire.FramePull:
		s.handlePull(frame)
	case wire.FrameResolve:
		return s.handleResolve(frame)
	case wire.FrameReject:
		return s.handleReject(frame)
	case wire.FrameRelease:
		return s.handleRelease(frame)
	}
	return nil
}

func (s *Session) handlePush(ctx context.Context, frame wire.Frame) {
	exportID := frame.ExportID
	entry := s.exports.createPending(exportID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ec := &evalContext{ctx: ctx}

		var value interface{}
		var evalErr error
		if p, ok := frame.Expr.(wire.PipelineRef); ok {
			value, evalErr = s.evaluatePipeline(ec, p)
		} else {
			value, evalErr = s.materialize(ec, frame.Expr)
		}

		if evalErr != nil {
			capErr := asCapnwebError(evalErr)
			entry.settle(nil, capErr)
			s.writeFrame(wire.Frame{Type: wire.FrameReject, ExportID: exportID, Error: capErr.toWire()})
			return
		}

		wireValue, encErr := s.dematerialize(value)
		if encErr != nil {
			capErr := asCapnwebError(encErr)
			entry.settle(nil, capErr)
			s.writeFrame(wire.Frame{Type: wire.FrameReject, ExportID: exportID, Error: capErr.toWire()})
			return
		}

		entry.settle(value, nil)
		s.writeFrame(wire.Frame{Type: wire.FrameResolve, ExportID: exportID, Value: wireValue})
	}()
}

// handlePull answers a pull. Resolution happens eagerly the moment a
// push's evaluation finishes (see handlePush), which sends the one
// resolve/reject for that export; a pull of a known export therefore
// sends nothing more, however often it is repeated (see the
// pull-vs-implicit-resolution decision in DESIGN.md). A pull of an
// unknown export is rejected with cap_revoked.
func (s *Session) handlePull(frame wire.Frame) {
	exportKey := -frame.ImportID
	entry, ok := s.exports.get(exportKey)
	if !ok {
		s.writeFrame(wire.Frame{Type: wire.FrameReject, ExportID: exportKey, Error: NewError(KindCapRevoked, "pull of unknown export").toWire()})
		return
	}
	entry.mu.Lock()
	state := entry.state
	entry.mu.Unlock()

	switch state {
	case exportResolved, exportRejected:
		// Already sent by handlePush (or, for a capability entry, never
		// owed); a second resolve/reject is fatal on the receiving side.
	case exportPending:
		// Will be sent automatically once handlePush's goroutine settles it.
	}
}

func (s *Session) handleResolve(frame wire.Frame) error {
	localImportKey := -frame.ExportID
	ec := &evalContext{ctx: context.Background()}
	value, err := s.materialize(ec, frame.Value)
	if err != nil {
		return s.imports.resolve(localImportKey, nil, asCapnwebError(err))
	}
	return s.imports.resolve(localImportKey, value, nil)
}

func (s *Session) handleReject(frame wire.Frame) error {
	localImportKey := -frame.ExportID
	var capErr *Error
	if ev, ok := frame.Error.(wire.ErrorValue); ok {
		capErr = errorFromWire(ev)
	} else {
		capErr = NewError(KindInternal, "malformed reject")
	}
	return s.imports.resolve(localImportKey, nil, capErr)
}

func (s *Session) handleRelease(frame wire.Frame) error {
	exportKey := -frame.ImportID
	return s.exports.release(exportKey, frame.Delta)
}

package capnweb

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gocapnweb/internal/wire"
)

// SessionOptions configures a Session with a plain explicit option
// struct rather than a config file or flag parser.
type SessionOptions struct {
	// CallTimeout bounds how long Stub.Await waits for a call result.
	// On expiry the await fails with KindCanceled and the stub's import
	// is released; a result arriving later is dropped. Zero means no
	// timeout.
	CallTimeout time.Duration

	// ReservedKeyPolicy is forwarded to the wire codec's encoder, to
	// rewrite plain object keys that would otherwise collide with the
	// wire dialect's own reserved forms.
	ReservedKeyPolicy func(string) string
}

// Session is one bidirectional Cap'n Web connection: the read loop,
// the two reference tables, and the id allocator that together drive
// it.
type Session struct {
	transport      Transport
	mainCapability Target
	opts           SessionOptions

	ids     *idAllocator
	imports *ImportsTable
	exports *ExportsTable

	writeMu       sync.Mutex
	pendingPushes []wire.Frame

	releaseOnce sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
	closeErr    error

	wg sync.WaitGroup
}

// NewSession wires a Transport to a main capability. The caller must
// invoke Run to start processing incoming frames.
func NewSession(transport Transport, mainCapability Target, opts SessionOptions) *Session {
	return &Session{
		transport:      transport,
		mainCapability: mainCapability,
		opts:           opts,
		ids:            newIDAllocator(),
		imports:        newImportsTable(),
		exports:        newExportsTable(),
		closed:         make(chan struct{}),
	}
}

// MainCapability exposes the Target handed to NewSession.
func (s *Session) MainCapability() Target { return s.mainCapability }

// Export hands a local capability to the peer, returning the Stub
// application code should embed in an outgoing call's arguments or
// result (it is converted to an ["export", id] tag on the wire the
// moment it is serialized).
func (s *Session) Export(target Target) *Stub {
	entry := s.exports.intern(s.ids, target)
	return &Stub{session: s, wireTargetID: entry.id, importID: -entry.id, localTarget: target}
}

// Call is a convenience wrapper equivalent to
// MainStub().Call(ctx, method, args...).
func (s *Session) Call(ctx context.Context, method string, args ...interface{}) (*Stub, error) {
	return s.MainStub().Call(ctx, method, args...)
}

// enqueuePush queues a push frame to be sent on the next flush.
func (s *Session) enqueuePush(f wire.Frame) {
	s.writeMu.Lock()
	s.pendingPushes = append(s.pendingPushes, f)
	s.writeMu.Unlock()
}

// flush writes every queued push frame, in queue order, followed by a
// pull for awaitImportID and then any queued release frames. Each frame
// is its own SendFrame call, and no lock is held while writing, so
// frames written at the same time by other goroutines (such as push
// results) may land between them.
func (s *Session) flush(awaitImportID int64) {
	s.writeMu.Lock()
	pending := s.pendingPushes
	s.pendingPushes = nil
	s.writeMu.Unlock()

	for _, f := range pending {
		s.writeFrame(f)
	}
	s.writeFrame(wire.Frame{Type: wire.FramePull, ImportID: awaitImportID})
	s.flushReleases()
}

// scheduleReleaseFlush sends any accumulated release frames. Disposal
// doesn't need to block on an await, so it flushes on its own.
func (s *Session) scheduleReleaseFlush() {
	s.flushReleases()
}

func (s *Session) flushReleases() {
	deltas := s.imports.drainReleases()
	for id, delta := range deltas {
		s.writeFrame(wire.Frame{Type: wire.FrameRelease, ImportID: id, Delta: delta})
	}
}

func (s *Session) encodeOptions() wire.EncodeOptions {
	return wire.EncodeOptions{ReservedKeyPolicy: s.opts.ReservedKeyPolicy}
}

func (s *Session) writeFrame(f wire.Frame) {
	data, err := wire.EncodeFrame(f, s.encodeOptions())
	if err != nil {
		log.Printf("capnweb: failed to encode %s frame: %v", f.Type, err)
		return
	}
	if err := s.transport.SendFrame(data); err != nil {
		log.Printf("capnweb: failed to send %s frame: %v", f.Type, err)
	}
}

// Run processes incoming frames until the transport closes or an
// abort is sent or received. It blocks; call it from its own
// goroutine per connection.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()
	for {
		data, err := s.transport.RecvFrame()
		if err != nil {
			return err
		}
		frame, err := wire.DecodeFrame(data, wire.DecodeOptions{})
		if err != nil {
			log.Printf("capnweb: malformed frame: %v", err)
			s.sendAbort(NewError(KindBadRequest, err.Error()))
			return err
		}
		if frame.Type == wire.FrameAbort {
			s.closeErr = errorFromWireValue(frame.Error)
			return nil
		}
		if err := s.handleFrame(ctx, frame); err != nil {
			capErr := asCapnwebError(err)
			log.Printf("capnweb: fatal table protocol violation: %v", capErr)
			s.sendAbort(capErr)
			s.closeErr = capErr
			return capErr
		}
	}
}

func errorFromWireValue(v interface{}) error {
	if ev, ok := v.(wire.ErrorValue); ok {
		return errorFromWire(ev)
	}
	return NewError(KindInternal, "peer aborted")
}

func (s *Session) sendAbort(err *Error) {
	s.writeFrame(wire.Frame{Type: wire.FrameAbort, Error: err.toWire()})
}

// Drain waits for all in-flight push evaluations started by Run to
// finish, without tearing down the tables.
func (s *Session) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the session down: fail every pending import, dispose
// every hosted export, then close the transport, in that order.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.teardown()
		err = s.transport.Close()
	})
	return err
}

func (s *Session) teardown() {
	s.releaseOnce.Do(func() {
		s.imports.failAll(NewError(KindCanceled, "session closed"))
		s.exports.disposeAll()
		close(s.closed)
	})
}

package capnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gocapnweb/internal/wire"
)

// discardTransport swallows every outgoing frame, for tests that only
// care about table/dispatch state, not what crosses the wire.
type discardTransport struct{}

func (discardTransport) SendFrame([]byte) error     { return nil }
func (discardTransport) RecvFrame() ([]byte, error) { return nil, nil }
func (discardTransport) Close() error               { return nil }

func newTestSession() *Session {
	return NewSession(discardTransport{}, NewBaseTarget(), SessionOptions{})
}

func TestHandleReleaseOvershootIsFatal(t *testing.T) {
	s := newTestSession()
	entry := s.exports.createPending(-1)
	entry.settle("value", nil)

	err := s.handleFrame(context.Background(), wire.Frame{Type: wire.FrameRelease, ImportID: 1, Delta: 5})
	require.Error(t, err)
	var capErr *Error
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, KindBadRequest, capErr.Kind)
}

func TestHandleResolveDuplicateIsFatal(t *testing.T) {
	s := newTestSession()
	s.imports.createForPush(-1)

	require.NoError(t, s.handleFrame(context.Background(), wire.Frame{Type: wire.FrameResolve, ExportID: -1, Value: int64(1)}))

	err := s.handleFrame(context.Background(), wire.Frame{Type: wire.FrameResolve, ExportID: -1, Value: int64(2)})
	require.Error(t, err)
	var capErr *Error
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, KindBadRequest, capErr.Kind)
}

func TestHandleFrameNonFatalFramesReturnNil(t *testing.T) {
	s := newTestSession()
	err := s.handleFrame(context.Background(), wire.Frame{Type: wire.FramePull, ImportID: 99})
	require.NoError(t, err)
}

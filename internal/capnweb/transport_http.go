package capnweb

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// errBatchExhausted is returned by HTTPBatchTransport.RecvFrame once
// every line of the request body has been consumed; Session.Run exits
// its read loop on any RecvFrame error, so the caller treats this one
// as "batch done" rather than a transport failure.
var errBatchExhausted = errors.New("capnweb: http batch exhausted")

// IsBatchComplete reports whether err is the sentinel HTTPBatchTransport
// uses to signal a normal end of batch, as opposed to a real transport
// failure.
func IsBatchComplete(err error) bool {
	return errors.Is(err, errBatchExhausted)
}

// HTTPBatchTransport adapts one HTTP POST body (newline-separated
// frames) to Transport: RecvFrame yields each request line in turn,
// SendFrame accumulates response lines, and ResponseBody returns the
// lines accumulated so far (server.go calls it after Session.Drain).
type HTTPBatchTransport struct {
	scanner *bufio.Scanner

	mu  sync.Mutex
	out [][]byte
}

// NewHTTPBatchTransport reads frames from body as they're consumed.
func NewHTTPBatchTransport(body io.Reader) *HTTPBatchTransport {
	return &HTTPBatchTransport{scanner: bufio.NewScanner(body)}
}

func (t *HTTPBatchTransport) RecvFrame() ([]byte, error) {
	for t.scanner.Scan() {
		line := bytes.TrimSpace(t.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errBatchExhausted
}

func (t *HTTPBatchTransport) SendFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.out = append(t.out, data)
	return nil
}

func (t *HTTPBatchTransport) Close() error { return nil }

// ResponseBody joins every frame sent so far with newlines.
func (t *HTTPBatchTransport) ResponseBody() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Join(t.out, []byte("\n"))
}

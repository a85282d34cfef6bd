package capnweb

import "sync"

// idAllocator hands out fresh export ids for capabilities this session
// hosts. Export ids are negative by convention (see exports.go); the
// allocator's counter only ever counts upward and nextExportID returns
// its negation.
type idAllocator struct {
	mu   sync.Mutex
	next int64
}

func newIDAllocator() *idAllocator {
	return &idAllocator{next: 1}
}

// nextExportID returns the next export id to assign, always negative.
// Export id 0 is reserved for the session's main capability and is
// never handed out here.
func (a *idAllocator) nextExportID() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := -a.next
	a.next++
	return id
}

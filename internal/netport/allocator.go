package netport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the allocator's range
// is taken or fails the bind probe.
var ErrNoPortsAvailable = errors.New("no ports available in range")

// Allocator hands out free TCP ports from a half-open range [low, high).
// A movable cursor spreads allocations across the range so a freshly freed
// low port is not immediately reused.
type Allocator struct {
	mu     sync.Mutex
	low    int
	high   int
	cursor int
}

// NewAllocator creates an allocator over [low, high).
func NewAllocator(low, high int) (*Allocator, error) {
	if low <= 0 || high <= low {
		return nil, fmt.Errorf("invalid port range [%d, %d)", low, high)
	}
	return &Allocator{low: low, high: high, cursor: low}, nil
}

// Available reports whether port can currently be bound on loopback. A
// successful bind-and-close is authoritative over any statically declared
// port, which may be held by an unrelated process.
func Available(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Allocate returns the next free port not in taken, scanning the range from
// the cursor and wrapping once. The cursor advance and the bind probe are a
// single critical section so two concurrent allocations cannot race onto
// the same port.
func (a *Allocator) Allocate(taken map[int]bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.high - a.low
	for i := 0; i < span; i++ {
		port := a.cursor
		a.cursor++
		if a.cursor >= a.high {
			a.cursor = a.low
		}
		if taken[port] {
			continue
		}
		if !Available(port) {
			continue
		}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

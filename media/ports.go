package media

import (
	"errors"
	"sync"
)

// ErrNoPorts is returned when every RTP port of the pool is in use.
var ErrNoPorts = errors.New("no free RTP ports")

// PortPool hands out even UDP ports from a fixed range.
type PortPool struct {
	mu    sync.Mutex
	start int
	size  int
	used  map[int]bool
	next  int
}

// NewPortPool covers size even ports beginning at start, rounded up to even.
func NewPortPool(start, size int) *PortPool {
	if start%2 != 0 {
		start++
	}
	if size < 0 {
		size = 0
	}
	return &PortPool{
		start: start,
		size:  size,
		used:  make(map[int]bool),
	}
}

// Acquire reserves the next free port.
func (p *PortPool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.size
	for i := 0; i < slots; i++ {
		port := p.start + 2*((p.next+i)%slots)
		if !p.used[port] {
			p.used[port] = true
			p.next = (p.next + i + 1) % slots
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

// Release returns port to the pool. Unknown ports are ignored.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// InUse returns the number of reserved ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

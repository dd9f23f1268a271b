// Package ports hands out host ports for worker containers. A port is owned
// by exactly one non-deleted account from Allocate until Release.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoCapacity is returned when every port in the range is taken. The
// caller surfaces it as account-creation failure; the pool never retries.
var ErrNoCapacity = errors.New("no available ports")

type Pool struct {
	start int
	end   int
	used  map[int]bool
	mu    sync.Mutex
}

// NewPool creates a pool over the inclusive range [start, end].
func NewPool(start, end int) *Pool {
	return &Pool{
		start: start,
		end:   end,
		used:  make(map[int]bool),
	}
}

// Allocate returns the lowest free port in the range. Scanning ascending
// keeps reuse deterministic and fragmentation low.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port <= p.end; port++ {
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w in range %d-%d", ErrNoCapacity, p.start, p.end)
}

// Release frees a port. Idempotent.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.used, port)
}

// Reserve re-marks a persisted assignment as used, used at startup to
// recover ports that accounts already hold. No-op outside the range.
func (p *Pool) Reserve(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port >= p.start && port <= p.end {
		p.used[port] = true
	}
}

func (p *Pool) IsUsed(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.used[port]
}

func (p *Pool) UsedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.used)
}

func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.end - p.start + 1 - len(p.used)
}

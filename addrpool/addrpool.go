// Package addrpool implements the bitmap address pool from spec.md §4.8
// (component C8): a [min,max] range of integers handed out lowest-first
// (or highest-first, in reverse mode) and returned to the pool on free.
// It backs both nlsock's 1024-slot port pool and, with a ban window, the
// netlink sequence-number generator described in spec.md §9.
package addrpool

import (
	"errors"
	"math/bits"
	"sync"
)

// cellBits is the width of one bitmap word; each bit marks one address as
// free (1) or allocated (0), mirroring the Python original's byte-counted
// "cell".
const cellBits = 64

// NoFreeAddress is returned by Alloc when every address in [min,max] is
// currently allocated.
var NoFreeAddress = errors.New("addrpool: no free address available")

// ErrNotAllocated is returned by Free when addr is not currently
// allocated (double free, or an address outside the pool's range).
var ErrNotAllocated = errors.New("addrpool: address is not allocated")

// Pool is a thread-safe bitmap allocator over the inclusive range
// [min,max] (spec.md §4.8).
type Pool struct {
	mu      sync.Mutex
	min     uint64
	max     uint64
	reverse bool
	cells   []uint64 // 1 bit set means free

	banWindow int
	banned    []uint64 // ring of most-recently-freed addresses, oldest first
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithBanWindow makes Free defer returning an address to the allocatable
// set until n further addresses have been freed after it (spec.md §9:
// "sequence-number ban window hard-coded to 10 slots in source"). This
// prevents a just-retired sequence number from being reused before any
// stale in-flight reply using it has had a chance to drain.
func WithBanWindow(n int) Option {
	return func(p *Pool) { p.banWindow = n }
}

// WithReverse allocates from the high end of the range downward, as used
// by the original for the port pool (newest ports reused first).
func WithReverse() Option {
	return func(p *Pool) { p.reverse = true }
}

// New creates a Pool over the inclusive range [min,max].
func New(min, max uint64, opts ...Option) *Pool {
	span := max - min + 1
	ncells := int((span + cellBits - 1) / cellBits)
	if ncells < 1 {
		ncells = 1
	}
	cells := make([]uint64, ncells)
	for i := range cells {
		cells[i] = ^uint64(0)
	}
	// Clear any bits past the end of the range in the last cell.
	lastCellBits := span % cellBits
	if lastCellBits != 0 {
		cells[ncells-1] = (uint64(1) << lastCellBits) - 1
	}
	p := &Pool{min: min, max: max, cells: cells}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Alloc returns the lowest (or, in reverse mode, highest) free address in
// the pool, or NoFreeAddress if none remain.
func (p *Pool) Alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for base, cell := range p.cells {
		if cell == 0 {
			continue
		}
		bit := bits.TrailingZeros64(cell)
		p.cells[base] &^= uint64(1) << bit
		offset := uint64(base)*cellBits + uint64(bit)
		if p.reverse {
			return p.max - offset, nil
		}
		return p.min + offset, nil
	}
	return 0, NoFreeAddress
}

// Free returns addr to the pool. With a ban window configured, addr is
// not actually made allocatable again until banWindow further addresses
// have been freed.
func (p *Pool) Free(addr uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.banWindow <= 0 {
		return p.freeLocked(addr)
	}
	p.banned = append(p.banned, addr)
	if len(p.banned) <= p.banWindow {
		return nil
	}
	oldest := p.banned[0]
	p.banned = p.banned[1:]
	return p.freeLocked(oldest)
}

func (p *Pool) freeLocked(addr uint64) error {
	if addr < p.min || addr > p.max {
		return ErrNotAllocated
	}
	var offset uint64
	if p.reverse {
		offset = p.max - addr
	} else {
		offset = addr - p.min
	}
	base := offset / cellBits
	bit := offset % cellBits
	if int(base) >= len(p.cells) {
		return ErrNotAllocated
	}
	mask := uint64(1) << bit
	if p.cells[base]&mask != 0 {
		return ErrNotAllocated // already free: double free
	}
	p.cells[base] |= mask
	return nil
}

package smmtt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Reader fetches one 8-byte table entry from physical memory.
type Reader interface {
	ReadTableEntry(addr uint64) (uint64, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(addr uint64) (uint64, error)

// ReadTableEntry implements Reader.
func (f ReaderFunc) ReadTableEntry(addr uint64) (uint64, error) {
	return f(addr)
}

// TableMemory is memory the builder can program.
type TableMemory interface {
	Reader
	WriteTableEntry(addr uint64, value uint64) error
}

// SparseMemory is a doubleword-granular physical memory that only stores
// non-zero words. Unwritten memory reads as zero.
type SparseMemory struct {
	// Limit, when non-zero, is the first address that faults.
	Limit uint64

	mu    sync.RWMutex
	words map[uint64]uint64
	reads atomic.Uint64
}

// NewSparseMemory creates an empty memory faulting at and above limit. A limit
// of zero covers the whole address space.
func NewSparseMemory(limit uint64) *SparseMemory {
	return &SparseMemory{
		Limit: limit,
		words: make(map[uint64]uint64),
	}
}

func (m *SparseMemory) check(addr uint64) error {
	if addr&7 != 0 {
		return fmt.Errorf("misaligned table access at 0x%x", addr)
	}
	if m.Limit != 0 && addr >= m.Limit {
		return fmt.Errorf("table access out of bounds: addr=0x%x limit=0x%x", addr, m.Limit)
	}
	return nil
}

// ReadTableEntry implements Reader
func (m *SparseMemory) ReadTableEntry(addr uint64) (uint64, error) {
	if err := m.check(addr); err != nil {
		return 0, err
	}
	m.reads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.words[addr], nil
}

// WriteTableEntry implements TableMemory
func (m *SparseMemory) WriteTableEntry(addr uint64, value uint64) error {
	if err := m.check(addr); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.words == nil {
		m.words = make(map[uint64]uint64)
	}
	if value == 0 {
		delete(m.words, addr)
	} else {
		m.words[addr] = value
	}
	return nil
}

// Reads returns the number of successful reads so far.
func (m *SparseMemory) Reads() uint64 {
	return m.reads.Load()
}

// Len returns the number of non-zero words stored.
func (m *SparseMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.words)
}

// Allocator hands out zeroed, page aligned table memory.
type Allocator interface {
	AllocTable(size uint64) (uint64, error)
}

// BumpAllocator allocates tables linearly from Next up to Limit. The memory it
// hands out must not have been written before.
type BumpAllocator struct {
	Next  uint64
	Limit uint64
}

// AllocTable implements Allocator
func (a *BumpAllocator) AllocTable(size uint64) (uint64, error) {
	const page = 1 << PageShift

	base := (a.Next + page - 1) &^ (page - 1)
	size = (size + page - 1) &^ (page - 1)
	if base < a.Next || base+size < base || (a.Limit != 0 && base+size > a.Limit) {
		return 0, fmt.Errorf("table arena exhausted: need 0x%x bytes at 0x%x, limit 0x%x", size, base, a.Limit)
	}
	a.Next = base + size
	return base, nil
}

package rv64

import (
	"fmt"
	"sort"
)

// Device is a memory-mapped peripheral. Offsets are relative to the start of
// its window.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// RAM is byte-addressed little-endian memory.
type RAM []byte

func (r RAM) span(offset uint64, size int) ([]byte, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("invalid access size %d", size)
	}
	end := offset + uint64(size)
	if end > uint64(len(r)) || end < offset {
		return nil, fmt.Errorf("ram access out of bounds: offset=0x%x size=%d len=0x%x", offset, size, len(r))
	}
	return r[offset:end], nil
}

// Read implements Device.
func (r RAM) Read(offset uint64, size int) (uint64, error) {
	b, err := r.span(offset, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(cpuEndian.Uint16(b)), nil
	case 4:
		return uint64(cpuEndian.Uint32(b)), nil
	default:
		return cpuEndian.Uint64(b), nil
	}
}

// Write implements Device.
func (r RAM) Write(offset uint64, size int, value uint64) error {
	b, err := r.span(offset, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		cpuEndian.PutUint16(b, uint16(value))
	case 4:
		cpuEndian.PutUint32(b, uint32(value))
	default:
		cpuEndian.PutUint64(b, value)
	}
	return nil
}

// Size implements Device.
func (r RAM) Size() uint64 { return uint64(len(r)) }

type window struct {
	base uint64
	dev  Device
}

func (w window) contains(addr uint64) bool {
	return addr >= w.base && addr-w.base < w.dev.Size()
}

// BusInterface is the physical memory seen by the hart. Page table entries
// and memory tracking table entries are both fetched through it.
type BusInterface interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr uint64, size int, value uint64) error
	Read64(addr uint64) (uint64, error)
	Write64(addr uint64, value uint64) error

	ReadTableEntry(addr uint64) (uint64, error)
	WriteTableEntry(addr uint64, value uint64) error
}

// Bus is a physical address map with one RAM window at RAMBase and any number
// of MMIO windows. Tracking tables may only live in RAM.
type Bus struct {
	RAM     RAM
	RAMBase uint64

	mmio []window
}

// NewBus creates a bus with ramSize bytes of RAM at RAMBase.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     make(RAM, ramSize),
		RAMBase: RAMBase,
	}
}

// Map places dev at base. Windows must not overlap each other or RAM.
func (bus *Bus) Map(base uint64, dev Device) error {
	size := dev.Size()
	if size == 0 || base+size < base {
		return fmt.Errorf("invalid mmio window 0x%x+0x%x", base, size)
	}
	overlaps := func(b, s uint64) bool { return base < b+s && b < base+size }
	if overlaps(bus.RAMBase, bus.RAM.Size()) {
		return fmt.Errorf("mmio window 0x%x+0x%x overlaps ram", base, size)
	}
	for _, w := range bus.mmio {
		if overlaps(w.base, w.dev.Size()) {
			return fmt.Errorf("mmio window 0x%x+0x%x overlaps 0x%x", base, size, w.base)
		}
	}

	bus.mmio = append(bus.mmio, window{base: base, dev: dev})
	sort.Slice(bus.mmio, func(i, j int) bool { return bus.mmio[i].base < bus.mmio[j].base })
	return nil
}

func (bus *Bus) inRAM(addr uint64) bool {
	return addr >= bus.RAMBase && addr-bus.RAMBase < bus.RAM.Size()
}

func (bus *Bus) resolve(addr uint64) (Device, uint64, error) {
	if bus.inRAM(addr) {
		return bus.RAM, addr - bus.RAMBase, nil
	}
	i := sort.Search(len(bus.mmio), func(i int) bool { return bus.mmio[i].base > addr })
	if i > 0 && bus.mmio[i-1].contains(addr) {
		w := bus.mmio[i-1]
		return w.dev, addr - w.base, nil
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, off, err := bus.resolve(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(off, size)
}

func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, off, err := bus.resolve(addr)
	if err != nil {
		return err
	}
	return dev.Write(off, size, value)
}

func (bus *Bus) Read64(addr uint64) (uint64, error) { return bus.Read(addr, 8) }

func (bus *Bus) Write64(addr uint64, value uint64) error { return bus.Write(addr, 8, value) }

func (bus *Bus) tableOffset(addr uint64) (uint64, error) {
	if addr&7 != 0 {
		return 0, fmt.Errorf("misaligned table entry at 0x%x", addr)
	}
	if !bus.inRAM(addr) {
		return 0, fmt.Errorf("table entry at 0x%x is outside RAM", addr)
	}
	return addr - bus.RAMBase, nil
}

// ReadTableEntry implements smmtt.Reader.
func (bus *Bus) ReadTableEntry(addr uint64) (uint64, error) {
	off, err := bus.tableOffset(addr)
	if err != nil {
		return 0, err
	}
	return bus.RAM.Read(off, 8)
}

// WriteTableEntry implements smmtt.TableMemory.
func (bus *Bus) WriteTableEntry(addr uint64, value uint64) error {
	off, err := bus.tableOffset(addr)
	if err != nil {
		return err
	}
	return bus.RAM.Write(off, 8, value)
}

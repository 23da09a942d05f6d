package smmtt

import (
	"fmt"
)

const (
	size4K = 1 << 12
	size2M = 1 << 21
	size1G = 1 << 30
)

// Builder programs memory tracking tables so that a Walker over the same
// memory grants the requested privileges. It always uses the coarsest entry
// type that can express a range and splits coarse entries when a finer range
// is programmed later.
//
// Tables replaced by a coarser entry are not reclaimed.
type Builder struct {
	arch  Arch
	mode  Mode
	v     variant
	f     *walkFields
	mem   TableMemory
	alloc Allocator
	root  uint64
}

// NewBuilder allocates the top-level table for mode. Everything starts out
// disallowed.
func NewBuilder(arch Arch, mode Mode, mem TableMemory, alloc Allocator) (*Builder, error) {
	if !arch.Supported(mode) {
		return nil, fmt.Errorf("smmtt: mode %s not implemented on %s: %w", mode, arch, ErrConfiguration)
	}
	if mode.Levels() == 0 {
		return nil, fmt.Errorf("smmtt: mode %s has no tables", mode)
	}

	b := &Builder{
		arch:  arch,
		mode:  mode,
		v:     variantOf(mode.RW()),
		mem:   mem,
		alloc: alloc,
	}
	b.f = fieldsFor(arch, b.v)

	root, err := b.allocTable(mode.Levels())
	if err != nil {
		return nil, fmt.Errorf("smmtt: allocate root table: %w", err)
	}
	b.root = root

	return b, nil
}

// Root returns the physical address of the top-level table.
func (b *Builder) Root() uint64 {
	return b.root
}

// Mode returns the mode the tables are built for.
func (b *Builder) Mode() Mode {
	return b.mode
}

// Mttp returns the root control value selecting these tables.
func (b *Builder) Mttp(sdid uint64) (uint64, error) {
	return EncodeMttp(b.arch, b.mode, b.root, sdid)
}

func (b *Builder) allocTable(level int) (uint64, error) {
	return b.alloc.AllocTable(b.f.index[level].count() * entrySize)
}

// SetRange grants p for [base, base+size). base and size must be 4 KiB
// aligned.
func (b *Builder) SetRange(base, size uint64, p Privs) error {
	if base%size4K != 0 || size%size4K != 0 {
		return fmt.Errorf("smmtt: range 0x%x+0x%x is not 4 KiB aligned", base, size)
	}
	end := base + size
	if end < base || end > uint64(1)<<b.f.addrBits(b.mode.Levels()) {
		return fmt.Errorf("smmtt: range 0x%x+0x%x: %w", base, size, ErrAddressRange)
	}
	code, err := codeFromPrivs(b.v, p)
	if err != nil {
		return fmt.Errorf("smmtt: %v in %v tables: %w", p, b.v, err)
	}

	for addr := base; addr < end; {
		switch {
		case addr%size1G == 0 && end-addr >= size1G:
			err = b.set1G(addr, p)
			addr += size1G
		case addr%size2M == 0 && end-addr >= size2M:
			err = b.set2M(addr, code)
			addr += size2M
		default:
			err = b.set4K(addr, code)
			addr += size4K
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// l2Slot returns the address of the level 2 entry covering addr, creating the
// level 2 table in 3-level modes. A zero level 3 entry means no table yet.
func (b *Builder) l2Slot(addr uint64) (uint64, error) {
	table := b.root
	if b.mode.Levels() == 3 {
		slot := b.root + b.f.index[3].get(addr)*entrySize
		e, err := b.mem.ReadTableEntry(slot)
		if err != nil {
			return 0, fmt.Errorf("smmtt: read level 3 entry at 0x%x: %w", slot, err)
		}
		if e == 0 {
			t, err := b.allocTable(2)
			if err != nil {
				return 0, fmt.Errorf("smmtt: allocate level 2 table: %w", err)
			}
			enc, ok := encodeL3(t >> PageShift)
			if !ok {
				return 0, fmt.Errorf("smmtt: level 2 table 0x%x not addressable", t)
			}
			if err := b.mem.WriteTableEntry(slot, enc); err != nil {
				return 0, err
			}
			table = t
		} else {
			s, err := decodeL3(e)
			if err != nil {
				return 0, locate(err, 3, slot, e)
			}
			table = s.next
		}
	}
	return table + b.f.index[2].get(addr)*entrySize, nil
}

func (b *Builder) readL2(addr uint64) (uint64, l2Entry, error) {
	slot, err := b.l2Slot(addr)
	if err != nil {
		return 0, l2Entry{}, err
	}
	e, err := b.mem.ReadTableEntry(slot)
	if err != nil {
		return 0, l2Entry{}, fmt.Errorf("smmtt: read level 2 entry at 0x%x: %w", slot, err)
	}
	ent, err := parseL2(e, b.v)
	if err != nil {
		return 0, l2Entry{}, locate(err, 2, slot, e)
	}
	return slot, ent, nil
}

func (b *Builder) writeL2(slot uint64, t l2Type, info uint64) error {
	enc, ok := encodeL2(b.v, t, info)
	if !ok {
		return fmt.Errorf("smmtt: cannot encode %v entry with info 0x%x", t, info)
	}
	return b.mem.WriteTableEntry(slot, enc)
}

// set1G rewrites every level 2 entry of the gigabyte containing addr.
func (b *Builder) set1G(addr uint64, p Privs) error {
	t, err := typeFor1G(b.v, p)
	if err != nil {
		return err
	}
	span := b.f.index[2].span()
	for off := uint64(0); off < size1G; off += span {
		slot, err := b.l2Slot(addr + off)
		if err != nil {
			return err
		}
		if err := b.writeL2(slot, t, 0); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) set2M(addr uint64, code uint64) error {
	slot, ent, err := b.readL2(addr)
	if err != nil {
		return err
	}

	var info uint64
	switch ent.typ {
	case l2Directory:
		return b.fillL1(ent.info<<PageShift, addr, size2M, code)
	case l2Pages2M:
		info = ent.info
	default:
		prev, err := codeFromPrivs(b.v, ent.typ.privs())
		if err != nil {
			return err
		}
		info = replicate(prev, b.f.m2Slot.count(), b.v)
	}

	info = withCode(info, b.f.m2Slot.get(addr), code, b.v)
	return b.writeL2(slot, l2Pages2M, info)
}

func (b *Builder) set4K(addr uint64, code uint64) error {
	slot, ent, err := b.readL2(addr)
	if err != nil {
		return err
	}

	var l1 uint64
	if ent.typ == l2Directory {
		l1 = ent.info << PageShift
	} else if l1, err = b.split(slot, ent); err != nil {
		return err
	}

	l1Slot := l1 + b.f.index[1].get(addr)*entrySize
	e, err := b.mem.ReadTableEntry(l1Slot)
	if err != nil {
		return fmt.Errorf("smmtt: read level 1 entry at 0x%x: %w", l1Slot, err)
	}
	return b.mem.WriteTableEntry(l1Slot, withCode(e, b.f.l1Slot.get(addr), code, b.v))
}

// split replaces a 1G or 2M_PAGES level 2 entry with a directory whose level 1
// table grants the same privileges.
func (b *Builder) split(slot uint64, ent l2Entry) (uint64, error) {
	l1, err := b.allocTable(1)
	if err != nil {
		return 0, fmt.Errorf("smmtt: allocate level 1 table: %w", err)
	}

	uniform := uint64(0)
	if ent.typ != l2Pages2M {
		if uniform, err = codeFromPrivs(b.v, ent.typ.privs()); err != nil {
			return 0, err
		}
	}

	slots := b.f.l1Slot.count()
	for i := uint64(0); i < b.f.index[1].count(); i++ {
		code := uniform
		if ent.typ == l2Pages2M {
			off := i << b.f.index[1].shift
			code = codeAt(ent.info, off>>b.f.m2Slot.shift, b.v)
		}
		if word := replicate(code, slots, b.v); word != 0 {
			if err := b.mem.WriteTableEntry(l1+i*entrySize, word); err != nil {
				return 0, err
			}
		}
	}

	if err := b.writeL2(slot, l2Directory, l1>>PageShift); err != nil {
		return 0, err
	}
	return l1, nil
}

// fillL1 sets whole level 1 entries covering [addr, addr+size).
func (b *Builder) fillL1(l1, addr, size, code uint64) error {
	word := replicate(code, b.f.l1Slot.count(), b.v)
	span := b.f.index[1].span()
	for off := uint64(0); off < size; off += span {
		slot := l1 + b.f.index[1].get(addr+off)*entrySize
		if err := b.mem.WriteTableEntry(slot, word); err != nil {
			return err
		}
	}
	return nil
}

// replicate packs n copies of code.
func replicate(code, n uint64, v variant) uint64 {
	var word uint64
	for i := uint64(0); i < n; i++ {
		word = withCode(word, i, code, v)
	}
	return word
}

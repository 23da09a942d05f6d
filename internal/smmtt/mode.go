package smmtt

import (
	"fmt"
	"strings"
)

// PageShift is the base page size of the tables and of mttp.PPN.
const PageShift = 12

// Arch selects the XLEN-dependent mttp layout and physical address width.
type Arch uint8

const (
	ArchRV64 Arch = iota // 56-bit physical addresses
	ArchRV32             // 34-bit physical addresses
)

func (a Arch) String() string {
	switch a {
	case ArchRV64:
		return "rv64"
	case ArchRV32:
		return "rv32"
	default:
		return fmt.Sprintf("arch(%d)", uint8(a))
	}
}

// ParseArch parses "rv32" or "rv64".
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "rv64", "riscv64", "":
		return ArchRV64, nil
	case "rv32", "riscv32":
		return ArchRV32, nil
	default:
		return 0, fmt.Errorf("smmtt: unknown architecture %q", s)
	}
}

// mttp register fields
type mttpLayout struct {
	mode bitField
	sdid bitField
	ppn  bitField
}

var mttpLayouts = [...]mttpLayout{
	ArchRV64: {mode: bitField{60, 4}, sdid: bitField{44, 6}, ppn: bitField{0, 44}},
	ArchRV32: {mode: bitField{30, 2}, sdid: bitField{24, 6}, ppn: bitField{0, 22}},
}

// Mode is an mttp.MODE setting, independent of its per-XLEN encoding.
type Mode uint8

const (
	ModeBare Mode = iota
	ModeSmmtt34
	ModeSmmtt34RW
	ModeSmmtt46
	ModeSmmtt46RW
	ModeSmmtt56
	ModeSmmtt56RW
)

var modeNames = [...]string{
	ModeBare:      "bare",
	ModeSmmtt34:   "smmtt34",
	ModeSmmtt34RW: "smmtt34rw",
	ModeSmmtt46:   "smmtt46",
	ModeSmmtt46RW: "smmtt46rw",
	ModeSmmtt56:   "smmtt56",
	ModeSmmtt56RW: "smmtt56rw",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode parses a mode name such as "smmtt46rw".
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.ReplaceAll(s, "_", ""))
	for m, name := range modeNames {
		if s == name {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("smmtt: unknown mode %q", s)
}

// Levels returns the number of table levels walked in this mode. Bare has
// none.
func (m Mode) Levels() int {
	switch m {
	case ModeSmmtt34, ModeSmmtt34RW, ModeSmmtt46, ModeSmmtt46RW:
		return 2
	case ModeSmmtt56, ModeSmmtt56RW:
		return 3
	default:
		return 0
	}
}

// RW reports whether the mode uses the read/write entry encodings.
func (m Mode) RW() bool {
	return m == ModeSmmtt34RW || m == ModeSmmtt46RW || m == ModeSmmtt56RW
}

// encode returns the mttp.MODE value of m on arch.
func (m Mode) encode(arch Arch) (uint64, bool) {
	switch arch {
	case ArchRV32:
		switch m {
		case ModeBare:
			return 0, true
		case ModeSmmtt34:
			return 1, true
		case ModeSmmtt34RW:
			return 2, true
		}
	case ArchRV64:
		switch m {
		case ModeBare:
			return 0, true
		case ModeSmmtt46:
			return 1, true
		case ModeSmmtt46RW:
			return 2, true
		case ModeSmmtt56:
			return 3, true
		case ModeSmmtt56RW:
			return 4, true
		}
	}
	return 0, false
}

// decodeMode is the inverse of encode.
func decodeMode(arch Arch, v uint64) (Mode, bool) {
	switch arch {
	case ArchRV32:
		switch v {
		case 0:
			return ModeBare, true
		case 1:
			return ModeSmmtt34, true
		case 2:
			return ModeSmmtt34RW, true
		}
	case ArchRV64:
		switch v {
		case 0:
			return ModeBare, true
		case 1:
			return ModeSmmtt46, true
		case 2:
			return ModeSmmtt46RW, true
		case 3:
			return ModeSmmtt56, true
		case 4:
			return ModeSmmtt56RW, true
		}
	}
	return 0, false
}

// Supported reports whether arch implements mode m.
func (a Arch) Supported(m Mode) bool {
	_, ok := m.encode(a)
	return ok
}

// Root is a decoded mttp value.
type Root struct {
	Mode   Mode
	RW     bool
	Levels int    // 0 in bare mode
	Table  uint64 // physical address of the top-level table
	SDID   uint64
}

// Bypass reports whether the root disables the table walk.
func (r Root) Bypass() bool {
	return r.Levels == 0
}

// DecodeMttp decodes an mttp value for arch.
func DecodeMttp(arch Arch, mttp uint64) (Root, error) {
	if int(arch) >= len(mttpLayouts) {
		return Root{}, &WalkError{Addr: mttp, Err: ErrConfiguration, Reason: "unknown architecture " + arch.String()}
	}
	l := mttpLayouts[arch]

	mode, ok := decodeMode(arch, l.mode.get(mttp))
	if !ok {
		return Root{}, &WalkError{
			Addr:   mttp,
			Err:    ErrConfiguration,
			Reason: fmt.Sprintf("mode %d not implemented on %s", l.mode.get(mttp), arch),
		}
	}

	return Root{
		Mode:   mode,
		RW:     mode.RW(),
		Levels: mode.Levels(),
		Table:  l.ppn.get(mttp) << PageShift,
		SDID:   l.sdid.get(mttp),
	}, nil
}

// EncodeMttp builds an mttp value. table must be page aligned and fit in the
// PPN field.
func EncodeMttp(arch Arch, mode Mode, table uint64, sdid uint64) (uint64, error) {
	if int(arch) >= len(mttpLayouts) {
		return 0, fmt.Errorf("smmtt: unknown architecture %s", arch)
	}
	l := mttpLayouts[arch]

	v, ok := mode.encode(arch)
	if !ok {
		return 0, fmt.Errorf("smmtt: mode %s not implemented on %s: %w", mode, arch, ErrConfiguration)
	}
	if table&(1<<PageShift-1) != 0 {
		return 0, fmt.Errorf("smmtt: table address 0x%x is not page aligned", table)
	}
	if !l.ppn.fits(table >> PageShift) {
		return 0, fmt.Errorf("smmtt: table address 0x%x out of range for %s", table, arch)
	}
	if !l.sdid.fits(sdid) {
		return 0, fmt.Errorf("smmtt: sdid %d out of range", sdid)
	}

	return l.mode.put(v) | l.sdid.put(sdid) | l.ppn.put(table>>PageShift), nil
}

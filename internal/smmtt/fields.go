package smmtt

// bitField is a contiguous run of bits in an address or entry.
type bitField struct {
	shift uint
	width uint
}

func (f bitField) get(v uint64) uint64 {
	return (v >> f.shift) & (uint64(1)<<f.width - 1)
}

func (f bitField) put(v uint64) uint64 {
	return (v & (uint64(1)<<f.width - 1)) << f.shift
}

func (f bitField) fits(v uint64) bool {
	return v>>f.width == 0
}

// span is the number of addresses sharing one value of the field.
func (f bitField) span() uint64 {
	return uint64(1) << f.shift
}

// count is the number of distinct values of the field.
func (f bitField) count() uint64 {
	return uint64(1) << f.width
}

// variant selects one of the two entry encoding families.
type variant uint8

const (
	plain variant = iota // one bit per permission slot
	rw                   // two bits per permission slot
)

func variantOf(isRW bool) variant {
	if isRW {
		return rw
	}
	return plain
}

func (v variant) String() string {
	if v == rw {
		return "rw"
	}
	return "plain"
}

// codeWidth is the size of one permission code in L1 bitmaps and 2M_PAGES
// info fields.
func (v variant) codeWidth() uint {
	if v == rw {
		return 2
	}
	return 1
}

// walkFields are the physical address fields consumed by a walk.
type walkFields struct {
	index  [4]bitField // table index per level, [0] unused
	l1Slot bitField    // permission slot within an L1 bitmap
	m2Slot bitField    // permission slot within a 2M_PAGES info field
}

// indexFields is indexed by [Arch][variant].
var indexFields = [...][2]walkFields{
	ArchRV64: {
		plain: {
			index:  [4]bitField{1: {18, 8}, 2: {26, 20}, 3: {46, 10}},
			l1Slot: bitField{12, 6},
			m2Slot: bitField{21, 5},
		},
		rw: {
			index:  [4]bitField{1: {17, 8}, 2: {25, 21}, 3: {46, 10}},
			l1Slot: bitField{12, 5},
			m2Slot: bitField{21, 4},
		},
	},
	ArchRV32: {
		plain: {
			index:  [4]bitField{1: {18, 8}, 2: {26, 8}},
			l1Slot: bitField{12, 6},
			m2Slot: bitField{21, 5},
		},
		rw: {
			index:  [4]bitField{1: {17, 8}, 2: {25, 9}},
			l1Slot: bitField{12, 5},
			m2Slot: bitField{21, 4},
		},
	},
}

// addrBits is the physical address width covered by a walk of the given
// depth. Higher address bits select no table entry.
func (f *walkFields) addrBits(levels int) uint {
	top := f.index[levels]
	return top.shift + top.width
}

func fieldsFor(arch Arch, v variant) *walkFields {
	return &indexFields[arch][v]
}

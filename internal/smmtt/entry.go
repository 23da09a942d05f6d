package smmtt

// Level 3 entry: PPN of a level 2 table, upper bits reserved.
var (
	l3PPN  = bitField{0, 44}
	l3Zero = bitField{44, 20}
)

// Level 2 entry layout per variant.
type l2Layout struct {
	info bitField
	typ  bitField
	zero bitField
}

var l2Layouts = [2]l2Layout{
	plain: {info: bitField{0, 44}, typ: bitField{44, 2}, zero: bitField{46, 18}},
	rw:    {info: bitField{0, 44}, typ: bitField{44, 3}, zero: bitField{47, 17}},
}

// Raw level 2 type encodings.
const (
	typeDisallow1G = 0b00
	typeAllow1G    = 0b01
	typeL1Dir      = 0b10
	type2MPages    = 0b11

	typeRWDisallow1G       = 0b000
	typeRWAllowRead1G      = 0b001
	typeRWAllowReadWrite1G = 0b011
	typeRWL1Dir            = 0b100
	typeRW2MPages          = 0b111
)

// l2Type is the meaning of a level 2 entry, independent of variant.
type l2Type uint8

const (
	l2Disallow1G l2Type = iota
	l2Allow1G
	l2AllowRead1G
	l2AllowReadWrite1G
	l2Directory
	l2Pages2M
)

func (t l2Type) String() string {
	switch t {
	case l2Disallow1G:
		return "1G_DISALLOW"
	case l2Allow1G:
		return "1G_ALLOW"
	case l2AllowRead1G:
		return "1G_ALLOW_R"
	case l2AllowReadWrite1G:
		return "1G_ALLOW_RW"
	case l2Directory:
		return "MTT_L1_DIR"
	case l2Pages2M:
		return "2M_PAGES"
	default:
		return "unknown"
	}
}

// l2Entry is a decoded level 2 entry.
type l2Entry struct {
	typ  l2Type
	info uint64
}

func parseL2(e uint64, v variant) (l2Entry, error) {
	l := l2Layouts[v]
	if z := l.zero.get(e); z != 0 {
		return l2Entry{}, malformed("reserved bits 0x%x set", z)
	}

	raw := l.typ.get(e)
	ent := l2Entry{info: l.info.get(e)}
	switch v {
	case plain:
		switch raw {
		case typeDisallow1G:
			ent.typ = l2Disallow1G
		case typeAllow1G:
			ent.typ = l2Allow1G
		case typeL1Dir:
			ent.typ = l2Directory
		case type2MPages:
			ent.typ = l2Pages2M
		}
	case rw:
		switch raw {
		case typeRWDisallow1G:
			ent.typ = l2Disallow1G
		case typeRWAllowRead1G:
			ent.typ = l2AllowRead1G
		case typeRWAllowReadWrite1G:
			ent.typ = l2AllowReadWrite1G
		case typeRWL1Dir:
			ent.typ = l2Directory
		case typeRW2MPages:
			ent.typ = l2Pages2M
		default:
			return l2Entry{}, malformed("type %#03b unassigned", raw)
		}
	}
	return ent, nil
}

// encodeL2 is the inverse of parseL2. It reports false for types the variant
// cannot express.
func encodeL2(v variant, t l2Type, info uint64) (uint64, bool) {
	var raw uint64
	switch v {
	case plain:
		switch t {
		case l2Disallow1G:
			raw = typeDisallow1G
		case l2Allow1G:
			raw = typeAllow1G
		case l2Directory:
			raw = typeL1Dir
		case l2Pages2M:
			raw = type2MPages
		default:
			return 0, false
		}
	case rw:
		switch t {
		case l2Disallow1G:
			raw = typeRWDisallow1G
		case l2AllowRead1G:
			raw = typeRWAllowRead1G
		case l2AllowReadWrite1G:
			raw = typeRWAllowReadWrite1G
		case l2Directory:
			raw = typeRWL1Dir
		case l2Pages2M:
			raw = typeRW2MPages
		default:
			return 0, false
		}
	}
	l := l2Layouts[v]
	if !l.info.fits(info) {
		return 0, false
	}
	return l.typ.put(raw) | l.info.put(info), true
}

func encodeL3(ppn uint64) (uint64, bool) {
	if !l3PPN.fits(ppn) {
		return 0, false
	}
	return l3PPN.put(ppn), true
}

// step is the outcome of decoding one entry: either the next table or the
// privileges granted for the address.
type step struct {
	next  uint64
	privs Privs
	done  bool
}

func decodeL3(e uint64) (step, error) {
	if z := l3Zero.get(e); z != 0 {
		return step{}, malformed("reserved bits 0x%x set", z)
	}
	return step{next: l3PPN.get(e) << PageShift}, nil
}

func decodeL2(e, addr uint64, v variant, f *walkFields) (step, error) {
	ent, err := parseL2(e, v)
	if err != nil {
		return step{}, err
	}

	switch ent.typ {
	case l2Directory:
		return step{next: ent.info << PageShift}, nil
	case l2Disallow1G, l2Allow1G, l2AllowRead1G, l2AllowReadWrite1G:
		return step{privs: ent.typ.privs(), done: true}, nil
	case l2Pages2M:
		if ent.info>>32 != 0 {
			return step{}, malformed("2M_PAGES info 0x%x wider than 32 bits", ent.info)
		}
		p, err := privsFromCode(v, codeAt(ent.info, f.m2Slot.get(addr), v))
		if err != nil {
			return step{}, err
		}
		return step{privs: p, done: true}, nil
	}
	return step{}, malformed("type %v not handled at level 2", ent.typ)
}

func decodeL1(e, addr uint64, v variant, f *walkFields) (step, error) {
	p, err := privsFromCode(v, codeAt(e, f.l1Slot.get(addr), v))
	if err != nil {
		return step{}, err
	}
	return step{privs: p, done: true}, nil
}

// codeAt extracts permission code slot idx from a packed bitmap.
func codeAt(bitmap, idx uint64, v variant) uint64 {
	w := v.codeWidth()
	return (bitmap >> (idx * uint64(w))) & (uint64(1)<<w - 1)
}

// withCode replaces permission code slot idx in a packed bitmap.
func withCode(bitmap, idx, code uint64, v variant) uint64 {
	w := v.codeWidth()
	shift := idx * uint64(w)
	mask := (uint64(1)<<w - 1) << shift
	return bitmap&^mask | (code<<shift)&mask
}

// Permission codes of L1 bitmaps and 2M_PAGES info fields.
const (
	codeDisallowed = 0b0
	codeAllowed    = 0b1

	codeRWDisallowed = 0b00
	codeRWRead       = 0b01
	codeRWReadWrite  = 0b11
)

func privsFromCode(v variant, code uint64) (Privs, error) {
	switch v {
	case plain:
		switch code {
		case codeDisallowed:
			return PrivNone, nil
		case codeAllowed:
			return PrivAll, nil
		}
	case rw:
		switch code {
		case codeRWDisallowed:
			return PrivNone, nil
		case codeRWRead:
			return PrivRead, nil
		case codeRWReadWrite:
			return PrivRead | PrivWrite, nil
		}
	}
	// 0b10 would be write without read
	return 0, malformed("permission code %#b unassigned in %v tables", code, v)
}

// codeFromPrivs picks the code that grants exactly p, ignoring execute where
// the variant derives it from read.
func codeFromPrivs(v variant, p Privs) (uint64, error) {
	switch v {
	case plain:
		switch p {
		case PrivNone:
			return codeDisallowed, nil
		case PrivAll:
			return codeAllowed, nil
		}
	case rw:
		switch p &^ PrivExec {
		case PrivNone:
			if p == PrivNone {
				return codeRWDisallowed, nil
			}
		case PrivRead:
			return codeRWRead, nil
		case PrivRead | PrivWrite:
			return codeRWReadWrite, nil
		}
	}
	return 0, ErrUnrepresentable
}

// typeFor1G is the 1 GiB leaf type granting p.
func typeFor1G(v variant, p Privs) (l2Type, error) {
	code, err := codeFromPrivs(v, p)
	if err != nil {
		return 0, err
	}
	switch {
	case code == 0:
		return l2Disallow1G, nil
	case v == plain:
		return l2Allow1G, nil
	case code == codeRWRead:
		return l2AllowRead1G, nil
	default:
		return l2AllowReadWrite1G, nil
	}
}

// privs returns what a 1 GiB leaf type grants.
func (t l2Type) privs() Privs {
	switch t {
	case l2Allow1G:
		return PrivAll
	case l2AllowRead1G:
		return PrivRead
	case l2AllowReadWrite1G:
		return PrivRead | PrivWrite
	default:
		return PrivNone
	}
}

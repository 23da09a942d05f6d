package smmtt

import (
	"errors"
	"fmt"
	"log/slog"
)

// entrySize is the size of one table entry in bytes.
const entrySize = 8

// Walker checks physical accesses against the memory tracking tables reachable
// from an mttp value. It holds no per-walk state and can be shared between
// harts as long as the tables are not modified during a walk.
type Walker struct {
	Arch   Arch
	Memory Reader

	// Logger receives the cause of failed walks. Nil disables logging.
	Logger *slog.Logger
}

// NewWalker creates a walker reading tables from mem.
func NewWalker(arch Arch, mem Reader) *Walker {
	return &Walker{
		Arch:   arch,
		Memory: mem,
	}
}

// walkState tracks a walk through the table levels.
type walkState uint8

const (
	stateStart walkState = iota
	stateDirectory
	stateTerminal
	stateFailed
)

// Check decides whether an access requesting want at privilege level priv is
// permitted. enabled reports whether the hart implements and enables Smmtt.
//
// Machine mode and harts without the extension are never restricted. Any
// error during the walk denies the access with no privileges; use Walk to
// learn the cause.
func (w *Walker) Check(addr uint64, want Privs, priv PrivLevel, enabled bool, mttp uint64) Verdict {
	if !enabled || priv == PrivMachine {
		return Verdict{Allowed: true, Privs: PrivAll}
	}

	privs, err := w.Walk(addr, mttp)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Debug("smmtt check denied",
				"addr", fmt.Sprintf("0x%x", addr),
				"want", want,
				"priv", priv,
				"error", err,
			)
		}
		return Verdict{}
	}

	return Verdict{Allowed: privs.Has(want), Privs: privs}
}

// Walk returns the privileges the tables grant for addr, including execute
// implied by read. Bare mode grants everything.
func (w *Walker) Walk(addr uint64, mttp uint64) (Privs, error) {
	root, err := DecodeMttp(w.Arch, mttp)
	if err != nil {
		return PrivNone, err
	}
	if root.Bypass() {
		return PrivAll, nil
	}
	return w.WalkRoot(root, addr)
}

// WalkRoot walks the tables of an already decoded root.
func (w *Walker) WalkRoot(root Root, addr uint64) (Privs, error) {
	return w.walk(root, addr, nil)
}

// TraceStep is one table entry read by a walk.
type TraceStep struct {
	Level int
	Addr  uint64
	Entry uint64
}

// Trace walks like Walk and also returns the decoded root and every entry the
// walk read, in order.
func (w *Walker) Trace(addr uint64, mttp uint64) (Root, []TraceStep, Privs, error) {
	root, err := DecodeMttp(w.Arch, mttp)
	if err != nil {
		return Root{}, nil, PrivNone, err
	}
	var steps []TraceStep
	privs, err := w.walk(root, addr, func(s TraceStep) {
		steps = append(steps, s)
	})
	return root, steps, privs, err
}

func (w *Walker) walk(root Root, addr uint64, visit func(TraceStep)) (Privs, error) {
	if root.Bypass() {
		return PrivAll, nil
	}
	if w.Memory == nil {
		return PrivNone, &WalkError{Level: root.Levels, Addr: root.Table, Err: ErrMemoryFault, Reason: "no table memory"}
	}
	if root.Levels > 3 || int(w.Arch) >= len(indexFields) {
		return PrivNone, &WalkError{Level: root.Levels, Addr: root.Table, Err: ErrConfiguration, Reason: "unsupported walk depth"}
	}

	v := variantOf(root.RW)
	f := fieldsFor(w.Arch, v)
	if bits := f.addrBits(root.Levels); addr>>bits != 0 {
		return PrivNone, &WalkError{
			Level:  root.Levels,
			Addr:   root.Table,
			Err:    ErrAddressRange,
			Reason: fmt.Sprintf("address 0x%x wider than %d bits", addr, bits),
		}
	}

	var (
		state = stateStart
		table = root.Table
		privs Privs
		fail  error
	)

	// One iteration per configured level, so a corrupt table cannot loop.
	for level := root.Levels; level > 0; level-- {
		state = stateDirectory

		entryAddr := table + f.index[level].get(addr)*entrySize
		e, err := w.Memory.ReadTableEntry(entryAddr)
		if err != nil {
			fail = &WalkError{Level: level, Addr: entryAddr, Err: ErrMemoryFault, Reason: err.Error()}
			state = stateFailed
			break
		}
		if visit != nil {
			visit(TraceStep{Level: level, Addr: entryAddr, Entry: e})
		}

		var s step
		switch level {
		case 3:
			s, err = decodeL3(e)
		case 2:
			s, err = decodeL2(e, addr, v, f)
		case 1:
			s, err = decodeL1(e, addr, v, f)
		}
		if err != nil {
			fail = locate(err, level, entryAddr, e)
			state = stateFailed
			break
		}

		if s.done {
			privs = s.privs
			state = stateTerminal
			break
		}
		table = s.next
	}

	switch state {
	case stateTerminal:
		return impliedExec(privs), nil
	case stateFailed:
		return PrivNone, fail
	default:
		return PrivNone, &WalkError{Level: 1, Addr: table, Err: ErrWalkBound, Reason: "no terminal entry"}
	}
}

// locate records where a decoder error happened.
func locate(err error, level int, addr, entry uint64) error {
	var we *WalkError
	if errors.As(err, &we) {
		we.Level = level
		we.Addr = addr
		we.Entry = entry
		return we
	}
	return &WalkError{Level: level, Addr: addr, Entry: entry, Err: err, Reason: "decode failed"}
}

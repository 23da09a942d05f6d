// Package smmtt implements the Supervisor Memory Tracking Table permission
// walk for RISC-V harts.
//
// A walk starts from the mttp root control value, reads at most one 8-byte
// entry per table level and returns the read/write/execute privileges the
// table grants for a physical address. Malformed tables always fail closed.
package smmtt

import (
	"fmt"
	"strings"
)

// Privs is a set of memory access privileges.
type Privs uint8

const (
	PrivRead  Privs = 1 << iota // Load
	PrivWrite                   // Store
	PrivExec                    // Instruction fetch

	PrivNone Privs = 0
	PrivAll        = PrivRead | PrivWrite | PrivExec
)

// Has reports whether every privilege in want is present in p.
func (p Privs) Has(want Privs) bool {
	return p&want == want
}

func (p Privs) String() string {
	if p == PrivNone {
		return "none"
	}
	var sb strings.Builder
	for _, c := range []struct {
		bit Privs
		ch  byte
	}{{PrivRead, 'r'}, {PrivWrite, 'w'}, {PrivExec, 'x'}} {
		if p&c.bit != 0 {
			sb.WriteByte(c.ch)
		} else {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// ParsePrivs parses a permission string such as "rw", "r-x" or "none".
func ParsePrivs(s string) (Privs, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "none" || s == "---" {
		return PrivNone, nil
	}
	var p Privs
	for _, ch := range s {
		switch ch {
		case 'r':
			p |= PrivRead
		case 'w':
			p |= PrivWrite
		case 'x':
			p |= PrivExec
		case '-':
		default:
			return 0, fmt.Errorf("smmtt: invalid permission string %q", s)
		}
	}
	return p, nil
}

// PrivLevel is a RISC-V privilege mode. The values match the encoding used by
// mstatus.MPP.
type PrivLevel uint8

const (
	PrivUser       PrivLevel = 0
	PrivSupervisor PrivLevel = 1
	PrivMachine    PrivLevel = 3
)

func (l PrivLevel) String() string {
	switch l {
	case PrivUser:
		return "user"
	case PrivSupervisor:
		return "supervisor"
	case PrivMachine:
		return "machine"
	default:
		return "reserved"
	}
}

// Verdict is the result of a permission check.
type Verdict struct {
	Allowed bool
	Privs   Privs // everything the table grants, usable for TLB-style reuse
}

// impliedExec applies the read-implies-execute rule. Finer execute control
// belongs to the page tables, not to the memory tracking table.
func impliedExec(p Privs) Privs {
	if p&PrivRead != 0 {
		p |= PrivExec
	}
	return p
}

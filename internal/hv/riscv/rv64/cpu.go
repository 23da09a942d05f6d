// Package rv64 models the parts of an RV64 hart that decide whether a memory
// access may proceed: the bus, the satp, mstatus and mttp CSRs, and an MMU
// that applies Sv39/Sv48 translation followed by the Smmtt physical check.
package rv64

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

// RAMBase is where NewBus places RAM.
const RAMBase uint64 = 0x8000_0000

// Privilege levels, encoded as in mstatus.MPP.
const (
	PrivUser       uint8 = 0
	PrivSupervisor uint8 = 1
	PrivMachine    uint8 = 3
)

const (
	MstatusSIE  uint64 = 1 << 1
	MstatusMIE  uint64 = 1 << 3
	MstatusSPP  uint64 = 1 << 8
	MstatusMPP  uint64 = 3 << MstatusMPPShift
	MstatusMPRV uint64 = 1 << 17
	MstatusSUM  uint64 = 1 << 18
	MstatusMXR  uint64 = 1 << 19

	MstatusMPPShift = 11
)

// Synchronous exception causes raised by the access path.
const (
	CauseInsnAccessFault  uint64 = 1
	CauseIllegalInsn      uint64 = 2
	CauseLoadAccessFault  uint64 = 5
	CauseStoreAccessFault uint64 = 7
	CauseInsnPageFault    uint64 = 12
	CauseLoadPageFault    uint64 = 13
	CauseStorePageFault   uint64 = 15
)

var causeNames = map[uint64]string{
	CauseInsnAccessFault:  "instruction access fault",
	CauseIllegalInsn:      "illegal instruction",
	CauseLoadAccessFault:  "load access fault",
	CauseStoreAccessFault: "store/AMO access fault",
	CauseInsnPageFault:    "instruction page fault",
	CauseLoadPageFault:    "load page fault",
	CauseStorePageFault:   "store/AMO page fault",
}

const (
	CSRSatp    uint16 = 0x180
	CSRMstatus uint16 = 0x300
	CSRMttp    uint16 = 0x380
)

// CPU is the access-control state of one hart.
type CPU struct {
	Priv uint8

	Mstatus uint64
	Satp    uint64

	// Mttp selects the memory tracking table. Only meaningful when
	// SmmttEnabled is set.
	Mttp uint64

	// SmmttEnabled reports whether the hart implements Smmtt. Without it
	// mttp is not accessible and physical accesses are never restricted.
	SmmttEnabled bool

	Bus BusInterface
	MMU *MMU

	// Logger receives walk diagnostics. Nil uses slog.Default.
	Logger *slog.Logger
}

// NewCPU creates a hart in machine mode with translation off.
func NewCPU(bus BusInterface, smmttEnabled bool) *CPU {
	cpu := &CPU{
		Bus:          bus,
		Priv:         PrivMachine,
		SmmttEnabled: smmttEnabled,
	}
	cpu.MMU = NewMMU(cpu)
	return cpu
}

// Reset returns the hart to machine mode with translation and Smmtt off.
func (cpu *CPU) Reset() {
	cpu.Priv = PrivMachine
	cpu.Mstatus = 0
	cpu.Satp = 0
	cpu.Mttp = 0
	cpu.MMU.FlushTLB()
}

func (cpu *CPU) logger() *slog.Logger {
	if cpu.Logger != nil {
		return cpu.Logger
	}
	return slog.Default()
}

var cpuEndian = binary.LittleEndian

// ExceptionError is a synchronous trap. Tval holds the faulting address for
// access and page faults.
type ExceptionError struct {
	Cause uint64
	Tval  uint64
}

func (e ExceptionError) Error() string {
	name, ok := causeNames[e.Cause]
	if !ok {
		name = fmt.Sprintf("cause %d", e.Cause)
	}
	return fmt.Sprintf("exception: %s (tval=0x%x)", name, e.Tval)
}

// Exception returns an ExceptionError as an error.
func Exception(cause uint64, tval uint64) error {
	return ExceptionError{Cause: cause, Tval: tval}
}

// smmttPriv maps a hart privilege level onto the walker's levels. The
// encodings match.
func smmttPriv(priv uint8) smmtt.PrivLevel {
	return smmtt.PrivLevel(priv)
}

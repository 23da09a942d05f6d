package rv64

import (
	"fmt"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

const mstatusWritable = MstatusSIE | MstatusMIE | MstatusSPP | MstatusMPP |
	MstatusMPRV | MstatusSUM | MstatusMXR

// csrFile describes one implemented CSR.
type csrFile struct {
	// smmtt marks registers that only exist when the extension is present.
	smmtt bool
	read  func(cpu *CPU) uint64
	write func(cpu *CPU, val uint64)
}

var csrs = map[uint16]csrFile{
	CSRSatp: {
		read:  func(cpu *CPU) uint64 { return cpu.Satp },
		write: (*CPU).writeSatp,
	},
	CSRMstatus: {
		read:  func(cpu *CPU) uint64 { return cpu.Mstatus },
		write: (*CPU).writeMstatus,
	},
	CSRMttp: {
		smmtt: true,
		read:  func(cpu *CPU) uint64 { return cpu.Mttp },
		write: (*CPU).writeMttp,
	},
}

// lookupCSR applies the access rules encoded in the CSR number: bits 9:8 hold
// the lowest privilege allowed and bits 11:10 == 3 mark read-only registers.
func (cpu *CPU) lookupCSR(csr uint16, write bool) (csrFile, error) {
	illegal := Exception(CauseIllegalInsn, 0)

	if uint16(cpu.Priv) < (csr>>8)&3 {
		return csrFile{}, illegal
	}
	if write && csr>>10 == 3 {
		return csrFile{}, illegal
	}
	f, ok := csrs[csr]
	if !ok || (f.smmtt && !cpu.SmmttEnabled) {
		return csrFile{}, illegal
	}
	return f, nil
}

// ReadCSR reads a CSR at the current privilege level.
func (cpu *CPU) ReadCSR(csr uint16) (uint64, error) {
	f, err := cpu.lookupCSR(csr, false)
	if err != nil {
		return 0, err
	}
	return f.read(cpu), nil
}

// WriteCSR writes a CSR at the current privilege level. WARL fields silently
// keep their old value.
func (cpu *CPU) WriteCSR(csr uint16, val uint64) error {
	f, err := cpu.lookupCSR(csr, true)
	if err != nil {
		return err
	}
	f.write(cpu, val)
	return nil
}

func (cpu *CPU) writeMstatus(val uint64) {
	next := cpu.Mstatus&^mstatusWritable | val&mstatusWritable
	// MPP=2 is reserved.
	if (next>>MstatusMPPShift)&3 == 2 {
		next &^= MstatusMPP
	}
	cpu.Mstatus = next
}

// writeSatp ignores writes selecting a translation mode the MMU lacks.
func (cpu *CPU) writeSatp(val uint64) {
	switch (val >> 60) & 0xf {
	case SatpModeOff, SatpModeSv39, SatpModeSv48:
		cpu.Satp = val
		cpu.MMU.FlushTLB()
	}
}

// writeMttp ignores values whose mode the walker cannot decode.
func (cpu *CPU) writeMttp(val uint64) {
	root, err := smmtt.DecodeMttp(smmtt.ArchRV64, val)
	if err != nil {
		cpu.logger().Debug("Ignoring mttp write",
			"value", fmt.Sprintf("0x%016x", val),
			"error", err,
		)
		return
	}
	cpu.logger().Debug("mttp written",
		"mode", root.Mode,
		"table", fmt.Sprintf("0x%x", root.Table),
		"sdid", root.SDID,
	)
	cpu.Mttp = val
	cpu.MMU.FlushTLB()
}

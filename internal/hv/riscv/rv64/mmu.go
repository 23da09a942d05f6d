package rv64

import (
	"github.com/tinyrange/smmtt/internal/smmtt"
)

// SATP modes
const (
	SatpModeOff  = 0
	SatpModeSv39 = 8
	SatpModeSv48 = 9
)

// Page table entry flags
const (
	PteV = 1 << 0 // Valid
	PteR = 1 << 1 // Readable
	PteW = 1 << 2 // Writable
	PteX = 1 << 3 // Executable
	PteU = 1 << 4 // User accessible
	PteG = 1 << 5 // Global
	PteA = 1 << 6 // Accessed
	PteD = 1 << 7 // Dirty
)

// Page sizes
const (
	PageSize  = 4096
	PageShift = 12
	VpnBits   = 9
	PpnBits   = 44
)

// Non-canonical virtual addresses lie in [Low, High).
const (
	sv39Low  uint64 = 1 << 38
	sv39High uint64 = 0xffff_ffc0_0000_0000
	sv48Low  uint64 = 1 << 47
	sv48High uint64 = 0xffff_8000_0000_0000
)

// Access is the kind of memory access being translated.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}

func (a Access) privs() smmtt.Privs {
	switch a {
	case AccessWrite:
		return smmtt.PrivWrite
	case AccessExec:
		return smmtt.PrivExec
	default:
		return smmtt.PrivRead
	}
}

// TLB entry
type TLBEntry struct {
	Valid    bool
	VPN      uint64 // Virtual page number
	PPN      uint64 // Physical page number
	Flags    uint64
	PageSize uint64 // For superpages
	ASID     uint16
}

// MMU translates virtual addresses and checks the resulting physical
// addresses against the memory tracking table.
type MMU struct {
	cpu    *CPU
	walker *smmtt.Walker

	// TLB caches translations only. The physical check runs on every access
	// because a superpage can span several tracking granules.
	tlb [512]TLBEntry
}

// NewMMU creates a new MMU
func NewMMU(cpu *CPU) *MMU {
	return &MMU{
		cpu: cpu,
		walker: smmtt.NewWalker(smmtt.ArchRV64, smmtt.ReaderFunc(func(addr uint64) (uint64, error) {
			return cpu.Bus.ReadTableEntry(addr)
		})),
	}
}

// FlushTLB invalidates all TLB entries
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i].Valid = false
	}
}

// effectivePriv applies MPRV to data accesses.
func (mmu *MMU) effectivePriv(access Access) uint8 {
	cpu := mmu.cpu
	if cpu.Priv == PrivMachine && access != AccessExec && cpu.Mstatus&MstatusMPRV != 0 {
		return uint8((cpu.Mstatus >> MstatusMPPShift) & 3)
	}
	return cpu.Priv
}

// Translate translates vaddr for access at the effective privilege level and
// checks the physical address it lands on.
func (mmu *MMU) Translate(vaddr uint64, access Access) (uint64, error) {
	priv := mmu.effectivePriv(access)

	paddr, err := mmu.translate(vaddr, access, priv)
	if err != nil {
		return 0, err
	}
	if !mmu.allowed(paddr, access, priv) {
		return 0, mmu.accessFault(access, vaddr)
	}
	return paddr, nil
}

// CheckPhysical checks a physical access without translation.
func (mmu *MMU) CheckPhysical(paddr uint64, access Access, priv uint8) error {
	if !mmu.allowed(paddr, access, priv) {
		return mmu.accessFault(access, paddr)
	}
	return nil
}

func (mmu *MMU) allowed(paddr uint64, access Access, priv uint8) bool {
	cpu := mmu.cpu
	mmu.walker.Logger = cpu.logger()
	v := mmu.walker.Check(paddr, access.privs(), smmttPriv(priv), cpu.SmmttEnabled, cpu.Mttp)
	return v.Allowed
}

func (mmu *MMU) translate(vaddr uint64, access Access, priv uint8) (uint64, error) {
	mode := (mmu.cpu.Satp >> 60) & 0xf
	if mode == SatpModeOff || priv == PrivMachine {
		return vaddr, nil
	}

	// Check TLB first
	vpn := vaddr >> PageShift
	idx := vpn & uint64(len(mmu.tlb)-1)
	entry := &mmu.tlb[idx]

	asid := uint16((mmu.cpu.Satp >> 44) & 0xffff)

	if entry.Valid && entry.VPN == vpn && (entry.ASID == asid || entry.Flags&PteG != 0) {
		if err := mmu.checkPermissions(entry.Flags, access, priv, vaddr); err != nil {
			return 0, err
		}

		// A and D are set by the walk, so a missing bit forces one.
		if entry.Flags&PteA != 0 && (access != AccessWrite || entry.Flags&PteD != 0) {
			pageOffset := vaddr & (entry.PageSize - 1)
			return (entry.PPN << PageShift) | pageOffset, nil
		}
		entry.Valid = false
	}

	paddr, flags, pageSize, err := mmu.walkPageTable(vaddr, access, priv, mode)
	if err != nil {
		return 0, err
	}

	*entry = TLBEntry{
		Valid:    true,
		VPN:      vpn,
		PPN:      paddr >> PageShift,
		Flags:    flags,
		PageSize: pageSize,
		ASID:     asid,
	}
	return paddr, nil
}

// walkPageTable performs a page table walk. Page table entries are implicit
// supervisor accesses and pass through the memory tracking table like any
// other physical access.
func (mmu *MMU) walkPageTable(vaddr uint64, access Access, priv uint8, mode uint64) (uint64, uint64, uint64, error) {
	var levels int
	switch mode {
	case SatpModeSv39:
		levels = 3
		if vaddr >= sv39Low && vaddr < sv39High {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
	case SatpModeSv48:
		levels = 4
		if vaddr >= sv48Low && vaddr < sv48High {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}
	default:
		return 0, 0, 0, mmu.pageFault(access, vaddr)
	}

	table := (mmu.cpu.Satp & ((1 << PpnBits) - 1)) << PageShift

	for level := levels - 1; level >= 0; level-- {
		vpnShift := PageShift + level*VpnBits
		pteAddr := table + ((vaddr>>vpnShift)&0x1ff)*8

		if !mmu.allowed(pteAddr, AccessRead, PrivSupervisor) {
			return 0, 0, 0, mmu.accessFault(access, vaddr)
		}
		pte, err := mmu.cpu.Bus.Read64(pteAddr)
		if err != nil {
			return 0, 0, 0, mmu.accessFault(access, vaddr)
		}

		if pte&PteV == 0 || (pte&PteR == 0 && pte&PteW != 0) {
			return 0, 0, 0, mmu.pageFault(access, vaddr)
		}

		ppn := (pte >> 10) & ((1 << PpnBits) - 1)

		if pte&PteR == 0 && pte&PteX == 0 {
			table = ppn << PageShift
			continue
		}

		// Leaf
		var pageSize uint64 = PageSize
		if level > 0 {
			mask := uint64((1 << (level * VpnBits)) - 1)
			if ppn&mask != 0 {
				return 0, 0, 0, mmu.pageFault(access, vaddr)
			}
			pageSize = 1 << vpnShift
			ppn |= (vaddr >> PageShift) & mask
		}

		if err := mmu.checkPermissions(pte, access, priv, vaddr); err != nil {
			return 0, 0, 0, err
		}

		if pte&PteA == 0 || (access == AccessWrite && pte&PteD == 0) {
			newPte := pte | PteA
			if access == AccessWrite {
				newPte |= PteD
			}
			if !mmu.allowed(pteAddr, AccessWrite, PrivSupervisor) {
				return 0, 0, 0, mmu.accessFault(access, vaddr)
			}
			if err := mmu.cpu.Bus.Write64(pteAddr, newPte); err != nil {
				return 0, 0, 0, mmu.accessFault(access, vaddr)
			}
			pte = newPte
		}

		paddr := (ppn << PageShift) | (vaddr & (PageSize - 1))
		return paddr, pte, pageSize, nil
	}

	return 0, 0, 0, mmu.pageFault(access, vaddr)
}

// checkPermissions checks a leaf PTE against the access.
func (mmu *MMU) checkPermissions(pte uint64, access Access, priv uint8, vaddr uint64) error {
	if priv == PrivUser {
		if pte&PteU == 0 {
			return mmu.pageFault(access, vaddr)
		}
	} else if pte&PteU != 0 && (mmu.cpu.Mstatus&MstatusSUM == 0 || access == AccessExec) {
		return mmu.pageFault(access, vaddr)
	}

	switch access {
	case AccessRead:
		if pte&PteR == 0 && !(mmu.cpu.Mstatus&MstatusMXR != 0 && pte&PteX != 0) {
			return mmu.pageFault(access, vaddr)
		}
	case AccessWrite:
		if pte&PteW == 0 {
			return mmu.pageFault(access, vaddr)
		}
	case AccessExec:
		if pte&PteX == 0 {
			return mmu.pageFault(access, vaddr)
		}
	}
	return nil
}

func (mmu *MMU) pageFault(access Access, vaddr uint64) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStorePageFault, vaddr)
	case AccessExec:
		return Exception(CauseInsnPageFault, vaddr)
	default:
		return Exception(CauseLoadPageFault, vaddr)
	}
}

func (mmu *MMU) accessFault(access Access, addr uint64) error {
	switch access {
	case AccessWrite:
		return Exception(CauseStoreAccessFault, addr)
	case AccessExec:
		return Exception(CauseInsnAccessFault, addr)
	default:
		return Exception(CauseLoadAccessFault, addr)
	}
}

// translateSpan translates every page touched by size bytes at vaddr. Both
// pages of a page-crossing access are translated and checked before any byte
// is accessed. n is the number of bytes that fall on the first page.
func (cpu *CPU) translateSpan(vaddr uint64, size int, access Access) (lo, hi uint64, n int, err error) {
	lo, err = cpu.MMU.Translate(vaddr, access)
	if err != nil {
		return 0, 0, 0, err
	}
	n = size
	if room := PageSize - vaddr&(PageSize-1); uint64(size) > room {
		n = int(room)
		if hi, err = cpu.MMU.Translate(vaddr+room, access); err != nil {
			return 0, 0, 0, err
		}
	}
	return lo, hi, n, nil
}

func spanAddr(lo, hi uint64, n, i int) uint64 {
	if i < n {
		return lo + uint64(i)
	}
	return hi + uint64(i-n)
}

// Load reads size bytes at vaddr.
func (cpu *CPU) Load(vaddr uint64, size int) (uint64, error) {
	lo, hi, n, err := cpu.translateSpan(vaddr, size, AccessRead)
	if err != nil {
		return 0, err
	}
	if n == size {
		val, err := cpu.Bus.Read(lo, size)
		if err != nil {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		return val, nil
	}

	var val uint64
	for i := range size {
		b, err := cpu.Bus.Read(spanAddr(lo, hi, n, i), 1)
		if err != nil {
			return 0, Exception(CauseLoadAccessFault, vaddr)
		}
		val |= b << (8 * i)
	}
	return val, nil
}

// Store writes size bytes at vaddr.
func (cpu *CPU) Store(vaddr uint64, size int, value uint64) error {
	lo, hi, n, err := cpu.translateSpan(vaddr, size, AccessWrite)
	if err != nil {
		return err
	}
	if n == size {
		if err := cpu.Bus.Write(lo, size, value); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}
		return nil
	}

	for i := range size {
		if err := cpu.Bus.Write(spanAddr(lo, hi, n, i), 1, value>>(8*i)&0xff); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}
	}
	return nil
}

// Fetch fetches an instruction (up to 4 bytes) at vaddr.
func (cpu *CPU) Fetch(vaddr uint64) (uint32, error) {
	paddr, err := cpu.MMU.Translate(vaddr, AccessExec)
	if err != nil {
		return 0, err
	}
	lo, err := cpu.Bus.Read(paddr, 2)
	if err != nil {
		return 0, Exception(CauseInsnAccessFault, vaddr)
	}

	// Compressed instructions are 16 bits.
	if lo&0x3 != 0x3 {
		return uint32(lo), nil
	}

	// The upper half may sit on the next page.
	upper := paddr + 2
	if (vaddr+2)&(PageSize-1) < 2 {
		if upper, err = cpu.MMU.Translate(vaddr+2, AccessExec); err != nil {
			return 0, err
		}
	}
	hi, err := cpu.Bus.Read(upper, 2)
	if err != nil {
		return 0, Exception(CauseInsnAccessFault, vaddr)
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

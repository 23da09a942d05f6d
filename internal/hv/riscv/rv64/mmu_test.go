package rv64

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

const (
	testRAMSize  = 64 << 20
	tableArena   = RAMBase + 32<<20
	deniedPage   = RAMBase + 0x10_0000
	readOnlyPage = RAMBase + 0x11_0000
	dataPage     = RAMBase + 0x2000
)

// newTestHart returns a supervisor-mode hart whose mttp selects tables
// granting RW on the low 32 MiB of RAM except for deniedPage (nothing) and
// readOnlyPage (read). The tables themselves are not accessible.
func newTestHart(t *testing.T) (*CPU, *smmtt.Builder) {
	t.Helper()

	bus := NewBus(testRAMSize)
	b, err := smmtt.NewBuilder(smmtt.ArchRV64, smmtt.ModeSmmtt46RW, bus, &smmtt.BumpAllocator{
		Next:  tableArena,
		Limit: RAMBase + testRAMSize,
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	grants := []struct {
		base, size uint64
		privs      smmtt.Privs
	}{
		{RAMBase, 32 << 20, smmtt.PrivRead | smmtt.PrivWrite},
		{deniedPage, PageSize, smmtt.PrivNone},
		{readOnlyPage, PageSize, smmtt.PrivRead},
	}
	for _, g := range grants {
		if err := b.SetRange(g.base, g.size, g.privs); err != nil {
			t.Fatalf("SetRange(0x%x): %v", g.base, err)
		}
	}
	mttp, err := b.Mttp(0)
	if err != nil {
		t.Fatalf("Mttp: %v", err)
	}

	cpu := NewCPU(bus, true)
	if err := cpu.WriteCSR(CSRMttp, mttp); err != nil {
		t.Fatalf("WriteCSR(mttp): %v", err)
	}
	if cpu.Mttp != mttp {
		t.Fatalf("mttp = 0x%x, want 0x%x", cpu.Mttp, mttp)
	}
	cpu.Priv = PrivSupervisor
	return cpu, b
}

func wantException(t *testing.T, err error, cause, tval uint64) {
	t.Helper()
	var exc ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("error = %v, want exception cause %d", err, cause)
	}
	if exc.Cause != cause || exc.Tval != tval {
		t.Fatalf("exception = cause %d tval 0x%x, want cause %d tval 0x%x", exc.Cause, exc.Tval, cause, tval)
	}
}

func TestPhysicalAccessBareTranslation(t *testing.T) {
	cpu, _ := newTestHart(t)

	if err := cpu.Store(dataPage, 8, 0x1122_3344_5566_7788); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := cpu.Load(dataPage, 8)
	if err != nil || got != 0x1122_3344_5566_7788 {
		t.Fatalf("Load = 0x%x, %v", got, err)
	}

	_, err = cpu.Load(deniedPage+0x10, 4)
	wantException(t, err, CauseLoadAccessFault, deniedPage+0x10)

	_, err = cpu.Fetch(deniedPage)
	wantException(t, err, CauseInsnAccessFault, deniedPage)

	if _, err := cpu.Load(readOnlyPage, 8); err != nil {
		t.Errorf("Load(read only): %v", err)
	}
	if _, err := cpu.Fetch(readOnlyPage); err != nil {
		t.Errorf("Fetch(read only): %v", err)
	}
	err = cpu.Store(readOnlyPage, 1, 0xff)
	wantException(t, err, CauseStoreAccessFault, readOnlyPage)
	if v, _ := cpu.Bus.Read(readOnlyPage, 1); v != 0 {
		t.Errorf("denied store reached memory: 0x%x", v)
	}

	_, err = cpu.Load(tableArena, 8)
	wantException(t, err, CauseLoadAccessFault, tableArena)

	// Outside every region the tables grant nothing.
	_, err = cpu.Load(RAMBase+40<<20, 8)
	wantException(t, err, CauseLoadAccessFault, RAMBase+40<<20)
}

func TestPhysicalAccessPrivilege(t *testing.T) {
	cpu, _ := newTestHart(t)

	cpu.Priv = PrivUser
	_, err := cpu.Load(deniedPage, 8)
	wantException(t, err, CauseLoadAccessFault, deniedPage)

	cpu.Priv = PrivMachine
	if _, err := cpu.Load(deniedPage, 8); err != nil {
		t.Fatalf("machine mode Load: %v", err)
	}
	if err := cpu.Store(tableArena, 8, 0); err != nil {
		t.Fatalf("machine mode Store: %v", err)
	}

	// MPRV applies the MPP privilege to data accesses only.
	cpu.Mstatus = MstatusMPRV | uint64(PrivSupervisor)<<MstatusMPPShift
	_, err = cpu.Load(deniedPage, 8)
	wantException(t, err, CauseLoadAccessFault, deniedPage)
	if _, err := cpu.Fetch(deniedPage); err != nil {
		t.Fatalf("machine mode Fetch with MPRV: %v", err)
	}
}

func TestCheckPhysical(t *testing.T) {
	cpu, _ := newTestHart(t)

	tests := []struct {
		addr   uint64
		access Access
		priv   uint8
		cause  uint64 // 0 means allowed
	}{
		{dataPage, AccessWrite, PrivSupervisor, 0},
		{dataPage, AccessExec, PrivUser, 0},
		{readOnlyPage, AccessRead, PrivUser, 0},
		{readOnlyPage, AccessWrite, PrivUser, CauseStoreAccessFault},
		{deniedPage, AccessRead, PrivSupervisor, CauseLoadAccessFault},
		{deniedPage, AccessExec, PrivSupervisor, CauseInsnAccessFault},
		{deniedPage, AccessWrite, PrivMachine, 0},
		{1 << 50, AccessRead, PrivSupervisor, CauseLoadAccessFault},
	}
	for _, tc := range tests {
		err := cpu.MMU.CheckPhysical(tc.addr, tc.access, tc.priv)
		if tc.cause == 0 {
			if err != nil {
				t.Errorf("CheckPhysical(0x%x, %s, %d): %v", tc.addr, tc.access, tc.priv, err)
			}
			continue
		}
		if err != Exception(tc.cause, tc.addr) {
			t.Errorf("CheckPhysical(0x%x, %s, %d) = %v, want cause %d", tc.addr, tc.access, tc.priv, err, tc.cause)
		}
	}
}

func TestSmmttDisabledHart(t *testing.T) {
	cpu, _ := newTestHart(t)
	mttp := cpu.Mttp

	cpu.SmmttEnabled = false
	if _, err := cpu.Load(deniedPage, 8); err != nil {
		t.Fatalf("Load without Smmtt: %v", err)
	}

	cpu.Priv = PrivMachine
	if _, err := cpu.ReadCSR(CSRMttp); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("ReadCSR(mttp) = %v, want illegal instruction", err)
	}
	if err := cpu.WriteCSR(CSRMttp, 0); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("WriteCSR(mttp) = %v, want illegal instruction", err)
	}
	if cpu.Mttp != mttp {
		t.Errorf("mttp changed to 0x%x", cpu.Mttp)
	}
}

// Sv39 page table pages
const (
	ptRoot = RAMBase + 0x20_0000
	ptMid  = RAMBase + 0x20_1000
	ptLeaf = RAMBase + 0x20_2000
	vaBase = 0x4000_0000
)

func pte(paddr uint64, flags uint64) uint64 {
	return (paddr>>PageShift)<<10 | flags
}

func setupSv39(t *testing.T, cpu *CPU) {
	t.Helper()

	const leaf = PteV | PteR | PteW | PteX | PteA | PteD
	writes := []struct{ addr, val uint64 }{
		{ptRoot + 1*8, pte(ptMid, PteV)},
		{ptMid, pte(ptLeaf, PteV)},
		{ptLeaf + 0*8, pte(dataPage, leaf)},
		{ptLeaf + 1*8, pte(deniedPage, leaf)},
		{ptLeaf + 2*8, pte(readOnlyPage, leaf)},
		{ptLeaf + 3*8, pte(dataPage, PteV|PteR|PteW)},
	}
	for _, w := range writes {
		if err := cpu.Bus.Write64(w.addr, w.val); err != nil {
			t.Fatalf("Write64(0x%x): %v", w.addr, err)
		}
	}

	priv := cpu.Priv
	cpu.Priv = PrivMachine
	if err := cpu.WriteCSR(CSRSatp, uint64(SatpModeSv39)<<60|ptRoot>>PageShift); err != nil {
		t.Fatalf("WriteCSR(satp): %v", err)
	}
	cpu.Priv = priv
}

func TestTranslatedAccess(t *testing.T) {
	cpu, _ := newTestHart(t)
	setupSv39(t, cpu)

	if err := cpu.Bus.Write64(dataPage+0x18, 0xdead_beef); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	got, err := cpu.Load(vaBase+0x18, 8)
	if err != nil || got != 0xdead_beef {
		t.Fatalf("Load = 0x%x, %v", got, err)
	}

	// Faults report the virtual address.
	_, err = cpu.Load(vaBase+0x1008, 8)
	wantException(t, err, CauseLoadAccessFault, vaBase+0x1008)

	err = cpu.Store(vaBase+0x2000, 8, 1)
	wantException(t, err, CauseStoreAccessFault, vaBase+0x2000)

	// Page table permissions are checked before the physical ones.
	_, err = cpu.Fetch(vaBase + 0x3000)
	wantException(t, err, CauseInsnPageFault, vaBase+0x3000)

	_, err = cpu.Load(vaBase+0x4000, 8)
	wantException(t, err, CauseLoadPageFault, vaBase+0x4000)
}

func TestPageTableWalkIsChecked(t *testing.T) {
	cpu, b := newTestHart(t)
	setupSv39(t, cpu)

	if _, err := cpu.Load(vaBase, 8); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Revoke the leaf page table page. The cached translation still works
	// because the data page itself is untouched.
	if err := b.SetRange(ptLeaf, PageSize, smmtt.PrivNone); err != nil {
		t.Fatalf("SetRange: %v", err)
	}
	if _, err := cpu.Load(vaBase, 8); err != nil {
		t.Fatalf("Load from TLB: %v", err)
	}

	cpu.MMU.FlushTLB()
	_, err := cpu.Load(vaBase, 8)
	wantException(t, err, CauseLoadAccessFault, vaBase)
}

func TestAccessedBitUpdateIsChecked(t *testing.T) {
	cpu, b := newTestHart(t)
	setupSv39(t, cpu)

	// Leaf PTE without A set forces an update of the page table entry.
	if err := cpu.Bus.Write64(ptLeaf, pte(dataPage, PteV|PteR|PteW)); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	if err := b.SetRange(ptLeaf, PageSize, smmtt.PrivRead); err != nil {
		t.Fatalf("SetRange: %v", err)
	}

	_, err := cpu.Load(vaBase, 8)
	wantException(t, err, CauseLoadAccessFault, vaBase)

	if err := b.SetRange(ptLeaf, PageSize, smmtt.PrivRead|smmtt.PrivWrite); err != nil {
		t.Fatalf("SetRange: %v", err)
	}
	if _, err := cpu.Load(vaBase, 8); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, _ := cpu.Bus.Read64(ptLeaf)
	if v&PteA == 0 {
		t.Errorf("accessed bit not set: 0x%x", v)
	}
}

func TestMttpWARL(t *testing.T) {
	cpu, _ := newTestHart(t)
	good := cpu.Mttp

	cpu.Priv = PrivSupervisor
	if _, err := cpu.ReadCSR(CSRMttp); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("supervisor ReadCSR(mttp) = %v", err)
	}
	if err := cpu.WriteCSR(CSRMttp, 0); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("supervisor WriteCSR(mttp) = %v", err)
	}

	cpu.Priv = PrivMachine
	for _, v := range []uint64{5 << 60, 0xF << 60, 7<<60 | 0x80000} {
		if err := cpu.WriteCSR(CSRMttp, v); err != nil {
			t.Fatalf("WriteCSR(0x%x): %v", v, err)
		}
		if got, _ := cpu.ReadCSR(CSRMttp); got != good {
			t.Fatalf("mttp = 0x%x after writing 0x%x, want unchanged", got, v)
		}
	}

	// Bare mode turns the check off.
	if err := cpu.WriteCSR(CSRMttp, 0); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	cpu.Priv = PrivSupervisor
	if _, err := cpu.Load(deniedPage, 8); err != nil {
		t.Fatalf("Load with bare mttp: %v", err)
	}
}

func TestMttpWriteFlushesTLB(t *testing.T) {
	cpu, _ := newTestHart(t)
	setupSv39(t, cpu)

	if _, err := cpu.Load(vaBase, 8); err != nil {
		t.Fatalf("Load: %v", err)
	}
	idx := (uint64(vaBase) >> PageShift) & uint64(len(cpu.MMU.tlb)-1)
	if !cpu.MMU.tlb[idx].Valid {
		t.Fatal("translation was not cached")
	}

	cpu.Priv = PrivMachine
	if err := cpu.WriteCSR(CSRMttp, cpu.Mttp); err != nil {
		t.Fatalf("WriteCSR: %v", err)
	}
	if cpu.MMU.tlb[idx].Valid {
		t.Fatal("mttp write kept the TLB entry")
	}
}

func TestCSRWrites(t *testing.T) {
	cpu := NewCPU(NewBus(PageSize), true)

	if err := cpu.WriteCSR(CSRSatp, 10<<60); err != nil {
		t.Fatalf("WriteCSR(satp): %v", err)
	}
	if cpu.Satp != 0 {
		t.Errorf("satp accepted an unsupported mode: 0x%x", cpu.Satp)
	}

	if err := cpu.WriteCSR(CSRMstatus, MstatusMPRV|2<<MstatusMPPShift|1<<40); err != nil {
		t.Fatalf("WriteCSR(mstatus): %v", err)
	}
	if cpu.Mstatus != MstatusMPRV {
		t.Errorf("mstatus = 0x%x, want 0x%x", cpu.Mstatus, MstatusMPRV)
	}

	if err := cpu.WriteCSR(0xF14, 1); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("write to read-only CSR = %v", err)
	}
	if _, err := cpu.ReadCSR(0x7C0); err != Exception(CauseIllegalInsn, 0) {
		t.Errorf("read of unknown CSR = %v", err)
	}

	cpu.Reset()
	if cpu.Priv != PrivMachine || cpu.Mstatus != 0 || cpu.Mttp != 0 {
		t.Errorf("Reset left state: %+v", cpu)
	}
}

func TestPageCrossingAccessChecksBothPages(t *testing.T) {
	cpu, _ := newTestHart(t)

	if err := cpu.Bus.Write(deniedPage, 4, 0xdead_beef); err != nil {
		t.Fatalf("Write: %v", err)
	}

	_, err := cpu.Load(deniedPage-4, 8)
	wantException(t, err, CauseLoadAccessFault, deniedPage)

	err = cpu.Store(deniedPage-4, 8, 0x1111_1111_1111_1111)
	wantException(t, err, CauseStoreAccessFault, deniedPage)

	// Neither page may be touched by a rejected store.
	if v, _ := cpu.Bus.Read(deniedPage-4, 4); v != 0 {
		t.Errorf("allowed half = 0x%x, want 0", v)
	}
	if v, _ := cpu.Bus.Read(deniedPage, 4); v != 0xdead_beef {
		t.Errorf("denied page = 0x%x, want 0xdeadbeef", v)
	}
}

func TestPageCrossingAccessAllowed(t *testing.T) {
	cpu, _ := newTestHart(t)
	addr := uint64(dataPage + PageSize - 4)

	if err := cpu.Store(addr, 8, 0x0102_0304_0506_0708); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if v, err := cpu.Load(addr, 8); err != nil || v != 0x0102_0304_0506_0708 {
		t.Fatalf("Load = 0x%x, %v", v, err)
	}
	if v, _ := cpu.Bus.Read(addr, 4); v != 0x0506_0708 {
		t.Errorf("first page = 0x%x", v)
	}
	if v, _ := cpu.Bus.Read(addr+4, 4); v != 0x0102_0304 {
		t.Errorf("second page = 0x%x", v)
	}
}

func TestPageCrossingTranslatedAccess(t *testing.T) {
	cpu, _ := newTestHart(t)
	setupSv39(t, cpu)

	// vaBase maps dataPage and the next page maps deniedPage.
	_, err := cpu.Load(vaBase+PageSize-4, 8)
	wantException(t, err, CauseLoadAccessFault, vaBase+PageSize)
}

func TestPageCrossingFetch(t *testing.T) {
	cpu, _ := newTestHart(t)
	addr := uint64(deniedPage - 2)

	// A compressed instruction ends before the denied page.
	if err := cpu.Bus.Write(addr, 2, 0x0001); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if insn, err := cpu.Fetch(addr); err != nil || insn != 0x0001 {
		t.Fatalf("Fetch = 0x%x, %v", insn, err)
	}

	// A full-width instruction needs its upper half from the denied page.
	if err := cpu.Bus.Write(addr, 2, 0x0013); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_, err := cpu.Fetch(addr)
	wantException(t, err, CauseInsnAccessFault, deniedPage)

	cpu.Priv = PrivMachine
	if insn, err := cpu.Fetch(addr); err != nil || insn != 0x0013 {
		t.Fatalf("machine-mode Fetch = 0x%x, %v", insn, err)
	}
}

func TestNonCanonicalAddress(t *testing.T) {
	cpu, _ := newTestHart(t)
	setupSv39(t, cpu)

	for _, vaddr := range []uint64{1 << 38, 0xffff_ffbf_ffff_ffff} {
		_, err := cpu.Load(vaddr, 8)
		wantException(t, err, CauseLoadPageFault, vaddr)
	}
}

func TestDenialLogsToDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(old) })

	cpu, _ := newTestHart(t)
	cpu.Logger = nil

	// Beyond the 46-bit range the walk fails rather than granting nothing.
	err := cpu.MMU.CheckPhysical(1<<46, AccessRead, PrivSupervisor)
	wantException(t, err, CauseLoadAccessFault, 1<<46)

	if !strings.Contains(buf.String(), "smmtt check denied") {
		t.Fatalf("log = %q, want a denial record", buf.String())
	}
}

package smmtt

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeMttp(t *testing.T) {
	tests := []struct {
		name    string
		arch    Arch
		mttp    uint64
		want    Root
		wantErr error
	}{
		{
			name: "rv64 bare",
			arch: ArchRV64,
			mttp: 0x0000_0000_0008_0000,
			want: Root{Mode: ModeBare, Table: 0x8000_0000},
		},
		{
			name: "rv64 smmtt46",
			arch: ArchRV64,
			mttp: 1<<60 | 5<<44 | 0x80000,
			want: Root{Mode: ModeSmmtt46, Levels: 2, Table: 0x8000_0000, SDID: 5},
		},
		{
			name: "rv64 smmtt46rw",
			arch: ArchRV64,
			mttp: 2<<60 | 0xFFF_FFFF_FFFF,
			want: Root{Mode: ModeSmmtt46RW, RW: true, Levels: 2, Table: 0xFFF_FFFF_FFFF << 12},
		},
		{
			name: "rv64 smmtt56",
			arch: ArchRV64,
			mttp: 3<<60 | 0x1,
			want: Root{Mode: ModeSmmtt56, Levels: 3, Table: 0x1000},
		},
		{
			name: "rv64 smmtt56rw",
			arch: ArchRV64,
			mttp: 4<<60 | 63<<44,
			want: Root{Mode: ModeSmmtt56RW, RW: true, Levels: 3, SDID: 63},
		},
		{
			name:    "rv64 reserved mode",
			arch:    ArchRV64,
			mttp:    5 << 60,
			wantErr: ErrConfiguration,
		},
		{
			name:    "rv64 top mode",
			arch:    ArchRV64,
			mttp:    0xF << 60,
			wantErr: ErrConfiguration,
		},
		{
			name: "rv32 smmtt34",
			arch: ArchRV32,
			mttp: 1<<30 | 2<<24 | 0x3F_FFFF,
			want: Root{Mode: ModeSmmtt34, Levels: 2, Table: 0x3_FFFF_F000, SDID: 2},
		},
		{
			name: "rv32 smmtt34rw",
			arch: ArchRV32,
			mttp: 2 << 30,
			want: Root{Mode: ModeSmmtt34RW, RW: true, Levels: 2},
		},
		{
			name:    "rv32 has no 3-level mode",
			arch:    ArchRV32,
			mttp:    3 << 30,
			wantErr: ErrConfiguration,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeMttp(tc.arch, tc.mttp)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeMttp: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("DecodeMttp(0x%x) (-want +got):\n%s", tc.mttp, diff)
			}
			if got.Bypass() != (tc.want.Mode == ModeBare) {
				t.Errorf("Bypass() = %v", got.Bypass())
			}
		})
	}
}

func TestEncodeMttp(t *testing.T) {
	v, err := EncodeMttp(ArchRV64, ModeSmmtt56RW, 0x8000_0000, 7)
	if err != nil {
		t.Fatalf("EncodeMttp: %v", err)
	}
	if want := uint64(4<<60 | 7<<44 | 0x80000); v != want {
		t.Fatalf("EncodeMttp = 0x%x, want 0x%x", v, want)
	}

	if _, err := EncodeMttp(ArchRV64, ModeSmmtt46, 0x8000_0800, 0); err == nil {
		t.Error("expected error for unaligned table")
	}
	if _, err := EncodeMttp(ArchRV32, ModeSmmtt34, 1<<34, 0); err == nil {
		t.Error("expected error for table beyond rv32 PPN")
	}
	if _, err := EncodeMttp(ArchRV32, ModeSmmtt46, 0, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
	if _, err := EncodeMttp(ArchRV64, ModeSmmtt46, 0, 64); err == nil {
		t.Error("expected error for sdid overflow")
	}
}

func TestParseModeAndArch(t *testing.T) {
	for m := ModeBare; m <= ModeSmmtt56RW; m++ {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if got, err := ParseMode("SMMTT46_RW"); err != nil || got != ModeSmmtt46RW {
		t.Errorf("ParseMode(SMMTT46_RW) = %v, %v", got, err)
	}
	if _, err := ParseMode("sv39"); err == nil {
		t.Error("expected error for sv39")
	}

	if a, err := ParseArch("rv32"); err != nil || a != ArchRV32 {
		t.Errorf("ParseArch(rv32) = %v, %v", a, err)
	}
	if _, err := ParseArch("x86"); err == nil {
		t.Error("expected error for x86")
	}
}

func TestPrivs(t *testing.T) {
	tests := []struct {
		in   string
		want Privs
		str  string
	}{
		{"", PrivNone, "none"},
		{"none", PrivNone, "none"},
		{"r", PrivRead, "r--"},
		{"RW", PrivRead | PrivWrite, "rw-"},
		{"r-x", PrivRead | PrivExec, "r-x"},
		{"rwx", PrivAll, "rwx"},
	}
	for _, tc := range tests {
		got, err := ParsePrivs(tc.in)
		if err != nil {
			t.Errorf("ParsePrivs(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want || got.String() != tc.str {
			t.Errorf("ParsePrivs(%q) = %v, want %v", tc.in, got, tc.str)
		}
	}
	if _, err := ParsePrivs("rq"); err == nil {
		t.Error("expected error for rq")
	}
	if !PrivAll.Has(PrivRead|PrivExec) || PrivRead.Has(PrivWrite) || !PrivRead.Has(PrivNone) {
		t.Error("Has is wrong")
	}
}

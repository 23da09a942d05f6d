package layout

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

// Image is a layout built into table memory.
type Image struct {
	Arch   smmtt.Arch
	Mode   smmtt.Mode
	Mttp   uint64
	Memory *smmtt.SparseMemory
}

// Build programs the layout's regions into a fresh sparse memory, in order,
// and returns the mttp value selecting the result.
func (l *Layout) Build() (*Image, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}

	arch, mode := smmtt.Arch(l.Arch), smmtt.Mode(l.Mode)
	img := &Image{
		Arch:   arch,
		Mode:   mode,
		Memory: smmtt.NewSparseMemory(0),
	}

	if mode == smmtt.ModeBare {
		mttp, err := smmtt.EncodeMttp(arch, mode, uint64(l.Tables.Base), l.SDID)
		if err != nil {
			return nil, err
		}
		img.Mttp = mttp
		return img, nil
	}

	alloc := &smmtt.BumpAllocator{
		Next:  uint64(l.Tables.Base),
		Limit: uint64(l.Tables.Base) + uint64(l.Tables.Size),
	}
	b, err := smmtt.NewBuilder(arch, mode, img.Memory, alloc)
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}

	for i, r := range l.Regions {
		if err := b.SetRange(uint64(r.Base), uint64(r.Size), smmtt.Privs(r.Perms)); err != nil {
			return nil, fmt.Errorf("region %d (%s): %w", i, r.Name, err)
		}
	}

	img.Mttp, err = b.Mttp(l.SDID)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Walker returns a walker over the image's memory.
func (img *Image) Walker(logger *slog.Logger) *smmtt.Walker {
	w := smmtt.NewWalker(img.Arch, img.Memory)
	w.Logger = logger
	return w
}

// CheckResult is the outcome of one layout check.
type CheckResult struct {
	Check    Check
	Verdict  smmtt.Verdict
	Mismatch bool
}

// RunChecks evaluates every check in l against img.
func (l *Layout) RunChecks(img *Image, w *smmtt.Walker) []CheckResult {
	results := make([]CheckResult, 0, len(l.Checks))
	for _, c := range l.Checks {
		v := w.Check(uint64(c.Addr), smmtt.Privs(c.Access), c.PrivLevel(), c.ExtensionEnabled(), img.Mttp)

		var mismatch bool
		switch c.Expect {
		case ExpectAllow:
			mismatch = !v.Allowed
		case ExpectDeny:
			mismatch = v.Allowed
		}
		results = append(results, CheckResult{Check: c, Verdict: v, Mismatch: mismatch})
	}
	return results
}

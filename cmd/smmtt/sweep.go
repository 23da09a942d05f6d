package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/smmtt/internal/layout"
	"github.com/tinyrange/smmtt/internal/smmtt"
)

// span is a run of addresses with the same walk result.
type span struct {
	Start, End uint64
	Privs      smmtt.Privs
	Err        error
}

func (s span) same(o span) bool {
	if (s.Err == nil) != (o.Err == nil) {
		return false
	}
	if s.Err != nil {
		return cause(s.Err) == cause(o.Err)
	}
	return s.Privs == o.Privs
}

// cause strips the location from a walk error.
func cause(err error) error {
	var we *smmtt.WalkError
	if errors.As(err, &we) {
		return we.Err
	}
	return err
}

func appendSpan(spans []span, s span) []span {
	if n := len(spans); n > 0 && spans[n-1].End == s.Start && spans[n-1].same(s) {
		spans[n-1].End = s.End
		return spans
	}
	return append(spans, s)
}

// sweep walks every step bytes of [base, base+size) and merges adjacent
// addresses with identical results. The range is split between workers
// goroutines. progress, if set, is called once per walk and must be safe for
// concurrent use.
func sweep(ctx context.Context, w *smmtt.Walker, mttp, base, size, step uint64, workers int, progress func()) ([]span, error) {
	if step == 0 || step&(step-1) != 0 {
		return nil, fmt.Errorf("step must be a power of two")
	}
	if base+size < base {
		return nil, fmt.Errorf("range overflows")
	}
	if size == 0 {
		return nil, nil
	}

	n := (size + step - 1) / step
	if workers < 1 {
		workers = 1
	}
	if uint64(workers) > n {
		workers = int(n)
	}
	per := (n + uint64(workers) - 1) / uint64(workers)
	limit := base + size

	parts := make([][]span, workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		first := uint64(i) * per
		last := min(first+per, n)
		if first >= last {
			break
		}
		g.Go(func() error {
			var spans []span
			for j := first; j < last; j++ {
				if j%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				addr := base + j*step
				privs, err := w.Walk(addr, mttp)
				if progress != nil {
					progress()
				}
				end := addr + step
				if end > limit || end < addr {
					end = limit
				}
				spans = appendSpan(spans, span{Start: addr, End: end, Privs: privs, Err: err})
			}
			parts[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var spans []span
	for _, part := range parts {
		for _, s := range part {
			spans = appendSpan(spans, s)
		}
	}
	return spans, nil
}

// sweepCmd implements subcommands.Command for the "sweep" command.
type sweepCmd struct {
	step    string
	workers int
}

func (*sweepCmd) Name() string     { return "sweep" }
func (*sweepCmd) Synopsis() string { return "print the privileges of an address range" }
func (*sweepCmd) Usage() string {
	return `sweep [-step size] [-j n] <base> <size>:
  Walk the range at every step and print runs of equal privileges.
`
}

func (c *sweepCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.step, "step", "4K", "Distance between walked addresses")
	f.IntVar(&c.workers, "j", runtime.GOMAXPROCS(0), "Number of concurrent walkers")
}

func (c *sweepCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return usageError(f, "sweep: want <base> <size>")
	}
	base, err := parseAddr(f.Arg(0))
	if err != nil {
		return fail(err)
	}
	size, err := layout.ParseSize(f.Arg(1))
	if err != nil {
		return fail(err)
	}
	step, err := layout.ParseSize(c.step)
	if err != nil {
		return fail(err)
	}

	_, img, err := args[0].(*options).load()
	if err != nil {
		return fail(err)
	}

	var progress func()
	if term.IsTerminal(int(os.Stderr.Fd())) && step != 0 {
		pb := progressbar.Default(int64((uint64(size)+uint64(step)-1)/uint64(step)), "sweep")
		defer pb.Close()
		progress = func() { pb.Add(1) }
	}

	spans, err := sweep(ctx, img.Walker(nil), img.Mttp, base, uint64(size), uint64(step), c.workers, progress)
	if err != nil {
		return fail(fmt.Errorf("sweep: %w", err))
	}
	if progress != nil {
		// Move past the bar before printing.
		fmt.Fprintln(os.Stderr)
	}

	for _, s := range spans {
		if s.Err != nil {
			fmt.Printf("0x%012x-0x%012x denied: %v\n", s.Start, s.End, cause(s.Err))
			continue
		}
		fmt.Printf("0x%012x-0x%012x %s\n", s.Start, s.End, s.Privs)
	}
	return subcommands.ExitSuccess
}

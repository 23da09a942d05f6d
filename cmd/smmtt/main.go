package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/subcommands"

	"github.com/tinyrange/smmtt/internal/layout"
	"github.com/tinyrange/smmtt/internal/smmtt"
)

func main() {
	os.Exit(int(run(os.Args[1:])))
}

// options are the top-level flags shared by every command.
type options struct {
	layoutPath string
	debug      bool
}

// load reads and builds the layout named by -layout.
func (o *options) load() (*layout.Layout, *layout.Image, error) {
	l, err := layout.Load(o.layoutPath)
	if err != nil {
		return nil, nil, err
	}
	img, err := l.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build tables: %w", err)
	}
	slog.Debug("Tables built",
		"arch", img.Arch,
		"mode", img.Mode,
		"mttp", fmt.Sprintf("0x%016x", img.Mttp),
		"words", img.Memory.Len(),
	)
	return l, img, nil
}

func run(args []string) subcommands.ExitStatus {
	fs := flag.NewFlagSet("smmtt", flag.ContinueOnError)
	opts := &options{}
	fs.StringVar(&opts.layoutPath, "layout", "smmtt.yaml", "Layout file (.yaml or .toml)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cdr := subcommands.NewCommander(fs, "smmtt")
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(&initCmd{}, "layout")
	cdr.Register(&verifyCmd{}, "layout")
	cdr.Register(&checkCmd{}, "query")
	cdr.Register(&explainCmd{}, "query")
	cdr.Register(&sweepCmd{}, "query")

	if err := fs.Parse(args); err != nil {
		return subcommands.ExitUsageError
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	return cdr.Execute(context.Background(), opts)
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "smmtt: %v\n", err)
	return subcommands.ExitFailure
}

func usageError(f *flag.FlagSet, format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "smmtt: "+format+"\n", args...)
	f.Usage()
	return subcommands.ExitUsageError
}

// initCmd implements subcommands.Command for the "init" command.
type initCmd struct {
	force bool
}

func (*initCmd) Name() string     { return "init" }
func (*initCmd) Synopsis() string { return "write an example layout" }
func (*initCmd) Usage() string {
	return `init [-force] <file>:
  Write a layout that uses every entry granularity. The format follows the
  file extension.
`
}

func (c *initCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.force, "force", false, "Overwrite an existing file")
}

func (c *initCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usageError(f, "init: output file required")
	}
	path := f.Arg(0)

	if _, err := os.Stat(path); err == nil && !c.force {
		return fail(fmt.Errorf("init: %s already exists (use -force)", path))
	}
	if err := layout.Example().Write(path); err != nil {
		return fail(err)
	}
	slog.Info("Wrote example layout", "path", path)
	return subcommands.ExitSuccess
}

// verifyCmd implements subcommands.Command for the "verify" command.
type verifyCmd struct{}

func (*verifyCmd) Name() string           { return "verify" }
func (*verifyCmd) Synopsis() string       { return "run the checks listed in the layout" }
func (*verifyCmd) Usage() string          { return "verify\n" }
func (*verifyCmd) SetFlags(*flag.FlagSet) {}

func (*verifyCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...any) subcommands.ExitStatus {
	l, img, err := args[0].(*options).load()
	if err != nil {
		return fail(err)
	}
	if len(l.Checks) == 0 {
		return fail(fmt.Errorf("verify: layout has no checks"))
	}

	failed := 0
	for i, r := range l.RunChecks(img, img.Walker(slog.Default())) {
		name := r.Check.Name
		if name == "" {
			name = fmt.Sprintf("check %d", i)
		}
		status := "ok"
		if r.Mismatch {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-4s %-24s 0x%012x %-5s %-10s -> %s (%s)\n",
			status, name, uint64(r.Check.Addr), smmtt.Privs(r.Check.Access), r.Check.PrivLevel(),
			verdictString(r.Verdict), r.Verdict.Privs)
	}
	if failed > 0 {
		return fail(fmt.Errorf("verify: %d of %d checks failed", failed, len(l.Checks)))
	}
	return subcommands.ExitSuccess
}

// checkCmd implements subcommands.Command for the "check" command.
type checkCmd struct {
	disabled bool
	mttp     string
	strict   bool
}

func (*checkCmd) Name() string     { return "check" }
func (*checkCmd) Synopsis() string { return "check a single access" }
func (*checkCmd) Usage() string {
	return `check [flags] <addr> <access> [priv]:
  Decide whether an access to a physical address is allowed. priv is u, s
  (default) or m.
`
}

func (c *checkCmd) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.disabled, "disabled", false, "Check as a hart without Smmtt")
	f.StringVar(&c.mttp, "mttp", "", "Override the mttp value")
	f.BoolVar(&c.strict, "strict", false, "Exit with an error when the access is denied")
}

func (c *checkCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 || f.NArg() > 3 {
		return usageError(f, "check: want <addr> <access> [priv]")
	}
	addr, err := parseAddr(f.Arg(0))
	if err != nil {
		return fail(err)
	}
	want, err := smmtt.ParsePrivs(f.Arg(1))
	if err != nil {
		return fail(err)
	}
	priv := layout.Priv(smmtt.PrivSupervisor)
	if f.NArg() == 3 {
		if priv, err = layout.ParsePriv(f.Arg(2)); err != nil {
			return fail(err)
		}
	}

	_, img, err := args[0].(*options).load()
	if err != nil {
		return fail(err)
	}
	mttp := img.Mttp
	if c.mttp != "" {
		if mttp, err = parseAddr(c.mttp); err != nil {
			return fail(err)
		}
	}

	v := img.Walker(slog.Default()).Check(addr, want, smmtt.PrivLevel(priv), !c.disabled, mttp)
	fmt.Printf("0x%x %s %s: %s (%s)\n", addr, want, smmtt.PrivLevel(priv), verdictString(v), v.Privs)
	if c.strict && !v.Allowed {
		return fail(fmt.Errorf("check: access denied"))
	}
	return subcommands.ExitSuccess
}

// explainCmd implements subcommands.Command for the "explain" command.
type explainCmd struct{}

func (*explainCmd) Name() string           { return "explain" }
func (*explainCmd) Synopsis() string       { return "print every table entry a walk reads" }
func (*explainCmd) Usage() string          { return "explain <addr>\n" }
func (*explainCmd) SetFlags(*flag.FlagSet) {}

func (*explainCmd) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return usageError(f, "explain: want <addr>")
	}
	addr, err := parseAddr(f.Arg(0))
	if err != nil {
		return fail(err)
	}
	_, img, err := args[0].(*options).load()
	if err != nil {
		return fail(err)
	}

	root, steps, privs, err := img.Walker(nil).Trace(addr, img.Mttp)
	fmt.Printf("mttp 0x%016x: mode=%s table=0x%x sdid=%d\n", img.Mttp, root.Mode, root.Table, root.SDID)
	for _, s := range steps {
		fmt.Printf("  L%d [0x%x] = 0x%016x\n", s.Level, s.Addr, s.Entry)
	}
	if err != nil {
		fmt.Printf("denied: %v\n", err)
		return subcommands.ExitSuccess
	}
	fmt.Printf("0x%x: %s\n", addr, privs)
	return subcommands.ExitSuccess
}

func verdictString(v smmtt.Verdict) string {
	if v.Allowed {
		return "allow"
	}
	return "deny"
}

func parseAddr(s string) (uint64, error) {
	var a layout.Addr
	if err := a.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return uint64(a), nil
}

// Package layout describes memory tracking table contents in YAML or TOML and
// builds them into memory.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

// Defaults for the table arena.
const (
	DefaultTableBase = 0x8000_0000
	DefaultTableSize = 64 << 20
)

// Layout is a complete table description.
type Layout struct {
	Arch    Arch     `yaml:"arch" toml:"arch"`
	Mode    Mode     `yaml:"mode" toml:"mode"`
	SDID    uint64   `yaml:"sdid,omitempty" toml:"sdid,omitempty"`
	Tables  Arena    `yaml:"tables" toml:"tables"`
	Regions []Region `yaml:"regions" toml:"regions"`
	Checks  []Check  `yaml:"checks,omitempty" toml:"checks,omitempty"`
}

// Arena is the physical memory the tables are allocated from.
type Arena struct {
	Base Addr `yaml:"base" toml:"base"`
	Size Size `yaml:"size" toml:"size"`
}

// Region grants Perms to [Base, Base+Size). Later regions override earlier
// ones.
type Region struct {
	Name  string `yaml:"name,omitempty" toml:"name,omitempty"`
	Base  Addr   `yaml:"base" toml:"base"`
	Size  Size   `yaml:"size" toml:"size"`
	Perms Perms  `yaml:"perms" toml:"perms"`
}

// Check is an access to evaluate against the built tables.
type Check struct {
	Name    string `yaml:"name,omitempty" toml:"name,omitempty"`
	Addr    Addr   `yaml:"addr" toml:"addr"`
	Access  Perms  `yaml:"access" toml:"access"`
	Priv    *Priv  `yaml:"priv,omitempty" toml:"priv,omitempty"`       // default supervisor
	Enabled *bool  `yaml:"enabled,omitempty" toml:"enabled,omitempty"` // default true
	Expect  Expect `yaml:"expect,omitempty" toml:"expect,omitempty"`
}

// PrivLevel returns the privilege level of the check.
func (c Check) PrivLevel() smmtt.PrivLevel {
	if c.Priv == nil {
		return smmtt.PrivSupervisor
	}
	return smmtt.PrivLevel(*c.Priv)
}

// ExtensionEnabled reports whether the check runs with Smmtt enabled.
func (c Check) ExtensionEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Load reads a layout file. Files ending in .toml are TOML, everything else
// is YAML.
func Load(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading layout file: %w", err)
	}

	parse := Parse
	if isTOML(path) {
		parse = ParseTOML
	}
	l, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return l, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Parse decodes and validates a YAML layout.
func Parse(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing layout: %w", err)
	}
	if err := l.finish(); err != nil {
		return nil, err
	}
	return &l, nil
}

// ParseTOML decodes and validates a TOML layout. Unknown keys are an error.
func ParseTOML(data []byte) (*Layout, error) {
	var l Layout
	md, err := toml.Decode(string(data), &l)
	if err != nil {
		return nil, fmt.Errorf("parsing layout: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing layout: unknown key %q", undecoded[0].String())
	}
	if err := l.finish(); err != nil {
		return nil, err
	}
	return &l, nil
}

// finish applies defaults and validates.
func (l *Layout) finish() error {
	if l.Tables.Base == 0 {
		l.Tables.Base = DefaultTableBase
	}
	if l.Tables.Size == 0 {
		l.Tables.Size = DefaultTableSize
	}
	return l.Validate()
}

// Validate checks everything that does not need the tables to be built.
func (l *Layout) Validate() error {
	arch, mode := smmtt.Arch(l.Arch), smmtt.Mode(l.Mode)
	if !arch.Supported(mode) {
		return fmt.Errorf("mode %s is not available on %s", mode, arch)
	}
	if _, err := smmtt.EncodeMttp(arch, mode, uint64(l.Tables.Base), l.SDID); err != nil {
		return fmt.Errorf("tables: %w", err)
	}
	if mode != smmtt.ModeBare && len(l.Regions) > 0 && l.Tables.Size == 0 {
		return fmt.Errorf("tables: size must be non-zero")
	}
	for i, r := range l.Regions {
		if r.Size == 0 {
			return fmt.Errorf("region %d (%s): size must be non-zero", i, r.Name)
		}
		if uint64(r.Base)%0x1000 != 0 || uint64(r.Size)%0x1000 != 0 {
			return fmt.Errorf("region %d (%s): base and size must be 4 KiB aligned", i, r.Name)
		}
		if uint64(r.Base)+uint64(r.Size) < uint64(r.Base) {
			return fmt.Errorf("region %d (%s): range overflows", i, r.Name)
		}
	}
	return nil
}

// Write stores l as YAML, or as TOML when path ends in .toml.
func (l *Layout) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if isTOML(path) {
		if err := toml.NewEncoder(f).Encode(l); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		return nil
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(l); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Example returns a small layout exercising every entry granularity.
func Example() *Layout {
	yes := true
	s := Priv(smmtt.PrivSupervisor)
	return &Layout{
		Arch:   Arch(smmtt.ArchRV64),
		Mode:   Mode(smmtt.ModeSmmtt46RW),
		Tables: Arena{Base: DefaultTableBase, Size: DefaultTableSize},
		Regions: []Region{
			{Name: "dram", Base: 0x8000_0000, Size: 1 << 30, Perms: Perms(smmtt.PrivRead | smmtt.PrivWrite)},
			{Name: "tables", Base: DefaultTableBase, Size: DefaultTableSize, Perms: Perms(smmtt.PrivNone)},
			{Name: "shared", Base: 0x8400_0000, Size: 0x4000, Perms: Perms(smmtt.PrivRead)},
		},
		Checks: []Check{
			{Name: "kernel write", Addr: 0x8800_0000, Access: Perms(smmtt.PrivWrite), Priv: &s, Expect: ExpectAllow},
			{Name: "table read", Addr: 0x8000_1000, Access: Perms(smmtt.PrivRead), Priv: &s, Expect: ExpectDeny},
			{Name: "shared write", Addr: 0x8400_1000, Access: Perms(smmtt.PrivWrite), Priv: &s, Enabled: &yes, Expect: ExpectDeny},
		},
	}
}

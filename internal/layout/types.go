package layout

import (
	"encoding"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/smmtt/internal/smmtt"
)

// The scalar types below implement encoding.TextUnmarshaler for TOML layouts
// and yaml.Unmarshaler so YAML errors carry a line number.

func scalar(value *yaml.Node) (string, error) {
	if value.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("line %d: expected a scalar", value.Line)
	}
	return strings.TrimSpace(value.Value), nil
}

func decodeScalar(value *yaml.Node, u encoding.TextUnmarshaler) error {
	s, err := scalar(value)
	if err != nil {
		return err
	}
	if err := u.UnmarshalText([]byte(s)); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

// Addr is a physical address. Any Go integer literal is accepted.
type Addr uint64

func (a *Addr) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q", text)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%x", uint64(a))), nil
}

func (a *Addr) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, a) }

func (a Addr) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(a)), nil
}

// Size is a byte count: an integer with an optional K, M, G or T binary
// suffix, e.g. "2M".
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"T", 40},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseSize parses a size such as "4096", "0x1000" or "4K".
func ParseSize(s string) (Size, error) {
	t := strings.ToUpper(strings.TrimSpace(s))

	shift := uint(0)
	if !strings.HasPrefix(t, "0X") {
		t = strings.TrimSuffix(strings.TrimSuffix(t, "IB"), "B")
		for _, sfx := range sizeSuffixes {
			if strings.HasSuffix(t, sfx.suffix) {
				t = strings.TrimSuffix(t, sfx.suffix)
				shift = sfx.shift
				break
			}
		}
	}
	v, err := strconv.ParseUint(strings.ToLower(t), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

func (s Size) String() string {
	for _, sfx := range sizeSuffixes {
		if s != 0 && uint64(s)&(1<<sfx.shift-1) == 0 {
			return fmt.Sprintf("%d%s", uint64(s)>>sfx.shift, sfx.suffix)
		}
	}
	return fmt.Sprintf("0x%x", uint64(s))
}

func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Size) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Size) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, s) }

func (s Size) MarshalYAML() (any, error) { return s.String(), nil }

// Perms is a privilege set written as letters, e.g. "rw" or "none".
type Perms smmtt.Privs

func (p *Perms) UnmarshalText(text []byte) error {
	v, err := smmtt.ParsePrivs(string(text))
	if err != nil {
		return err
	}
	*p = Perms(v)
	return nil
}

func (p Perms) MarshalText() ([]byte, error) { return []byte(smmtt.Privs(p).String()), nil }

func (p *Perms) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, p) }

func (p Perms) MarshalYAML() (any, error) { return smmtt.Privs(p).String(), nil }

// Priv is a privilege level: u, s or m (or the full names).
type Priv smmtt.PrivLevel

// ParsePriv parses a privilege level name.
func ParsePriv(s string) (Priv, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "u", "user":
		return Priv(smmtt.PrivUser), nil
	case "s", "supervisor":
		return Priv(smmtt.PrivSupervisor), nil
	case "m", "machine":
		return Priv(smmtt.PrivMachine), nil
	default:
		return 0, fmt.Errorf("invalid privilege level %q", s)
	}
}

func (p *Priv) UnmarshalText(text []byte) error {
	v, err := ParsePriv(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p Priv) MarshalText() ([]byte, error) { return []byte(smmtt.PrivLevel(p).String()), nil }

func (p *Priv) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, p) }

func (p Priv) MarshalYAML() (any, error) { return smmtt.PrivLevel(p).String(), nil }

// Arch wraps smmtt.Arch for layout files.
type Arch smmtt.Arch

func (a *Arch) UnmarshalText(text []byte) error {
	v, err := smmtt.ParseArch(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*a = Arch(v)
	return nil
}

func (a Arch) MarshalText() ([]byte, error) { return []byte(smmtt.Arch(a).String()), nil }

func (a *Arch) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, a) }

func (a Arch) MarshalYAML() (any, error) { return smmtt.Arch(a).String(), nil }

// Mode wraps smmtt.Mode for layout files.
type Mode smmtt.Mode

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := smmtt.ParseMode(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*m = Mode(v)
	return nil
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(smmtt.Mode(m).String()), nil }

func (m *Mode) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, m) }

func (m Mode) MarshalYAML() (any, error) { return smmtt.Mode(m).String(), nil }

// Expect is the expected outcome of a check. Empty means the check is only
// reported.
type Expect string

const (
	ExpectAny   Expect = ""
	ExpectAllow Expect = "allow"
	ExpectDeny  Expect = "deny"
)

func (e *Expect) UnmarshalText(text []byte) error {
	switch v := Expect(strings.ToLower(strings.TrimSpace(string(text)))); v {
	case ExpectAny, ExpectAllow, ExpectDeny:
		*e = v
		return nil
	default:
		return fmt.Errorf("expect must be allow or deny, got %q", text)
	}
}

func (e *Expect) UnmarshalYAML(value *yaml.Node) error { return decodeScalar(value, e) }

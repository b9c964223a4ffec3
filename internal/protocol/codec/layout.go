package codec

import (
	"bytes"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"gridcast.io/internal/sim/extinfo"
)

//go:embed default_layout.yaml
var defaultLayoutYAML []byte

//go:embed layout.schema.json
var layoutSchemaJSON string

var ErrInvalidLayout = errors.New("codec: invalid layout")

type HighOps struct {
	None int `yaml:"none"`
	Walk int `yaml:"walk"`
	Run  int `yaml:"run"`
	Jump int `yaml:"jump"`
}

type HighLayout struct {
	OpBits            int     `yaml:"op_bits"`
	Ops               HighOps `yaml:"ops"`
	WalkBits          int     `yaml:"walk_bits"`
	RunBits           int     `yaml:"run_bits"`
	TeleportDeltaBits int     `yaml:"teleport_delta_bits"`
}

type LowOps struct {
	Promote    int `yaml:"promote"`
	DeltaSmall int `yaml:"delta_small"`
	DeltaLarge int `yaml:"delta_large"`
	Remove     int `yaml:"remove"`
}

type LowLayout struct {
	OpBits         int    `yaml:"op_bits"`
	Ops            LowOps `yaml:"ops"`
	SmallDeltaBits int    `yaml:"small_delta_bits"`
	LargeDeltaBits int    `yaml:"large_delta_bits"`
}

type PlatformLayout struct {
	ByteOrder string            `yaml:"byte_order"`
	Flags     map[string]uint16 `yaml:"flags"`
	Order     []string          `yaml:"order"`
}

// Layout is the revision-specific wire shape: bit widths, opcodes and the
// per-platform extended-info flags and block order.
type Layout struct {
	Revision       int                       `yaml:"revision"`
	IndexBits      int                       `yaml:"index_bits"`
	LevelBits      int                       `yaml:"level_bits"`
	CoordBits      int                       `yaml:"coord_bits"`
	SkipBits       []int                     `yaml:"skip_bits"`
	High           HighLayout                `yaml:"high"`
	Low            LowLayout                 `yaml:"low"`
	ExtendedMarker uint16                    `yaml:"extended_marker"`
	Platforms      map[string]PlatformLayout `yaml:"platforms"`

	resolved [extinfo.PlatformCount]Platform
}

// Platform is the resolved per-platform part of a layout.
type Platform struct {
	ID    extinfo.Platform
	Order binary.AppendByteOrder
	Read  binary.ByteOrder
	Flags [extinfo.KindCount]uint16
	Kinds []extinfo.Kind
}

// Platform returns the resolved layout of p. Only valid after Validate.
func (l *Layout) Platform(p extinfo.Platform) *Platform { return &l.resolved[p] }

// MaxSkip is the longest run one skip opcode can cover.
func (l *Layout) MaxSkip() int { return 1 << l.SkipBits[len(l.SkipBits)-1] }

// SmallDeltaLimit is the largest absolute low-res delta encodable with the small op.
func (l *Layout) SmallDeltaLimit() int { return 1<<(l.Low.SmallDeltaBits-1) - 1 }

// LargeDeltaLimit is the largest absolute low-res delta encodable at all.
func (l *Layout) LargeDeltaLimit() int { return 1<<(l.Low.LargeDeltaBits-1) - 1 }

func (l *Layout) TeleportDeltaLimit() int { return 1<<(l.High.TeleportDeltaBits-1) - 1 }

// HighUpdateBits is the widest high-res update for one avatar, not counting skips.
func (l *Layout) HighUpdateBits() int {
	move := max(l.High.WalkBits, l.High.RunBits, 2+l.LevelBits+2*max(l.CoordBits, l.High.TeleportDeltaBits))
	return 2 + l.High.OpBits + move
}

// LowUpdateBits is the widest low-res update for one avatar.
func (l *Layout) LowUpdateBits() int {
	return 1 + l.Low.OpBits + max(1+l.LevelBits+2*l.CoordBits, l.LevelBits+2*l.Low.LargeDeltaBits+1)
}

// AdditionBits is the size of one addition record.
func (l *Layout) AdditionBits() int {
	return 1 + l.IndexBits + 1 + l.LevelBits + 2*l.CoordBits + 1
}

// DefaultLayout returns the embedded revision 1 layout.
func DefaultLayout() *Layout {
	l, err := ParseLayout(defaultLayoutYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded layout: %v", err))
	}
	return l
}

func LoadLayout(path string) (*Layout, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := ParseLayout(raw)
	if err != nil {
		return nil, fmt.Errorf("layout.yaml: %w", err)
	}
	return l, nil
}

// ParseLayout decodes, schema-checks and validates a layout document.
func ParseLayout(raw []byte) (*Layout, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}
	var l Layout
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func validateSchema(doc any) error {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("layout.schema.json", layoutSchemaJSON)
	})
	if schemaErr != nil {
		return schemaErr
	}
	// Round trip through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidLayout, fmt.Sprintf(format, args...))
}

// Validate checks the semantic rules the schema cannot express and resolves the
// per-platform tables.
func (l *Layout) Validate() error {
	if l.IndexBits < 16 {
		return invalid("index_bits %d cannot carry a full avatar index", l.IndexBits)
	}
	if l.LevelBits < 2 || l.CoordBits < 14 {
		return invalid("level_bits/coord_bits too narrow")
	}
	if len(l.SkipBits) != 4 {
		return invalid("skip_bits needs 4 widths, got %d", len(l.SkipBits))
	}
	for i := 1; i < len(l.SkipBits); i++ {
		if l.SkipBits[i] <= l.SkipBits[i-1] {
			return invalid("skip_bits must be strictly increasing")
		}
	}
	h := l.High
	if err := distinctOps("high", h.OpBits, h.Ops.None, h.Ops.Walk, h.Ops.Run, h.Ops.Jump); err != nil {
		return err
	}
	if h.WalkBits < 3 || h.RunBits < 4 {
		return invalid("walk_bits/run_bits too narrow for the direction tables")
	}
	if h.TeleportDeltaBits < 2 {
		return invalid("teleport_delta_bits too narrow")
	}
	lo := l.Low
	if err := distinctOps("low", lo.OpBits, lo.Ops.Promote, lo.Ops.DeltaSmall, lo.Ops.DeltaLarge, lo.Ops.Remove); err != nil {
		return err
	}
	if lo.SmallDeltaBits < 2 || lo.LargeDeltaBits <= lo.SmallDeltaBits {
		return invalid("low delta widths must satisfy 2 <= small < large")
	}
	if bits.OnesCount16(l.ExtendedMarker) != 1 || l.ExtendedMarker > 0x80 {
		return invalid("extended_marker must be a single bit of the low byte")
	}

	var seen extinfo.PlatformSet
	for name, pl := range l.Platforms {
		p, ok := extinfo.ParsePlatform(name)
		if !ok {
			return invalid("unknown platform %q", name)
		}
		r, err := l.resolvePlatform(p, pl)
		if err != nil {
			return err
		}
		l.resolved[p] = r
		seen = seen.Add(p)
	}
	for p := extinfo.Platform(0); p < extinfo.PlatformCount; p++ {
		if !seen.Has(p) {
			return invalid("platform %s missing", p)
		}
	}
	return nil
}

func distinctOps(section string, width int, ops ...int) error {
	used := map[int]bool{}
	for _, op := range ops {
		if op < 0 || op >= 1<<width {
			return invalid("%s opcode %d does not fit %d bits", section, op, width)
		}
		if used[op] {
			return invalid("%s opcode %d used twice", section, op)
		}
		used[op] = true
	}
	return nil
}

func (l *Layout) resolvePlatform(p extinfo.Platform, pl PlatformLayout) (Platform, error) {
	r := Platform{ID: p}
	switch pl.ByteOrder {
	case "big":
		r.Order, r.Read = binary.BigEndian, binary.BigEndian
	case "little":
		r.Order, r.Read = binary.LittleEndian, binary.LittleEndian
	default:
		return r, invalid("%s: byte_order %q", p, pl.ByteOrder)
	}

	var all uint16
	var have [extinfo.KindCount]bool
	for name, flag := range pl.Flags {
		k, ok := extinfo.ParseKind(name)
		if !ok {
			return r, invalid("%s: unknown block %q", p, name)
		}
		if bits.OnesCount16(flag) != 1 {
			return r, invalid("%s: flag %#x of %s is not a single bit", p, flag, k)
		}
		if flag == l.ExtendedMarker {
			return r, invalid("%s: flag of %s collides with extended_marker", p, k)
		}
		if all&flag != 0 {
			return r, invalid("%s: flag %#x used twice", p, flag)
		}
		all |= flag
		r.Flags[k] = flag
		have[k] = true
	}
	for k := extinfo.Kind(0); k < extinfo.KindCount; k++ {
		if !have[k] {
			return r, invalid("%s: no flag for %s", p, k)
		}
	}

	var listed [extinfo.KindCount]bool
	for _, name := range pl.Order {
		k, ok := extinfo.ParseKind(name)
		if !ok {
			return r, invalid("%s: unknown block %q in order", p, name)
		}
		if listed[k] {
			return r, invalid("%s: %s listed twice in order", p, k)
		}
		listed[k] = true
		r.Kinds = append(r.Kinds, k)
	}
	if len(r.Kinds) != int(extinfo.KindCount) {
		return r, invalid("%s: order lists %d of %d blocks", p, len(r.Kinds), extinfo.KindCount)
	}
	return r, nil
}

// AppendHeader writes the flag header for mask.
func (pl *Platform) AppendHeader(dst []byte, mask uint16, marker uint16) []byte {
	if mask >= 0x100 {
		return append(dst, byte(mask)|byte(marker), byte(mask>>8))
	}
	return append(dst, byte(mask))
}

// HeaderLen is the size of the header AppendHeader would write for mask.
func HeaderLen(mask uint16) int {
	if mask >= 0x100 {
		return 2
	}
	return 1
}

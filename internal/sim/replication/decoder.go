package replication

import (
	"errors"
	"fmt"
	"sort"

	"gridcast.io/internal/protocol/codec"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/encoding"
	"gridcast.io/internal/sim/extinfo"
)

var ErrDesync = errors.New("replication: stream does not match decoder state")

type Added struct {
	Index avatar.Index
	Coord avatar.Coord
	High  bool
}

type Moved struct {
	Index avatar.Index
	Coord avatar.Coord
	Kind  avatar.MoveKind
}

// Frame is what one packet told the client.
type Frame struct {
	Added    []Added
	Removed  []avatar.Index
	Demoted  []avatar.Index
	Promoted []avatar.Index
	Moved    []Moved
	// Updated lists high-res avatars that carried an update, in stream order.
	Updated []avatar.Index
	Blocks  map[avatar.Index]*codec.Blocks
}

// Decoder is the client side of the stream. It mirrors the resolution lists
// and coordinates the server believes the client holds.
type Decoder struct {
	layout   *codec.Layout
	platform extinfo.Platform
	text     codec.TextCompressor

	high   []avatar.Index
	low    []avatar.Index
	coords map[avatar.Index]avatar.Coord
	// appearance survives demotion; removal forgets it.
	appearance map[avatar.Index]extinfo.Appearance
}

func NewDecoder(l *codec.Layout, p extinfo.Platform, text codec.TextCompressor) *Decoder {
	if text == nil {
		text = codec.NewHuffmanText()
	}
	return &Decoder{
		layout:     l,
		platform:   p,
		text:       text,
		coords:     make(map[avatar.Index]avatar.Coord),
		appearance: make(map[avatar.Index]extinfo.Appearance),
	}
}

func (d *Decoder) High() []avatar.Index { return d.high }
func (d *Decoder) Low() []avatar.Index  { return d.low }

func (d *Decoder) Coord(idx avatar.Index) (avatar.Coord, bool) {
	c, ok := d.coords[idx]
	return c, ok
}

func (d *Decoder) Appearance(idx avatar.Index) (extinfo.Appearance, bool) {
	a, ok := d.appearance[idx]
	return a, ok
}

func (d *Decoder) Resolution(idx avatar.Index) Resolution {
	if i := sort.Search(len(d.high), func(i int) bool { return d.high[i] >= idx }); i < len(d.high) && d.high[i] == idx {
		return HighRes
	}
	if i := sort.Search(len(d.low), func(i int) bool { return d.low[i] >= idx }); i < len(d.low) && d.low[i] == idx {
		return LowRes
	}
	return Absent
}

type streamReader struct {
	r   *encoding.BitReader
	err error
}

func (s *streamReader) bits(n int) int {
	if s.err != nil {
		return 0
	}
	v, err := s.r.ReadBits(n)
	s.err = err
	return int(v)
}

func (s *streamReader) bit() bool { return s.bits(1) == 1 }

func (s *streamReader) signed(n int) int {
	if s.err != nil {
		return 0
	}
	v, err := s.r.ReadSigned(n)
	s.err = err
	return v
}

func (s *streamReader) coord(l *codec.Layout) avatar.Coord {
	level := s.bits(l.LevelBits)
	x := s.bits(l.CoordBits)
	z := s.bits(l.CoordBits)
	if s.err != nil {
		return avatar.InvalidCoord
	}
	c, err := avatar.NewCoord(level, x, z)
	if err != nil {
		s.err = err
	}
	return c
}

// skip reads a skip run if the next opcode is one. It returns the run length
// or zero when the next entry carries an update.
func (s *streamReader) skip(l *codec.Layout) int {
	if s.bit() {
		return 0
	}
	sel := s.bits(2)
	if s.err != nil {
		return 0
	}
	return s.bits(l.SkipBits[sel]) + 1
}

// Decode applies one packet. On error the decoder state is unchanged.
func (d *Decoder) Decode(pkt []byte) (Frame, error) {
	l := d.layout
	s := &streamReader{r: encoding.NewBitReader(pkt)}
	f := Frame{Blocks: make(map[avatar.Index]*codec.Blocks)}
	coords := make(map[avatar.Index]avatar.Coord, len(d.coords))
	for k, v := range d.coords {
		coords[k] = v
	}
	var newHigh, newLow, extQueue []avatar.Index

	for i := 0; i < len(d.high) && s.err == nil; {
		if n := s.skip(l); n > 0 {
			if i+n > len(d.high) {
				return f, fmt.Errorf("%w: high skip of %d past %d entries", ErrDesync, n, len(d.high)-i)
			}
			newHigh = append(newHigh, d.high[i:i+n]...)
			i += n
			continue
		}
		idx := d.high[i]
		i++
		ext := s.bit()
		op := s.bits(l.High.OpBits)
		cur := coords[idx]
		switch op {
		case l.High.Ops.None:
		case l.High.Ops.Walk:
			dx, dz, ok := avatar.WalkDelta(uint8(s.bits(l.High.WalkBits)))
			if !ok {
				return f, fmt.Errorf("%w: bad walk direction", ErrDesync)
			}
			f.Moved = append(f.Moved, d.step(coords, idx, cur, dx, dz, avatar.MoveWalk, s))
		case l.High.Ops.Run:
			dx, dz, ok := avatar.RunDelta(uint8(s.bits(l.High.RunBits)))
			if !ok {
				return f, fmt.Errorf("%w: bad run direction", ErrDesync)
			}
			f.Moved = append(f.Moved, d.step(coords, idx, cur, dx, dz, avatar.MoveRun, s))
		case l.High.Ops.Jump:
			if s.bit() {
				keep := s.bit()
				if ext {
					return f, fmt.Errorf("%w: ext bit on removal of %v", ErrDesync, idx)
				}
				if keep {
					newLow = append(newLow, idx)
					f.Demoted = append(f.Demoted, idx)
				} else {
					delete(coords, idx)
					f.Removed = append(f.Removed, idx)
				}
				continue
			}
			large := s.bit()
			var next avatar.Coord
			if large {
				next = s.coord(l)
			} else {
				level := s.bits(l.LevelBits)
				dx := s.signed(l.High.TeleportDeltaBits)
				dz := s.signed(l.High.TeleportDeltaBits)
				if s.err == nil {
					var err error
					if next, err = avatar.NewCoord(level, cur.X()+dx, cur.Z()+dz); err != nil {
						s.err = err
					}
				}
			}
			coords[idx] = next
			f.Moved = append(f.Moved, Moved{Index: idx, Coord: next, Kind: avatar.MoveJump})
		default:
			return f, fmt.Errorf("%w: high opcode %d", ErrDesync, op)
		}
		newHigh = append(newHigh, idx)
		f.Updated = append(f.Updated, idx)
		if ext {
			extQueue = append(extQueue, idx)
		}
	}

	for i := 0; i < len(d.low) && s.err == nil; {
		if n := s.skip(l); n > 0 {
			if i+n > len(d.low) {
				return f, fmt.Errorf("%w: low skip of %d past %d entries", ErrDesync, n, len(d.low)-i)
			}
			newLow = append(newLow, d.low[i:i+n]...)
			i += n
			continue
		}
		idx := d.low[i]
		i++
		op := s.bits(l.Low.OpBits)
		switch op {
		case l.Low.Ops.Promote:
			ext := s.bit()
			coords[idx] = s.coord(l)
			newHigh = append(newHigh, idx)
			f.Promoted = append(f.Promoted, idx)
			if ext {
				extQueue = append(extQueue, idx)
			}
		case l.Low.Ops.DeltaSmall, l.Low.Ops.DeltaLarge:
			width := l.Low.SmallDeltaBits
			if op == l.Low.Ops.DeltaLarge {
				width = l.Low.LargeDeltaBits
			}
			level := s.bits(l.LevelBits)
			dx := s.signed(width)
			dz := s.signed(width)
			jump := s.bit()
			if s.err != nil {
				break
			}
			cur := coords[idx]
			next, err := avatar.NewCoord(level, cur.X()+dx, cur.Z()+dz)
			if err != nil {
				return f, fmt.Errorf("%w: low delta for %v: %v", ErrDesync, idx, err)
			}
			coords[idx] = next
			kind := avatar.MoveWalk
			if jump {
				kind = avatar.MoveJump
			}
			f.Moved = append(f.Moved, Moved{Index: idx, Coord: next, Kind: kind})
			newLow = append(newLow, idx)
		case l.Low.Ops.Remove:
			delete(coords, idx)
			f.Removed = append(f.Removed, idx)
		default:
			return f, fmt.Errorf("%w: low opcode %d", ErrDesync, op)
		}
	}

	for s.err == nil && s.bit() {
		idx := avatar.Index(s.bits(l.IndexBits))
		high := s.bit()
		c := s.coord(l)
		if s.err != nil {
			break
		}
		if _, tracked := coords[idx]; tracked {
			return f, fmt.Errorf("%w: addition of tracked %v", ErrDesync, idx)
		}
		coords[idx] = c
		f.Added = append(f.Added, Added{Index: idx, Coord: c, High: high})
		if high {
			newHigh = append(newHigh, idx)
			if s.bit() {
				extQueue = append(extQueue, idx)
			}
		} else {
			newLow = append(newLow, idx)
		}
	}
	if s.err != nil {
		return f, fmt.Errorf("%w: %v", ErrDesync, s.err)
	}

	off := s.r.Align()
	appearance := map[avatar.Index]extinfo.Appearance{}
	for _, idx := range extQueue {
		b, n, err := codec.DecodeBlocks(l, d.platform, d.text, pkt[off:])
		if err != nil {
			return f, fmt.Errorf("%w: blocks of %v: %v", ErrDesync, idx, err)
		}
		off += n
		f.Blocks[idx] = &b
		if b.Has(extinfo.KindAppearance) {
			appearance[idx] = b.Appearance
		}
	}
	if off != len(pkt) {
		return f, fmt.Errorf("%w: %d trailing bytes", ErrDesync, len(pkt)-off)
	}

	sort.Slice(newHigh, func(i, j int) bool { return newHigh[i] < newHigh[j] })
	sort.Slice(newLow, func(i, j int) bool { return newLow[i] < newLow[j] })
	d.high, d.low, d.coords = newHigh, newLow, coords
	for _, idx := range f.Removed {
		delete(d.appearance, idx)
	}
	for idx, a := range appearance {
		d.appearance[idx] = a
	}
	return f, nil
}

func (d *Decoder) step(coords map[avatar.Index]avatar.Coord, idx avatar.Index, cur avatar.Coord, dx, dz int, kind avatar.MoveKind, s *streamReader) Moved {
	next, err := cur.Translate(cur.Level(), dx, dz)
	if err != nil && s.err == nil {
		s.err = err
	}
	coords[idx] = next
	return Moved{Index: idx, Coord: next, Kind: kind}
}

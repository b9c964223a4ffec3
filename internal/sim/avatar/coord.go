package avatar

import "fmt"

const (
	MaxLevel = 3
	MaxTile  = 1<<14 - 1
)

// Coord packs level, x and z into one word so it is always replaced whole.
type Coord uint32

const InvalidCoord Coord = 0xFFFFFFFF

func NewCoord(level, x, z int) (Coord, error) {
	if level < 0 || level > MaxLevel || x < 0 || x > MaxTile || z < 0 || z > MaxTile {
		return InvalidCoord, fmt.Errorf("coord out of range: level=%d x=%d z=%d", level, x, z)
	}
	return Coord(uint32(level)<<28 | uint32(x)<<14 | uint32(z)), nil
}

// MustCoord is NewCoord for constants and tests.
func MustCoord(level, x, z int) Coord {
	c, err := NewCoord(level, x, z)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Coord) Valid() bool { return c != InvalidCoord }
func (c Coord) Level() int  { return int(c>>28) & 0x3 }
func (c Coord) X() int      { return int(c>>14) & MaxTile }
func (c Coord) Z() int      { return int(c) & MaxTile }

// Translate returns c moved by (dx, dz) and placed on level.
func (c Coord) Translate(level, dx, dz int) (Coord, error) {
	return NewCoord(level, c.X()+dx, c.Z()+dz)
}

// Chebyshev returns the tile distance between a and b ignoring level.
func Chebyshev(a, b Coord) int {
	dx := a.X() - b.X()
	if dx < 0 {
		dx = -dx
	}
	dz := a.Z() - b.Z()
	if dz < 0 {
		dz = -dz
	}
	if dx > dz {
		return dx
	}
	return dz
}

func (c Coord) String() string {
	if !c.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("(%d,%d,%d)", c.Level(), c.X(), c.Z())
}

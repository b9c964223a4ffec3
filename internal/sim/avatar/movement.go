package avatar

// MoveKind classifies an avatar's step between two ticks.
type MoveKind uint8

const (
	MoveNone MoveKind = iota
	MoveWalk
	MoveRun
	MoveJump
)

func (k MoveKind) String() string {
	switch k {
	case MoveNone:
		return "none"
	case MoveWalk:
		return "walk"
	case MoveRun:
		return "run"
	case MoveJump:
		return "jump"
	default:
		return "unknown"
	}
}

// Movement is computed once per avatar per tick and shared by every observer.
type Movement struct {
	Kind MoveKind
	// Dir is the LUT direction for walk (0..7) and run (0..15) steps.
	Dir uint8
	DX  int
	DZ  int
}

// walkDirs and runDirs are indexed by [dz+r][dx+r]; -1 marks cells with no direction.
var (
	walkDirs [3][3]int8
	runDirs  [5][5]int8

	walkDeltas [8][2]int8
	runDeltas  [16][2]int8
)

func init() {
	for i := range walkDirs {
		for j := range walkDirs[i] {
			walkDirs[i][j] = -1
		}
	}
	for i := range runDirs {
		for j := range runDirs[i] {
			runDirs[i][j] = -1
		}
	}
	n := int8(0)
	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			walkDirs[dz+1][dx+1] = n
			walkDeltas[n] = [2]int8{int8(dx), int8(dz)}
			n++
		}
	}
	n = 0
	for dz := -2; dz <= 2; dz++ {
		for dx := -2; dx <= 2; dx++ {
			if dx > -2 && dx < 2 && dz > -2 && dz < 2 {
				continue
			}
			runDirs[dz+2][dx+2] = n
			runDeltas[n] = [2]int8{int8(dx), int8(dz)}
			n++
		}
	}
}

// Classify derives the movement from prev to cur. A teleport flag or a level change
// always yields MoveJump so the client never interpolates across it.
func Classify(prev, cur Coord, teleport bool) Movement {
	if !prev.Valid() || !cur.Valid() {
		return Movement{Kind: MoveJump}
	}
	dx := cur.X() - prev.X()
	dz := cur.Z() - prev.Z()
	m := Movement{DX: dx, DZ: dz}
	if teleport || prev.Level() != cur.Level() {
		m.Kind = MoveJump
		return m
	}
	switch Chebyshev(prev, cur) {
	case 0:
		m.Kind = MoveNone
	case 1:
		m.Kind = MoveWalk
		m.Dir = uint8(walkDirs[dz+1][dx+1])
	case 2:
		m.Kind = MoveRun
		m.Dir = uint8(runDirs[dz+2][dx+2])
	default:
		m.Kind = MoveJump
	}
	return m
}

// WalkDelta and RunDelta invert the direction LUTs for decoders.
func WalkDelta(dir uint8) (dx, dz int, ok bool) {
	if int(dir) >= len(walkDeltas) {
		return 0, 0, false
	}
	d := walkDeltas[dir]
	return int(d[0]), int(d[1]), true
}

func RunDelta(dir uint8) (dx, dz int, ok bool) {
	if int(dir) >= len(runDeltas) {
		return 0, 0, false
	}
	d := runDeltas[dir]
	return int(d[0]), int(d[1]), true
}

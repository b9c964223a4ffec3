package avatar

import "testing"

func TestCoord_PackUnpack(t *testing.T) {
	c, err := NewCoord(3, 16383, 1234)
	if err != nil {
		t.Fatalf("NewCoord: %v", err)
	}
	if c.Level() != 3 || c.X() != 16383 || c.Z() != 1234 {
		t.Fatalf("unpacked %v", c)
	}
	if !c.Valid() {
		t.Fatalf("valid coord reported invalid")
	}
	if InvalidCoord.Valid() {
		t.Fatalf("sentinel reported valid")
	}
	for _, bad := range [][3]int{{4, 0, 0}, {0, -1, 0}, {0, 0, 16384}} {
		if _, err := NewCoord(bad[0], bad[1], bad[2]); err == nil {
			t.Fatalf("NewCoord%v accepted out-of-range input", bad)
		}
	}
}

func TestIndex_Ranges(t *testing.T) {
	if !Index(0).IsPlayer() || !Index(2047).IsPlayer() || Index(2048).IsPlayer() {
		t.Fatalf("player range wrong")
	}
	if !Index(2048).IsNPC() || None.IsNPC() || Index(5).IsNPC() {
		t.Fatalf("npc range wrong")
	}
	idx, ok := NPCIndex(10)
	if !ok || idx != NPCBase+10 || idx.String() != "N10" {
		t.Fatalf("NPCIndex(10)=%v,%v", idx, ok)
	}
	if _, ok := NPCIndex(int(None - NPCBase)); ok {
		t.Fatalf("NPCIndex accepted slot mapping to None")
	}
}

func TestClassify_DirectionTables(t *testing.T) {
	origin := MustCoord(0, 100, 100)
	seen := map[uint8]bool{}
	for dz := -1; dz <= 1; dz++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dz == 0 {
				continue
			}
			m := Classify(origin, MustCoord(0, 100+dx, 100+dz), false)
			if m.Kind != MoveWalk {
				t.Fatalf("(%d,%d) kind=%v", dx, dz, m.Kind)
			}
			gx, gz, ok := WalkDelta(m.Dir)
			if !ok || gx != dx || gz != dz {
				t.Fatalf("walk dir %d inverts to (%d,%d)", m.Dir, gx, gz)
			}
			seen[m.Dir] = true
		}
	}
	if len(seen) != 8 {
		t.Fatalf("walk directions not unique: %v", seen)
	}

	runSeen := map[uint8]bool{}
	for dz := -2; dz <= 2; dz++ {
		for dx := -2; dx <= 2; dx++ {
			if Chebyshev(origin, MustCoord(0, 100+dx, 100+dz)) != 2 {
				continue
			}
			m := Classify(origin, MustCoord(0, 100+dx, 100+dz), false)
			if m.Kind != MoveRun {
				t.Fatalf("(%d,%d) kind=%v", dx, dz, m.Kind)
			}
			gx, gz, ok := RunDelta(m.Dir)
			if !ok || gx != dx || gz != dz {
				t.Fatalf("run dir %d inverts to (%d,%d)", m.Dir, gx, gz)
			}
			runSeen[m.Dir] = true
		}
	}
	if len(runSeen) != 16 {
		t.Fatalf("run directions not unique: %d", len(runSeen))
	}
}

func TestClassify_Jumps(t *testing.T) {
	a := MustCoord(0, 100, 100)
	cases := []struct {
		name     string
		prev     Coord
		cur      Coord
		teleport bool
		want     MoveKind
	}{
		{"stationary", a, a, false, MoveNone},
		{"teleport flag", a, MustCoord(0, 101, 100), true, MoveJump},
		{"level change", a, MustCoord(1, 100, 100), false, MoveJump},
		{"far", a, MustCoord(0, 110, 100), false, MoveJump},
		{"spawned", InvalidCoord, a, false, MoveJump},
	}
	for _, c := range cases {
		if got := Classify(c.prev, c.cur, c.teleport).Kind; got != c.want {
			t.Fatalf("%s: kind=%v want %v", c.name, got, c.want)
		}
	}
}

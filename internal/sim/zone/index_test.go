package zone

import (
	"errors"
	"testing"

	"golang.org/x/exp/rand"

	"gridcast.io/internal/sim/avatar"
)

func TestIndex_AddGetRemove(t *testing.T) {
	ix := New(3)
	a := avatar.MustCoord(0, 3200, 3200)
	b := avatar.MustCoord(0, 3207, 3201) // same 8x8 zone
	c := avatar.MustCoord(0, 3208, 3200) // next zone over

	for i, co := range []avatar.Coord{a, b, c} {
		if err := ix.Add(avatar.Index(i), co); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := ix.Get(0, 400, 400); len(got) != 2 {
		t.Fatalf("zone 400/400 has %v, want 2 entries", got)
	}
	if got := ix.Get(0, 401, 400); len(got) != 1 || got[0] != 2 {
		t.Fatalf("zone 401/400 has %v", got)
	}
	if err := ix.Add(0, a); !errors.Is(err, ErrAlreadyIndexed) {
		t.Fatalf("duplicate add err=%v", err)
	}
	if err := ix.Remove(2, c); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ix.Buckets() != 1 {
		t.Fatalf("empty bucket not freed: %d buckets", ix.Buckets())
	}
	if err := ix.Remove(2, c); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("second remove err=%v", err)
	}
	if err := ix.Remove(0, c); !errors.Is(err, ErrNotIndexed) {
		t.Fatalf("remove from wrong zone err=%v", err)
	}
	if ix.Len() != 2 {
		t.Fatalf("Len=%d want 2", ix.Len())
	}
}

func TestIndex_LevelsAreSeparate(t *testing.T) {
	ix := New(3)
	_ = ix.Add(1, avatar.MustCoord(0, 10, 10))
	_ = ix.Add(2, avatar.MustCoord(2, 10, 10))
	if got := ix.Get(0, 1, 1); len(got) != 1 || got[0] != 1 {
		t.Fatalf("level 0 bucket = %v", got)
	}
	if got := ix.Get(2, 1, 1); len(got) != 1 || got[0] != 2 {
		t.Fatalf("level 2 bucket = %v", got)
	}
}

func TestIndex_MoveWithinZoneIsNoop(t *testing.T) {
	ix := New(3)
	from := avatar.MustCoord(0, 16, 16)
	_ = ix.Add(7, from)
	if err := ix.Move(7, from, avatar.MustCoord(0, 17, 17)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if err := ix.Move(7, from, avatar.MustCoord(0, 40, 16)); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if len(ix.Get(0, 2, 2)) != 0 || len(ix.Get(0, 5, 2)) != 1 {
		t.Fatalf("move did not re-bucket")
	}
}

func TestIndex_AroundClampsAtOrigin(t *testing.T) {
	ix := New(3)
	_ = ix.Add(1, avatar.MustCoord(0, 0, 0))
	_ = ix.Add(2, avatar.MustCoord(0, 30, 30))
	_ = ix.Add(3, avatar.MustCoord(0, 200, 200))
	var got []avatar.Index
	ix.Around(avatar.MustCoord(0, 4, 4), 32, func(b []avatar.Index) { got = append(got, b...) })
	if len(got) != 2 {
		t.Fatalf("Around returned %v, want indices 1 and 2", got)
	}
}

// A bucket contains an index iff that index was last added (and not since
// removed) at a coordinate mapping to that zone, and never twice.
func TestIndex_RandomSequenceMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ix := New(3)
	model := map[avatar.Index]avatar.Coord{}

	for step := 0; step < 20000; step++ {
		idx := avatar.Index(rng.Intn(64))
		co := avatar.MustCoord(rng.Intn(2), 3000+rng.Intn(64), 3000+rng.Intn(64))
		if prev, ok := model[idx]; ok {
			if rng.Intn(3) == 0 {
				if err := ix.Remove(idx, prev); err != nil {
					t.Fatalf("step %d: Remove: %v", step, err)
				}
				delete(model, idx)
				continue
			}
			if err := ix.Move(idx, prev, co); err != nil {
				t.Fatalf("step %d: Move: %v", step, err)
			}
			model[idx] = co
			continue
		}
		if err := ix.Add(idx, co); err != nil {
			t.Fatalf("step %d: Add: %v", step, err)
		}
		model[idx] = co
	}

	if ix.Len() != len(model) {
		t.Fatalf("Len=%d model=%d", ix.Len(), len(model))
	}
	seen := map[avatar.Index]Key{}
	for k, bucket := range ix.buckets {
		if len(bucket) == 0 {
			t.Fatalf("empty bucket retained for %v", k)
		}
		for _, idx := range bucket {
			if prevKey, dup := seen[idx]; dup {
				t.Fatalf("%v indexed twice (%v and %v)", idx, prevKey, k)
			}
			seen[idx] = k
			co, ok := model[idx]
			if !ok {
				t.Fatalf("%v indexed but removed in model", idx)
			}
			if ix.KeyOf(co) != k {
				t.Fatalf("%v in zone %v, model coord %v", idx, k, co)
			}
		}
	}
}

package zone

import (
	"errors"
	"fmt"

	"gridcast.io/internal/sim/avatar"
)

var (
	ErrNotIndexed     = errors.New("zone: avatar not indexed in zone")
	ErrAlreadyIndexed = errors.New("zone: avatar already indexed in zone")
)

const DefaultShift = 3

// Key packs (level, zoneX, zoneZ). Zone coordinates fit in 11 bits for shift >= 3.
type Key uint32

func MakeKey(level, zx, zz int) Key {
	return Key(uint32(level&0x3)<<28 | uint32(zx&0x3FFF)<<14 | uint32(zz&0x3FFF))
}

func (k Key) Level() int { return int(k>>28) & 0x3 }
func (k Key) X() int     { return int(k>>14) & 0x3FFF }
func (k Key) Z() int     { return int(k) & 0x3FFF }

// Index maps zones to the avatar indices located in them. It is owned by the
// replication coordinator and is never mutated while workers read it.
type Index struct {
	shift   uint
	buckets map[Key][]avatar.Index
	count   int
}

func New(shift int) *Index {
	if shift <= 0 {
		shift = DefaultShift
	}
	return &Index{
		shift:   uint(shift),
		buckets: make(map[Key][]avatar.Index),
	}
}

func (ix *Index) Shift() int { return int(ix.shift) }

// Size is the zone edge length in tiles.
func (ix *Index) Size() int { return 1 << ix.shift }

func (ix *Index) KeyOf(c avatar.Coord) Key {
	return MakeKey(c.Level(), c.X()>>ix.shift, c.Z()>>ix.shift)
}

// Len is the number of indexed avatars.
func (ix *Index) Len() int { return ix.count }

// Buckets is the number of non-empty zones.
func (ix *Index) Buckets() int { return len(ix.buckets) }

// Add places idx in the zone containing c.
func (ix *Index) Add(idx avatar.Index, c avatar.Coord) error {
	if !c.Valid() {
		return fmt.Errorf("add %v at invalid coord: %w", idx, ErrNotIndexed)
	}
	k := ix.KeyOf(c)
	bucket := ix.buckets[k]
	for _, v := range bucket {
		if v == idx {
			return fmt.Errorf("add %v to zone %d/%d/%d: %w", idx, k.Level(), k.X(), k.Z(), ErrAlreadyIndexed)
		}
	}
	ix.buckets[k] = append(bucket, idx)
	ix.count++
	return nil
}

// Remove takes idx out of the zone containing c. The last removal frees the bucket.
func (ix *Index) Remove(idx avatar.Index, c avatar.Coord) error {
	if !c.Valid() {
		return fmt.Errorf("remove %v at invalid coord: %w", idx, ErrNotIndexed)
	}
	k := ix.KeyOf(c)
	bucket := ix.buckets[k]
	for i := range bucket {
		if bucket[i] != idx {
			continue
		}
		bucket[i] = bucket[len(bucket)-1]
		bucket = bucket[:len(bucket)-1]
		if len(bucket) == 0 {
			delete(ix.buckets, k)
		} else {
			ix.buckets[k] = bucket
		}
		ix.count--
		return nil
	}
	return fmt.Errorf("remove %v from zone %d/%d/%d: %w", idx, k.Level(), k.X(), k.Z(), ErrNotIndexed)
}

// Move re-buckets idx when its zone changes.
func (ix *Index) Move(idx avatar.Index, from, to avatar.Coord) error {
	if from.Valid() && to.Valid() && ix.KeyOf(from) == ix.KeyOf(to) {
		return nil
	}
	if from.Valid() {
		if err := ix.Remove(idx, from); err != nil {
			return err
		}
	}
	if to.Valid() {
		return ix.Add(idx, to)
	}
	return nil
}

// Get returns the indices in one zone. The slice is a read-only view valid until
// the next mutation.
func (ix *Index) Get(level, zx, zz int) []avatar.Index {
	return ix.buckets[MakeKey(level, zx, zz)]
}

// Around calls fn for every zone bucket overlapping the square of the given
// radius (in tiles) around c on c's level.
func (ix *Index) Around(c avatar.Coord, radius int, fn func(bucket []avatar.Index)) {
	if !c.Valid() {
		return
	}
	minX := (c.X() - radius) >> ix.shift
	maxX := (c.X() + radius) >> ix.shift
	minZ := (c.Z() - radius) >> ix.shift
	maxZ := (c.Z() + radius) >> ix.shift
	if minX < 0 {
		minX = 0
	}
	if minZ < 0 {
		minZ = 0
	}
	for zx := minX; zx <= maxX; zx++ {
		for zz := minZ; zz <= maxZ; zz++ {
			if b := ix.buckets[MakeKey(c.Level(), zx, zz)]; len(b) > 0 {
				fn(b)
			}
		}
	}
}

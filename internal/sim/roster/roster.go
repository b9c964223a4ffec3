package roster

import (
	"errors"
	"fmt"
	"sort"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

var (
	ErrFull      = errors.New("roster: no free slot")
	ErrNotActive = errors.New("roster: avatar not active")
)

// Record is one replicated avatar. Game logic mutates Coord and Blocks between
// ticks; the replication coordinator owns everything else.
type Record struct {
	Index    avatar.Index
	Coord    avatar.Coord
	Prev     avatar.Coord
	Teleport bool
	Move     avatar.Movement
	Blocks   extinfo.Set

	active  bool
	indexed avatar.Coord
}

// MoveTo sets the current coordinate. Steps of more than two tiles are sent as jumps.
func (r *Record) MoveTo(c avatar.Coord) { r.Coord = c }

// TeleportTo sets the coordinate and forces a jump so clients do not interpolate.
func (r *Record) TeleportTo(c avatar.Coord) {
	r.Coord = c
	r.Teleport = true
}

func (r *Record) Active() bool { return r.active }

// Indexed is the coordinate the zone index currently holds for this avatar.
func (r *Record) Indexed() avatar.Coord { return r.indexed }

func (r *Record) SetIndexed(c avatar.Coord) { r.indexed = c }

func (r *Record) reset() {
	r.Coord = avatar.InvalidCoord
	r.Prev = avatar.InvalidCoord
	r.Teleport = false
	r.Move = avatar.Movement{}
	r.Blocks.Clear()
	r.active = false
}

// Released is a slot freed during the current tick. The zone index may still
// reference it at Coord.
type Released struct {
	Index   avatar.Index
	Indexed avatar.Coord
}

// Table is the slot arena over the whole avatar index space. Records are
// allocated on first use and reused after release; a released slot is cleared
// immediately and stays quarantined until EndTick so its index is never handed
// out twice in one tick.
type Table struct {
	counter *extinfo.Counter
	maxNPCs int

	records    []*Record
	order      []avatar.Index
	quarantine []Released
	held       map[avatar.Index]struct{}
}

func NewTable(counter *extinfo.Counter, maxNPCs int) *Table {
	limit := int(avatar.None - avatar.NPCBase)
	if maxNPCs <= 0 || maxNPCs > limit {
		maxNPCs = limit
	}
	return &Table{
		counter: counter,
		maxNPCs: maxNPCs,
		records: make([]*Record, int(avatar.NPCBase)+maxNPCs),
		held:    make(map[avatar.Index]struct{}),
	}
}

func (t *Table) Counter() *extinfo.Counter { return t.counter }

// SpawnPlayer takes the lowest free player index.
func (t *Table) SpawnPlayer(c avatar.Coord) (*Record, error) {
	return t.spawn(0, int(avatar.MaxPlayers), c)
}

// SpawnNPC takes the lowest free NPC index.
func (t *Table) SpawnNPC(c avatar.Coord) (*Record, error) {
	return t.spawn(int(avatar.NPCBase), int(avatar.NPCBase)+t.maxNPCs, c)
}

func (t *Table) spawn(lo, hi int, c avatar.Coord) (*Record, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("spawn at invalid coord")
	}
	for i := lo; i < hi; i++ {
		r := t.records[i]
		if r != nil && r.active {
			continue
		}
		idx := avatar.Index(i)
		if _, q := t.held[idx]; q {
			continue
		}
		if r == nil {
			r = &Record{Index: idx, indexed: avatar.InvalidCoord}
			r.Blocks.Init(t.counter)
			t.records[i] = r
		}
		r.active = true
		r.Coord = c
		r.Prev = c
		r.Teleport = false
		t.insert(idx)
		return r, nil
	}
	return nil, ErrFull
}

// Despawn clears the slot and quarantines its index until EndTick.
func (t *Table) Despawn(idx avatar.Index) error {
	r := t.Get(idx)
	if r == nil {
		return fmt.Errorf("despawn %v: %w", idx, ErrNotActive)
	}
	t.quarantine = append(t.quarantine, Released{Index: idx, Indexed: r.indexed})
	t.held[idx] = struct{}{}
	r.reset()
	r.indexed = avatar.InvalidCoord
	t.remove(idx)
	return nil
}

// Get returns the active record for idx or nil.
func (t *Table) Get(idx avatar.Index) *Record {
	if int(idx) >= len(t.records) {
		return nil
	}
	r := t.records[idx]
	if r == nil || !r.active {
		return nil
	}
	return r
}

func (t *Table) Len() int { return len(t.order) }

// Each visits active records in ascending index order. fn must not spawn or despawn.
func (t *Table) Each(fn func(r *Record)) {
	for _, idx := range t.order {
		fn(t.records[idx])
	}
}

// Released lists the slots freed this tick.
func (t *Table) Released() []Released { return t.quarantine }

// EndTick rolls every active record into the next tick and lifts the quarantine.
func (t *Table) EndTick() {
	for _, idx := range t.order {
		r := t.records[idx]
		r.Prev = r.Coord
		r.Teleport = false
		r.Blocks.EndTick()
	}
	for _, q := range t.quarantine {
		delete(t.held, q.Index)
	}
	t.quarantine = t.quarantine[:0]
}

func (t *Table) insert(idx avatar.Index) {
	i := sort.Search(len(t.order), func(i int) bool { return t.order[i] >= idx })
	t.order = append(t.order, 0)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = idx
}

func (t *Table) remove(idx avatar.Index) {
	i := sort.Search(len(t.order), func(i int) bool { return t.order[i] >= idx })
	if i < len(t.order) && t.order[i] == idx {
		t.order = append(t.order[:i], t.order[i+1:]...)
	}
}

package replication

import (
	"sort"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

// Resolution is an observer's view of one avatar.
type Resolution uint8

const (
	Absent Resolution = iota
	LowRes
	HighRes
)

func (r Resolution) String() string {
	switch r {
	case LowRes:
		return "low"
	case HighRes:
		return "high"
	default:
		return "absent"
	}
}

const bitsetWords = (1 << 16) / 64

type bitset []uint64

func newBitset() bitset { return make(bitset, bitsetWords) }

func (b bitset) has(i avatar.Index) bool { return b[i>>6]&(1<<(i&63)) != 0 }
func (b bitset) set(i avatar.Index)      { b[i>>6] |= 1 << (i & 63) }
func (b bitset) unset(i avatar.Index)    { b[i>>6] &^= 1 << (i & 63) }

// tracked is one list entry: the avatar and the coordinate its observer
// currently believes it has.
type tracked struct {
	idx   avatar.Index
	known avatar.Coord
}

// deferredBlocks is what a deferred avatar still owes its observer. State
// kinds keep the newest bytes; event kinds queue oldest first and a retry
// sends one per kind.
type deferredBlocks struct {
	has    [extinfo.KindCount]bool
	blocks [extinfo.KindCount][]byte
	events [extinfo.KindCount][][]byte
}

func (d *deferredBlocks) pop(k extinfo.Kind) {
	d.events[k][0] = nil
	d.events[k] = d.events[k][1:]
}

func (d *deferredBlocks) empty() bool {
	for k := range d.has {
		if d.has[k] || len(d.events[k]) > 0 {
			return false
		}
	}
	return true
}

// Tracker is the per-observer resolution state. Only the observer's own task
// touches it during fan-out.
type Tracker struct {
	spec ObserverSpec

	high    []tracked
	highSet bitset
	low     []tracked
	lowSet  bitset

	// seen holds the appearance stamp last delivered per tracked avatar.
	seen     map[avatar.Index]uint64
	deferred map[avatar.Index]*deferredBlocks

	receipts []*receipt
	last     *Packet
	fault    error

	// Transitions of the last build.
	added   []avatar.Index
	removed []avatar.Index
	stats   buildStats

	spareHigh []tracked
	spareLow  []tracked
}

func newTracker(spec ObserverSpec) *Tracker {
	return &Tracker{
		spec:     spec,
		highSet:  newBitset(),
		lowSet:   newBitset(),
		seen:     make(map[avatar.Index]uint64),
		deferred: make(map[avatar.Index]*deferredBlocks),
	}
}

func (t *Tracker) Observer() avatar.Index { return t.spec.Index }

// HighRadius and LowRadius are the view distances after clamping.
func (t *Tracker) HighRadius() int { return t.spec.HighRadius }
func (t *Tracker) LowRadius() int  { return t.spec.LowRadius }

func (t *Tracker) State(idx avatar.Index) Resolution {
	switch {
	case t.highSet.has(idx):
		return HighRes
	case t.lowSet.has(idx):
		return LowRes
	default:
		return Absent
	}
}

// High lists the high-resolution avatars in ascending index order.
func (t *Tracker) High() []avatar.Index { return indices(t.high) }

// Low lists the low-resolution avatars in ascending index order.
func (t *Tracker) Low() []avatar.Index { return indices(t.low) }

// Added and Removed are the explicit transition lists of the last tick.
func (t *Tracker) Added() []avatar.Index   { return t.added }
func (t *Tracker) Removed() []avatar.Index { return t.removed }

// Deferred reports whether idx has extended info waiting for a later tick.
func (t *Tracker) Deferred(idx avatar.Index) bool {
	_, ok := t.deferred[idx]
	return ok
}

func indices(l []tracked) []avatar.Index {
	out := make([]avatar.Index, len(l))
	for i, e := range l {
		out[i] = e.idx
	}
	return out
}

func (t *Tracker) deferredFor(idx avatar.Index) *deferredBlocks {
	d := t.deferred[idx]
	if d == nil {
		d = &deferredBlocks{}
		t.deferred[idx] = d
	}
	return d
}

func (t *Tracker) stash(idx avatar.Index, k extinfo.Kind, b []byte) {
	d := t.deferredFor(idx)
	d.has[k] = true
	d.blocks[k] = append(d.blocks[k][:0], b...)
}

func (t *Tracker) push(idx avatar.Index, k extinfo.Kind, b []byte) {
	d := t.deferredFor(idx)
	d.events[k] = append(d.events[k], append([]byte(nil), b...))
}

// commit swaps in the lists built this tick. Both must be sorted. A removed
// avatar's appearance is forgotten because the client drops it too.
func (t *Tracker) commit(high, low []tracked, added, removed []avatar.Index) {
	t.added = append(t.added[:0], added...)
	t.removed = append(t.removed[:0], removed...)
	for _, idx := range removed {
		delete(t.seen, idx)
	}
	for _, e := range t.high {
		t.highSet.unset(e.idx)
	}
	for _, e := range t.low {
		t.lowSet.unset(e.idx)
	}
	for _, e := range high {
		t.highSet.set(e.idx)
	}
	for _, e := range low {
		t.lowSet.set(e.idx)
	}
	for idx := range t.deferred {
		if !t.highSet.has(idx) {
			delete(t.deferred, idx)
		}
	}
	t.spareHigh, t.high = t.high[:0], high
	t.spareLow, t.low = t.low[:0], low
}

func sortTracked(l []tracked) {
	sort.Slice(l, func(i, j int) bool { return l[i].idx < l[j].idx })
}

package extinfo

import (
	"errors"
	"sync/atomic"

	"gridcast.io/internal/sim/avatar"
)

var (
	ErrCacheReleased = errors.New("extinfo: cached encoding already released")
	ErrNotCached     = errors.New("extinfo: no cached encoding for platform")
)

// Counter is the global change counter shared by every Set of one engine.
// Mutations stamp it onto the changed slot; publishing a shared encoding
// records the stamp it was materialized from.
type Counter struct {
	v atomic.Uint64
}

func (c *Counter) Next() uint64    { return c.v.Add(1) }
func (c *Counter) Current() uint64 { return c.v.Load() }

type cacheState uint8

const (
	cacheEmpty cacheState = iota
	cacheReady
	cacheFailed
	cacheReleased
)

type cacheEntry struct {
	state          cacheState
	buf            []byte
	err            error
	materializedAt uint64
}

func (e *cacheEntry) release() {
	e.state = cacheReleased
	e.buf = e.buf[:0]
	e.err = nil
	e.materializedAt = 0
}

type slot struct {
	dirty     bool
	changedAt uint64
	cache     [PlatformCount]cacheEntry
}

// Set holds every extended-info block of one avatar.
type Set struct {
	counter *Counter
	slots   [KindCount]slot

	appearance Appearance
	sequence   Sequence
	faceAngle  FaceAngle
	faceAvatar FaceAvatar
	say        Say
	chat       Chat
	hits       []Hit
	tint       Tint
	spotAnim   SpotAnim
}

func NewSet(counter *Counter) *Set {
	s := &Set{}
	s.Init(counter)
	return s
}

// Init binds the set to a change counter. Used for sets embedded by value.
func (s *Set) Init(counter *Counter) {
	s.counter = counter
	s.faceAvatar.Target = avatar.None
}

func (s *Set) touch(k Kind) {
	sl := &s.slots[k]
	sl.dirty = true
	if s.counter != nil {
		sl.changedAt = s.counter.Next()
	} else {
		sl.changedAt++
	}
}

func (s *Set) SetAppearance(a Appearance) { s.appearance = a; s.touch(KindAppearance) }
func (s *Set) SetSequence(q Sequence)     { s.sequence = q; s.touch(KindSequence) }
func (s *Set) SetFaceAngle(f FaceAngle)   { s.faceAngle = f; s.touch(KindFaceAngle) }
func (s *Set) SetFaceAvatar(f FaceAvatar) { s.faceAvatar = f; s.touch(KindFaceAvatar) }
func (s *Set) SetSay(v Say)               { s.say = v; s.touch(KindSay) }
func (s *Set) SetChat(c Chat)             { s.chat = c; s.touch(KindChat) }
func (s *Set) SetTint(t Tint)             { s.tint = t; s.touch(KindTint) }
func (s *Set) SetSpotAnim(a SpotAnim)     { s.spotAnim = a; s.touch(KindSpotAnim) }

// AddHit queues a hit or heal for this tick. Hits accumulate until EndTick.
func (s *Set) AddHit(h Hit) {
	s.hits = append(s.hits, h)
	s.touch(KindHits)
}

func (s *Set) Appearance() Appearance { return s.appearance }
func (s *Set) Sequence() Sequence     { return s.sequence }
func (s *Set) FaceAngle() FaceAngle   { return s.faceAngle }
func (s *Set) FaceAvatar() FaceAvatar { return s.faceAvatar }
func (s *Set) Say() Say               { return s.say }
func (s *Set) Chat() Chat             { return s.chat }
func (s *Set) Tint() Tint             { return s.tint }
func (s *Set) SpotAnim() SpotAnim     { return s.spotAnim }

// Hits is a read-only view of this tick's hits.
func (s *Set) Hits() []Hit { return s.hits }

func (s *Set) Dirty(k Kind) bool { return s.slots[k].dirty }

// AnyDirty reports whether any block changed this tick.
func (s *Set) AnyDirty() bool {
	for k := range s.slots {
		if s.slots[k].dirty {
			return true
		}
	}
	return false
}

// ChangedAt is the counter stamp of the last mutation, zero if never set.
func (s *Set) ChangedAt(k Kind) uint64 { return s.slots[k].changedAt }

// NeedsEncode reports whether the shared encoding for (k, p) must be
// (re)materialized during precompute.
func (s *Set) NeedsEncode(k Kind, p Platform) bool {
	sl := &s.slots[k]
	e := &sl.cache[p]
	if k.Persistent() {
		if sl.changedAt == 0 {
			return false
		}
		return (e.state != cacheReady && e.state != cacheFailed) || e.materializedAt != sl.changedAt
	}
	return sl.dirty && e.state != cacheReady && e.state != cacheFailed
}

// Publish stores the shared encoding for (k, p). The bytes are copied so the
// caller keeps ownership of b.
func (s *Set) Publish(k Kind, p Platform, b []byte) {
	sl := &s.slots[k]
	e := &sl.cache[p]
	e.buf = append(e.buf[:0], b...)
	e.err = nil
	e.state = cacheReady
	e.materializedAt = sl.changedAt
}

// Fail records a failed encode so every reader skips the block this tick.
func (s *Set) Fail(k Kind, p Platform, err error) {
	sl := &s.slots[k]
	e := &sl.cache[p]
	e.buf = e.buf[:0]
	e.err = err
	e.state = cacheFailed
	e.materializedAt = sl.changedAt
}

// Cached returns the published encoding. The slice is shared by all readers of
// the tick and must not be modified.
func (s *Set) Cached(k Kind, p Platform) ([]byte, error) {
	e := &s.slots[k].cache[p]
	switch e.state {
	case cacheReady:
		return e.buf, nil
	case cacheFailed:
		return nil, e.err
	case cacheReleased:
		return nil, ErrCacheReleased
	default:
		return nil, ErrNotCached
	}
}

// EndTick clears dirty flags and per-tick data and releases transient caches.
// Persistent snapshots survive while their materialized stamp is current.
func (s *Set) EndTick() {
	for k := Kind(0); k < KindCount; k++ {
		sl := &s.slots[k]
		sl.dirty = false
		if k.Persistent() {
			continue
		}
		for p := range sl.cache {
			sl.cache[p].release()
		}
	}
	s.hits = s.hits[:0]
}

// Clear resets every block to defaults and releases every cache, including
// persistent ones. Called when the owning slot is despawned.
func (s *Set) Clear() {
	counter := s.counter
	hits := s.hits[:0]
	for k := range s.slots {
		sl := &s.slots[k]
		sl.dirty = false
		sl.changedAt = 0
		for p := range sl.cache {
			sl.cache[p].release()
		}
	}
	s.appearance = Appearance{}
	s.sequence = Sequence{}
	s.faceAngle = FaceAngle{}
	s.say = Say{}
	s.chat = Chat{}
	s.tint = Tint{}
	s.spotAnim = SpotAnim{}
	s.hits = hits
	s.Init(counter)
}

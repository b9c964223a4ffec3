package extinfo

import (
	"errors"
	"testing"

	"gridcast.io/internal/sim/avatar"
)

func TestSet_MutatorStampsCounter(t *testing.T) {
	var c Counter
	s := NewSet(&c)
	if s.FaceAvatar().Target != avatar.None {
		t.Fatalf("face target default = %v", s.FaceAvatar().Target)
	}
	s.SetSequence(Sequence{ID: 808})
	s.SetSay(Say{Text: "hi"})
	if !s.Dirty(KindSequence) || !s.Dirty(KindSay) || s.Dirty(KindTint) {
		t.Fatalf("dirty flags wrong")
	}
	if s.ChangedAt(KindSequence) != 1 || s.ChangedAt(KindSay) != 2 {
		t.Fatalf("stamps = %d,%d", s.ChangedAt(KindSequence), s.ChangedAt(KindSay))
	}
	if c.Current() != 2 {
		t.Fatalf("counter=%d", c.Current())
	}
}

func TestSet_TransientCacheReleasedAtEndTick(t *testing.T) {
	var c Counter
	s := NewSet(&c)
	s.SetSequence(Sequence{ID: 1, Delay: 2})
	if !s.NeedsEncode(KindSequence, PlatformDesktop) {
		t.Fatalf("dirty sequence should need encode")
	}
	s.Publish(KindSequence, PlatformDesktop, []byte{0, 1, 2})
	if s.NeedsEncode(KindSequence, PlatformDesktop) {
		t.Fatalf("published sequence re-encoded")
	}
	if _, err := s.Cached(KindSequence, PlatformAndroid); !errors.Is(err, ErrNotCached) {
		t.Fatalf("android err=%v", err)
	}
	b1, err := s.Cached(KindSequence, PlatformDesktop)
	if err != nil {
		t.Fatalf("Cached: %v", err)
	}
	b2, _ := s.Cached(KindSequence, PlatformDesktop)
	if &b1[0] != &b2[0] {
		t.Fatalf("second read did not return the shared buffer")
	}

	s.EndTick()
	if s.Dirty(KindSequence) {
		t.Fatalf("dirty survived EndTick")
	}
	if _, err := s.Cached(KindSequence, PlatformDesktop); !errors.Is(err, ErrCacheReleased) {
		t.Fatalf("after EndTick err=%v", err)
	}
	if s.NeedsEncode(KindSequence, PlatformDesktop) {
		t.Fatalf("clean sequence needs encode")
	}
}

func TestSet_PersistentSnapshotSurvivesUntilChanged(t *testing.T) {
	var c Counter
	s := NewSet(&c)
	if s.NeedsEncode(KindAppearance, PlatformDesktop) {
		t.Fatalf("unset appearance needs encode")
	}
	s.SetAppearance(Appearance{Name: "a"})
	s.Publish(KindAppearance, PlatformDesktop, []byte{9})
	s.EndTick()

	if s.NeedsEncode(KindAppearance, PlatformDesktop) {
		t.Fatalf("current snapshot reported stale")
	}
	if b, err := s.Cached(KindAppearance, PlatformDesktop); err != nil || b[0] != 9 {
		t.Fatalf("persistent cache lost: %v %v", b, err)
	}
	// A platform that joined later still needs its own snapshot.
	if !s.NeedsEncode(KindAppearance, PlatformIOS) {
		t.Fatalf("ios snapshot not requested")
	}

	s.SetAppearance(Appearance{Name: "b"})
	if !s.NeedsEncode(KindAppearance, PlatformDesktop) {
		t.Fatalf("stale snapshot not detected")
	}
}

func TestSet_FailIsSticky(t *testing.T) {
	s := NewSet(nil)
	s.SetTint(Tint{Weight: 1})
	boom := errors.New("boom")
	s.Fail(KindTint, PlatformDesktop, boom)
	if s.NeedsEncode(KindTint, PlatformDesktop) {
		t.Fatalf("failed block retried in the same tick")
	}
	if _, err := s.Cached(KindTint, PlatformDesktop); !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
}

func TestSet_ClearReleasesEverything(t *testing.T) {
	var c Counter
	s := NewSet(&c)
	s.SetAppearance(Appearance{Name: "old"})
	s.Publish(KindAppearance, PlatformDesktop, []byte{1})
	s.AddHit(Hit{Amount: 5})
	s.SetFaceAvatar(FaceAvatar{Target: 3})

	s.Clear()
	if s.Appearance().Name != "" || len(s.Hits()) != 0 || s.FaceAvatar().Target != avatar.None {
		t.Fatalf("fields not reset")
	}
	if s.AnyDirty() || s.ChangedAt(KindAppearance) != 0 {
		t.Fatalf("bookkeeping not reset")
	}
	if _, err := s.Cached(KindAppearance, PlatformDesktop); !errors.Is(err, ErrCacheReleased) {
		t.Fatalf("persistent cache survived Clear: %v", err)
	}
	s.SetSay(Say{Text: "x"})
	if s.ChangedAt(KindSay) != c.Current() {
		t.Fatalf("counter unbound after Clear")
	}
}

func TestHit_Classify(t *testing.T) {
	const x, y, z = avatar.Index(1), avatar.Index(2), avatar.Index(3)
	self := Hit{Source: x}
	other := Hit{Source: y}
	cases := []struct {
		h        Hit
		observer avatar.Index
		want     HitClass
	}{
		{self, x, HitSelfInflicted},
		{self, z, HitBystander},
		{other, x, HitVictim},
		{other, y, HitDealer},
		{other, z, HitBystander},
	}
	for _, c := range cases {
		if got := c.h.Classify(x, c.observer); got != c.want {
			t.Fatalf("source=%v observer=%v class=%d want %d", c.h.Source, c.observer, got, c.want)
		}
	}
	private := Hit{Source: y, Visibility: VisibleInvolved}
	if private.VisibleTo(x, z) || !private.VisibleTo(x, y) || !private.VisibleTo(x, x) {
		t.Fatalf("involved visibility wrong")
	}
}

func TestKind_Parse(t *testing.T) {
	for k := Kind(0); k < KindCount; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("ParseKind(%q)=%v,%v", k.String(), got, ok)
		}
	}
	if _, ok := ParsePlatform("Android "); !ok {
		t.Fatalf("ParsePlatform is not case/space tolerant")
	}
	var ps PlatformSet
	ps = ps.Add(PlatformIOS)
	if ps.Has(PlatformDesktop) || !ps.Has(PlatformIOS) {
		t.Fatalf("platform set %b", ps)
	}
}

func TestKind_Classes(t *testing.T) {
	events := map[Kind]bool{KindSay: true, KindChat: true, KindHits: true, KindSpotAnim: true}
	for k := Kind(0); k < KindCount; k++ {
		if k.Event() != events[k] {
			t.Fatalf("%v Event()=%v", k, k.Event())
		}
		if k.Event() && k.Persistent() {
			t.Fatalf("%v is both event and persistent", k)
		}
	}
}

package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
)

func TestDefaultLayout_Resolves(t *testing.T) {
	l := DefaultLayout()
	if l.Revision != 1 || l.MaxSkip() != 2048 {
		t.Fatalf("revision=%d maxSkip=%d", l.Revision, l.MaxSkip())
	}
	if l.SmallDeltaLimit() != 15 || l.LargeDeltaLimit() != 127 {
		t.Fatalf("delta limits %d/%d", l.SmallDeltaLimit(), l.LargeDeltaLimit())
	}
	for p := extinfo.Platform(0); p < extinfo.PlatformCount; p++ {
		pl := l.Platform(p)
		if len(pl.Kinds) != int(extinfo.KindCount) || pl.Order == nil {
			t.Fatalf("%s not resolved: %+v", p, pl)
		}
	}
	if l.Platform(extinfo.PlatformIOS).Flags[extinfo.KindSequence] != 0x01 {
		t.Fatalf("ios flags not platform specific")
	}
}

func TestParseLayout_Rejects(t *testing.T) {
	cases := []struct {
		name string
		edit func(string) string
	}{
		{"unknown top-level field", func(s string) string { return s + "\nbogus: 1\n" }},
		{"duplicate high opcode", func(s string) string {
			return strings.Replace(s, "{none: 0, walk: 1, run: 2, jump: 3}", "{none: 0, walk: 1, run: 1, jump: 3}", 1)
		}},
		{"opcode wider than op_bits", func(s string) string {
			return strings.Replace(s, "{none: 0, walk: 1, run: 2, jump: 3}", "{none: 0, walk: 1, run: 2, jump: 4}", 1)
		}},
		{"flag collides with marker", func(s string) string {
			return strings.Replace(s, "hits: 0x80", "hits: 0x40", 1)
		}},
		{"bad byte order", func(s string) string {
			return strings.Replace(s, "byte_order: little", "byte_order: middle", 1)
		}},
		{"skip widths not increasing", func(s string) string {
			return strings.Replace(s, "[0, 5, 8, 11]", "[0, 8, 5, 11]", 1)
		}},
	}
	for _, c := range cases {
		doc := c.edit(string(defaultLayoutYAML))
		if doc == string(defaultLayoutYAML) {
			t.Fatalf("%s: edit did not apply", c.name)
		}
		if _, err := ParseLayout([]byte(doc)); !errors.Is(err, ErrInvalidLayout) {
			t.Fatalf("%s: err=%v", c.name, err)
		}
	}
}

func TestRegistry_CompletenessCheckedAtStartup(t *testing.T) {
	l := DefaultLayout()
	r := NewEmptyRegistry(l, nil)
	if err := r.Validate(); !errors.Is(err, ErrMissingEncoder) {
		t.Fatalf("empty registry err=%v", err)
	}
	full, err := NewRegistry(l, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if full.IsPrecomputed(extinfo.PlatformDesktop, extinfo.KindHits) {
		t.Fatalf("hits registered as precomputed")
	}
	if !full.IsPrecomputed(extinfo.PlatformAndroid, extinfo.KindSequence) {
		t.Fatalf("sequence not precomputed")
	}
	err = full.RegisterPrecomputed(extinfo.PlatformDesktop, extinfo.KindHits, sayEncoder{})
	if !errors.Is(err, ErrDuplicateEncoder) {
		t.Fatalf("double registration err=%v", err)
	}
	if err := full.Replace(extinfo.PlatformDesktop, extinfo.KindHits, sayEncoder{}); err == nil {
		t.Fatalf("Replace changed the encoder shape")
	}
}

func encodeAll(t *testing.T, r *Registry, p extinfo.Platform, s *extinfo.Set, subject, observer avatar.Index) []byte {
	t.Helper()
	pl := r.Layout().Platform(p)
	var mask uint16
	var body []byte
	for _, k := range pl.Kinds {
		if !s.Dirty(k) {
			continue
		}
		var err error
		if enc := r.Precomputed(p, k); enc != nil {
			body, err = enc.Encode(body, s)
		} else {
			var present bool
			body, present, err = r.OnDemand(p, k).EncodeFor(body, s, subject, observer)
			if !present {
				continue
			}
		}
		if err != nil {
			t.Fatalf("%s: %v", k, err)
		}
		mask |= pl.Flags[k]
	}
	out := pl.AppendHeader(nil, mask, r.Layout().ExtendedMarker)
	return append(out, body...)
}

func TestBlocks_RoundTripEveryPlatform(t *testing.T) {
	r, err := NewRegistry(DefaultLayout(), nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := extinfo.NewSet(&extinfo.Counter{})
	app := extinfo.Appearance{Name: "Zezima", Gender: 1, Combat: 126, Colours: [5]uint8{1, 2, 3, 4, 5}}
	app.Body[3] = 0x1234
	s.SetAppearance(app)
	s.SetSequence(extinfo.Sequence{ID: 808, Delay: 2})
	s.SetFaceAngle(extinfo.FaceAngle{Angle: 1536, Instant: true})
	s.SetFaceAvatar(extinfo.FaceAvatar{Target: avatar.NPCBase + 7})
	s.SetSay(extinfo.Say{Text: "hello"})
	chat := strings.Repeat("buying gf 10k ", 6)
	s.SetChat(extinfo.Chat{Text: chat, Colour: 9, Effects: 2})
	s.AddHit(extinfo.Hit{Source: 4, Type: 1, Amount: 12, Delay: 1})
	s.SetTint(extinfo.Tint{Start: 10, End: 20, Hue: -5, Saturation: 3, Lightness: -1, Weight: 100})
	s.SetSpotAnim(extinfo.SpotAnim{ID: 86, Height: 92, Delay: 0})

	encodings := map[extinfo.Platform][]byte{}
	for p := extinfo.Platform(0); p < extinfo.PlatformCount; p++ {
		data := encodeAll(t, r, p, s, 1, 4)
		encodings[p] = data
		b, n, err := DecodeBlocks(r.Layout(), p, r.Text(), data)
		if err != nil {
			t.Fatalf("%s: DecodeBlocks: %v", p, err)
		}
		if n != len(data) {
			t.Fatalf("%s: consumed %d of %d", p, n, len(data))
		}
		for k := extinfo.Kind(0); k < extinfo.KindCount; k++ {
			if !b.Has(k) {
				t.Fatalf("%s: %s missing", p, k)
			}
		}
		if b.Appearance != app {
			t.Fatalf("%s: appearance %+v", p, b.Appearance)
		}
		if b.Sequence != s.Sequence() || b.FaceAngle != s.FaceAngle() || b.FaceAvatar != s.FaceAvatar() {
			t.Fatalf("%s: movement blocks differ", p)
		}
		if b.Say.Text != "hello" || b.Chat.Text != chat || b.Chat.Colour != 9 {
			t.Fatalf("%s: text blocks differ: %+v", p, b.Chat)
		}
		if b.Tint != s.Tint() || b.SpotAnim != s.SpotAnim() {
			t.Fatalf("%s: tint/spot differ", p)
		}
		if len(b.Hits) != 1 || b.Hits[0].Class != extinfo.HitDealer || b.Hits[0].Amount != 12 {
			t.Fatalf("%s: hits %+v", p, b.Hits)
		}
	}
	if bytes.Equal(encodings[extinfo.PlatformDesktop], encodings[extinfo.PlatformAndroid]) {
		t.Fatalf("desktop and android share bytes despite different byte order")
	}
	if encodings[extinfo.PlatformDesktop][0]&0x40 == 0 {
		t.Fatalf("extended header marker not set for flags above 0xff")
	}
}

func TestHits_ClassifiedPerObserver(t *testing.T) {
	r, _ := NewRegistry(DefaultLayout(), nil)
	const x, y, z = avatar.Index(1), avatar.Index(2), avatar.Index(3)
	enc := r.OnDemand(extinfo.PlatformDesktop, extinfo.KindHits)

	selfHit := extinfo.NewSet(nil)
	selfHit.AddHit(extinfo.Hit{Source: x, Amount: 3})
	otherHit := extinfo.NewSet(nil)
	otherHit.AddHit(extinfo.Hit{Source: y, Amount: 3})

	class := func(s *extinfo.Set, observer avatar.Index) extinfo.HitClass {
		out, present, err := enc.EncodeFor(nil, s, x, observer)
		if err != nil || !present {
			t.Fatalf("EncodeFor: %v present=%v", err, present)
		}
		return extinfo.HitClass(out[1])
	}
	if class(selfHit, x) != extinfo.HitSelfInflicted || class(selfHit, z) != extinfo.HitBystander {
		t.Fatalf("self hit classification wrong")
	}
	if class(otherHit, y) != extinfo.HitDealer || class(otherHit, x) != extinfo.HitVictim || class(otherHit, z) != extinfo.HitBystander {
		t.Fatalf("other hit classification wrong")
	}

	private := extinfo.NewSet(nil)
	private.AddHit(extinfo.Hit{Source: y, Visibility: extinfo.VisibleInvolved})
	if out, present, _ := enc.EncodeFor([]byte{0xAA}, private, x, z); present || len(out) != 1 {
		t.Fatalf("bystander received involved-only hit")
	}
}

func TestEncoders_RejectOutOfRange(t *testing.T) {
	r, _ := NewRegistry(DefaultLayout(), nil)
	s := extinfo.NewSet(nil)
	s.SetFaceAngle(extinfo.FaceAngle{Angle: 4000})
	s.SetAppearance(extinfo.Appearance{Name: strings.Repeat("n", MaxNameLen+1)})
	s.SetTint(extinfo.Tint{Start: 5, End: 1})
	for _, k := range []extinfo.Kind{extinfo.KindFaceAngle, extinfo.KindAppearance, extinfo.KindTint} {
		prefix := []byte{7}
		out, err := r.Precomputed(extinfo.PlatformDesktop, k).Encode(prefix, s)
		if !errors.Is(err, ErrFieldRange) {
			t.Fatalf("%s err=%v", k, err)
		}
		if len(out) != 1 {
			t.Fatalf("%s left partial bytes", k)
		}
	}
}

func TestHuffmanText_FallsBackToRaw(t *testing.T) {
	h := NewHuffmanText()
	mode, out, err := h.Compress(nil, []byte("hi"))
	if err != nil || mode != TextRaw || string(out) != "hi" {
		t.Fatalf("short text mode=%d out=%q err=%v", mode, out, err)
	}
	long := []byte(strings.Repeat("aaaab", 20))
	mode, out, err = h.Compress([]byte{1}, long)
	if err != nil || mode != TextHuffman || len(out)-1 >= len(long) {
		t.Fatalf("long text mode=%d len=%d err=%v", mode, len(out), err)
	}
	plain, err := h.Decompress(mode, out[1:], len(long))
	if err != nil || !bytes.Equal(plain, long) {
		t.Fatalf("Decompress: %v", err)
	}
}

package extinfo

import "gridcast.io/internal/sim/avatar"

type Appearance struct {
	Name      string
	Gender    uint8
	Invisible bool
	Combat    uint8
	// Body holds one model id per equipment/body slot; zero means empty.
	Body    [12]uint16
	Colours [5]uint8
}

type Sequence struct {
	ID    uint16
	Delay uint8
}

// SequenceReset stops the current animation.
const SequenceReset uint16 = 0xFFFF

type FaceAngle struct {
	Angle   uint16 // 0..2047
	Instant bool
}

const MaxAngle = 2047

type FaceAvatar struct {
	Target avatar.Index
}

type Say struct {
	Text string
}

type Chat struct {
	Text      string
	Colour    uint8
	Effects   uint8
	ModIcon   uint8
	AutoTyped bool
}

type HitKind uint8

const (
	HitDamage HitKind = iota
	HitHeal
)

// Visibility limits which observers see a hit.
type Visibility uint8

const (
	VisiblePublic Visibility = iota
	// VisibleInvolved shows the hit only to its dealer and its victim.
	VisibleInvolved
)

type Hit struct {
	Source     avatar.Index
	Kind       HitKind
	Type       uint16
	Amount     uint16
	Delay      uint8
	Visibility Visibility
}

// HitClass is how an observer relates to a hit.
type HitClass uint8

const (
	HitBystander HitClass = iota
	HitDealer
	HitVictim
	HitSelfInflicted
)

// Classify resolves the observer's relation to a hit landing on victim.
func (h Hit) Classify(victim, observer avatar.Index) HitClass {
	switch {
	case observer == victim && observer == h.Source:
		return HitSelfInflicted
	case observer == h.Source:
		return HitDealer
	case observer == victim:
		return HitVictim
	default:
		return HitBystander
	}
}

// VisibleTo reports whether observer may see the hit at all.
func (h Hit) VisibleTo(victim, observer avatar.Index) bool {
	if h.Visibility == VisiblePublic {
		return true
	}
	return observer == victim || observer == h.Source
}

type Tint struct {
	Start      uint16
	End        uint16
	Hue        int8
	Saturation int8
	Lightness  int8
	Weight     uint8
}

type SpotAnim struct {
	ID     uint16
	Height uint16
	Delay  uint16
}

package extinfo

import "strings"

// Kind is one behavior category of extended info.
type Kind uint8

const (
	KindAppearance Kind = iota
	KindSequence
	KindFaceAngle
	KindFaceAvatar
	KindSay
	KindChat
	KindHits
	KindTint
	KindSpotAnim

	KindCount
)

var kindNames = [KindCount]string{
	KindAppearance: "appearance",
	KindSequence:   "sequence",
	KindFaceAngle:  "face_angle",
	KindFaceAvatar: "face_avatar",
	KindSay:        "say",
	KindChat:       "chat",
	KindHits:       "hits",
	KindTint:       "tint",
	KindSpotAnim:   "spot_anim",
}

func (k Kind) String() string {
	if k < KindCount {
		return kindNames[k]
	}
	return "unknown"
}

func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Persistent kinds describe standing state: observers that start tracking an
// avatar need the latest value even when it did not change this tick.
func (k Kind) Persistent() bool { return k == KindAppearance }

// Event kinds are one-shot: each change must reach the client, so a newer one
// never replaces an older one that is still owed.
func (k Kind) Event() bool {
	switch k {
	case KindSay, KindChat, KindHits, KindSpotAnim:
		return true
	}
	return false
}

// Platform is the closed set of client builds that may need different bytes.
type Platform uint8

const (
	PlatformDesktop Platform = iota
	PlatformAndroid
	PlatformIOS

	PlatformCount
)

var platformNames = [PlatformCount]string{
	PlatformDesktop: "desktop",
	PlatformAndroid: "android",
	PlatformIOS:     "ios",
}

func (p Platform) String() string {
	if p < PlatformCount {
		return platformNames[p]
	}
	return "unknown"
}

func ParsePlatform(s string) (Platform, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range platformNames {
		if name == s {
			return Platform(p), true
		}
	}
	return 0, false
}

// PlatformSet is a bitmask of platforms in use.
type PlatformSet uint8

func (s PlatformSet) Add(p Platform) PlatformSet { return s | 1<<p }
func (s PlatformSet) Has(p Platform) bool        { return s&(1<<p) != 0 }

func (s PlatformSet) Each(fn func(Platform)) {
	for p := Platform(0); p < PlatformCount; p++ {
		if s.Has(p) {
			fn(p)
		}
	}
}

package protocol

import "testing"

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrProtoBadRequest,
		ErrProtoVersion,
		ErrBadPlatform,
		ErrWorldBusy,
		ErrWorldFull,
		ErrDesync,
		ErrBadRequest,
		ErrInvalidTarget,
		ErrRateLimit,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestIsKnownAction(t *testing.T) {
	for _, a := range []string{ActMove, ActTeleport, ActSay, ActChat, ActAnim, ActHit, ActHeal, ActTint, ActFace, ActAppearance} {
		if !IsKnownAction(a) {
			t.Fatalf("expected known action: %q", a)
		}
	}
	if IsKnownAction("MINE") {
		t.Fatalf("expected unknown action rejected")
	}
}

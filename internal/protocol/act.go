package protocol

// Action types carried by ACT.
const (
	ActMove       = "MOVE"
	ActTeleport   = "TELEPORT"
	ActSay        = "SAY"
	ActChat       = "CHAT"
	ActAnim       = "ANIM"
	ActHit        = "HIT"
	ActHeal       = "HEAL"
	ActTint       = "TINT"
	ActFace       = "FACE"
	ActAppearance = "APPEARANCE"
)

// ACT (client -> server)
type ActMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	Actions         []Action `json:"actions"`
}

// Action is one request. Only the fields of its type are read.
type Action struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// MOVE: one step of at most two tiles per axis.
	DX int `json:"dx,omitempty"`
	DZ int `json:"dz,omitempty"`
	// TELEPORT: level, x, z.
	Pos *[3]int `json:"pos,omitempty"`

	// SAY, CHAT
	Text    string `json:"text,omitempty"`
	Colour  uint8  `json:"colour,omitempty"`
	Effects uint8  `json:"effects,omitempty"`

	// ANIM
	Anim  *uint16 `json:"anim,omitempty"`
	Delay uint8   `json:"delay,omitempty"`

	// HIT, HEAL, FACE (avatar target)
	Target   *uint16 `json:"target,omitempty"`
	Amount   uint16  `json:"amount,omitempty"`
	HitType  uint16  `json:"hit_type,omitempty"`
	Involved bool    `json:"involved,omitempty"`

	// TINT
	Hue        int8  `json:"hue,omitempty"`
	Saturation int8  `json:"saturation,omitempty"`
	Lightness  int8  `json:"lightness,omitempty"`
	Weight     uint8 `json:"weight,omitempty"`
	Duration   int   `json:"duration,omitempty"`

	// FACE (angle)
	Angle *uint16 `json:"angle,omitempty"`

	// APPEARANCE
	Gender  uint8    `json:"gender,omitempty"`
	Combat  uint8    `json:"combat,omitempty"`
	Body    []uint16 `json:"body,omitempty"`
	Colours []uint8  `json:"colours,omitempty"`
}

var knownActions = map[string]struct{}{
	ActMove: {}, ActTeleport: {}, ActSay: {}, ActChat: {}, ActAnim: {},
	ActHit: {}, ActHeal: {}, ActTint: {}, ActFace: {}, ActAppearance: {},
}

func IsKnownAction(t string) bool {
	_, ok := knownActions[t]
	return ok
}

package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	// Platform selects the extended-info layout: desktop, android or ios.
	Platform string `json:"platform"`
	// Optional view distances; the server clamps them to its own.
	HighResRadius int `json:"high_res_radius,omitempty"`
	LowResRadius  int `json:"low_res_radius,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Avatar          uint16      `json:"avatar"`
	Revision        int         `json:"revision"`
	Platform        string      `json:"platform"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz    int `json:"tick_rate_hz"`
	ByteCeiling   int `json:"byte_ceiling"`
	HighResRadius int `json:"high_res_radius"`
	LowResRadius  int `json:"low_res_radius"`
	// Spawn is level, x, z.
	Spawn [3]int `json:"spawn"`
}

// ERROR (server -> client), sent before the server closes a session it refused.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}

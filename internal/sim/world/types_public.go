package world

import (
	"gridcast.io/internal/protocol"
	"gridcast.io/internal/sim/avatar"
	"gridcast.io/internal/sim/extinfo"
	"gridcast.io/internal/sim/replication"
)

type JoinRequest struct {
	Name     string
	Platform extinfo.Platform
	// Zero radii take the server defaults.
	HighResRadius int
	LowResRadius  int
	Sink          replication.Sink
	Resp          chan JoinResponse
}

// JoinResponse carries either a WELCOME or the code the session is refused with.
type JoinResponse struct {
	Welcome protocol.WelcomeMsg
	Code    string
	Err     error
}

type ActionEnvelope struct {
	Avatar avatar.Index
	Act    protocol.ActMsg
}

type RecordedJoin struct {
	Avatar        uint16 `json:"avatar"`
	Name          string `json:"name"`
	Platform      string `json:"platform"`
	HighResRadius int    `json:"high_res_radius,omitempty"`
	LowResRadius  int    `json:"low_res_radius,omitempty"`
}

type RecordedAction struct {
	Avatar uint16          `json:"avatar"`
	Act    protocol.ActMsg `json:"act"`
}

// RecordedReject is an action the world refused, keyed by the error code
// a client would have received.
type RecordedReject struct {
	Avatar uint16 `json:"avatar"`
	Action string `json:"action"`
	Code   string `json:"code"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type FaultLogger interface {
	WriteFault(entry FaultEntry) error
}

// FaultEntry records an observer whose stream the engine gave up on.
type FaultEntry struct {
	Tick   uint64 `json:"tick"`
	Avatar uint16 `json:"avatar"`
	Name   string `json:"name,omitempty"`
	Error  string `json:"error"`
}

type TickLogEntry struct {
	Tick        uint64                 `json:"tick"`
	Joins       []RecordedJoin         `json:"joins,omitempty"`
	Leaves      []uint16               `json:"leaves,omitempty"`
	Actions     []RecordedAction       `json:"actions,omitempty"`
	Rejected    []RecordedReject       `json:"rejected,omitempty"`
	Replication replication.TickReport `json:"replication"`
}

package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"
	ErrBadPlatform     = "E_BAD_PLATFORM"

	// World admission.
	ErrWorldBusy = "E_WORLD_BUSY"
	ErrWorldFull = "E_WORLD_FULL"

	// Stream integrity.
	ErrDesync = "E_DESYNC"

	// Action layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadPlatform:     {},
	ErrWorldBusy:       {},
	ErrWorldFull:       {},
	ErrDesync:          {},
	ErrBadRequest:      {},
	ErrInvalidTarget:   {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session setup and routing.
	ErrBadProfile = "E_BAD_PROFILE"
	ErrNoSession  = "E_NO_SESSION"
	ErrRateLimit  = "E_RATE_LIMIT"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadProfile:      {},
	ErrNoSession:       {},
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

package gateway

// Custom WebSocket close codes used by the session protocol. Standard codes
// (1000, 1001) are defined by RFC 6455; the 4000 range is reserved for
// application use. Handshake denials use a code that tells the client whether
// a retry can ever succeed.
const (
	CloseUnknownError   = 4000
	CloseUnknownOpcode  = 4001
	CloseDecodeError    = 4002
	CloseNoPermission   = 4003
	CloseAuthFailed     = 4004
	CloseMaxConnections = 4005
	CloseRetryLater     = 4006
	CloseRateLimited    = 4008
)

// Package apierrors defines the stable machine-readable error codes returned by
// the HTTP API and the gateway. Codes are part of the wire contract: clients
// branch on them, so values must never change once released.
package apierrors

// Code is a machine-readable API error code.
type Code string

const (
	// Authorization.
	TokenInvalid Code = "TOKEN_INVALID"
	TokenExpired Code = "TOKEN_EXPIRED"
	NoPermission Code = "NO_PERMISSION"

	// Validation.
	MalformedBody      Code = "MALFORMED_BODY"
	MissingField       Code = "MISSING_FIELD"
	InvalidRole        Code = "INVALID_ROLE"
	InvalidMessageType Code = "INVALID_MESSAGE_TYPE"
	ValidationError    Code = "VALIDATION_ERROR"

	// Transient infrastructure. All of these are retryable by the caller.
	StoreUnavailable     Code = "STORE_UNAVAILABLE"
	BusUnavailable       Code = "BUS_UNAVAILABLE"
	SequencerUnavailable Code = "SEQUENCER_UNAVAILABLE"
	ServiceUnavailable   Code = "SERVICE_UNAVAILABLE"

	// General.
	NotFound      Code = "NOT_FOUND"
	RateLimited   Code = "RATE_LIMITED"
	InternalError Code = "INTERNAL_ERROR"
)

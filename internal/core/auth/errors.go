package auth

import "errors"

// Signing error types.
var (
	ErrNoSigningKey      = errors.New("no signing key configured")
	ErrUnknownKey        = errors.New("unknown signing key id")
	ErrInvalidSignature  = errors.New("invalid payload signature")
	ErrMalformedEnvelope = errors.New("malformed signed envelope")
)

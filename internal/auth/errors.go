// Package auth verifies bearer tokens against the issuer's JWKS and
// exchanges tokens for upstream audiences through a cached OAuth2 layer.
package auth

import "errors"

// Verification failures. All are terminal for the presented token.
var (
	ErrSignature = errors.New("UNAUTHENTICATED_SIGNATURE")
	ErrExpired   = errors.New("UNAUTHENTICATED_EXPIRED")
	ErrIssuer    = errors.New("UNAUTHENTICATED_ISSUER")
	ErrAudience  = errors.New("UNAUTHENTICATED_AUDIENCE")
	ErrMalformed = errors.New("UNAUTHENTICATED_MALFORMED")
	ErrUnknownKey = errors.New("UNAUTHENTICATED_UNKNOWN_KEY")
)

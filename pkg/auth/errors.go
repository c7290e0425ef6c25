package auth

import "errors"

var (
	// ErrMissingToken is returned when a request carries no usable bearer token.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingIdentity is returned when a valid token lacks the identity claim.
	ErrMissingIdentity = errors.New("token is missing the identity claim")
)

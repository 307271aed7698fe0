package apperrors

import (
	"errors"
)

// Configuration failures. Fatal at startup
var (
	ErrSecretKeyInvalid = errors.New("secret key is invalid")
)

// Validation failures. Returned to the caller as is
var (
	ErrTokenInvalid    = errors.New("token is invalid")
	ErrTokenExpired    = errors.New("token is expired")
	ErrTokenKind       = errors.New("token kind mismatch")
	ErrStampMismatch   = errors.New("security stamp mismatch")
	ErrEnvelopeInvalid = errors.New("envelope is invalid")
)

// Not found failures. Callers may treat them as no-op
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrConnectionNotFound = errors.New("connection not found")
)

var (
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrCredentialRevoked  = errors.New("credential is revoked")
	ErrCredentialInactive = errors.New("credential is not active")
)

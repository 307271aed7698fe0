package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

type IssuedToken struct {
	// Token unique id (jti). Access and refresh tokens of the same pair share it
	UID       string
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Token pair issued by TokenManager on login or refresh
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// Session is an authenticated request: the user and the credential it came with
type Session struct {
	User     User
	TokenUID uuid.UUID
}

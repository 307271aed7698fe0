package models

import (
	"time"

	"github.com/google/uuid"
)

// Sub-token and credential pair states
const (
	StateActive  = "ACTIVE"
	StateExpired = "EXPIRED"
	StateRevoked = "REVOKED"
)

// Credential is the stored state of a token pair issued for one login session.
// It is never deleted: revocation and expiration only flip flags.
type Credential struct {
	TokenUID uuid.UUID
	UserID   uuid.UUID

	AccessToken   string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	AccessRevoked bool
	AccessExpired bool

	RefreshToken     string
	RefreshExpiresAt time.Time
	RefreshRevoked   bool
	RefreshExpired   bool
}

func (c Credential) AccessValid(now time.Time) bool {
	return !c.AccessRevoked && !c.AccessExpired && now.Before(c.ExpiresAt)
}

func (c Credential) RefreshValid(now time.Time) bool {
	return !c.RefreshRevoked && !c.RefreshExpired && now.Before(c.RefreshExpiresAt)
}

// The session is alive while at least one of the tokens is
func (c Credential) SessionValid(now time.Time) bool {
	return c.AccessValid(now) || c.RefreshValid(now)
}

func (c Credential) Revoked() bool {
	return c.AccessRevoked && c.RefreshRevoked
}

// Latest moment any part of the pair stays valid
func (c Credential) SessionExpiresAt() time.Time {
	if c.RefreshExpiresAt.After(c.ExpiresAt) {
		return c.RefreshExpiresAt
	}
	return c.ExpiresAt
}

func (c Credential) AccessState(now time.Time) string {
	return subState(c.AccessRevoked, c.AccessValid(now))
}

func (c Credential) RefreshState(now time.Time) string {
	return subState(c.RefreshRevoked, c.RefreshValid(now))
}

// State of the pair as a whole: active if any sub-token is active,
// revoked if both were revoked, expired otherwise.
func (c Credential) State(now time.Time) string {
	switch {
	case c.SessionValid(now):
		return StateActive
	case c.Revoked():
		return StateRevoked
	default:
		return StateExpired
	}
}

func subState(revoked bool, valid bool) string {
	switch {
	case revoked:
		return StateRevoked
	case valid:
		return StateActive
	default:
		return StateExpired
	}
}

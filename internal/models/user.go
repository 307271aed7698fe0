package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	CreatedAt      time.Time
	Username       string
	HashedPassword string

	// Rotated to invalidate every refresh token issued before the rotation
	SecurityStamp string
}

package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseTime(value string) time.Time {
	dt, err := time.Parse("2006-01-02 15:04:05Z07:00", value)
	if err != nil {
		panic(err)
	}
	return dt
}

func TestCredential(t *testing.T) {
	t0 := mustParseTime("2025-03-01 12:00:00Z")

	newCredential := func() Credential {
		return Credential{
			IssuedAt:         t0,
			ExpiresAt:        t0.Add(10 * 24 * time.Hour),
			RefreshExpiresAt: t0.Add(7 * 24 * time.Hour),
		}
	}

	t.Run("access natural expiry", func(t *testing.T) {
		c := newCredential()

		require.True(t, c.AccessValid(t0.Add(9*24*time.Hour)), "access must be valid on day 9")
		require.False(t, c.AccessValid(t0.Add(11*24*time.Hour)), "access must be expired on day 11 without revoke")
		require.False(t, c.AccessValid(c.ExpiresAt), "access must be invalid exactly at expiration")
	})

	t.Run("session valid iff any sub-token valid", func(t *testing.T) {
		instants := []time.Time{
			t0,
			t0.Add(8 * 24 * time.Hour),  // refresh expired, access alive
			t0.Add(11 * 24 * time.Hour), // both expired
		}

		for _, now := range instants {
			for mask := 0; mask < 16; mask++ {
				c := newCredential()
				c.AccessRevoked = mask&1 != 0
				c.AccessExpired = mask&2 != 0
				c.RefreshRevoked = mask&4 != 0
				c.RefreshExpired = mask&8 != 0

				bothInvalid := !c.AccessValid(now) && !c.RefreshValid(now)
				assert.Equal(t, !bothInvalid, c.SessionValid(now), "mask=%04b now=%v", mask, now)
			}
		}
	})

	t.Run("predicates are recomputed from now", func(t *testing.T) {
		c := newCredential()

		require.True(t, c.SessionValid(t0))
		require.False(t, c.SessionValid(t0.Add(10*24*time.Hour)))
		require.True(t, c.SessionValid(t0), "earlier check must not be affected by later one")
	})

	t.Run("states", func(t *testing.T) {
		tests := []struct {
			name     string
			mutate   func(c *Credential)
			now      time.Time
			expected string
		}{
			{"fresh pair active", func(c *Credential) {}, t0, StateActive},
			{"only access alive", func(c *Credential) {}, t0.Add(8 * 24 * time.Hour), StateActive},
			{"both expired", func(c *Credential) {}, t0.Add(11 * 24 * time.Hour), StateExpired},
			{"revoked", func(c *Credential) { c.AccessRevoked, c.RefreshRevoked = true, true }, t0, StateRevoked},
			{"expired flags", func(c *Credential) { c.AccessExpired, c.RefreshExpired = true, true }, t0, StateExpired},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c := newCredential()
				tt.mutate(&c)

				require.Equal(t, tt.expected, c.State(tt.now))
			})
		}
	})

	t.Run("sub-token states independent", func(t *testing.T) {
		c := newCredential()
		now := t0.Add(8 * 24 * time.Hour)

		require.Equal(t, StateActive, c.AccessState(now))
		require.Equal(t, StateExpired, c.RefreshState(now))

		c.AccessRevoked = true
		require.Equal(t, StateRevoked, c.AccessState(now))
	})

	t.Run("session expires at later expiry", func(t *testing.T) {
		c := newCredential()

		require.Equal(t, c.ExpiresAt, c.SessionExpiresAt())

		c.RefreshExpiresAt = c.ExpiresAt.Add(time.Hour)
		require.Equal(t, c.RefreshExpiresAt, c.SessionExpiresAt())
	})
}

package tokenmanager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/models"
	"github.com/nkiryanov/hotline/internal/repository"
	"github.com/nkiryanov/hotline/internal/repository/postgres"
	"github.com/nkiryanov/hotline/internal/scheduler"
	"github.com/nkiryanov/hotline/internal/testutil"
)

const testSecret = "test-secret-key-test-secret-key-0123"

type published struct {
	channel  string
	envelope events.Envelope
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, e events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{channel: channel, envelope: e})
	return nil
}

func (p *recordingPublisher) Sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}

type fixture struct {
	m         *TokenManager
	storage   repository.Storage
	clock     *clock.Fake
	scheduler *scheduler.Scheduler
	publisher *recordingPublisher
}

func (f fixture) createUser(t *testing.T) models.User {
	user, err := f.storage.User().CreateUser(t.Context(), "user-"+uuid.NewString(), "hash", "stamp-1")
	require.NoError(t, err)
	return user
}

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func Test_TokenManager(t *testing.T) {
	t.Parallel()

	pg := testutil.StartPostgresContainer(t)
	t.Cleanup(pg.Terminate)

	withTx := func(dbpool *pgxpool.Pool, t *testing.T, fn func(f fixture)) {
		testutil.WithTx(dbpool, t, func(tx pgx.Tx) {
			c := clock.NewFake(epoch)
			sched := scheduler.New(c, logger.NewNoOpLogger())
			t.Cleanup(sched.Stop)
			publisher := &recordingPublisher{}
			storage := postgres.NewStorage(tx)

			m, err := New(Config{SecretKey: testSecret}, storage, publisher, sched, c, logger.NewNoOpLogger())
			require.NoError(t, err, "token manager should be created without errors")

			fn(fixture{m: m, storage: storage, clock: c, scheduler: sched, publisher: publisher})
		})
	}

	t.Run("new", func(t *testing.T) {
		t.Run("defaults", func(t *testing.T) {
			m, err := New(Config{SecretKey: testSecret}, nil, nil, nil, nil, logger.NewNoOpLogger())
			require.NoError(t, err)

			assert.Equal(t, 10*24*time.Hour, m.accessTTL)
			assert.Equal(t, 7*24*time.Hour, m.refreshTTL)
			assert.Equal(t, defaultSigningMethod, m.alg.Alg())
		})

		t.Run("bad secret", func(t *testing.T) {
			for _, key := range []string{"", "short"} {
				_, err := New(Config{SecretKey: key}, nil, nil, nil, nil, logger.NewNoOpLogger())
				assert.ErrorIs(t, err, apperrors.ErrSecretKeyInvalid)
			}
		})

		t.Run("not hmac alg", func(t *testing.T) {
			_, err := New(Config{SecretKey: testSecret, Alg: "RS256"}, nil, nil, nil, nil, logger.NewNoOpLogger())
			assert.ErrorIs(t, err, apperrors.ErrSecretKeyInvalid)
		})
	})

	t.Run("issue and validate", func(t *testing.T) {
		withTx(pg.Pool, t, func(f fixture) {
			uid := uuid.NewString()

			access, err := f.m.IssueAccessToken("user-1", uid)
			require.NoError(t, err)
			refresh, err := f.m.IssueRefreshToken("user-1", uid, "stamp")
			require.NoError(t, err)

			assert.Equal(t, uid, access.UID)
			assert.Equal(t, epoch.Add(10*24*time.Hour), access.ExpiresAt)
			assert.Equal(t, epoch.Add(7*24*time.Hour), refresh.ExpiresAt)

			claims, err := f.m.ValidateKind(access.Value, models.TokenKindAccess)
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.Subject)
			assert.Equal(t, uid, claims.ID)
			assert.Empty(t, claims.Stamp)

			claims, err = f.m.ValidateKind(refresh.Value, models.TokenKindRefresh)
			require.NoError(t, err)
			assert.Equal(t, "stamp", claims.Stamp)

			_, err = f.m.ValidateKind(refresh.Value, models.TokenKindAccess)
			assert.ErrorIs(t, err, apperrors.ErrTokenKind)
		})
	})

	t.Run("validate", func(t *testing.T) {
		t.Run("not a token", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				_, err := f.m.Validate("invalid token")
				assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
			})
		})

		t.Run("expired", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				access, err := f.m.IssueAccessToken("user-1", uuid.NewString())
				require.NoError(t, err)

				f.clock.Advance(10*24*time.Hour + time.Second)

				_, err = f.m.Validate(access.Value)
				assert.ErrorIs(t, err, apperrors.ErrTokenExpired)
				assert.NotErrorIs(t, err, apperrors.ErrTokenInvalid)
			})
		})

		t.Run("other key", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				other, err := New(Config{SecretKey: testSecret + "-other"}, nil, nil, nil, f.clock, logger.NewNoOpLogger())
				require.NoError(t, err)
				access, err := other.IssueAccessToken("user-1", uuid.NewString())
				require.NoError(t, err)

				_, err = f.m.Validate(access.Value)
				assert.ErrorIs(t, err, apperrors.ErrTokenInvalid)
			})
		})

		t.Run("not signed token", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
					RegisteredClaims: jwt.RegisteredClaims{
						ID:        uuid.NewString(),
						Subject:   "user-1",
						IssuedAt:  jwt.NewNumericDate(epoch),
						ExpiresAt: jwt.NewNumericDate(epoch.Add(time.Hour)),
					},
					Kind: models.TokenKindAccess,
				})
				access, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
				require.NoError(t, err)

				_, err = f.m.Validate(access)
				assert.ErrorIs(t, err, apperrors.ErrTokenInvalid, "valid token with empty alg must fail")
			})
		})
	})

	t.Run("issue pair", func(t *testing.T) {
		withTx(pg.Pool, t, func(f fixture) {
			user := f.createUser(t)

			pair, err := f.m.IssuePair(t.Context(), user)
			require.NoError(t, err)

			assert.Equal(t, pair.Access.UID, pair.Refresh.UID, "pair shares one uid")
			assert.NotEqual(t, pair.Access.Value, pair.Refresh.Value)

			c, err := f.storage.Credential().Get(t.Context(), uuid.MustParse(pair.Access.UID))
			require.NoError(t, err)
			assert.Equal(t, user.ID, c.UserID)
			assert.Equal(t, pair.Access.Value, c.AccessToken)
			assert.Equal(t, pair.Refresh.Value, c.RefreshToken)
			assert.Equal(t, models.StateActive, c.State(epoch))

			task, ok := f.scheduler.Pending(user.ID.String())
			require.True(t, ok, "expiration has to be scheduled")
			assert.Equal(t, pair.Access.UID, task.Resource)
			assert.True(t, task.FireAt.Equal(epoch.Add(10*24*time.Hour)))
		})
	})

	t.Run("schedule targets the earliest live credential", func(t *testing.T) {
		withTx(pg.Pool, t, func(f fixture) {
			user := f.createUser(t)

			first, err := f.m.IssuePair(t.Context(), user)
			require.NoError(t, err)
			f.clock.Advance(time.Hour)
			_, err = f.m.IssuePair(t.Context(), user)
			require.NoError(t, err)

			task, ok := f.scheduler.Pending(user.ID.String())
			require.True(t, ok)
			assert.Equal(t, first.Access.UID, task.Resource)
		})
	})

	t.Run("revoke", func(t *testing.T) {
		t.Run("publish revocation once", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				user := f.createUser(t)
				pair, err := f.m.IssuePair(t.Context(), user)
				require.NoError(t, err)
				tokenUID := uuid.MustParse(pair.Access.UID)

				err = f.m.Revoke(t.Context(), tokenUID, events.RevocationLogout, "bye")
				require.NoError(t, err)
				err = f.m.Revoke(t.Context(), tokenUID, events.RevocationLogout, "bye")
				require.NoError(t, err, "second revoke is a no-op")

				c, err := f.storage.Credential().Get(t.Context(), tokenUID)
				require.NoError(t, err)
				assert.True(t, c.AccessRevoked)
				assert.True(t, c.RefreshRevoked)
				assert.False(t, c.SessionValid(epoch))

				sent := f.publisher.Sent()
				require.Len(t, sent, 1)
				assert.Equal(t, events.ChannelUser, sent[0].channel)
				assert.Equal(t, events.EventRevoke, sent[0].envelope.EventType)
				assert.Equal(t, events.DataTypeRevocation, sent[0].envelope.DataType)
				assert.Equal(t, user.ID.String(), sent[0].envelope.ReceiverUID)
				assert.Equal(t, pair.Access.UID, sent[0].envelope.ResourceUID)

				var body events.RevocationBody
				require.NoError(t, json.Unmarshal(sent[0].envelope.Body, &body))
				assert.Equal(t, events.RevocationBody{RevocationType: events.RevocationLogout, Reason: "bye"}, body)

				_, pending := f.scheduler.Pending(user.ID.String())
				assert.False(t, pending, "no live credential left to expire")
			})
		})

		t.Run("reschedule remaining credential", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				user := f.createUser(t)
				first, err := f.m.IssuePair(t.Context(), user)
				require.NoError(t, err)
				f.clock.Advance(time.Hour)
				second, err := f.m.IssuePair(t.Context(), user)
				require.NoError(t, err)

				err = f.m.Revoke(t.Context(), uuid.MustParse(first.Access.UID), events.RevocationExplicit, "")
				require.NoError(t, err)

				task, ok := f.scheduler.Pending(user.ID.String())
				require.True(t, ok)
				assert.Equal(t, second.Access.UID, task.Resource)
			})
		})

		t.Run("unknown credential", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				err := f.m.Revoke(t.Context(), uuid.New(), events.RevocationExplicit, "")

				assert.ErrorIs(t, err, apperrors.ErrCredentialNotFound)
				assert.Empty(t, f.publisher.Sent())
			})
		})

		t.Run("publish failure reported", func(t *testing.T) {
			withTx(pg.Pool, t, func(f fixture) {
				user := f.createUser(t)
				pair, err := f.m.IssuePair(t.Context(), user)
				require.NoError(t, err)
				f.publisher.err = errors.New("bus down")

				err = f.m.Revoke(t.Context(), uuid.MustParse(pair.Access.UID), events.RevocationExplicit, "")

				assert.Error(t, err)
				c, err := f.storage.Credential().Get(t.Context(), uuid.MustParse(pair.Access.UID))
				require.NoError(t, err)
				assert.True(t, c.Revoked(), "revocation stays even if not announced")
			})
		})
	})

	t.Run("expire", func(t *testing.T) {
		withTx(pg.Pool, t, func(f fixture) {
			user := f.createUser(t)
			pair, err := f.m.IssuePair(t.Context(), user)
			require.NoError(t, err)
			tokenUID := uuid.MustParse(pair.Access.UID)

			// Refresh ends after 7 days but the pair lives while access does
			f.clock.Advance(7*24*time.Hour + time.Hour)
			assert.Empty(t, f.publisher.Sent())

			f.clock.Advance(3 * 24 * time.Hour)

			c, err := f.storage.Credential().Get(t.Context(), tokenUID)
			require.NoError(t, err)
			assert.True(t, c.AccessExpired)
			assert.True(t, c.RefreshExpired)
			assert.False(t, c.AccessRevoked)
			assert.Equal(t, models.StateExpired, c.State(f.clock.Now()))

			sent := f.publisher.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, events.EventUpdate, sent[0].envelope.EventType)
			assert.Equal(t, events.DataTypeExpiration, sent[0].envelope.DataType)
			assert.Equal(t, user.ID.String(), sent[0].envelope.ReceiverUID)

			var body events.ExpirationBody
			require.NoError(t, json.Unmarshal(sent[0].envelope.Body, &body))
			assert.True(t, body.Access)
			assert.True(t, body.Refresh)

			_, pending := f.scheduler.Pending(user.ID.String())
			assert.False(t, pending)
		})
	})

	t.Run("restore", func(t *testing.T) {
		withTx(pg.Pool, t, func(f fixture) {
			user := f.createUser(t)
			pair, err := f.m.IssuePair(t.Context(), user)
			require.NoError(t, err)

			// Process restart loses in-memory tasks
			f.scheduler.Stop()
			_, pending := f.scheduler.Pending(user.ID.String())
			require.False(t, pending)

			err = f.m.Restore(t.Context())
			require.NoError(t, err)

			task, ok := f.scheduler.Pending(user.ID.String())
			require.True(t, ok)
			assert.Equal(t, pair.Access.UID, task.Resource)
		})
	})
}

package tokenmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/bus"
	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/models"
	"github.com/nkiryanov/hotline/internal/repository"
	"github.com/nkiryanov/hotline/internal/scheduler"
)

const (
	defaultAccessTokenTTL  = 10 * 24 * time.Hour
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultSigningMethod   = "HS256"

	// HS256 needs at least 256 bits of key
	minSecretKeyLen = 32

	// Budget for storage and bus calls made from the expiration callback
	expireTimeout = 10 * time.Second
)

type Claims struct {
	jwt.RegisteredClaims

	// Token kind: access or refresh
	Kind string `json:"kind"`

	// User security stamp at issue time. Refresh tokens only
	Stamp string `json:"stamp,omitempty"`
}

// Token manager with sensible default
type Config struct {
	// Secret key to sign tokens
	// Required to be set
	SecretKey string

	// JWT MAC (Message Authentication Code) algorithm
	// If not set than default is used
	Alg string

	// Access and refresh token lifetimes
	// If not set than default is used
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Scheduler is the part of scheduler.Scheduler used to expire credentials
type Scheduler interface {
	Schedule(task scheduler.Task, fn scheduler.Func)
	Cancel(identity string) bool
}

type TokenManager struct {
	key []byte

	// JWT MAC (Message Authentication Code) algorithm
	alg jwt.SigningMethod

	accessTTL  time.Duration
	refreshTTL time.Duration

	storage   repository.Storage
	publisher bus.Publisher
	scheduler Scheduler
	clock     clock.Clock
	logger    logger.Logger
}

func New(
	cfg Config,
	storage repository.Storage,
	publisher bus.Publisher,
	sched Scheduler,
	c clock.Clock,
	l logger.Logger,
) (*TokenManager, error) {
	if len(cfg.SecretKey) < minSecretKeyLen {
		return nil, fmt.Errorf("%w: must be at least %d bytes", apperrors.ErrSecretKeyInvalid, minSecretKeyLen)
	}

	if cfg.Alg == "" {
		cfg.Alg = defaultSigningMethod
	}
	alg := jwt.GetSigningMethod(cfg.Alg)
	if _, ok := alg.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unsupported signing method %q", apperrors.ErrSecretKeyInvalid, cfg.Alg)
	}

	setDefaultDuration := func(field *time.Duration, def time.Duration) {
		if *field == 0 {
			*field = def
		}
	}
	setDefaultDuration(&cfg.AccessTTL, defaultAccessTokenTTL)
	setDefaultDuration(&cfg.RefreshTTL, defaultRefreshTokenTTL)

	if c == nil {
		c = clock.Real()
	}
	if publisher == nil {
		publisher = bus.NoopPublisher{}
	}

	return &TokenManager{
		key:        []byte(cfg.SecretKey),
		alg:        alg,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		storage:    storage,
		publisher:  publisher,
		scheduler:  sched,
		clock:      c,
		logger:     l.With("component", "tokenmanager"),
	}, nil
}

// IssueAccessToken signs an access JWT for identity with jti set to tokenUID
func (m *TokenManager) IssueAccessToken(identity string, tokenUID string) (models.IssuedToken, error) {
	return m.issue(identity, tokenUID, models.TokenKindAccess, "", m.accessTTL)
}

// IssueRefreshToken signs a refresh JWT that carries the user security stamp
func (m *TokenManager) IssueRefreshToken(identity string, tokenUID string, stamp string) (models.IssuedToken, error) {
	return m.issue(identity, tokenUID, models.TokenKindRefresh, stamp, m.refreshTTL)
}

func (m *TokenManager) issue(identity string, tokenUID string, kind string, stamp string, ttl time.Duration) (models.IssuedToken, error) {
	var t models.IssuedToken

	// JWT keeps seconds only
	now := m.clock.Now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(m.alg, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenUID,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Kind:  kind,
		Stamp: stamp,
	})

	value, err := token.SignedString(m.key)
	if err != nil {
		return t, fmt.Errorf("error while signing %s token. Err: %w", kind, err)
	}

	return models.IssuedToken{
		UID:       tokenUID,
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// IssuePair issues access and refresh tokens sharing one uid, stores them as a credential
// and arms the owner expiration task
func (m *TokenManager) IssuePair(ctx context.Context, user models.User) (models.TokenPair, error) {
	var pair models.TokenPair

	identity := user.ID.String()
	tokenUID := uuid.New()

	access, err := m.IssueAccessToken(identity, tokenUID.String())
	if err != nil {
		return pair, err
	}

	refresh, err := m.IssueRefreshToken(identity, tokenUID.String(), user.SecurityStamp)
	if err != nil {
		return pair, err
	}

	_, err = m.storage.Credential().Create(ctx, models.Credential{
		TokenUID:         tokenUID,
		UserID:           user.ID,
		AccessToken:      access.Value,
		IssuedAt:         access.IssuedAt,
		ExpiresAt:        access.ExpiresAt,
		RefreshToken:     refresh.Value,
		RefreshExpiresAt: refresh.ExpiresAt,
	})
	if err != nil {
		return pair, fmt.Errorf("error while saving credential. Err: %w", err)
	}
	metrics.CredentialsIssued.Inc()

	if err := m.scheduleNext(ctx, user.ID); err != nil {
		m.logger.Error("Expiration not scheduled", "user_id", user.ID, "error", err)
	}

	return models.TokenPair{Access: access, Refresh: refresh}, nil
}

// Validate checks signature, signing method and expiry only.
// Stored credential state is not consulted.
func (m *TokenManager) Validate(token string) (Claims, error) {
	claims := Claims{}

	_, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (any, error) {
			return m.key, nil
		},
		jwt.WithValidMethods([]string{m.alg.Alg()}),
		jwt.WithTimeFunc(m.clock.Now),
		jwt.WithExpirationRequired(),
	)

	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, fmt.Errorf("%w: %w", apperrors.ErrTokenExpired, err)
	default:
		return claims, fmt.Errorf("%w: %w", apperrors.ErrTokenInvalid, err)
	}
}

// ValidateKind is Validate plus token kind check
func (m *TokenManager) ValidateKind(token string, kind string) (Claims, error) {
	claims, err := m.Validate(token)
	if err != nil {
		return claims, err
	}

	if claims.Kind != kind {
		return claims, fmt.Errorf("%w: want %s, got %q", apperrors.ErrTokenKind, kind, claims.Kind)
	}

	return claims, nil
}

// Revoke sets both revoked flags of the credential and tells every process
// to close the owner connection.
// Revoking a revoked credential is a no-op.
func (m *TokenManager) Revoke(ctx context.Context, tokenUID uuid.UUID, revocationType string, reason string) error {
	c, changed, err := m.storage.Credential().Revoke(ctx, tokenUID, m.clock.Now())
	if err != nil {
		return fmt.Errorf("error while revoking credential. Err: %w", err)
	}

	if !changed {
		m.logger.Debug("Credential revoked already", "token_uid", tokenUID)
		return nil
	}
	metrics.CredentialsRevoked.Inc()

	identity := c.UserID.String()
	m.scheduler.Cancel(identity)
	if err := m.scheduleNext(ctx, c.UserID); err != nil {
		m.logger.Error("Expiration not rescheduled", "user_id", c.UserID, "error", err)
	}

	envelope, err := events.NewRevocation(tokenUID.String(), identity, revocationType, reason)
	if err != nil {
		return fmt.Errorf("error while building revocation. Err: %w", err)
	}

	if err := m.publisher.Publish(ctx, events.ChannelUser, envelope); err != nil {
		return fmt.Errorf("credential revoked but not announced. Err: %w", err)
	}

	m.logger.Info("Credential revoked", "token_uid", tokenUID, "user_id", c.UserID, "type", revocationType)
	return nil
}

// Restore arms expiration tasks for every live credential. Called once at startup
func (m *TokenManager) Restore(ctx context.Context) error {
	live, err := m.storage.Credential().ListLive(ctx, m.clock.Now())
	if err != nil {
		return fmt.Errorf("error while listing live credentials. Err: %w", err)
	}

	for userID, next := range earliestByUser(live) {
		m.schedule(userID, next)
	}

	m.logger.Info("Expirations restored", "credentials", len(live))
	return nil
}

// The owner has a single expiration task: it always targets the credential
// that ends first among the owner live ones
func (m *TokenManager) scheduleNext(ctx context.Context, userID uuid.UUID) error {
	live, err := m.storage.Credential().ListLiveByUser(ctx, userID, m.clock.Now())
	if err != nil {
		return err
	}

	next, ok := earliestByUser(live)[userID]
	if !ok {
		return nil
	}

	m.schedule(userID, next)
	return nil
}

func (m *TokenManager) schedule(userID uuid.UUID, c models.Credential) {
	m.scheduler.Schedule(scheduler.Task{
		Identity: userID.String(),
		Resource: c.TokenUID.String(),
		FireAt:   c.SessionExpiresAt(),
	}, m.expire)
}

func (m *TokenManager) expire(task scheduler.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()

	l := m.logger.With("user_id", task.Identity, "token_uid", task.Resource)

	tokenUID, err := uuid.Parse(task.Resource)
	if err != nil {
		l.Error("Expiration task with bad resource", "error", err)
		return
	}

	now := m.clock.Now()
	c, err := m.storage.Credential().Get(ctx, tokenUID)
	if err != nil {
		l.Error("Expired credential not loaded", "error", err)
		return
	}

	access := !c.AccessRevoked && !c.AccessExpired && !now.Before(c.ExpiresAt)
	refresh := !c.RefreshRevoked && !c.RefreshExpired && !now.Before(c.RefreshExpiresAt)

	if access || refresh {
		if _, err := m.storage.Credential().MarkExpired(ctx, tokenUID, access, refresh); err != nil {
			l.Error("Credential not marked expired", "error", err)
			return
		}

		envelope, err := events.NewEnvelope(events.EventUpdate, events.DataTypeExpiration, task.Resource, task.Identity, events.ExpirationBody{
			Access:  access,
			Refresh: refresh,
			FiredAt: now,
		})
		if err == nil {
			err = m.publisher.Publish(ctx, events.ChannelUser, envelope)
		}
		if err != nil {
			l.Error("Expiration not announced", "error", err)
		}

		l.Info("Credential expired", "access", access, "refresh", refresh)
	}

	if err := m.scheduleNext(ctx, c.UserID); err != nil {
		l.Error("Expiration not rescheduled", "error", err)
	}
}

func earliestByUser(credentials []models.Credential) map[uuid.UUID]models.Credential {
	next := make(map[uuid.UUID]models.Credential)
	for _, c := range credentials {
		cur, ok := next[c.UserID]
		if !ok || c.SessionExpiresAt().Before(cur.SessionExpiresAt()) {
			next[c.UserID] = c
		}
	}
	return next
}

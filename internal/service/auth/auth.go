package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/clock"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/models"
	"github.com/nkiryanov/hotline/internal/repository"
	"github.com/nkiryanov/hotline/internal/service/auth/tokenmanager"
)

const (
	defaultAccessHeaderName  = "Authorization"
	defaultAccessAuthScheme  = "Bearer"
	defaultRefreshCookieName = "refreshToken"
)

// Interface to create or compare user password hashes
type PasswordHasher interface {
	// Generate Hash from password
	Hash(password string) (string, error)

	// Compare known hashedPassword and user provided password
	// Must be protected against timing attacks
	Compare(hashedPassword string, password string) error
}

type TokenManager interface {
	IssuePair(ctx context.Context, user models.User) (models.TokenPair, error)
	ValidateKind(token string, kind string) (tokenmanager.Claims, error)
	Revoke(ctx context.Context, tokenUID uuid.UUID, revocationType string, reason string) error
}

type Config struct {
	// Hasher to use during user registration or login process
	// BcryptHasher if not set
	Hasher PasswordHasher

	// Where access token is sent to and read from: '<header>: <scheme> <token>'
	AccessHeaderName string
	AccessAuthScheme string

	// Cookie to keep refresh token in
	RefreshCookieName string
}

type AuthService struct {
	hasher PasswordHasher
	tokens TokenManager

	storage repository.Storage
	clock   clock.Clock
	logger  logger.Logger

	accessHeaderName  string
	accessAuthScheme  string
	refreshCookieName string
}

func NewService(cfg Config, tokens TokenManager, storage repository.Storage, c clock.Clock, l logger.Logger) (*AuthService, error) {
	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}

	setDefault := func(field *string, def string) {
		if *field == "" {
			*field = def
		}
	}
	setDefault(&cfg.AccessHeaderName, defaultAccessHeaderName)
	setDefault(&cfg.AccessAuthScheme, defaultAccessAuthScheme)
	setDefault(&cfg.RefreshCookieName, defaultRefreshCookieName)

	if c == nil {
		c = clock.Real()
	}

	return &AuthService{
		hasher:            cfg.Hasher,
		tokens:            tokens,
		storage:           storage,
		clock:             c,
		logger:            l.With("component", "auth"),
		accessHeaderName:  cfg.AccessHeaderName,
		accessAuthScheme:  cfg.AccessAuthScheme,
		refreshCookieName: cfg.RefreshCookieName,
	}, nil
}

func (s *AuthService) Register(ctx context.Context, username string, password string) (models.TokenPair, error) {
	var pair models.TokenPair

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return pair, fmt.Errorf("can't use this as password, error=%w", err)
	}

	user, err := s.storage.User().CreateUser(ctx, username, hash, newSecurityStamp())
	if err != nil {
		return pair, err
	}

	pair, err = s.tokens.IssuePair(ctx, user)
	if err != nil {
		return pair, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return pair, nil
}

func (s *AuthService) Login(ctx context.Context, username string, password string) (models.TokenPair, error) {
	var pair models.TokenPair

	user, err := s.storage.User().GetUserByUsername(ctx, username)
	if err != nil {
		return pair, err
	}

	if err := s.hasher.Compare(user.HashedPassword, password); err != nil {
		return pair, apperrors.ErrUserNotFound
	}

	pair, err = s.tokens.IssuePair(ctx, user)
	if err != nil {
		return pair, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return pair, nil
}

// Refresh trades a valid refresh token for a new pair.
// The old credential is marked expired, not revoked: its connection stays open.
func (s *AuthService) Refresh(ctx context.Context, refresh string) (models.TokenPair, error) {
	var pair models.TokenPair

	claims, err := s.tokens.ValidateKind(refresh, models.TokenKindRefresh)
	if err != nil {
		return pair, err
	}

	c, err := s.storage.Credential().GetByRefreshToken(ctx, refresh)
	if err != nil {
		return pair, err
	}

	if err := checkActive(c.RefreshRevoked, c.RefreshValid(s.clock.Now())); err != nil {
		return pair, err
	}

	user, err := s.storage.User().GetUserByID(ctx, c.UserID)
	if err != nil {
		return pair, err
	}

	if claims.Stamp != user.SecurityStamp {
		return pair, apperrors.ErrStampMismatch
	}

	// Spent here, not by the check above: concurrent refreshes with one token pass that check together
	_, err = s.storage.Credential().UseRefresh(ctx, c.TokenUID, s.clock.Now())
	switch {
	case errors.Is(err, apperrors.ErrCredentialInactive):
		return pair, err
	case err != nil:
		return pair, fmt.Errorf("error while spending refresh token. Err: %w", err)
	}

	pair, err = s.tokens.IssuePair(ctx, user)
	if err != nil {
		return pair, fmt.Errorf("token could not generated, sorry. %w", err)
	}

	return pair, nil
}

// Logout revokes the credential the session was authenticated with
func (s *AuthService) Logout(ctx context.Context, session models.Session) error {
	return s.tokens.Revoke(ctx, session.TokenUID, events.RevocationLogout, "logged out")
}

// LogoutAll rotates the security stamp, so refresh tokens issued before are useless,
// and revokes every live credential of the user
func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.storage.User().SetSecurityStamp(ctx, userID, newSecurityStamp()); err != nil {
		return err
	}

	live, err := s.storage.Credential().ListLiveByUser(ctx, userID, s.clock.Now())
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range live {
		err := s.tokens.Revoke(ctx, c.TokenUID, events.RevocationAll, "logged out everywhere")
		if err != nil && !errors.Is(err, apperrors.ErrCredentialNotFound) {
			errs = append(errs, err)
		}
	}

	s.logger.Info("User logged out everywhere", "user_id", userID, "credentials", len(live))
	return errors.Join(errs...)
}

// Authenticate reads access token from request and checks it against the stored credential
func (s *AuthService) Authenticate(ctx context.Context, r *http.Request) (models.Session, error) {
	var session models.Session

	token, err := s.accessFromHeader(r.Header.Get(s.accessHeaderName))
	if err != nil {
		return session, err
	}

	claims, err := s.tokens.ValidateKind(token, models.TokenKindAccess)
	if err != nil {
		return session, err
	}

	tokenUID, err := uuid.Parse(claims.ID)
	if err != nil {
		return session, fmt.Errorf("%w: bad token id", apperrors.ErrTokenInvalid)
	}

	c, err := s.storage.Credential().Get(ctx, tokenUID)
	if err != nil {
		return session, err
	}

	if c.AccessToken != token {
		return session, fmt.Errorf("%w: token does not match credential", apperrors.ErrTokenInvalid)
	}

	if err := checkActive(c.AccessRevoked, c.AccessValid(s.clock.Now())); err != nil {
		return session, err
	}

	user, err := s.storage.User().GetUserByID(ctx, c.UserID)
	if err != nil {
		return session, err
	}

	return models.Session{User: user, TokenUID: tokenUID}, nil
}

// Set access token to response header and refresh token to cookie
func (s *AuthService) SetTokens(w http.ResponseWriter, pair models.TokenPair) {
	w.Header().Set(s.accessHeaderName, s.accessAuthScheme+" "+pair.Access.Value)

	http.SetCookie(w, &http.Cookie{
		Name:     s.refreshCookieName,
		Value:    pair.Refresh.Value,
		Path:     "/",
		MaxAge:   int(pair.Refresh.ExpiresAt.Sub(s.clock.Now()).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *AuthService) GetRefresh(r *http.Request) (string, error) {
	cookie, err := r.Cookie(s.refreshCookieName)
	if err != nil {
		return "", fmt.Errorf("%w: refresh cookie not set", apperrors.ErrTokenInvalid)
	}
	return cookie.Value, nil
}

func (s *AuthService) accessFromHeader(header string) (string, error) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], s.accessAuthScheme) {
		return "", fmt.Errorf("%w: missing %s token", apperrors.ErrTokenInvalid, s.accessAuthScheme)
	}
	return parts[1], nil
}

func checkActive(revoked bool, valid bool) error {
	switch {
	case valid:
		return nil
	case revoked:
		return apperrors.ErrCredentialRevoked
	default:
		return apperrors.ErrCredentialInactive
	}
}

func newSecurityStamp() string {
	return uuid.NewString()
}

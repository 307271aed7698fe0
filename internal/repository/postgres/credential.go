package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/models"
)

type CredentialRepo struct {
	DB DBTX
}

const credentialColumns = `token_uid, user_id,
	access_token, issued_at, expires_at, access_revoked, access_expired,
	refresh_token, refresh_expires_at, refresh_revoked, refresh_expired`

const createCredential = `-- name: CreateCredential
INSERT INTO credentials (token_uid, user_id,
	access_token, issued_at, expires_at, access_revoked, access_expired,
	refresh_token, refresh_expires_at, refresh_revoked, refresh_expired)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + credentialColumns

func (r *CredentialRepo) Create(ctx context.Context, c models.Credential) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, createCredential,
		c.TokenUID, c.UserID,
		c.AccessToken, c.IssuedAt, c.ExpiresAt, c.AccessRevoked, c.AccessExpired,
		c.RefreshToken, c.RefreshExpiresAt, c.RefreshRevoked, c.RefreshExpired,
	)
	created, err := pgx.CollectOneRow(rows, rowToCredential)
	if err != nil {
		return created, fmt.Errorf("db error: %w", err)
	}
	return created, nil
}

const getCredential = `-- name: GetCredential
SELECT ` + credentialColumns + `
FROM credentials
WHERE token_uid = $1
`

func (r *CredentialRepo) Get(ctx context.Context, tokenUID uuid.UUID) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, getCredential, tokenUID)
	return collectCredential(rows)
}

const getCredentialByRefresh = `-- name: GetCredentialByRefreshToken
SELECT ` + credentialColumns + `
FROM credentials
WHERE refresh_token = $1
`

func (r *CredentialRepo) GetByRefreshToken(ctx context.Context, refresh string) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, getCredentialByRefresh, refresh)
	return collectCredential(rows)
}

// Row lock makes concurrent revokes of the same token serialize;
// 'was_revoked' is read before this statement's update.
const revokeCredential = `-- name: RevokeCredential
WITH prev AS (
	SELECT token_uid, (access_revoked AND refresh_revoked) AS was_revoked
	FROM credentials
	WHERE token_uid = $1
	FOR UPDATE
)
UPDATE credentials c
SET access_revoked = TRUE,
	refresh_revoked = TRUE,
	revoked_at = COALESCE(c.revoked_at, $2)
FROM prev
WHERE c.token_uid = prev.token_uid
RETURNING c.token_uid, c.user_id,
	c.access_token, c.issued_at, c.expires_at, c.access_revoked, c.access_expired,
	c.refresh_token, c.refresh_expires_at, c.refresh_revoked, c.refresh_expired,
	prev.was_revoked
`

func (r *CredentialRepo) Revoke(ctx context.Context, tokenUID uuid.UUID, now time.Time) (models.Credential, bool, error) {
	var c models.Credential
	var wasRevoked bool

	err := r.DB.QueryRow(ctx, revokeCredential, tokenUID, now).Scan(
		&c.TokenUID, &c.UserID,
		&c.AccessToken, &c.IssuedAt, &c.ExpiresAt, &c.AccessRevoked, &c.AccessExpired,
		&c.RefreshToken, &c.RefreshExpiresAt, &c.RefreshRevoked, &c.RefreshExpired,
		&wasRevoked,
	)

	switch {
	case err == nil:
		return c, !wasRevoked, nil
	case errors.Is(err, pgx.ErrNoRows):
		return c, false, apperrors.ErrCredentialNotFound
	default:
		return c, false, fmt.Errorf("db error: %w", err)
	}
}

const markCredentialExpired = `-- name: MarkCredentialExpired
UPDATE credentials
SET access_expired = access_expired OR $2,
	refresh_expired = refresh_expired OR $3
WHERE token_uid = $1
RETURNING ` + credentialColumns

func (r *CredentialRepo) MarkExpired(ctx context.Context, tokenUID uuid.UUID, access bool, refresh bool) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, markCredentialExpired, tokenUID, access, refresh)
	return collectCredential(rows)
}

// Concurrent updates of the row wait for each other and re-check the WHERE clause,
// so only the first one finds the refresh token valid
const useRefreshCredential = `-- name: UseRefreshCredential
UPDATE credentials
SET access_expired = TRUE,
	refresh_expired = TRUE
WHERE token_uid = $1
	AND NOT refresh_revoked
	AND NOT refresh_expired
	AND refresh_expires_at > $2
RETURNING ` + credentialColumns

func (r *CredentialRepo) UseRefresh(ctx context.Context, tokenUID uuid.UUID, now time.Time) (models.Credential, error) {
	rows, _ := r.DB.Query(ctx, useRefreshCredential, tokenUID, now)
	c, err := collectCredential(rows)
	if errors.Is(err, apperrors.ErrCredentialNotFound) {
		return c, fmt.Errorf("%w: refresh token used, revoked or expired", apperrors.ErrCredentialInactive)
	}
	return c, err
}

const listLiveCredentials = `-- name: ListLiveCredentials
SELECT ` + credentialColumns + `
FROM credentials
WHERE (NOT access_revoked AND NOT access_expired AND expires_at > $1)
	OR (NOT refresh_revoked AND NOT refresh_expired AND refresh_expires_at > $1)
ORDER BY issued_at
`

func (r *CredentialRepo) ListLive(ctx context.Context, now time.Time) ([]models.Credential, error) {
	rows, _ := r.DB.Query(ctx, listLiveCredentials, now)
	return collectCredentials(rows)
}

const listLiveCredentialsByUser = `-- name: ListLiveCredentialsByUser
SELECT ` + credentialColumns + `
FROM credentials
WHERE user_id = $1 AND (
	(NOT access_revoked AND NOT access_expired AND expires_at > $2)
	OR (NOT refresh_revoked AND NOT refresh_expired AND refresh_expires_at > $2)
)
ORDER BY issued_at
`

func (r *CredentialRepo) ListLiveByUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.Credential, error) {
	rows, _ := r.DB.Query(ctx, listLiveCredentialsByUser, userID, now)
	return collectCredentials(rows)
}

func collectCredential(rows pgx.Rows) (models.Credential, error) {
	c, err := pgx.CollectOneRow(rows, rowToCredential)

	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, pgx.ErrNoRows):
		return c, apperrors.ErrCredentialNotFound
	default:
		return c, fmt.Errorf("db error: %w", err)
	}
}

func collectCredentials(rows pgx.Rows) ([]models.Credential, error) {
	credentials, err := pgx.CollectRows(rows, rowToCredential)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return credentials, nil
}

func rowToCredential(row pgx.CollectableRow) (models.Credential, error) {
	var c models.Credential
	err := row.Scan(
		&c.TokenUID, &c.UserID,
		&c.AccessToken, &c.IssuedAt, &c.ExpiresAt, &c.AccessRevoked, &c.AccessExpired,
		&c.RefreshToken, &c.RefreshExpiresAt, &c.RefreshRevoked, &c.RefreshExpired,
	)
	return c, err
}

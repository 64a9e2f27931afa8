package database

import (
	"context"
	"database/sql"
	"time"

	"main/internal/token"
)

// Bundle methods make PostgresUserStore the token.Store implementation; the
// bundle lives on the user row, there is at most one per user.
var _ token.Store = (*PostgresUserStore)(nil)

func (s *PostgresUserStore) Bundle(ctx context.Context, userID string) (*token.Bundle, error) {
	b := &token.Bundle{}
	var accessExpiry, refreshExpiry, authInvalidAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT access_token_cipher, access_token_nonce, access_token_expires_at,
		        refresh_token_cipher, refresh_token_nonce, refresh_token_expires_at, auth_invalid_at
		 FROM users WHERE id = $1`, userID).Scan(
		&b.AccessTokenCipher, &b.AccessTokenNonce, &accessExpiry,
		&b.RefreshTokenCipher, &b.RefreshTokenNonce, &refreshExpiry, &authInvalidAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	// A user row without token columns means "never connected".
	if len(b.AccessTokenCipher) == 0 || len(b.RefreshTokenCipher) == 0 {
		return nil, nil
	}

	b.AccessExpiresAt = accessExpiry.Time
	b.RefreshExpiresAt = refreshExpiry.Time
	if authInvalidAt.Valid {
		t := authInvalidAt.Time
		b.AuthInvalidAt = &t
	}
	return b, nil
}

func (s *PostgresUserStore) SaveBundle(ctx context.Context, userID string, b *token.Bundle) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token_cipher = $1, access_token_nonce = $2, access_token_expires_at = $3,
		        refresh_token_cipher = $4, refresh_token_nonce = $5, refresh_token_expires_at = $6,
		        auth_invalid_at = NULL, updated_at = $7
		 WHERE id = $8`,
		b.AccessTokenCipher, b.AccessTokenNonce, b.AccessExpiresAt,
		b.RefreshTokenCipher, b.RefreshTokenNonce, b.RefreshExpiresAt,
		time.Now(), userID)
	return err
}

func (s *PostgresUserStore) MarkAuthInvalid(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET auth_invalid_at = $1, updated_at = $2 WHERE id = $3",
		at, time.Now(), userID)
	return err
}

func (s *PostgresUserStore) ClearBundle(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token_cipher = NULL, access_token_nonce = NULL, access_token_expires_at = NULL,
		        refresh_token_cipher = NULL, refresh_token_nonce = NULL, refresh_token_expires_at = NULL,
		        auth_invalid_at = NULL, updated_at = $1
		 WHERE id = $2`,
		time.Now(), userID)
	return err
}

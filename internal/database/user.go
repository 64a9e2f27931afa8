package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"main/internal/model"
)

// UserStore is the persistence seam the handlers depend on.
type UserStore interface {
	FindUserByID(ctx context.Context, id string) (*model.User, error)
	FindUserByTwitchID(ctx context.Context, twitchID string) (*model.User, error)
	FindUserByWidgetDigest(ctx context.Context, digest string) (*model.User, error)
	CreateUser(ctx context.Context, user *model.User) (*model.User, error)
	UpdateProfile(ctx context.Context, id, login, displayName, avatarURL string) error
	UpdateSettings(ctx context.Context, id string, monthlyQuota float64, widgetTitle string) error
	UpdateWidgetDigest(ctx context.Context, id, digest string) error
	DeleteUser(ctx context.Context, id string) error
}

type PostgresUserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const userColumns = `id, twitch_id, login, display_name, avatar_url, monthly_quota, widget_title,
	widget_token_digest, access_token_cipher, access_token_nonce, access_token_expires_at,
	refresh_token_cipher, refresh_token_nonce, refresh_token_expires_at, auth_invalid_at,
	created_at, updated_at`

func (s *PostgresUserStore) FindUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.findUser(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
}

func (s *PostgresUserStore) FindUserByTwitchID(ctx context.Context, twitchID string) (*model.User, error) {
	return s.findUser(ctx, "SELECT "+userColumns+" FROM users WHERE twitch_id = $1", twitchID)
}

func (s *PostgresUserStore) FindUserByWidgetDigest(ctx context.Context, digest string) (*model.User, error) {
	return s.findUser(ctx, "SELECT "+userColumns+" FROM users WHERE widget_token_digest = $1", digest)
}

func (s *PostgresUserStore) findUser(ctx context.Context, query string, arg any) (*model.User, error) {
	user := &model.User{}
	var widgetDigest sql.NullString
	var accessExpiry, refreshExpiry, authInvalidAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.TwitchID, &user.Login, &user.DisplayName, &user.AvatarURL,
		&user.MonthlyQuota, &user.WidgetTitle, &widgetDigest,
		&user.AccessTokenCipher, &user.AccessTokenNonce, &accessExpiry,
		&user.RefreshTokenCipher, &user.RefreshTokenNonce, &refreshExpiry,
		&authInvalidAt, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No user found is not an error
		}
		return nil, err
	}

	user.WidgetTokenDigest = widgetDigest.String
	user.AccessTokenExpiry = accessExpiry.Time
	user.RefreshTokenExpiry = refreshExpiry.Time
	if authInvalidAt.Valid {
		t := authInvalidAt.Time
		user.AuthInvalidAt = &t
	}

	return user, nil
}

func (s *PostgresUserStore) CreateUser(ctx context.Context, user *model.User) (*model.User, error) {
	user.ID = uuid.New().String()
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, twitch_id, login, display_name, avatar_url, monthly_quota, widget_title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		user.ID, user.TwitchID, user.Login, user.DisplayName, user.AvatarURL,
		user.MonthlyQuota, user.WidgetTitle, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *PostgresUserStore) UpdateProfile(ctx context.Context, id, login, displayName, avatarURL string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET login = $1, display_name = $2, avatar_url = $3, updated_at = $4 WHERE id = $5",
		login, displayName, avatarURL, time.Now(), id)
	return err
}

func (s *PostgresUserStore) UpdateSettings(ctx context.Context, id string, monthlyQuota float64, widgetTitle string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET monthly_quota = $1, widget_title = $2, updated_at = $3 WHERE id = $4",
		monthlyQuota, widgetTitle, time.Now(), id)
	return err
}

func (s *PostgresUserStore) UpdateWidgetDigest(ctx context.Context, id, digest string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET widget_token_digest = $1, updated_at = $2 WHERE id = $3",
		digest, time.Now(), id)
	return err
}

// DeleteUser removes the user row together with everything the user owns;
// the usage cache entry goes in the same transaction.
func (s *PostgresUserStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM usage_cache WHERE user_id = $1", id); err != nil {
		return fmt.Errorf("database: delete usage cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", id); err != nil {
		return fmt.Errorf("database: delete user: %w", err)
	}
	return tx.Commit()
}

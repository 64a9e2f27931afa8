// Package token owns the per-user OAuth access/refresh token pair for the
// linked billing account: validity checks, proactive refresh, failure
// classification, and persistence of the refreshed pair.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"main/internal/secret"
)

// DefaultSafetyMargin is the buffer subtracted from a token's expiry before
// treating it as "needs refresh", so a token never expires mid-flight to the
// upstream API.
const DefaultSafetyMargin = time.Minute

var (
	// ErrNotConnected means the user has never linked a billing account (or
	// has disconnected it).
	ErrNotConnected = errors.New("token: billing account not connected")

	// ErrReauthRequired means the bundle is permanently unusable; the user
	// must complete authorization again. Never retried automatically.
	ErrReauthRequired = errors.New("token: reauthorization required")

	// ErrRefreshRejected is returned by a Refresher when the authorization
	// server rejects the grant for a recognized permanent reason
	// (invalid/expired/revoked). Anything else is treated as transient.
	ErrRefreshRejected = errors.New("token: refresh token rejected")
)

// Pair is a decrypted access/refresh token pair as returned by the upstream
// authorization server. It exists in memory only long enough to be sealed or
// used for one API call.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Bundle is the encrypted at-rest form of a Pair plus its invalidation mark.
// A set AuthInvalidAt means the bundle must never be used upstream again.
type Bundle struct {
	AccessTokenCipher  []byte
	AccessTokenNonce   []byte
	AccessExpiresAt    time.Time
	RefreshTokenCipher []byte
	RefreshTokenNonce  []byte
	RefreshExpiresAt   time.Time
	AuthInvalidAt      *time.Time
}

// Store persists one bundle per user.
type Store interface {
	// Bundle returns nil, nil when the user has no bundle.
	Bundle(ctx context.Context, userID string) (*Bundle, error)
	// SaveBundle overwrites the bundle wholesale and clears auth_invalid_at.
	SaveBundle(ctx context.Context, userID string, b *Bundle) error
	// MarkAuthInvalid stamps the bundle as permanently unusable, leaving the
	// token fields in place.
	MarkAuthInvalid(ctx context.Context, userID string, at time.Time) error
	// ClearBundle nulls every bundle field.
	ClearBundle(ctx context.Context, userID string) error
}

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Pair, error)
}

type Manager struct {
	store     Store
	codec     *secret.Codec
	refresher Refresher
	margin    time.Duration
	now       func() time.Time
}

func NewManager(store Store, codec *secret.Codec, refresher Refresher) *Manager {
	return &Manager{
		store:     store,
		codec:     codec,
		refresher: refresher,
		margin:    DefaultSafetyMargin,
		now:       time.Now,
	}
}

// ValidAccessToken returns a decrypted access token that is good for at least
// the safety margin, refreshing the pair if needed.
//
// Concurrent callers may race on the refresh; that is tolerated. A transient
// refresh failure triggers a single re-read of the bundle, because another
// request may have refreshed it in the meantime. At most one redundant
// upstream refresh call happens per race, and the stored bundle is always one
// complete pair (last write wins).
func (m *Manager) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	b, err := m.store.Bundle(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("token: load bundle: %w", err)
	}
	if b == nil {
		return "", ErrNotConnected
	}
	if b.AuthInvalidAt != nil {
		return "", ErrReauthRequired
	}

	if m.usable(b) {
		return m.codec.Decrypt(b.AccessTokenCipher, b.AccessTokenNonce)
	}

	refreshToken, err := m.codec.Decrypt(b.RefreshTokenCipher, b.RefreshTokenNonce)
	if err != nil {
		return "", err
	}

	pair, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			// Permanent rejection. Token fields stay in place for debugging;
			// the invalidation mark alone blocks further use.
			if merr := m.store.MarkAuthInvalid(ctx, userID, m.now()); merr != nil {
				log.Error().Err(merr).Str("user_id", userID).Msg("failed to mark bundle invalid")
			}
			return "", fmt.Errorf("%v: %w", err, ErrReauthRequired)
		}

		// Transient. Re-read once: an overlapping request may have already
		// refreshed the bundle.
		cur, rerr := m.store.Bundle(ctx, userID)
		if rerr == nil && cur != nil && cur.AuthInvalidAt == nil && m.usable(cur) {
			log.Debug().Str("user_id", userID).Msg("refresh race resolved by re-read")
			return m.codec.Decrypt(cur.AccessTokenCipher, cur.AccessTokenNonce)
		}
		return "", fmt.Errorf("token: refresh: %w", err)
	}

	if err := m.StoreBundle(ctx, userID, pair); err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

// StoreBundle seals a freshly issued pair and persists it, replacing any
// previous bundle and clearing the invalidation mark. Used after both the
// consent callback and a successful refresh.
func (m *Manager) StoreBundle(ctx context.Context, userID string, pair *Pair) error {
	b, err := m.seal(pair)
	if err != nil {
		return err
	}
	if err := m.store.SaveBundle(ctx, userID, b); err != nil {
		return fmt.Errorf("token: save bundle: %w", err)
	}
	return nil
}

// Disconnect drops the user's bundle entirely.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	if err := m.store.ClearBundle(ctx, userID); err != nil {
		return fmt.Errorf("token: clear bundle: %w", err)
	}
	return nil
}

// usable reports whether the access token is good for at least the safety
// margin.
func (m *Manager) usable(b *Bundle) bool {
	return b.AccessExpiresAt.After(m.now().Add(m.margin))
}

func (m *Manager) seal(pair *Pair) (*Bundle, error) {
	ac, an, err := m.codec.Encrypt(pair.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("token: seal access token: %w", err)
	}
	rc, rn, err := m.codec.Encrypt(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("token: seal refresh token: %w", err)
	}
	return &Bundle{
		AccessTokenCipher:  ac,
		AccessTokenNonce:   an,
		AccessExpiresAt:    pair.AccessExpiresAt,
		RefreshTokenCipher: rc,
		RefreshTokenNonce:  rn,
		RefreshExpiresAt:   pair.RefreshExpiresAt,
	}, nil
}

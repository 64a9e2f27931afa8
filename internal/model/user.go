package model

import "time"

type User struct {
	ID                 string     `db:"id"`
	TwitchID           string     `db:"twitch_id"`
	Login              string     `db:"login"`
	DisplayName        string     `db:"display_name"`
	AvatarURL          string     `db:"avatar_url"`
	MonthlyQuota       float64    `db:"monthly_quota"`
	WidgetTitle        string     `db:"widget_title"`
	WidgetTokenDigest  string     `db:"widget_token_digest"`
	AccessTokenCipher  []byte     `db:"access_token_cipher"`
	AccessTokenNonce   []byte     `db:"access_token_nonce"`
	AccessTokenExpiry  time.Time  `db:"access_token_expires_at"`
	RefreshTokenCipher []byte     `db:"refresh_token_cipher"`
	RefreshTokenNonce  []byte     `db:"refresh_token_nonce"`
	RefreshTokenExpiry time.Time  `db:"refresh_token_expires_at"`
	AuthInvalidAt      *time.Time `db:"auth_invalid_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// Connected reports whether the user currently has a billing token bundle
// stored, valid or not.
func (u *User) Connected() bool {
	return len(u.AccessTokenCipher) > 0 && len(u.RefreshTokenCipher) > 0
}

package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/gorilla/sessions"
	"github.com/joho/godotenv"
	"github.com/markbates/goth/gothic"
	"github.com/rs/zerolog/log"
)

type Config struct {
	DatabaseURL   string
	SessionSecret string
	FrontendURL   string

	TwitchClientID     string
	TwitchClientSecret string
	TwitchCallbackURL  string

	BillingClientID     string
	BillingClientSecret string
	BillingCallbackURL  string
	BillingAuthURL      string
	BillingTokenURL     string
	BillingAPIURL       string

	// EncryptionKey is the decoded 32-byte key for the secret codec.
	EncryptionKey []byte
}

var required = []string{
	"DATABASE_URL",
	"SESSION_SECRET",
	"FRONTEND_URL",
	"TWITCH_CLIENT_ID",
	"TWITCH_CLIENT_SECRET",
	"TWITCH_CALLBACK_URL",
	"BILLING_CLIENT_ID",
	"BILLING_CLIENT_SECRET",
	"BILLING_CALLBACK_URL",
	"BILLING_AUTH_URL",
	"BILLING_TOKEN_URL",
	"BILLING_API_URL",
	"ENCRYPTION_KEY",
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file, using process environment")
	}

	vals := make(map[string]string, len(required))
	for _, name := range required {
		v := os.Getenv(name)
		if v == "" {
			return nil, fmt.Errorf("config: environment variable %s is required", name)
		}
		vals[name] = v
	}

	// The key is validated again by the secret codec; decoding here means a
	// bad key kills the process before any request handling starts.
	key, err := hex.DecodeString(vals["ENCRYPTION_KEY"])
	if err != nil {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}

	gothic.Store = sessions.NewCookieStore([]byte(vals["SESSION_SECRET"]))

	return &Config{
		DatabaseURL:         vals["DATABASE_URL"],
		SessionSecret:       vals["SESSION_SECRET"],
		FrontendURL:         vals["FRONTEND_URL"],
		TwitchClientID:      vals["TWITCH_CLIENT_ID"],
		TwitchClientSecret:  vals["TWITCH_CLIENT_SECRET"],
		TwitchCallbackURL:   vals["TWITCH_CALLBACK_URL"],
		BillingClientID:     vals["BILLING_CLIENT_ID"],
		BillingClientSecret: vals["BILLING_CLIENT_SECRET"],
		BillingAuthURL:      vals["BILLING_AUTH_URL"],
		BillingTokenURL:     vals["BILLING_TOKEN_URL"],
		BillingAPIURL:       vals["BILLING_API_URL"],
		BillingCallbackURL:  vals["BILLING_CALLBACK_URL"],
		EncryptionKey:       key,
	}, nil
}

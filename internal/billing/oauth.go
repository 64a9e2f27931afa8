package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"main/internal/token"
)

// defaultRefreshTokenLifetime is assumed when the token endpoint does not
// report refresh_token_expires_in.
const defaultRefreshTokenLifetime = 30 * 24 * time.Hour

// OAuth handles the billing account link (consent redirect + code exchange)
// and refresh-token grants against the upstream authorization server. It is
// the production token.Refresher.
type OAuth struct {
	conf *oauth2.Config
	now  func() time.Time
}

func NewOAuth(clientID, clientSecret, authURL, tokenURL, redirectURL string) *OAuth {
	return &OAuth{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"billing:read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
			},
		},
		now: time.Now,
	}
}

// AuthCodeURL returns the consent page URL carrying the given CSRF state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for the initial token pair. One
// attempt, no retry; on failure the user simply restarts the consent flow.
func (o *OAuth) Exchange(ctx context.Context, code string) (*token.Pair, error) {
	tok, err := o.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("billing: code exchange: %w", err)
	}
	return o.pair(tok), nil
}

// Refresh implements token.Refresher. A grant the authorization server
// recognizably rejects (invalid_grant) wraps token.ErrRefreshRejected; any
// other failure, including unrecognized error bodies and 5xx, is transient.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	src := o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("billing: refresh grant rejected: %w", token.ErrRefreshRejected)
		}
		return nil, fmt.Errorf("billing: refresh: %w", err)
	}
	return o.pair(tok), nil
}

func (o *OAuth) pair(tok *oauth2.Token) *token.Pair {
	p := &token.Pair{
		AccessToken:      tok.AccessToken,
		AccessExpiresAt:  tok.Expiry,
		RefreshToken:     tok.RefreshToken,
		RefreshExpiresAt: o.now().Add(defaultRefreshTokenLifetime),
	}
	if v, ok := tok.Extra("refresh_token_expires_in").(float64); ok && v > 0 {
		p.RefreshExpiresAt = o.now().Add(time.Duration(v) * time.Second)
	}
	return p
}

package usage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"main/internal/billing"
	"main/internal/token"
)

// Source says where a resolved report came from.
type Source string

const (
	SourceCacheHit      Source = "cache_hit"
	SourceLive          Source = "live"
	SourceStaleFallback Source = "stale_fallback"
)

type Resolution struct {
	Report *billing.Report
	Source Source
}

// TokenSource yields a currently valid upstream access token for a user.
type TokenSource interface {
	ValidAccessToken(ctx context.Context, userID string) (string, error)
}

// ReportBuilder computes a live report from a valid access token.
type ReportBuilder interface {
	Build(ctx context.Context, accessToken string, monthlyQuota float64, now time.Time, title string) (*billing.Report, error)
}

// Resolver sequences cache, token manager and report builder. It is the only
// component that composes them.
type Resolver struct {
	cache   *Cache
	tokens  TokenSource
	builder ReportBuilder
	now     func() time.Time
}

func NewResolver(cache *Cache, tokens TokenSource, builder ReportBuilder) *Resolver {
	return &Resolver{cache: cache, tokens: tokens, builder: builder, now: time.Now}
}

// Resolve returns the user's current usage report, cache-aside.
//
// A nil, nil return means the user never linked a billing account and has no
// cached report either: "not configured", not an error. When live computation
// fails and any cache entry exists, however stale, the stale report is
// returned instead of the failure; with no entry at all the original failure
// propagates unchanged.
func (r *Resolver) Resolve(ctx context.Context, userID string, monthlyQuota float64, title string) (*Resolution, error) {
	cached, err := r.cache.Read(ctx, userID)
	if err != nil {
		// A broken cache store must not block live resolution.
		log.Error().Err(err).Str("user_id", userID).Msg("usage cache read failed")
		cached = nil
	}
	if cached != nil && cached.Fresh {
		return &Resolution{Report: cached.Report, Source: SourceCacheHit}, nil
	}

	accessToken, err := r.tokens.ValidAccessToken(ctx, userID)
	if err != nil {
		if errors.Is(err, token.ErrNotConnected) {
			if cached != nil {
				return &Resolution{Report: cached.Report, Source: SourceStaleFallback}, nil
			}
			return nil, nil
		}
		return r.fallback(cached, userID, err)
	}

	now := r.now()
	report, err := r.builder.Build(ctx, accessToken, monthlyQuota, now, title)
	if err != nil {
		return r.fallback(cached, userID, err)
	}

	if werr := r.cache.Write(ctx, userID, report, now); werr != nil {
		log.Error().Err(werr).Str("user_id", userID).Msg("usage cache write failed")
	}
	return &Resolution{Report: report, Source: SourceLive}, nil
}

func (r *Resolver) fallback(cached *CachedReport, userID string, cause error) (*Resolution, error) {
	if cached != nil {
		log.Warn().Err(cause).Str("user_id", userID).Msg("live resolution failed, serving stale report")
		return &Resolution{Report: cached.Report, Source: SourceStaleFallback}, nil
	}
	return nil, cause
}

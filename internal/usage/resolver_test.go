package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/billing"
	"main/internal/token"
)

type fakeTokenSource struct {
	token string
	err   error
}

func (f *fakeTokenSource) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	return f.token, f.err
}

type fakeBuilder struct {
	report *billing.Report
	err    error
	calls  int
}

func (f *fakeBuilder) Build(ctx context.Context, accessToken string, monthlyQuota float64, now time.Time, title string) (*billing.Report, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func newTestResolver(store EntryStore, tokens *fakeTokenSource, builder *fakeBuilder) *Resolver {
	r := NewResolver(newTestCache(store), tokens, builder)
	r.now = func() time.Time { return cacheNow }
	return r
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("Fresh cache short-circuits", func(t *testing.T) {
		store := newMemEntryStore()
		c := newTestCache(store)
		require.NoError(t, c.Write(ctx, "u1", sampleReport("cached"), cacheNow))

		builder := &fakeBuilder{report: sampleReport("live")}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "cached")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, SourceCacheHit, res.Source)
		assert.Equal(t, "cached", res.Report.Title)
		assert.Zero(t, builder.calls)
	})

	t.Run("Miss goes live and writes the cache", func(t *testing.T) {
		store := newMemEntryStore()
		builder := &fakeBuilder{report: sampleReport("live")}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "live")
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
		assert.Equal(t, "live", res.Report.Title)

		cached, err := newTestCache(store).Read(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.True(t, cached.Fresh)
	})

	t.Run("Stale entry refreshes when live succeeds", func(t *testing.T) {
		store := newMemEntryStore()
		c := newTestCache(store)
		require.NoError(t, c.Write(ctx, "u1", sampleReport("old"), cacheNow.Add(-time.Hour)))

		builder := &fakeBuilder{report: sampleReport("fresh")}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "fresh")
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
		assert.Equal(t, "fresh", res.Report.Title)
	})

	t.Run("Stale entry survives a live failure", func(t *testing.T) {
		store := newMemEntryStore()
		c := newTestCache(store)
		require.NoError(t, c.Write(ctx, "u1", sampleReport("stale"), cacheNow.Add(-time.Hour)))

		builder := &fakeBuilder{err: billing.ErrNetwork}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "stale")
		require.NoError(t, err)
		assert.Equal(t, SourceStaleFallback, res.Source)
		assert.Equal(t, "stale", res.Report.Title)
	})

	t.Run("No cache entry propagates the live failure", func(t *testing.T) {
		store := newMemEntryStore()
		builder := &fakeBuilder{err: billing.ErrRateLimited}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "t")
		assert.Nil(t, res)
		assert.ErrorIs(t, err, billing.ErrRateLimited)
	})

	t.Run("Refresh failure falls back to stale", func(t *testing.T) {
		store := newMemEntryStore()
		c := newTestCache(store)
		require.NoError(t, c.Write(ctx, "u1", sampleReport("stale"), cacheNow.Add(-time.Hour)))

		r := newTestResolver(store, &fakeTokenSource{err: token.ErrReauthRequired}, &fakeBuilder{})

		res, err := r.Resolve(ctx, "u1", 300, "t")
		require.NoError(t, err)
		assert.Equal(t, SourceStaleFallback, res.Source)
	})

	t.Run("Refresh failure without cache propagates", func(t *testing.T) {
		store := newMemEntryStore()
		transient := errors.New("upstream 503")
		r := newTestResolver(store, &fakeTokenSource{err: transient}, &fakeBuilder{})

		res, err := r.Resolve(ctx, "u1", 300, "t")
		assert.Nil(t, res)
		assert.ErrorIs(t, err, transient)
	})

	t.Run("Never connected without cache resolves to nothing", func(t *testing.T) {
		store := newMemEntryStore()
		r := newTestResolver(store, &fakeTokenSource{err: token.ErrNotConnected}, &fakeBuilder{})

		res, err := r.Resolve(ctx, "u1", 300, "t")
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("Never connected with stale cache falls back", func(t *testing.T) {
		store := newMemEntryStore()
		c := newTestCache(store)
		require.NoError(t, c.Write(ctx, "u1", sampleReport("stale"), cacheNow.Add(-time.Hour)))

		r := newTestResolver(store, &fakeTokenSource{err: token.ErrNotConnected}, &fakeBuilder{})

		res, err := r.Resolve(ctx, "u1", 300, "t")
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, SourceStaleFallback, res.Source)
	})

	t.Run("Cache store failure does not block live resolution", func(t *testing.T) {
		store := newMemEntryStore()
		store.readErr = errors.New("connection reset")
		builder := &fakeBuilder{report: sampleReport("live")}
		r := newTestResolver(store, &fakeTokenSource{token: "tok"}, builder)

		res, err := r.Resolve(ctx, "u1", 300, "live")
		require.NoError(t, err)
		assert.Equal(t, SourceLive, res.Source)
	})
}

package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"main/internal/secret"
)

type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) Bundle(ctx context.Context, userID string) (*Bundle, error) {
	args := m.Called(userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Bundle), args.Error(1)
}

func (m *MockStore) SaveBundle(ctx context.Context, userID string, b *Bundle) error {
	args := m.Called(userID, b)
	return args.Error(0)
}

func (m *MockStore) MarkAuthInvalid(ctx context.Context, userID string, at time.Time) error {
	args := m.Called(userID, at)
	return args.Error(0)
}

func (m *MockStore) ClearBundle(ctx context.Context, userID string) error {
	args := m.Called(userID)
	return args.Error(0)
}

type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	args := m.Called(refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Pair), args.Error(1)
}

var testNow = time.Date(2024, time.June, 26, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, store Store, refresher Refresher) (*Manager, *secret.Codec) {
	t.Helper()
	codec, err := secret.New(make([]byte, secret.KeySize))
	require.NoError(t, err)

	m := NewManager(store, codec, refresher)
	m.now = func() time.Time { return testNow }
	return m, codec
}

// sealPair builds the stored form of a pair the way the manager would.
func sealPair(t *testing.T, codec *secret.Codec, access, refresh string, accessExpiry time.Time) *Bundle {
	t.Helper()
	ac, an, err := codec.Encrypt(access)
	require.NoError(t, err)
	rc, rn, err := codec.Encrypt(refresh)
	require.NoError(t, err)
	return &Bundle{
		AccessTokenCipher:  ac,
		AccessTokenNonce:   an,
		AccessExpiresAt:    accessExpiry,
		RefreshTokenCipher: rc,
		RefreshTokenNonce:  rn,
		RefreshExpiresAt:   accessExpiry.Add(24 * time.Hour),
	}
}

func TestValidAccessToken(t *testing.T) {
	t.Run("No bundle means not connected", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, _ := newTestManager(t, store, refresher)

		store.On("Bundle", "u1").Return(nil, nil)

		_, err := m.ValidAccessToken(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrNotConnected)
		refresher.AssertNotCalled(t, "Refresh", mock.Anything)
	})

	t.Run("Invalidated bundle fails without any network call", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		b := sealPair(t, codec, "old-access", "old-refresh", testNow.Add(-time.Hour))
		at := testNow.Add(-time.Minute)
		b.AuthInvalidAt = &at
		store.On("Bundle", "u1").Return(b, nil)

		_, err := m.ValidAccessToken(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrReauthRequired)
		refresher.AssertNotCalled(t, "Refresh", mock.Anything)
	})

	t.Run("Token inside safety margin is returned as-is", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		b := sealPair(t, codec, "live-access", "refresh", testNow.Add(10*time.Minute))
		store.On("Bundle", "u1").Return(b, nil)

		got, err := m.ValidAccessToken(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "live-access", got)
		refresher.AssertNotCalled(t, "Refresh", mock.Anything)
	})

	t.Run("Token expiring within the margin triggers a refresh", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		b := sealPair(t, codec, "stale-access", "refresh-1", testNow.Add(30*time.Second))
		store.On("Bundle", "u1").Return(b, nil)

		var saved *Bundle
		store.On("SaveBundle", "u1", mock.Anything).Run(func(args mock.Arguments) {
			saved = args.Get(1).(*Bundle)
		}).Return(nil)
		refresher.On("Refresh", "refresh-1").Return(&Pair{
			AccessToken:     "new-access",
			AccessExpiresAt: testNow.Add(time.Hour),
			RefreshToken:    "refresh-2",
		}, nil)

		got, err := m.ValidAccessToken(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "new-access", got)

		// The persisted bundle is the sealed new pair, wholesale.
		require.NotNil(t, saved)
		access, err := codec.Decrypt(saved.AccessTokenCipher, saved.AccessTokenNonce)
		require.NoError(t, err)
		assert.Equal(t, "new-access", access)
		refresh, err := codec.Decrypt(saved.RefreshTokenCipher, saved.RefreshTokenNonce)
		require.NoError(t, err)
		assert.Equal(t, "refresh-2", refresh)
	})

	t.Run("Permanent rejection marks the bundle invalid", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		b := sealPair(t, codec, "a", "revoked-refresh", testNow.Add(-time.Hour))
		store.On("Bundle", "u1").Return(b, nil)
		store.On("MarkAuthInvalid", "u1", testNow).Return(nil)
		refresher.On("Refresh", "revoked-refresh").
			Return(nil, fmt.Errorf("grant revoked: %w", ErrRefreshRejected))

		_, err := m.ValidAccessToken(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrReauthRequired)
		store.AssertCalled(t, "MarkAuthInvalid", "u1", testNow)
		store.AssertNotCalled(t, "SaveBundle", mock.Anything, mock.Anything)
	})

	t.Run("Transient failure resolved by re-read", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		expired := sealPair(t, codec, "a", "r", testNow.Add(-time.Minute))
		refreshed := sealPair(t, codec, "racer-access", "r2", testNow.Add(time.Hour))
		store.On("Bundle", "u1").Return(expired, nil).Once()
		store.On("Bundle", "u1").Return(refreshed, nil).Once()
		refresher.On("Refresh", "r").Return(nil, errors.New("upstream 503"))

		got, err := m.ValidAccessToken(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "racer-access", got)
	})

	t.Run("Transient failure with no concurrent refresh propagates", func(t *testing.T) {
		store := new(MockStore)
		refresher := new(MockRefresher)
		m, codec := newTestManager(t, store, refresher)

		expired := sealPair(t, codec, "a", "r", testNow.Add(-time.Minute))
		store.On("Bundle", "u1").Return(expired, nil)
		refresher.On("Refresh", "r").Return(nil, errors.New("upstream 503"))

		_, err := m.ValidAccessToken(context.Background(), "u1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrReauthRequired)
		store.AssertNotCalled(t, "MarkAuthInvalid", mock.Anything, mock.Anything)
	})
}

// memStore is a minimal thread-safe Store for concurrency tests.
type memStore struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
}

func newMemStore() *memStore {
	return &memStore{bundles: map[string]*Bundle{}}
}

func (s *memStore) Bundle(ctx context.Context, userID string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[userID]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) SaveBundle(ctx context.Context, userID string, b *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	cp.AuthInvalidAt = nil
	s.bundles[userID] = &cp
	return nil
}

func (s *memStore) MarkAuthInvalid(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bundles[userID]; ok {
		b.AuthInvalidAt = &at
	}
	return nil
}

func (s *memStore) ClearBundle(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, userID)
	return nil
}

// countingRefresher issues a distinct pair per call.
type countingRefresher struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	return &Pair{
		AccessToken:     fmt.Sprintf("access-%d", n),
		AccessExpiresAt: testNow.Add(time.Hour),
		RefreshToken:    fmt.Sprintf("refresh-%d", n),
	}, nil
}

func TestConcurrentRefresh(t *testing.T) {
	store := newMemStore()
	refresher := &countingRefresher{}
	m, codec := newTestManager(t, store, refresher)

	store.bundles["u1"] = sealPair(t, codec, "expired", "seed-refresh", testNow.Add(-time.Minute))

	const callers = 8
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ValidAccessToken(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Regexp(t, `^access-\d+$`, results[i])
	}

	// The stored bundle is one complete refresh result, not a torn mix.
	b, err := store.Bundle(context.Background(), "u1")
	require.NoError(t, err)
	access, err := codec.Decrypt(b.AccessTokenCipher, b.AccessTokenNonce)
	require.NoError(t, err)
	refresh, err := codec.Decrypt(b.RefreshTokenCipher, b.RefreshTokenNonce)
	require.NoError(t, err)
	assert.Equal(t, access[len("access-"):], refresh[len("refresh-"):])
	assert.True(t, b.AccessExpiresAt.After(testNow.Add(DefaultSafetyMargin)))
}

func TestStoreBundleAndDisconnect(t *testing.T) {
	t.Run("StoreBundle seals both tokens", func(t *testing.T) {
		store := newMemStore()
		m, codec := newTestManager(t, store, &countingRefresher{})

		err := m.StoreBundle(context.Background(), "u1", &Pair{
			AccessToken:      "acc",
			AccessExpiresAt:  testNow.Add(time.Hour),
			RefreshToken:     "ref",
			RefreshExpiresAt: testNow.Add(30 * 24 * time.Hour),
		})
		require.NoError(t, err)

		b, err := store.Bundle(context.Background(), "u1")
		require.NoError(t, err)
		require.NotNil(t, b)

		// Stored form never contains the plaintext.
		assert.NotContains(t, string(b.AccessTokenCipher), "acc")
		got, err := codec.Decrypt(b.AccessTokenCipher, b.AccessTokenNonce)
		require.NoError(t, err)
		assert.Equal(t, "acc", got)
	})

	t.Run("Disconnect drops the bundle", func(t *testing.T) {
		store := newMemStore()
		m, codec := newTestManager(t, store, &countingRefresher{})
		store.bundles["u1"] = sealPair(t, codec, "a", "r", testNow.Add(time.Hour))

		require.NoError(t, m.Disconnect(context.Background(), "u1"))

		_, err := m.ValidAccessToken(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

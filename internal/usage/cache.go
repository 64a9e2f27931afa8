// Package usage caches derived usage reports per user and orchestrates the
// cache-aside resolution of "this user's current report".
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"main/internal/billing"
)

// SchemaVersion tags cached payloads. Bumping it invalidates every existing
// entry on its next read.
const SchemaVersion = 2

// DefaultTTL is the freshness window of a cached report.
const DefaultTTL = 5 * time.Minute

// Entry is the raw persisted row: one per user, last write wins.
type Entry struct {
	Payload       []byte
	UpdatedAt     time.Time
	SchemaVersion int
}

type EntryStore interface {
	// Entry returns nil, nil on a miss.
	Entry(ctx context.Context, userID string) (*Entry, error)
	PutEntry(ctx context.Context, userID string, e *Entry) error
	DeleteEntry(ctx context.Context, userID string) error
}

// CachedReport is a decoded cache read. Fresh is false once the entry is past
// the TTL; the resolver may still use it as a stale fallback.
type CachedReport struct {
	Report    *billing.Report
	UpdatedAt time.Time
	Fresh     bool
}

type Cache struct {
	store EntryStore
	ttl   time.Duration
	now   func() time.Time
}

func NewCache(store EntryStore) *Cache {
	return &Cache{store: store, ttl: DefaultTTL, now: time.Now}
}

// Read returns the user's cached report, or nil on a miss. A row with a
// mismatched schema version, an invalid timestamp, or a payload that fails
// validation counts as corrupt: it is deleted so the next read is a clean
// miss, and the caller sees nil rather than an error.
func (c *Cache) Read(ctx context.Context, userID string) (*CachedReport, error) {
	e, err := c.store.Entry(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("usage: read cache: %w", err)
	}
	if e == nil {
		return nil, nil
	}

	now := c.now()
	if reason := c.corrupt(e, now); reason != "" {
		log.Warn().Str("user_id", userID).Str("reason", reason).Msg("dropping corrupt usage cache entry")
		if derr := c.store.DeleteEntry(ctx, userID); derr != nil {
			log.Error().Err(derr).Str("user_id", userID).Msg("failed to drop corrupt cache entry")
		}
		return nil, nil
	}

	var report billing.Report
	_ = json.Unmarshal(e.Payload, &report) // corrupt() already vetted it

	return &CachedReport{
		Report:    &report,
		UpdatedAt: e.UpdatedAt,
		Fresh:     now.Sub(e.UpdatedAt) <= c.ttl,
	}, nil
}

// Write upserts the user's entry with the current schema version.
func (c *Cache) Write(ctx context.Context, userID string, report *billing.Report, asOf time.Time) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("usage: encode report: %w", err)
	}
	err = c.store.PutEntry(ctx, userID, &Entry{
		Payload:       payload,
		UpdatedAt:     asOf,
		SchemaVersion: SchemaVersion,
	})
	if err != nil {
		return fmt.Errorf("usage: write cache: %w", err)
	}
	return nil
}

// Delete invalidates the user's entry. Called whenever any report input
// changes: quota, title, connection state, or account removal.
func (c *Cache) Delete(ctx context.Context, userID string) error {
	if err := c.store.DeleteEntry(ctx, userID); err != nil {
		return fmt.Errorf("usage: delete cache: %w", err)
	}
	return nil
}

func (c *Cache) corrupt(e *Entry, now time.Time) string {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Sprintf("schema version %d, want %d", e.SchemaVersion, SchemaVersion)
	}
	if e.UpdatedAt.IsZero() || e.UpdatedAt.After(now.Add(time.Minute)) {
		return "invalid timestamp"
	}

	var report billing.Report
	if err := json.Unmarshal(e.Payload, &report); err != nil {
		return "undecodable payload"
	}
	if report.DaysRemaining < 1 || report.Display == "" || report.UpdatedAt == "" {
		return "incomplete payload"
	}
	for _, v := range []float64{report.TodayAvailable, report.DailyTarget, report.MonthRemaining} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "non-finite amount"
		}
	}
	return ""
}

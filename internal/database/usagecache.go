package database

import (
	"context"
	"database/sql"

	"main/internal/usage"
)

// PostgresUsageCacheStore keeps one cached report row per user.
type PostgresUsageCacheStore struct {
	db *sql.DB
}

var _ usage.EntryStore = (*PostgresUsageCacheStore)(nil)

func NewUsageCacheStore(db *sql.DB) *PostgresUsageCacheStore {
	return &PostgresUsageCacheStore{db: db}
}

func (s *PostgresUsageCacheStore) Entry(ctx context.Context, userID string) (*usage.Entry, error) {
	e := &usage.Entry{}
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, updated_at, schema_version FROM usage_cache WHERE user_id = $1", userID).
		Scan(&e.Payload, &e.UpdatedAt, &e.SchemaVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func (s *PostgresUsageCacheStore) PutEntry(ctx context.Context, userID string, e *usage.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_cache (user_id, payload, updated_at, schema_version)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at, schema_version = EXCLUDED.schema_version`,
		userID, e.Payload, e.UpdatedAt, e.SchemaVersion)
	return err
}

func (s *PostgresUsageCacheStore) DeleteEntry(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM usage_cache WHERE user_id = $1", userID)
	return err
}

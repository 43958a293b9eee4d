package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/idempotency"
)

func (s *Store) GetIdempotencyRecord(ctx context.Context, principal, key, endpoint string) (idempotency.Record, bool, error) {
	if err := s.ready(ctx); err != nil {
		return idempotency.Record{}, false, err
	}
	var (
		rec  idempotency.Record
		body string
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT status, body FROM idempotency_records
WHERE principal = ? AND key = ? AND endpoint = ?`, principal, key, endpoint).Scan(&rec.Status, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &rec.Body); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode idempotency body: %w", err)
	}
	return rec, true, nil
}

// SaveIdempotencyRecord keeps the first stored response for a key.
func (s *Store) SaveIdempotencyRecord(ctx context.Context, principal, key, endpoint string, rec idempotency.Record) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(rec.Body)
	if err != nil {
		return fmt.Errorf("encode idempotency body: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO idempotency_records (principal, key, endpoint, status, body, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (principal, key, endpoint) DO NOTHING`,
		principal, key, endpoint, rec.Status, string(body), toMillis(nowUTC()))
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
)

func (s *Store) GetAnchorConfirmation(ctx context.Context, txid string) (anchor.Confirmation, bool, error) {
	if err := s.ready(ctx); err != nil {
		return anchor.Confirmation{}, false, err
	}
	var (
		c                        anchor.Confirmation
		inscribedAt, confirmedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `SELECT txid, data_hash, payload_type, inscribed_at, confirmed_at
FROM anchor_confirmations WHERE txid = ?`, txid).Scan(&c.TxID, &c.DataHash, &c.PayloadType, &inscribedAt, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return anchor.Confirmation{}, false, nil
	}
	if err != nil {
		return anchor.Confirmation{}, false, fmt.Errorf("get anchor confirmation: %w", err)
	}
	c.InscribedAt = fromMillis(inscribedAt)
	c.ConfirmedAt = fromMillis(confirmedAt)
	return c, true, nil
}

// SaveAnchorConfirmation records the first confirmation for a txid; later
// saves are ignored.
func (s *Store) SaveAnchorConfirmation(ctx context.Context, c anchor.Confirmation) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT OR IGNORE INTO anchor_confirmations
(txid, data_hash, payload_type, inscribed_at, confirmed_at) VALUES (?, ?, ?, ?, ?)`,
		c.TxID, c.DataHash, c.PayloadType, toMillis(c.InscribedAt), toMillis(c.ConfirmedAt))
	if err != nil {
		return fmt.Errorf("save anchor confirmation: %w", err)
	}
	return nil
}

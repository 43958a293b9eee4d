package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/claim"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
)

const claimColumns = `id, owner_id, resource_ref, title, document_hash, recipient_email, status, claimed_by,
claimed_at, token_hash, expires_at, created_at`

func scanClaim(row scanner) (claim.Claim, error) {
	var (
		c                    claim.Claim
		status               string
		claimedAt            sql.NullInt64
		expiresAt, createdAt int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.ResourceRef, &c.Title, &c.DocumentHash, &c.RecipientEmail, &status,
		&c.ClaimedBy, &claimedAt, &c.TokenHash, &expiresAt, &createdAt); err != nil {
		return claim.Claim{}, err
	}
	c.Status = claim.Status(status)
	c.ClaimedAt = fromNullMillis(claimedAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.CreatedAt = fromMillis(createdAt)
	return c, nil
}

func (s *Store) CreateClaim(ctx context.Context, c claim.Claim) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO claims (`+claimColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.ResourceRef, c.Title, c.DocumentHash, c.RecipientEmail, string(c.Status),
		c.ClaimedBy, nullMillis(c.ClaimedAt), c.TokenHash, toMillis(c.ExpiresAt), toMillis(c.CreatedAt),
	)
	return mapInsert(err, "claim")
}

func (s *Store) getClaim(ctx context.Context, column, value string) (claim.Claim, error) {
	if err := s.ready(ctx); err != nil {
		return claim.Claim{}, err
	}
	c, err := scanClaim(s.sqlDB.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE `+column+` = ?`, value))
	return c, mapRow(err, "claim")
}

func (s *Store) GetClaimByToken(ctx context.Context, tokenHash string) (claim.Claim, error) {
	return s.getClaim(ctx, "token_hash", tokenHash)
}

// MarkClaimed is the only pending->claimed transition.
func (s *Store) MarkClaimed(ctx context.Context, id, claimantID string, at time.Time) (claim.Claim, error) {
	if err := s.ready(ctx); err != nil {
		return claim.Claim{}, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE claims SET status = ?, claimed_by = ?, claimed_at = ?
WHERE id = ? AND status = ?`,
		string(claim.StatusClaimed), claimantID, toMillis(at), id, string(claim.StatusPending))
	if err != nil {
		return claim.Claim{}, fmt.Errorf("mark claimed: %w", err)
	}
	n, _ := res.RowsAffected()
	c, err := s.getClaim(ctx, "id", id)
	if err != nil {
		return claim.Claim{}, err
	}
	if n == 0 {
		return c, &storage.ConflictError{Entity: "claim", ID: id}
	}
	return c, nil
}

func (s *Store) ListClaimsByOwner(ctx context.Context, ownerID string) ([]claim.Claim, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE owner_id = ? ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query claims: %w", err)
	}
	defer rows.Close()
	var out []claim.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

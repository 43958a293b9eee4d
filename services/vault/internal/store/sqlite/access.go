package sqlite

import (
	"context"
	"fmt"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
)

// GrantAccess keeps the first grant for an (identity, resource) pair.
func (s *Store) GrantAccess(ctx context.Context, g access.Grant) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO access_grants (id, identity_id, resource_type, resource_id, reason, granted_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (identity_id, resource_type, resource_id) DO NOTHING`,
		g.ID, g.IdentityID, g.ResourceType, g.ResourceID, g.Reason, toMillis(g.GrantedAt))
	if err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	return nil
}

func (s *Store) HasAccess(ctx context.Context, identityID, resourceType, resourceID string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_grants
WHERE identity_id = ? AND resource_type = ? AND resource_id = ?`, identityID, resourceType, resourceID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListGrants(ctx context.Context, identityID string) ([]access.Grant, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT id, identity_id, resource_type, resource_id, reason, granted_at
FROM access_grants WHERE identity_id = ? ORDER BY granted_at, id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("query access grants: %w", err)
	}
	defer rows.Close()
	var out []access.Grant
	for rows.Next() {
		var (
			g         access.Grant
			grantedAt int64
		)
		if err := rows.Scan(&g.ID, &g.IdentityID, &g.ResourceType, &g.ResourceID, &g.Reason, &grantedAt); err != nil {
			return nil, err
		}
		g.GrantedAt = fromMillis(grantedAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

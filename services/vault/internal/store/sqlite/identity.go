package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

const identityColumns = `id, handle, email, root_txid, score, level, providers, registered_signature_id, created_at, updated_at`

func scanIdentity(row scanner) (identity.Identity, error) {
	var (
		idn                  identity.Identity
		rootTxID, providers  string
		level                int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&idn.ID, &idn.Handle, &idn.Email, &rootTxID, &idn.Strength.Score, &level,
		&providers, &idn.RegisteredSignatureID, &createdAt, &updatedAt); err != nil {
		return identity.Identity{}, err
	}
	idn.RootAnchor = anchor.RefFromTxID(rootTxID)
	idn.Strength.Level = strand.Level(level)
	if err := json.Unmarshal([]byte(providers), &idn.Providers); err != nil {
		return identity.Identity{}, fmt.Errorf("decode providers: %w", err)
	}
	idn.CreatedAt = fromMillis(createdAt)
	idn.UpdatedAt = fromMillis(updatedAt)
	return idn, nil
}

func encodeProviders(providers map[string]identity.ProviderLink) (string, error) {
	if providers == nil {
		providers = map[string]identity.ProviderLink{}
	}
	raw, err := json.Marshal(providers)
	if err != nil {
		return "", fmt.Errorf("encode providers: %w", err)
	}
	return string(raw), nil
}

func (s *Store) CreateIdentity(ctx context.Context, idn identity.Identity, credentialHash string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	providers, err := encodeProviders(idn.Providers)
	if err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO identities (`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idn.ID, idn.Handle, idn.Email, idn.RootAnchor.TxID, idn.Strength.Score, int(idn.Strength.Level),
		providers, idn.RegisteredSignatureID, toMillis(idn.CreatedAt), toMillis(idn.UpdatedAt),
	); err != nil {
		return mapInsert(err, "identity")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO identity_credentials (token_hash, identity_id, created_at) VALUES (?, ?, ?)`,
		credentialHash, idn.ID, toMillis(idn.CreatedAt),
	); err != nil {
		return mapInsert(err, "credential")
	}
	return tx.Commit()
}

func (s *Store) getIdentity(ctx context.Context, where string, arg any) (identity.Identity, error) {
	if err := s.ready(ctx); err != nil {
		return identity.Identity{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE `+where+` ORDER BY created_at LIMIT 1`, arg)
	idn, err := scanIdentity(row)
	return idn, mapRow(err, "identity")
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	return s.getIdentity(ctx, "id = ?", id)
}

func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (identity.Identity, error) {
	return s.getIdentity(ctx, "handle = ?", handle)
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if email == "" {
		return identity.Identity{}, storage.ErrNotFound
	}
	return s.getIdentity(ctx, "email = ?", email)
}

func (s *Store) GetIdentityByCredential(ctx context.Context, credentialHash string) (identity.Identity, error) {
	return s.getIdentity(ctx, "id = (SELECT identity_id FROM identity_credentials WHERE token_hash = ?)", credentialHash)
}

func (s *Store) updateIdentity(ctx context.Context, id, set string, args ...any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	args = append(args, id)
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE identities SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateProviders(ctx context.Context, id string, providers map[string]identity.ProviderLink) error {
	raw, err := encodeProviders(providers)
	if err != nil {
		return err
	}
	return s.updateIdentity(ctx, id, "providers = ?, updated_at = ?", raw, toMillis(nowUTC()))
}

func (s *Store) SetRegisteredSignature(ctx context.Context, id, strandID string) error {
	return s.updateIdentity(ctx, id, "registered_signature_id = ?, updated_at = ?", strandID, toMillis(nowUTC()))
}

const strandColumns = `id, identity_id, type, subtype, label, artifact_ref, txid, content_hash, metadata, created_at`

func scanStrand(row scanner) (identity.Strand, error) {
	var (
		st              identity.Strand
		typ, txid, meta string
		createdAt       int64
	)
	if err := row.Scan(&st.ID, &st.IdentityID, &typ, &st.Subtype, &st.Label, &st.ArtifactRef,
		&txid, &st.ContentHash, &meta, &createdAt); err != nil {
		return identity.Strand{}, err
	}
	st.Type = strand.Type(typ)
	st.Anchor = anchor.RefFromTxID(txid)
	m, err := strand.UnmarshalMetadata(st.Type, []byte(meta))
	if err != nil {
		return identity.Strand{}, err
	}
	st.Metadata = m
	st.CreatedAt = fromMillis(createdAt)
	return st, nil
}

func (s *Store) CreateStrand(ctx context.Context, st identity.Strand) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	meta, err := strand.MarshalMetadata(st.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	var singleton sql.NullString
	if key := strand.SingletonKey(st.Key()); key != "" {
		singleton = sql.NullString{String: key, Valid: true}
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO strands (`+strandColumns+`, singleton_key)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.IdentityID, string(st.Type), st.Subtype, st.Label, st.ArtifactRef,
		st.Anchor.TxID, st.ContentHash, string(meta), toMillis(st.CreatedAt), singleton,
	)
	return mapInsert(err, "strand")
}

func (s *Store) queryStrands(ctx context.Context, q string, args ...any) ([]identity.Strand, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query strands: %w", err)
	}
	defer rows.Close()
	var out []identity.Strand
	for rows.Next() {
		st, err := scanStrand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) ListStrands(ctx context.Context, identityID string) ([]identity.Strand, error) {
	return s.queryStrands(ctx, `SELECT `+strandColumns+` FROM strands WHERE identity_id = ? ORDER BY created_at, id`, identityID)
}

func (s *Store) firstStrand(ctx context.Context, q string, args ...any) (identity.Strand, error) {
	out, err := s.queryStrands(ctx, q+` ORDER BY created_at, id LIMIT 1`, args...)
	if err != nil {
		return identity.Strand{}, err
	}
	if len(out) == 0 {
		return identity.Strand{}, storage.ErrNotFound
	}
	return out[0], nil
}

func (s *Store) FindStrandByMetadata(ctx context.Context, identityID string, t strand.Type, field, value string) (identity.Strand, error) {
	return s.firstStrand(ctx, `SELECT `+strandColumns+` FROM strands
WHERE identity_id = ? AND type = ? AND json_extract(metadata, '$.' || ?) = ?`,
		identityID, string(t), field, value)
}

func (s *Store) FindSingletonStrand(ctx context.Context, identityID, singletonKey string) (identity.Strand, error) {
	return s.firstStrand(ctx, `SELECT `+strandColumns+` FROM strands WHERE identity_id = ? AND singleton_key = ?`,
		identityID, singletonKey)
}

func (s *Store) CountStrands(ctx context.Context, identityID string, t strand.Type) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM strands WHERE identity_id = ? AND type = ?`,
		identityID, string(t)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count strands: %w", err)
	}
	return n, nil
}

func (s *Store) ReplaceStrength(ctx context.Context, identityID string, compute func([]strand.Key) strand.Strength) (strand.Strength, error) {
	if err := s.ready(ctx); err != nil {
		return strand.Strength{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return strand.Strength{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT type, subtype FROM strands WHERE identity_id = ?`, identityID)
	if err != nil {
		return strand.Strength{}, fmt.Errorf("query strand keys: %w", err)
	}
	var keys []strand.Key
	for rows.Next() {
		var typ, sub string
		if err := rows.Scan(&typ, &sub); err != nil {
			rows.Close()
			return strand.Strength{}, err
		}
		keys = append(keys, strand.Key{Type: strand.Type(typ), Subtype: sub})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return strand.Strength{}, err
	}

	st := compute(keys)
	res, err := tx.ExecContext(ctx, `UPDATE identities SET score = ?, level = ?, updated_at = ? WHERE id = ?`,
		st.Score, int(st.Level), toMillis(nowUTC()), identityID)
	if err != nil {
		return strand.Strength{}, fmt.Errorf("update strength: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return strand.Strength{}, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return strand.Strength{}, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

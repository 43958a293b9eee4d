package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/jackc/pgx/v5"
)

const identityColumns = `id,handle,email,root_txid,score,level,providers,registered_signature_id,created_at,updated_at`

func scanIdentity(row pgx.Row) (identity.Identity, error) {
	var (
		idn       identity.Identity
		rootTxID  string
		level     int
		providers []byte
	)
	if err := row.Scan(&idn.ID, &idn.Handle, &idn.Email, &rootTxID, &idn.Strength.Score, &level,
		&providers, &idn.RegisteredSignatureID, &idn.CreatedAt, &idn.UpdatedAt); err != nil {
		return identity.Identity{}, notFound(err)
	}
	idn.RootAnchor = anchor.RefFromTxID(rootTxID)
	idn.Strength.Level = strand.Level(level)
	if err := json.Unmarshal(emptyJSON(providers), &idn.Providers); err != nil {
		return identity.Identity{}, fmt.Errorf("decode providers: %w", err)
	}
	return idn, nil
}

func (s *Store) CreateIdentity(ctx context.Context, idn identity.Identity, credentialHash string) error {
	providers, err := jsonDoc(idn.Providers)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO identities(`+identityColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$9,$10)`,
		idn.ID, idn.Handle, idn.Email, idn.RootAnchor.TxID, idn.Strength.Score, int(idn.Strength.Level),
		providers, idn.RegisteredSignatureID, idn.CreatedAt, idn.UpdatedAt); err != nil {
		return uniqueViolation(err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO identity_credentials(token_hash,identity_id) VALUES($1,$2)`,
		credentialHash, idn.ID); err != nil {
		return uniqueViolation(err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetIdentity(ctx context.Context, id string) (identity.Identity, error) {
	return scanIdentity(s.DB.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id=$1`, id))
}

func (s *Store) GetIdentityByHandle(ctx context.Context, handle string) (identity.Identity, error) {
	return scanIdentity(s.DB.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE handle=$1`, handle))
}

func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if email == "" {
		return identity.Identity{}, storage.ErrNotFound
	}
	return scanIdentity(s.DB.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email=$1 ORDER BY created_at LIMIT 1`, email))
}

func (s *Store) GetIdentityByCredential(ctx context.Context, credentialHash string) (identity.Identity, error) {
	return scanIdentity(s.DB.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities
WHERE id=(SELECT identity_id FROM identity_credentials WHERE token_hash=$1)`, credentialHash))
}

func (s *Store) UpdateProviders(ctx context.Context, id string, providers map[string]identity.ProviderLink) error {
	raw, err := jsonDoc(providers)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE identities SET providers=$2::jsonb, updated_at=now() WHERE id=$1`, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetRegisteredSignature(ctx context.Context, id, strandID string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE identities SET registered_signature_id=$2, updated_at=now() WHERE id=$1`, id, strandID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const strandColumns = `id,identity_id,type,subtype,label,artifact_ref,txid,content_hash,metadata,created_at`

func scanStrand(row pgx.Row) (identity.Strand, error) {
	var (
		st        identity.Strand
		typ, txid string
		meta      []byte
	)
	if err := row.Scan(&st.ID, &st.IdentityID, &typ, &st.Subtype, &st.Label, &st.ArtifactRef,
		&txid, &st.ContentHash, &meta, &st.CreatedAt); err != nil {
		return identity.Strand{}, notFound(err)
	}
	st.Type = strand.Type(typ)
	st.Anchor = anchor.RefFromTxID(txid)
	m, err := strand.UnmarshalMetadata(st.Type, meta)
	if err != nil {
		return identity.Strand{}, err
	}
	st.Metadata = m
	return st, nil
}

func (s *Store) CreateStrand(ctx context.Context, st identity.Strand) error {
	meta, err := strand.MarshalMetadata(st.Metadata)
	if err != nil {
		return err
	}
	var singleton *string
	if key := strand.SingletonKey(st.Key()); key != "" {
		singleton = &key
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO strands(`+strandColumns+`,singleton_key)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb,$10,$11)`,
		st.ID, st.IdentityID, string(st.Type), st.Subtype, st.Label, st.ArtifactRef,
		st.Anchor.TxID, st.ContentHash, string(meta), st.CreatedAt, singleton)
	return uniqueViolation(err)
}

func (s *Store) queryStrands(ctx context.Context, q string, args ...any) ([]identity.Strand, error) {
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
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
	return s.queryStrands(ctx, `SELECT `+strandColumns+` FROM strands WHERE identity_id=$1 ORDER BY created_at, id`, identityID)
}

func (s *Store) FindStrandByMetadata(ctx context.Context, identityID string, t strand.Type, field, value string) (identity.Strand, error) {
	return scanStrand(s.DB.QueryRow(ctx, `SELECT `+strandColumns+` FROM strands
WHERE identity_id=$1 AND type=$2 AND metadata->>$3 = $4
ORDER BY created_at, id LIMIT 1`, identityID, string(t), field, value))
}

func (s *Store) FindSingletonStrand(ctx context.Context, identityID, singletonKey string) (identity.Strand, error) {
	return scanStrand(s.DB.QueryRow(ctx, `SELECT `+strandColumns+` FROM strands
WHERE identity_id=$1 AND singleton_key=$2`, identityID, singletonKey))
}

func (s *Store) CountStrands(ctx context.Context, identityID string, t strand.Type) (int, error) {
	var n int
	err := s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM strands WHERE identity_id=$1 AND type=$2`, identityID, string(t)).Scan(&n)
	return n, err
}

// ReplaceStrength serializes recomputation per identity with an advisory
// lock so the stored aggregate always reflects a complete strand set.
func (s *Store) ReplaceStrength(ctx context.Context, identityID string, compute func([]strand.Key) strand.Strength) (strand.Strength, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return strand.Strength{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, "strength", identityID); err != nil {
		return strand.Strength{}, err
	}
	rows, err := tx.Query(ctx, `SELECT type, subtype FROM strands WHERE identity_id=$1`, identityID)
	if err != nil {
		return strand.Strength{}, err
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
	tag, err := tx.Exec(ctx, `UPDATE identities SET score=$2, level=$3, updated_at=now() WHERE id=$1`,
		identityID, st.Score, int(st.Level))
	if err != nil {
		return strand.Strength{}, err
	}
	if tag.RowsAffected() == 0 {
		return strand.Strength{}, storage.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return strand.Strength{}, err
	}
	return st, nil
}

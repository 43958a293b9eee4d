package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
)

// storedSigner keeps the token hash that the API form of a signer omits.
type storedSigner struct {
	envelope.Signer
	TokenHash string `json:"tokenHash"`
}

func encodeSigners(signers []envelope.Signer) (string, error) {
	stored := make([]storedSigner, 0, len(signers))
	for _, sg := range signers {
		stored = append(stored, storedSigner{Signer: sg, TokenHash: sg.TokenHash})
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("encode signers: %w", err)
	}
	return string(raw), nil
}

func decodeSigners(raw string) ([]envelope.Signer, error) {
	var stored []storedSigner
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode signers: %w", err)
	}
	out := make([]envelope.Signer, 0, len(stored))
	for _, sg := range stored {
		sg.Signer.TokenHash = sg.TokenHash
		out = append(out, sg.Signer)
	}
	return out, nil
}

const envelopeColumns = `id, creator_id, title, document_type, document_ref, document_hash, status, signers,
completion_txid, expires_at, signing_fee_sats, version, created_at, updated_at, completed_at`

func scanEnvelope(row scanner) (envelope.Envelope, error) {
	var (
		env                    envelope.Envelope
		status, signers, txid  string
		expiresAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&env.ID, &env.CreatorID, &env.Title, &env.DocumentType, &env.DocumentRef, &env.DocumentHash,
		&status, &signers, &txid, &expiresAt, &env.SigningFeeSats, &env.Version, &createdAt, &updatedAt, &completedAt); err != nil {
		return envelope.Envelope{}, err
	}
	env.Status = envelope.Status(status)
	decoded, err := decodeSigners(signers)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Signers = decoded
	env.CompletionAnchor = anchor.RefFromTxID(txid)
	env.ExpiresAt = fromNullMillis(expiresAt)
	env.CreatedAt = fromMillis(createdAt)
	env.UpdatedAt = fromMillis(updatedAt)
	env.CompletedAt = fromNullMillis(completedAt)
	return env, nil
}

func (s *Store) CreateEnvelope(ctx context.Context, env envelope.Envelope) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	signers, err := encodeSigners(env.Signers)
	if err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO envelopes (`+envelopeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.CreatorID, env.Title, env.DocumentType, env.DocumentRef, env.DocumentHash,
		string(env.Status), signers, env.CompletionAnchor.TxID, nullMillis(env.ExpiresAt), env.SigningFeeSats,
		env.Version, toMillis(env.CreatedAt), toMillis(env.UpdatedAt), nullMillis(env.CompletedAt),
	); err != nil {
		return mapInsert(err, "envelope")
	}
	for _, sg := range env.Signers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO envelope_signer_tokens (token_hash, envelope_id, signer_id) VALUES (?, ?, ?)`,
			sg.TokenHash, env.ID, sg.ID,
		); err != nil {
			return mapInsert(err, "signer token")
		}
	}
	return tx.Commit()
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (envelope.Envelope, error) {
	if err := s.ready(ctx); err != nil {
		return envelope.Envelope{}, err
	}
	env, err := scanEnvelope(s.sqlDB.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id = ?`, id))
	return env, mapRow(err, "envelope")
}

func (s *Store) GetEnvelopeBySignerToken(ctx context.Context, tokenHash string) (envelope.Envelope, string, error) {
	if err := s.ready(ctx); err != nil {
		return envelope.Envelope{}, "", err
	}
	var envelopeID, signerID string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT envelope_id, signer_id FROM envelope_signer_tokens WHERE token_hash = ?`, tokenHash,
	).Scan(&envelopeID, &signerID)
	if err := mapRow(err, "signer token"); err != nil {
		return envelope.Envelope{}, "", err
	}
	env, err := s.GetEnvelope(ctx, envelopeID)
	return env, signerID, err
}

// UpdateEnvelope writes env only if the stored version still equals expected.
func (s *Store) UpdateEnvelope(ctx context.Context, env envelope.Envelope, expected int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	signers, err := encodeSigners(env.Signers)
	if err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE envelopes SET
status = ?, signers = ?, completion_txid = ?, expires_at = ?, version = ?, updated_at = ?, completed_at = ?
WHERE id = ? AND version = ?`,
		string(env.Status), signers, env.CompletionAnchor.TxID, nullMillis(env.ExpiresAt), env.Version,
		toMillis(env.UpdatedAt), nullMillis(env.CompletedAt), env.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var found int
	err = s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM envelopes WHERE id = ?`, env.ID).Scan(&found)
	if err := mapRow(err, "envelope"); err != nil {
		return err
	}
	return &storage.ConflictError{Entity: "envelope", ID: env.ID, Expected: expected}
}

func (s *Store) ListEnvelopesByCreator(ctx context.Context, creatorID string) ([]envelope.Envelope, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE creator_id = ? ORDER BY created_at DESC, id`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()
	var out []envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// RecordPayment keeps the first binding of a payment txid.
func (s *Store) RecordPayment(ctx context.Context, txid, envelopeID, signerID string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO signing_payments (txid, envelope_id, signer_id, used_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (txid) DO NOTHING`, txid, envelopeID, signerID, toMillis(at)); err != nil {
		return fmt.Errorf("insert signing payment: %w", err)
	}
	var boundEnvelope, boundSigner string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT envelope_id, signer_id FROM signing_payments WHERE txid = ?`, txid).
		Scan(&boundEnvelope, &boundSigner)
	if err != nil {
		return fmt.Errorf("read signing payment: %w", err)
	}
	if boundEnvelope != envelopeID || boundSigner != signerID {
		return storage.ErrAlreadyExists
	}
	return nil
}

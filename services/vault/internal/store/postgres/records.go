package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/claim"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/cosign"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/idempotency"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"

	"github.com/jackc/pgx/v5"
)

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
	return string(raw), err
}

const envelopeColumns = `id,creator_id,title,document_type,document_ref,document_hash,status,signers,
completion_txid,expires_at,signing_fee_sats,version,created_at,updated_at,completed_at`

func scanEnvelope(row pgx.Row) (envelope.Envelope, error) {
	var (
		env          envelope.Envelope
		status, txid string
		signers      []byte
	)
	if err := row.Scan(&env.ID, &env.CreatorID, &env.Title, &env.DocumentType, &env.DocumentRef, &env.DocumentHash,
		&status, &signers, &txid, &env.ExpiresAt, &env.SigningFeeSats, &env.Version, &env.CreatedAt, &env.UpdatedAt,
		&env.CompletedAt); err != nil {
		return envelope.Envelope{}, notFound(err)
	}
	env.Status = envelope.Status(status)
	env.CompletionAnchor = anchor.RefFromTxID(txid)
	var stored []storedSigner
	if err := json.Unmarshal(signers, &stored); err != nil {
		return envelope.Envelope{}, fmt.Errorf("decode signers: %w", err)
	}
	for _, sg := range stored {
		sg.Signer.TokenHash = sg.TokenHash
		env.Signers = append(env.Signers, sg.Signer)
	}
	return env, nil
}

func (s *Store) CreateEnvelope(ctx context.Context, env envelope.Envelope) error {
	signers, err := encodeSigners(env.Signers)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO envelopes(`+envelopeColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,$12,$13,$14,$15)`,
		env.ID, env.CreatorID, env.Title, env.DocumentType, env.DocumentRef, env.DocumentHash, string(env.Status),
		signers, env.CompletionAnchor.TxID, env.ExpiresAt, env.SigningFeeSats, env.Version,
		env.CreatedAt, env.UpdatedAt, env.CompletedAt); err != nil {
		return uniqueViolation(err)
	}
	for _, sg := range env.Signers {
		if _, err := tx.Exec(ctx, `INSERT INTO envelope_signer_tokens(token_hash,envelope_id,signer_id) VALUES($1,$2,$3)`,
			sg.TokenHash, env.ID, sg.ID); err != nil {
			return uniqueViolation(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (envelope.Envelope, error) {
	return scanEnvelope(s.DB.QueryRow(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id=$1`, id))
}

func (s *Store) GetEnvelopeBySignerToken(ctx context.Context, tokenHash string) (envelope.Envelope, string, error) {
	var envelopeID, signerID string
	err := s.DB.QueryRow(ctx, `SELECT envelope_id, signer_id FROM envelope_signer_tokens WHERE token_hash=$1`, tokenHash).
		Scan(&envelopeID, &signerID)
	if err != nil {
		return envelope.Envelope{}, "", notFound(err)
	}
	env, err := s.GetEnvelope(ctx, envelopeID)
	return env, signerID, err
}

func (s *Store) UpdateEnvelope(ctx context.Context, env envelope.Envelope, expected int64) error {
	signers, err := encodeSigners(env.Signers)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE envelopes SET status=$3, signers=$4::jsonb, completion_txid=$5, expires_at=$6,
version=$7, updated_at=$8, completed_at=$9
WHERE id=$1 AND version=$2`,
		env.ID, expected, string(env.Status), signers, env.CompletionAnchor.TxID, env.ExpiresAt,
		env.Version, env.UpdatedAt, env.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var found bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM envelopes WHERE id=$1)`, env.ID).Scan(&found); err != nil {
		return err
	}
	if !found {
		return storage.ErrNotFound
	}
	return &storage.ConflictError{Entity: "envelope", ID: env.ID, Expected: expected}
}

func (s *Store) ListEnvelopesByCreator(ctx context.Context, creatorID string) ([]envelope.Envelope, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE creator_id=$1 ORDER BY created_at DESC, id`, creatorID)
	if err != nil {
		return nil, err
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
	if _, err := s.DB.Exec(ctx, `INSERT INTO signing_payments(txid, envelope_id, signer_id, used_at)
VALUES($1,$2,$3,$4) ON CONFLICT (txid) DO NOTHING`, txid, envelopeID, signerID, at); err != nil {
		return err
	}
	var boundEnvelope, boundSigner string
	if err := s.DB.QueryRow(ctx, `SELECT envelope_id, signer_id FROM signing_payments WHERE txid=$1`, txid).
		Scan(&boundEnvelope, &boundSigner); err != nil {
		return notFound(err)
	}
	if boundEnvelope != envelopeID || boundSigner != signerID {
		return storage.ErrAlreadyExists
	}
	return nil
}

const cosignColumns = `id,kind,sender_id,sender_handle,recipient_id,recipient_handle,recipient_email,
document_ref,document_hash,declaration,message,content_hash,status,response_ref,response_txid,
sender_dismissed,recipient_dismissed,created_at,responded_at`

func scanCosign(row pgx.Row) (cosign.Request, error) {
	var (
		r                  cosign.Request
		kind, status, txid string
	)
	if err := row.Scan(&r.ID, &kind, &r.SenderID, &r.SenderHandle, &r.RecipientID, &r.RecipientHandle, &r.RecipientEmail,
		&r.DocumentRef, &r.DocumentHash, &r.Declaration, &r.Message, &r.ContentHash, &status, &r.ResponseRef, &txid,
		&r.SenderDismissed, &r.RecipientDismissed, &r.CreatedAt, &r.RespondedAt); err != nil {
		return cosign.Request{}, notFound(err)
	}
	r.Kind = cosign.Kind(kind)
	r.Status = cosign.Status(status)
	r.ResponseAnchor = anchor.RefFromTxID(txid)
	return r, nil
}

func (s *Store) CreateCosignRequest(ctx context.Context, r cosign.Request) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO cosign_requests(`+cosignColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		r.ID, string(r.Kind), r.SenderID, r.SenderHandle, r.RecipientID, r.RecipientHandle, r.RecipientEmail,
		r.DocumentRef, r.DocumentHash, r.Declaration, r.Message, r.ContentHash, string(r.Status), r.ResponseRef,
		r.ResponseAnchor.TxID, r.SenderDismissed, r.RecipientDismissed, r.CreatedAt, r.RespondedAt)
	return uniqueViolation(err)
}

func (s *Store) GetCosignRequest(ctx context.Context, id string) (cosign.Request, error) {
	return scanCosign(s.DB.QueryRow(ctx, `SELECT `+cosignColumns+` FROM cosign_requests WHERE id=$1`, id))
}

func (s *Store) BindCosignRecipient(ctx context.Context, id, recipientID, recipientHandle string) (cosign.Request, error) {
	r, err := scanCosign(s.DB.QueryRow(ctx, `UPDATE cosign_requests SET recipient_id=$2, recipient_handle=$3
WHERE id=$1 AND recipient_id='' RETURNING `+cosignColumns, id, recipientID, recipientHandle))
	if !errors.Is(err, storage.ErrNotFound) {
		return r, err
	}
	cur, err := s.GetCosignRequest(ctx, id)
	if err != nil {
		return cosign.Request{}, err
	}
	return cur, &storage.ConflictError{Entity: "cosign request", ID: id}
}

func (s *Store) ResolveCosignRequest(ctx context.Context, id string, status cosign.Status, responseRef string, at time.Time) (cosign.Request, error) {
	r, err := scanCosign(s.DB.QueryRow(ctx, `UPDATE cosign_requests SET status=$2, response_ref=$3, responded_at=$4
WHERE id=$1 AND status='pending' RETURNING `+cosignColumns, id, string(status), responseRef, at))
	if !errors.Is(err, storage.ErrNotFound) {
		return r, err
	}
	cur, err := s.GetCosignRequest(ctx, id)
	if err != nil {
		return cosign.Request{}, err
	}
	return cur, &storage.ConflictError{Entity: "cosign request", ID: id}
}

func (s *Store) SetCosignResponseAnchor(ctx context.Context, id string, ref anchor.Ref) error {
	tag, err := s.DB.Exec(ctx, `UPDATE cosign_requests SET response_txid=$2 WHERE id=$1`, id, ref.TxID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SetCosignDismissed(ctx context.Context, id string, party cosign.Party, dismissed bool) error {
	q := `UPDATE cosign_requests SET recipient_dismissed=$2 WHERE id=$1`
	if party == cosign.PartySender {
		q = `UPDATE cosign_requests SET sender_dismissed=$2 WHERE id=$1`
	}
	tag, err := s.DB.Exec(ctx, q, id, dismissed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListCosignRequests(ctx context.Context, identityID, handle, email string) ([]cosign.Request, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+cosignColumns+` FROM cosign_requests
WHERE sender_id=$1 OR recipient_id=$1 OR ($2 <> '' AND recipient_handle=$2) OR ($3 <> '' AND recipient_email=$3)
ORDER BY created_at DESC, id`, identityID, handle, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cosign.Request
	for rows.Next() {
		r, err := scanCosign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const claimColumns = `id,owner_id,resource_ref,title,document_hash,recipient_email,status,claimed_by,claimed_at,
token_hash,expires_at,created_at`

func scanClaim(row pgx.Row) (claim.Claim, error) {
	var (
		c      claim.Claim
		status string
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.ResourceRef, &c.Title, &c.DocumentHash, &c.RecipientEmail, &status,
		&c.ClaimedBy, &c.ClaimedAt, &c.TokenHash, &c.ExpiresAt, &c.CreatedAt); err != nil {
		return claim.Claim{}, notFound(err)
	}
	c.Status = claim.Status(status)
	return c, nil
}

func (s *Store) CreateClaim(ctx context.Context, c claim.Claim) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO claims(`+claimColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.OwnerID, c.ResourceRef, c.Title, c.DocumentHash, c.RecipientEmail, string(c.Status),
		c.ClaimedBy, c.ClaimedAt, c.TokenHash, c.ExpiresAt, c.CreatedAt)
	return uniqueViolation(err)
}

func (s *Store) GetClaimByToken(ctx context.Context, tokenHash string) (claim.Claim, error) {
	return scanClaim(s.DB.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE token_hash=$1`, tokenHash))
}

func (s *Store) MarkClaimed(ctx context.Context, id, claimantID string, at time.Time) (claim.Claim, error) {
	c, err := scanClaim(s.DB.QueryRow(ctx, `UPDATE claims SET status='claimed', claimed_by=$2, claimed_at=$3
WHERE id=$1 AND status='pending' RETURNING `+claimColumns, id, claimantID, at))
	if !errors.Is(err, storage.ErrNotFound) {
		return c, err
	}
	cur, err := scanClaim(s.DB.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id=$1`, id))
	if err != nil {
		return claim.Claim{}, err
	}
	return cur, &storage.ConflictError{Entity: "claim", ID: id}
}

func (s *Store) ListClaimsByOwner(ctx context.Context, ownerID string) ([]claim.Claim, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+claimColumns+` FROM claims WHERE owner_id=$1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, err
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

func (s *Store) GrantAccess(ctx context.Context, g access.Grant) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO access_grants(id,identity_id,resource_type,resource_id,reason,granted_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (identity_id,resource_type,resource_id) DO NOTHING`,
		g.ID, g.IdentityID, g.ResourceType, g.ResourceID, g.Reason, g.GrantedAt)
	return err
}

func (s *Store) HasAccess(ctx context.Context, identityID, resourceType, resourceID string) (bool, error) {
	var ok bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM access_grants WHERE identity_id=$1 AND resource_type=$2 AND resource_id=$3)`,
		identityID, resourceType, resourceID).Scan(&ok)
	return ok, err
}

func (s *Store) ListGrants(ctx context.Context, identityID string) ([]access.Grant, error) {
	rows, err := s.DB.Query(ctx, `SELECT id,identity_id,resource_type,resource_id,reason,granted_at
FROM access_grants WHERE identity_id=$1 ORDER BY granted_at, id`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []access.Grant
	for rows.Next() {
		var g access.Grant
		if err := rows.Scan(&g.ID, &g.IdentityID, &g.ResourceType, &g.ResourceID, &g.Reason, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GetAnchorConfirmation(ctx context.Context, txid string) (anchor.Confirmation, bool, error) {
	var c anchor.Confirmation
	err := s.DB.QueryRow(ctx, `SELECT txid,data_hash,payload_type,inscribed_at,confirmed_at
FROM anchor_confirmations WHERE txid=$1`, txid).Scan(&c.TxID, &c.DataHash, &c.PayloadType, &c.InscribedAt, &c.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return anchor.Confirmation{}, false, nil
	}
	if err != nil {
		return anchor.Confirmation{}, false, err
	}
	return c, true, nil
}

func (s *Store) SaveAnchorConfirmation(ctx context.Context, c anchor.Confirmation) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO anchor_confirmations(txid,data_hash,payload_type,inscribed_at,confirmed_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (txid) DO NOTHING`, c.TxID, c.DataHash, c.PayloadType, c.InscribedAt, c.ConfirmedAt)
	return err
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, principal, key, endpoint string) (idempotency.Record, bool, error) {
	var (
		rec  idempotency.Record
		body []byte
	)
	err := s.DB.QueryRow(ctx, `SELECT status, body FROM idempotency_records WHERE principal=$1 AND key=$2 AND endpoint=$3`,
		principal, key, endpoint).Scan(&rec.Status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if err := json.Unmarshal(body, &rec.Body); err != nil {
		return idempotency.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, principal, key, endpoint string, rec idempotency.Record) error {
	body, err := jsonDoc(rec.Body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO idempotency_records(principal,key,endpoint,status,body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (principal,key,endpoint) DO NOTHING`, principal, key, endpoint, rec.Status, body)
	return err
}

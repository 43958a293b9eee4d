package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/cosign"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
)

const cosignColumns = `id, kind, sender_id, sender_handle, recipient_id, recipient_handle, recipient_email,
document_ref, document_hash, declaration, message, content_hash, status, response_ref, response_txid,
sender_dismissed, recipient_dismissed, created_at, responded_at`

func scanCosign(row scanner) (cosign.Request, error) {
	var (
		r                   cosign.Request
		kind, status, txid  string
		senderDis, recipDis int
		createdAt           int64
		respondedAt         sql.NullInt64
	)
	if err := row.Scan(&r.ID, &kind, &r.SenderID, &r.SenderHandle, &r.RecipientID, &r.RecipientHandle, &r.RecipientEmail,
		&r.DocumentRef, &r.DocumentHash, &r.Declaration, &r.Message, &r.ContentHash, &status, &r.ResponseRef, &txid,
		&senderDis, &recipDis, &createdAt, &respondedAt); err != nil {
		return cosign.Request{}, err
	}
	r.Kind = cosign.Kind(kind)
	r.Status = cosign.Status(status)
	r.ResponseAnchor = anchor.RefFromTxID(txid)
	r.SenderDismissed = senderDis != 0
	r.RecipientDismissed = recipDis != 0
	r.CreatedAt = fromMillis(createdAt)
	r.RespondedAt = fromNullMillis(respondedAt)
	return r, nil
}

func (s *Store) CreateCosignRequest(ctx context.Context, r cosign.Request) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO cosign_requests (`+cosignColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.SenderID, r.SenderHandle, r.RecipientID, r.RecipientHandle, r.RecipientEmail,
		r.DocumentRef, r.DocumentHash, r.Declaration, r.Message, r.ContentHash, string(r.Status), r.ResponseRef,
		r.ResponseAnchor.TxID, boolInt(r.SenderDismissed), boolInt(r.RecipientDismissed),
		toMillis(r.CreatedAt), nullMillis(r.RespondedAt),
	)
	return mapInsert(err, "cosign request")
}

func (s *Store) GetCosignRequest(ctx context.Context, id string) (cosign.Request, error) {
	if err := s.ready(ctx); err != nil {
		return cosign.Request{}, err
	}
	r, err := scanCosign(s.sqlDB.QueryRowContext(ctx, `SELECT `+cosignColumns+` FROM cosign_requests WHERE id = ?`, id))
	return r, mapRow(err, "cosign request")
}

// BindCosignRecipient fills in the recipient of an email-addressed request
// at most once.
func (s *Store) BindCosignRecipient(ctx context.Context, id, recipientID, recipientHandle string) (cosign.Request, error) {
	if err := s.ready(ctx); err != nil {
		return cosign.Request{}, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE cosign_requests SET recipient_id = ?, recipient_handle = ?
WHERE id = ? AND recipient_id = ''`, recipientID, recipientHandle, id)
	if err != nil {
		return cosign.Request{}, fmt.Errorf("bind cosign recipient: %w", err)
	}
	n, _ := res.RowsAffected()
	r, err := s.GetCosignRequest(ctx, id)
	if err != nil {
		return cosign.Request{}, err
	}
	if n == 0 {
		return r, &storage.ConflictError{Entity: "cosign request", ID: id}
	}
	return r, nil
}

// ResolveCosignRequest is the only pending->terminal transition.
func (s *Store) ResolveCosignRequest(ctx context.Context, id string, status cosign.Status, responseRef string, at time.Time) (cosign.Request, error) {
	if err := s.ready(ctx); err != nil {
		return cosign.Request{}, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE cosign_requests SET status = ?, response_ref = ?, responded_at = ?
WHERE id = ? AND status = ?`,
		string(status), responseRef, toMillis(at), id, string(cosign.StatusPending))
	if err != nil {
		return cosign.Request{}, fmt.Errorf("resolve cosign request: %w", err)
	}
	n, _ := res.RowsAffected()
	r, err := s.GetCosignRequest(ctx, id)
	if err != nil {
		return cosign.Request{}, err
	}
	if n == 0 {
		return r, &storage.ConflictError{Entity: "cosign request", ID: id}
	}
	return r, nil
}

func (s *Store) SetCosignResponseAnchor(ctx context.Context, id string, ref anchor.Ref) error {
	return s.updateCosign(ctx, id, "response_txid = ?", ref.TxID)
}

func (s *Store) SetCosignDismissed(ctx context.Context, id string, party cosign.Party, dismissed bool) error {
	column := "recipient_dismissed"
	if party == cosign.PartySender {
		column = "sender_dismissed"
	}
	return s.updateCosign(ctx, id, column+" = ?", boolInt(dismissed))
}

func (s *Store) updateCosign(ctx context.Context, id, set string, arg any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE cosign_requests SET `+set+` WHERE id = ?`, arg, id)
	if err != nil {
		return fmt.Errorf("update cosign request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCosignRequests returns requests the identity sent or that are
// addressed to it by id, handle or email, newest first.
func (s *Store) ListCosignRequests(ctx context.Context, identityID, handle, email string) ([]cosign.Request, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+cosignColumns+` FROM cosign_requests
WHERE sender_id = ? OR recipient_id = ? OR (? != '' AND recipient_handle = ?) OR (? != '' AND recipient_email = ?)
ORDER BY created_at DESC, id`,
		identityID, identityID, handle, handle, email, email)
	if err != nil {
		return nil, fmt.Errorf("query cosign requests: %w", err)
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

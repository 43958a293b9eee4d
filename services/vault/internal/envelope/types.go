// Package envelope implements the ordered multi-party signing workflow.
package envelope

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/pkg/signature"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusPartiallySigned Status = "partially_signed"
	StatusCompleted       Status = "completed"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further signing can happen.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusExpired }

type SignerStatus string

const (
	SignerPending SignerStatus = "pending"
	SignerSigned  SignerStatus = "signed"
)

// Signature kinds.
const (
	KindDrawn = "drawn"
	KindTyped = "typed"
)

// SignaturePayload is the artifact a signer submits.
type SignaturePayload struct {
	Kind     string                 `json:"kind"`
	Data     string                 `json:"data"`
	Wallet   *signature.WalletProof `json:"wallet,omitempty"`
	Register bool                   `json:"register,omitempty"`
}

type Signer struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Email     string            `json:"email,omitempty"`
	Handle    string            `json:"handle,omitempty"`
	Role      string            `json:"role,omitempty"`
	Order     int               `json:"order"`
	Status    SignerStatus      `json:"status"`
	SignedAt  *time.Time        `json:"signedAt,omitempty"`
	Signature *SignaturePayload `json:"signature,omitempty"`
	Anchor    anchor.Ref        `json:"anchor"`

	// TokenHash is the at-rest form of the signer's capability token.
	TokenHash string `json:"-"`
}

type Envelope struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	DocumentType     string     `json:"documentType,omitempty"`
	DocumentRef      string     `json:"documentRef,omitempty"`
	DocumentHash     string     `json:"documentHash"`
	Status           Status     `json:"status"`
	Signers          []Signer   `json:"signers"`
	CompletionAnchor anchor.Ref `json:"completionAnchor"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	CreatorID        string     `json:"creatorId"`
	SigningFeeSats   int64      `json:"signingFeeSats,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

func (e *Envelope) signer(id string) (int, bool) {
	for i := range e.Signers {
		if e.Signers[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// aggregate derives the status from the signer array. It never moves a
// terminal envelope.
func (e *Envelope) aggregate() Status {
	if e.Status == StatusExpired {
		return StatusExpired
	}
	signed := 0
	for _, s := range e.Signers {
		if s.Status == SignerSigned {
			signed++
		}
	}
	switch {
	case len(e.Signers) > 0 && signed == len(e.Signers):
		return StatusCompleted
	case signed > 0:
		return StatusPartiallySigned
	default:
		return StatusPending
	}
}

// expireIfDue moves a non-terminal envelope past its deadline to expired
// and reports whether it did.
func (e *Envelope) expireIfDue(now time.Time) bool {
	if e.Status.Terminal() || e.ExpiresAt == nil || !now.After(*e.ExpiresAt) {
		return false
	}
	e.Status = StatusExpired
	e.UpdatedAt = now
	return true
}

// blocking returns the lowest-ordered pending signer with an order strictly
// below order, if any.
func (e *Envelope) blocking(order int) (Signer, bool) {
	var first Signer
	found := false
	for _, s := range e.Signers {
		if s.Status != SignerPending || s.Order >= order {
			continue
		}
		if !found || s.Order < first.Order {
			first, found = s, true
		}
	}
	return first, found
}

// checkSignable applies the signing rules, in order, to signer i.
func (e *Envelope) checkSignable(i int) error {
	switch e.Status {
	case StatusCompleted:
		return ErrAlreadyCompleted
	case StatusExpired:
		return ErrExpired
	}
	s := e.Signers[i]
	if b, ok := e.blocking(s.Order); ok {
		return outOfOrder(b)
	}
	if s.Status == SignerSigned {
		return ErrAlreadySigned
	}
	return nil
}

// ordered returns the signers sorted by order, ties by position.
func ordered(signers []Signer) []Signer {
	out := append([]Signer(nil), signers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

var (
	ErrEnvelopeNotFound = apperr.New(apperr.CodeNotFound, "envelope_not_found", "envelope not found")
	ErrSignerNotFound   = apperr.New(apperr.CodeNotFound, "signer_not_found", "signing link not found")
	ErrAlreadyCompleted = apperr.New(apperr.CodeConflict, "already_completed", "envelope is already completed")
	ErrExpired          = apperr.New(apperr.CodeExpired, "expired", "envelope has expired")
	ErrOutOfOrder       = apperr.New(apperr.CodeConflict, "out_of_order", "an earlier signer has not signed yet")
	ErrAlreadySigned    = apperr.New(apperr.CodeConflict, "already_signed", "signer has already signed")
	ErrPaymentFailed    = apperr.New(apperr.CodePaymentFailed, "payment_failed", "signing fee payment could not be verified")
	ErrPaymentReused    = apperr.New(apperr.CodePaymentFailed, "payment_reused", "payment has already been used for another signature")
	ErrWalletInvalid    = apperr.New(apperr.CodeInvalidArgument, "wallet_invalid", "wallet signature does not verify")
	ErrForbidden        = apperr.New(apperr.CodeForbidden, "envelope_forbidden", "not permitted to access this envelope")
	ErrContention       = apperr.New(apperr.CodeConflict, "contention", "envelope is being modified concurrently, retry")
)

func outOfOrder(waitingFor Signer) error {
	return ErrOutOfOrder.With("waiting for "+waitingFor.Name+" to sign", map[string]string{
		"waiting_for":   waitingFor.Name,
		"waiting_order": strconv.Itoa(waitingFor.Order),
	})
}

// Store persists envelopes. UpdateEnvelope is a compare-and-swap on
// Version: it writes env with Version expected+1 and returns an error
// matching storage.ErrVersionConflict when the stored version differs.
// RecordPayment binds a payment txid to one signer of one envelope for
// good; binding it again to the same signer succeeds, to anyone else it
// returns storage.ErrAlreadyExists.
type Store interface {
	CreateEnvelope(ctx context.Context, env Envelope) error
	GetEnvelope(ctx context.Context, id string) (Envelope, error)
	GetEnvelopeBySignerToken(ctx context.Context, tokenHash string) (Envelope, string, error)
	UpdateEnvelope(ctx context.Context, env Envelope, expected int64) error
	ListEnvelopesByCreator(ctx context.Context, creatorID string) ([]Envelope, error)
	RecordPayment(ctx context.Context, txid, envelopeID, signerID string, at time.Time) error
}

// Package cosign coordinates co-sign and peer-attestation requests between
// two identities.
package cosign

import (
	"context"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
)

type Kind string

const (
	// KindCosign asks the recipient to co-sign a document.
	KindCosign Kind = "cosign"
	// KindPeer asks the recipient to vouch for a declaration text.
	KindPeer Kind = "peer"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusSigned   Status = "signed"
	StatusDeclined Status = "declined"
)

// Request is one co-sign or peer-attestation request. The dismissed flags
// are per-party view filters and never affect Status.
type Request struct {
	ID                 string     `json:"id"`
	Kind               Kind       `json:"kind"`
	SenderID           string     `json:"senderId"`
	SenderHandle       string     `json:"senderHandle"`
	RecipientID        string     `json:"recipientId,omitempty"`
	RecipientHandle    string     `json:"recipientHandle,omitempty"`
	RecipientEmail     string     `json:"recipientEmail,omitempty"`
	DocumentRef        string     `json:"documentRef,omitempty"`
	DocumentHash       string     `json:"documentHash,omitempty"`
	Declaration        string     `json:"declaration,omitempty"`
	Message            string     `json:"message,omitempty"`
	ContentHash        string     `json:"contentHash"`
	Status             Status     `json:"status"`
	ResponseRef        string     `json:"responseRef,omitempty"`
	ResponseAnchor     anchor.Ref `json:"responseAnchor"`
	SenderDismissed    bool       `json:"senderDismissed"`
	RecipientDismissed bool       `json:"recipientDismissed"`
	CreatedAt          time.Time  `json:"createdAt"`
	RespondedAt        *time.Time `json:"respondedAt,omitempty"`
}

// Party is one side of a request as seen by the caller.
type Party string

const (
	PartySender    Party = "sender"
	PartyRecipient Party = "recipient"
)

var (
	ErrRequestNotFound  = apperr.New(apperr.CodeNotFound, "request_not_found", "request not found")
	ErrSelfRequest      = apperr.New(apperr.CodeInvalidArgument, "self_request", "cannot send a request to yourself")
	ErrNotRecipient     = apperr.New(apperr.CodeForbidden, "not_recipient", "request is addressed to someone else")
	ErrNotParty         = apperr.New(apperr.CodeForbidden, "not_party", "not a party to this request")
	ErrNotOwner         = apperr.New(apperr.CodeForbidden, "not_owner", "document is not yours to share")
	ErrAlreadySigned    = apperr.New(apperr.CodeConflict, "already_signed", "request has already been signed")
	ErrAlreadyDeclined  = apperr.New(apperr.CodeConflict, "already_declined", "request has already been declined")
	ErrWrongKind        = apperr.New(apperr.CodeInvalidArgument, "wrong_kind", "request is of a different kind")
	ErrRecipientUnknown = apperr.New(apperr.CodeNotFound, "recipient_not_found", "no identity with that handle")
)

// Store persists requests. ResolveCosignRequest moves a pending request to
// status atomically; if the request exists but is no longer pending it
// returns an error matching storage.ErrVersionConflict.
// BindCosignRecipient sets the recipient of a request that has none; when
// one is already set it returns the current request and an error matching
// storage.ErrVersionConflict.
type Store interface {
	CreateCosignRequest(ctx context.Context, r Request) error
	GetCosignRequest(ctx context.Context, id string) (Request, error)
	BindCosignRecipient(ctx context.Context, id, recipientID, recipientHandle string) (Request, error)
	ResolveCosignRequest(ctx context.Context, id string, status Status, responseRef string, at time.Time) (Request, error)
	SetCosignResponseAnchor(ctx context.Context, id string, ref anchor.Ref) error
	SetCosignDismissed(ctx context.Context, id string, party Party, dismissed bool) error
	ListCosignRequests(ctx context.Context, identityID, handle, email string) ([]Request, error)
}

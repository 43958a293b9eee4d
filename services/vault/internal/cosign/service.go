package cosign

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/pkg/canonhash"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/google/uuid"
)

type Anchorer interface {
	Anchor(ctx context.Context, p anchor.Payload) anchor.Result
}

type Identities interface {
	GetByHandle(ctx context.Context, handle string) (identity.Identity, error)
	ResolveEmail(ctx context.Context, email string) (identity.Identity, bool, error)
	MintOnce(ctx context.Context, identityID string, in identity.NewStrand, field, value string) (identity.Strand, bool, error)
}

type Granter interface {
	Grant(ctx context.Context, identityID, resourceRef, reason string) error
}

// Owner answers whether an identity may share a document.
type Owner interface {
	Owns(ctx context.Context, identityID, resourceRef string) (bool, error)
}

type Service struct {
	store      Store
	identities Identities
	anchors    Anchorer
	access     Granter
	owner      Owner
	log        logging.Logger
	now        func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, identities Identities, anchors Anchorer, access Granter, owner Owner, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{store: store, identities: identities, anchors: anchors, access: access, owner: owner, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recipient names the counterparty by handle, or by email when the handle
// is unknown to the sender.
type Recipient struct {
	Handle string `json:"handle,omitempty"`
	Email  string `json:"email,omitempty"`
}

type CoSignInput struct {
	Recipient    Recipient `json:"recipient"`
	DocumentRef  string    `json:"documentRef"`
	DocumentHash string    `json:"documentHash,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// RequestCoSign asks the recipient to co-sign a document the sender owns.
func (s *Service) RequestCoSign(ctx context.Context, sender identity.Identity, in CoSignInput) (Request, error) {
	ref := strings.TrimSpace(in.DocumentRef)
	if ref == "" {
		return Request{}, apperr.Invalid("documentRef is required")
	}
	if err := s.checkOwner(ctx, sender.ID, ref); err != nil {
		return Request{}, err
	}
	r, err := s.newRequest(ctx, KindCosign, sender, in.Recipient)
	if err != nil {
		return Request{}, err
	}
	r.DocumentRef = ref
	r.DocumentHash = strings.TrimSpace(in.DocumentHash)
	r.Message = identity.NormalizeText(in.Message)
	return s.create(ctx, r)
}

type PeerInput struct {
	Recipient   Recipient `json:"recipient"`
	Declaration string    `json:"declaration"`
}

// RequestPeerAttestation asks a peer to vouch for a declaration text.
func (s *Service) RequestPeerAttestation(ctx context.Context, sender identity.Identity, in PeerInput) (Request, error) {
	decl := identity.NormalizeText(in.Declaration)
	if decl == "" {
		return Request{}, apperr.Invalid("declaration is required")
	}
	r, err := s.newRequest(ctx, KindPeer, sender, in.Recipient)
	if err != nil {
		return Request{}, err
	}
	r.Declaration = decl
	r.DocumentHash = canonhash.SumString(decl)
	return s.create(ctx, r)
}

// newRequest resolves the recipient and rejects self-requests.
func (s *Service) newRequest(ctx context.Context, kind Kind, sender identity.Identity, to Recipient) (Request, error) {
	r := Request{
		ID:             "csr_" + uuid.NewString(),
		Kind:           kind,
		SenderID:       sender.ID,
		SenderHandle:   sender.Handle,
		RecipientEmail: identity.NormalizeEmail(to.Email),
		Status:         StatusPending,
		ResponseAnchor: anchor.NotAttempted(),
		CreatedAt:      s.now().UTC(),
	}
	switch {
	case strings.TrimSpace(to.Handle) != "":
		idn, err := s.identities.GetByHandle(ctx, to.Handle)
		if errors.Is(err, apperr.NotFound) {
			return Request{}, ErrRecipientUnknown
		}
		if err != nil {
			return Request{}, err
		}
		r.RecipientID, r.RecipientHandle = idn.ID, idn.Handle
		if r.RecipientEmail == "" {
			r.RecipientEmail = idn.Email
		}
	case r.RecipientEmail != "":
		idn, ok, err := s.identities.ResolveEmail(ctx, r.RecipientEmail)
		if err != nil {
			return Request{}, err
		}
		if ok {
			r.RecipientID, r.RecipientHandle = idn.ID, idn.Handle
		}
	default:
		return Request{}, apperr.Invalid("recipient handle or email is required")
	}
	if r.RecipientID == sender.ID || (sender.Email != "" && r.RecipientEmail == sender.Email) {
		return Request{}, ErrSelfRequest
	}
	return r, nil
}

func (s *Service) create(ctx context.Context, r Request) (Request, error) {
	hash, _, err := canonhash.SumObject(map[string]any{
		"id":           r.ID,
		"kind":         r.Kind,
		"sender":       r.SenderID,
		"recipient":    r.RecipientHandle + "|" + r.RecipientEmail,
		"documentRef":  r.DocumentRef,
		"documentHash": r.DocumentHash,
	})
	if err != nil {
		return Request{}, err
	}
	r.ContentHash = hash
	if err := s.store.CreateCosignRequest(ctx, r); err != nil {
		return Request{}, err
	}
	s.log.Info("cosign: %s request %s from %s", r.Kind, r.ID, r.SenderHandle)
	return r, nil
}

func (s *Service) get(ctx context.Context, id string) (Request, error) {
	r, err := s.store.GetCosignRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Request{}, ErrRequestNotFound
	}
	return r, err
}

// checkOwner rejects sharing a resource identityID does not own.
func (s *Service) checkOwner(ctx context.Context, identityID, ref string) error {
	if s.owner == nil {
		return nil
	}
	ok, err := s.owner.Owns(ctx, identityID, ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// bind pins a request addressed to an unregistered email onto the first
// identity holding that email to answer it. Emails are self-declared, so
// from then on only the bound identity counts as the recipient.
func (s *Service) bind(ctx context.Context, r Request, recipient identity.Identity) (Request, error) {
	if r.RecipientID != "" {
		return r, nil
	}
	bound, err := s.store.BindCosignRecipient(ctx, r.ID, recipient.ID, recipient.Handle)
	if errors.Is(err, storage.ErrVersionConflict) {
		if bound.RecipientID == recipient.ID {
			return bound, nil
		}
		return Request{}, ErrNotRecipient
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, err
	}
	s.log.Info("cosign: request %s bound to %s", r.ID, recipient.Handle)
	return bound, nil
}

func addressedTo(r Request, idn identity.Identity) bool {
	switch {
	case r.RecipientID != "":
		return r.RecipientID == idn.ID
	case r.RecipientHandle != "":
		return r.RecipientHandle == idn.Handle
	default:
		return r.RecipientEmail != "" && r.RecipientEmail == idn.Email
	}
}

func terminalErr(r Request) error {
	if r.Status == StatusDeclined {
		return ErrAlreadyDeclined
	}
	return ErrAlreadySigned
}

// RespondToCoSign records the attestor's signature. It grants the requester
// access to the response and gives both parties a peer_attestation/cosign
// strand keyed by the request's content hash. A repeat call mints nothing
// and reports ErrAlreadySigned.
func (s *Service) RespondToCoSign(ctx context.Context, requestID string, attestor identity.Identity, responseRef string) (Request, error) {
	r, err := s.get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if r.Kind != KindCosign {
		return Request{}, ErrWrongKind
	}
	if !addressedTo(r, attestor) {
		return Request{}, ErrNotRecipient
	}
	if r.Status == StatusSigned {
		// Repairs strands a previous response failed to mint.
		s.mint(ctx, r.SenderID, r, attestor.Handle, "requester")
		s.mint(ctx, attestor.ID, r, r.SenderHandle, "attestor")
	}
	if r.Status != StatusPending {
		return r, terminalErr(r)
	}
	responseRef = strings.TrimSpace(responseRef)
	if responseRef == "" {
		return Request{}, apperr.Invalid("responseRef is required")
	}
	if err := s.checkOwner(ctx, attestor.ID, responseRef); err != nil {
		return Request{}, err
	}
	if r, err = s.bind(ctx, r, attestor); err != nil {
		return Request{}, err
	}

	r, err = s.resolve(ctx, r.ID, StatusSigned, responseRef)
	if err != nil {
		return r, err
	}
	r = s.anchorResponse(ctx, r, attestor)

	if err := s.access.Grant(ctx, r.SenderID, responseRef, "cosign:"+r.ID); err != nil {
		s.log.Warn("cosign: grant %s access to %s: %v", r.SenderID, responseRef, err)
	}
	s.mint(ctx, r.SenderID, r, attestor.Handle, "requester")
	s.mint(ctx, attestor.ID, r, r.SenderHandle, "attestor")
	return r, nil
}

// RespondToPeerAttestation accepts or declines. Accepting mints a strand
// for the requester only.
func (s *Service) RespondToPeerAttestation(ctx context.Context, requestID string, attestor identity.Identity, accept bool) (Request, error) {
	r, err := s.get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if r.Kind != KindPeer {
		return Request{}, ErrWrongKind
	}
	if !addressedTo(r, attestor) {
		return Request{}, ErrNotRecipient
	}
	if r.Status != StatusPending {
		return r, terminalErr(r)
	}
	if r, err = s.bind(ctx, r, attestor); err != nil {
		return Request{}, err
	}
	if !accept {
		return s.resolve(ctx, r.ID, StatusDeclined, "")
	}
	r, err = s.resolve(ctx, r.ID, StatusSigned, "")
	if err != nil {
		return r, err
	}
	r = s.anchorResponse(ctx, r, attestor)
	s.mint(ctx, r.SenderID, r, attestor.Handle, "requester")
	return r, nil
}

// resolve performs the atomic pending transition. Losing it to a
// concurrent response surfaces as the terminal state's conflict.
func (s *Service) resolve(ctx context.Context, id string, status Status, responseRef string) (Request, error) {
	r, err := s.store.ResolveCosignRequest(ctx, id, status, responseRef, s.now().UTC())
	if errors.Is(err, storage.ErrVersionConflict) {
		cur, gerr := s.get(ctx, id)
		if gerr != nil {
			return Request{}, gerr
		}
		return cur, terminalErr(cur)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return Request{}, ErrRequestNotFound
	}
	if err != nil {
		return Request{}, err
	}
	s.log.Info("cosign: request %s %s", id, status)
	return r, nil
}

func (s *Service) anchorResponse(ctx context.Context, r Request, attestor identity.Identity) Request {
	p := anchor.DocumentSignature{
		DocumentHash: r.DocumentHash,
		DocumentRef:  r.DocumentRef,
		SignerName:   attestor.Handle,
		RequestID:    r.ID,
		SignedAt:     anchor.Timestamp(*r.RespondedAt),
	}
	if p.DocumentHash == "" {
		p.DocumentHash = canonhash.SumString(r.DocumentRef)
	}
	res := s.anchors.Anchor(ctx, p)
	if err := s.store.SetCosignResponseAnchor(ctx, r.ID, res.Ref); err != nil {
		s.log.Warn("cosign: record response anchor for %s: %v", r.ID, err)
	}
	r.ResponseAnchor = res.Ref
	return r
}

func (s *Service) mint(ctx context.Context, identityID string, r Request, counterparty, role string) {
	in := identity.NewStrand{
		Type:        strand.TypePeerAttestation,
		Subtype:     strand.SubtypeCosign,
		Label:       counterparty,
		ArtifactRef: r.ResponseRef,
		Metadata: strand.PeerAttestation{
			RequestID:    r.ContentHash,
			Counterparty: counterparty,
			Role:         role,
			DocumentRef:  r.DocumentRef,
			DocumentHash: r.DocumentHash,
			Declaration:  r.Declaration,
		},
	}
	if _, _, err := s.identities.MintOnce(ctx, identityID, in, "requestId", r.ContentHash); err != nil {
		s.log.Warn("cosign: mint peer_attestation for %s on %s: %v", identityID, r.ID, err)
	}
}

// Dismiss hides the request from the caller's own view.
func (s *Service) Dismiss(ctx context.Context, requestID string, caller identity.Identity, dismissed bool) error {
	r, err := s.get(ctx, requestID)
	if err != nil {
		return err
	}
	var party Party
	switch {
	case r.SenderID == caller.ID:
		party = PartySender
	case addressedTo(r, caller):
		party = PartyRecipient
	default:
		return ErrNotParty
	}
	return s.store.SetCosignDismissed(ctx, r.ID, party, dismissed)
}

// View is a request as seen by one party.
type View struct {
	Request
	Direction string `json:"direction"`
}

// List returns the caller's sent and received requests, minus those the
// caller dismissed unless includeDismissed.
func (s *Service) List(ctx context.Context, caller identity.Identity, includeDismissed bool) ([]View, error) {
	all, err := s.store.ListCosignRequests(ctx, caller.ID, caller.Handle, caller.Email)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(all))
	for _, r := range all {
		v := View{Request: r}
		switch {
		case r.SenderID == caller.ID:
			v.Direction = "sent"
			if r.SenderDismissed && !includeDismissed {
				continue
			}
		case addressedTo(r, caller):
			v.Direction = "received"
			if r.RecipientDismissed && !includeDismissed {
				continue
			}
		default:
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns a request to either party.
func (s *Service) Get(ctx context.Context, requestID string, caller identity.Identity) (Request, error) {
	r, err := s.get(ctx, requestID)
	if err != nil {
		return Request{}, err
	}
	if r.SenderID != caller.ID && !addressedTo(r, caller) {
		return Request{}, ErrNotParty
	}
	return r, nil
}

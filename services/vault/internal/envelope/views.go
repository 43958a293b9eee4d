package envelope

import (
	"context"
	"errors"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
)

// Viewer is the authenticated caller of a read.
type Viewer struct {
	IdentityID string
	Handle     string
}

// Get returns the envelope to its creator, to a signer bound to the
// viewer's handle, or to a holder of an access grant.
func (s *Service) Get(ctx context.Context, viewer Viewer, id string) (Envelope, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	if err := s.authorize(ctx, viewer, env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (s *Service) authorize(ctx context.Context, viewer Viewer, env Envelope) error {
	if viewer.IdentityID == "" {
		return ErrForbidden
	}
	if env.CreatorID == viewer.IdentityID {
		return nil
	}
	for _, sg := range env.Signers {
		if viewer.Handle != "" && sg.Handle == viewer.Handle {
			return nil
		}
	}
	if s.access != nil {
		ok, err := s.access.Has(ctx, viewer.IdentityID, access.ResourceEnvelope+":"+env.ID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrForbidden
}

// Owns reports whether identityID created envelope id.
func (s *Service) Owns(ctx context.Context, identityID, id string) (bool, error) {
	env, err := s.store.GetEnvelope(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrEnvelopeNotFound
	}
	if err != nil {
		return false, err
	}
	return env.CreatorID == identityID, nil
}

func (s *Service) ListForCreator(ctx context.Context, creatorID string) ([]Envelope, error) {
	envs, err := s.store.ListEnvelopesByCreator(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	for i := range envs {
		if envs[i].Status.Terminal() || envs[i].ExpiresAt == nil || !now.After(*envs[i].ExpiresAt) {
			continue
		}
		if env, err := s.load(ctx, envs[i].ID); err == nil {
			envs[i] = env
		}
	}
	return envs, nil
}

// Summary is the public face of an envelope.
type Summary struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	DocumentType string     `json:"documentType,omitempty"`
	DocumentHash string     `json:"documentHash"`
	Status       Status     `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// SignerSummary omits contact details and the signature artifact.
type SignerSummary struct {
	Name        string       `json:"name"`
	Role        string       `json:"role,omitempty"`
	Order       int          `json:"order"`
	Status      SignerStatus `json:"status"`
	SignedAt    *time.Time   `json:"signedAt,omitempty"`
	Anchor      anchor.Ref   `json:"anchor"`
	ExplorerURL string       `json:"explorerUrl,omitempty"`
}

func summarize(env Envelope) Summary {
	return Summary{
		ID:           env.ID,
		Title:        env.Title,
		DocumentType: env.DocumentType,
		DocumentHash: env.DocumentHash,
		Status:       env.Status,
		ExpiresAt:    env.ExpiresAt,
		CompletedAt:  env.CompletedAt,
		CreatedAt:    env.CreatedAt,
	}
}

type explorer interface {
	ExplorerURL(txid string) string
}

func (s *Service) summarizeSigner(sg Signer) SignerSummary {
	out := SignerSummary{
		Name:     sg.Name,
		Role:     sg.Role,
		Order:    sg.Order,
		Status:   sg.Status,
		SignedAt: sg.SignedAt,
		Anchor:   sg.Anchor,
	}
	if ex, ok := s.verifier.(explorer); ok && sg.Anchor.IsAnchored() {
		out.ExplorerURL = ex.ExplorerURL(sg.Anchor.TxID)
	}
	return out
}

// SigningView is what a capability-token holder sees before signing.
type SigningView struct {
	Envelope   Summary         `json:"envelope"`
	Signer     SignerSummary   `json:"signer"`
	Signers    []SignerSummary `json:"signers"`
	WaitingFor *SignerSummary  `json:"waitingFor,omitempty"`
	CanSign    bool            `json:"canSign"`
	Challenge  string          `json:"challenge"`
	FeeSats    int64           `json:"signingFeeSats,omitempty"`
}

func (s *Service) SigningView(ctx context.Context, token string) (SigningView, error) {
	found, signerID, err := s.store.GetEnvelopeBySignerToken(ctx, storage.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return SigningView{}, ErrSignerNotFound
	}
	if err != nil {
		return SigningView{}, err
	}
	env, err := s.load(ctx, found.ID)
	if err != nil {
		return SigningView{}, err
	}
	i, ok := env.signer(signerID)
	if !ok {
		return SigningView{}, ErrSignerNotFound
	}
	signer := env.Signers[i]
	view := SigningView{
		Envelope:  summarize(env),
		Signer:    s.summarizeSigner(signer),
		CanSign:   env.checkSignable(i) == nil,
		Challenge: s.Challenge(env, signer),
		FeeSats:   env.SigningFeeSats,
	}
	for _, sg := range ordered(env.Signers) {
		view.Signers = append(view.Signers, s.summarizeSigner(sg))
	}
	if b, ok := env.blocking(signer.Order); ok && !env.Status.Terminal() {
		w := s.summarizeSigner(b)
		view.WaitingFor = &w
	}
	return view, nil
}

// PublicVerification is the unauthenticated verification read.
type PublicVerification struct {
	Envelope Summary             `json:"envelope"`
	Signers  []SignerSummary     `json:"signers"`
	Anchor   anchor.Verification `json:"anchor"`
}

func (s *Service) Verification(ctx context.Context, id string) (PublicVerification, error) {
	env, err := s.load(ctx, id)
	if err != nil {
		return PublicVerification{}, err
	}
	out := PublicVerification{Envelope: summarize(env)}
	for _, sg := range ordered(env.Signers) {
		out.Signers = append(out.Signers, s.summarizeSigner(sg))
	}
	txid := env.CompletionAnchor.TxID
	switch {
	case s.verifier != nil:
		out.Anchor = s.verifier.Verify(ctx, txid)
	case txid == "":
		out.Anchor = anchor.Verification{Reason: anchor.ReasonNotAnchored}
	case anchor.IsPlaceholder(txid):
		out.Anchor = anchor.Verification{TxID: txid, Reason: anchor.ReasonPlaceholder}
	default:
		out.Anchor = anchor.Verification{TxID: txid, Reason: anchor.ReasonUnavailable}
	}
	return out, nil
}

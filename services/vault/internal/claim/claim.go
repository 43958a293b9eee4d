// Package claim hands documents to other identities through single-use
// claim links.
package claim

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/google/uuid"
)

// DefaultTTL applies when a claim is created without an expiry.
const DefaultTTL = 30 * 24 * time.Hour

type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
)

type Claim struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	ResourceRef    string     `json:"resourceRef"`
	Title          string     `json:"title,omitempty"`
	DocumentHash   string     `json:"documentHash,omitempty"`
	RecipientEmail string     `json:"recipientEmail,omitempty"`
	Status         Status     `json:"status"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimedAt      *time.Time `json:"claimedAt,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`

	TokenHash string `json:"-"`
}

var (
	ErrClaimNotFound  = apperr.New(apperr.CodeNotFound, "claim_not_found", "claim not found")
	ErrAlreadyClaimed = apperr.New(apperr.CodeGone, "already_claimed", "claim has already been used")
	ErrClaimExpired   = apperr.New(apperr.CodeExpired, "claim_expired", "claim has expired")
	ErrOwnClaim       = apperr.New(apperr.CodeForbidden, "own_claim", "cannot claim your own document")
	ErrNotOwner       = apperr.New(apperr.CodeForbidden, "not_owner", "document is not yours to share")
)

// Store persists claims. MarkClaimed is the single pending->claimed
// transition; when the claim exists but is not pending it returns an error
// matching storage.ErrVersionConflict.
type Store interface {
	CreateClaim(ctx context.Context, c Claim) error
	GetClaimByToken(ctx context.Context, tokenHash string) (Claim, error)
	MarkClaimed(ctx context.Context, id, claimantID string, at time.Time) (Claim, error)
	ListClaimsByOwner(ctx context.Context, ownerID string) ([]Claim, error)
}

type Owner interface {
	Owns(ctx context.Context, identityID, resourceRef string) (bool, error)
}

type Granter interface {
	Grant(ctx context.Context, identityID, resourceRef, reason string) error
}

type Minter interface {
	MintOnce(ctx context.Context, identityID string, in identity.NewStrand, field, value string) (identity.Strand, bool, error)
}

type Service struct {
	store   Store
	owner   Owner
	access  Granter
	minter  Minter
	log     logging.Logger
	now     func() time.Time
	ttl     time.Duration
	baseURL string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithTTL(ttl time.Duration) Option      { return func(s *Service) { s.ttl = ttl } }
func WithPublicBaseURL(u string) Option     { return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") } }

func NewService(store Store, owner Owner, access Granter, minter Minter, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{store: store, owner: owner, access: access, minter: minter, log: log, now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateInput struct {
	ResourceRef    string     `json:"resourceRef"`
	Title          string     `json:"title,omitempty"`
	DocumentHash   string     `json:"documentHash,omitempty"`
	RecipientEmail string     `json:"recipientEmail,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type Created struct {
	Claim Claim  `json:"claim"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

// Create issues a claim link for a resource the owner controls.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (Created, error) {
	ref := strings.TrimSpace(in.ResourceRef)
	if ref == "" {
		return Created{}, apperr.Invalid("resourceRef is required")
	}
	ok, err := s.owner.Owns(ctx, ownerID, ref)
	if err != nil {
		return Created{}, err
	}
	if !ok {
		return Created{}, ErrNotOwner
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return Created{}, apperr.Invalid("expiresAt must be in the future")
		}
		expires = in.ExpiresAt.UTC()
	}
	token := storage.RandomToken("clm_")
	c := Claim{
		ID:             "clm_" + uuid.NewString(),
		OwnerID:        ownerID,
		ResourceRef:    ref,
		Title:          identity.NormalizeText(in.Title),
		DocumentHash:   strings.TrimSpace(in.DocumentHash),
		RecipientEmail: identity.NormalizeEmail(in.RecipientEmail),
		Status:         StatusPending,
		ExpiresAt:      expires,
		CreatedAt:      now,
		TokenHash:      storage.HashToken(token),
	}
	if err := s.store.CreateClaim(ctx, c); err != nil {
		return Created{}, err
	}
	s.log.Info("claim: %s created for %s", c.ID, ref)
	return Created{Claim: c, Token: token, URL: s.baseURL + "/claim/" + token}, nil
}

func (s *Service) byToken(ctx context.Context, token string) (Claim, error) {
	c, err := s.store.GetClaimByToken(ctx, storage.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return Claim{}, ErrClaimNotFound
	}
	return c, err
}

// Peek returns the claim behind a token without using it.
func (s *Service) Peek(ctx context.Context, token string) (Claim, error) {
	return s.byToken(ctx, token)
}

// Claim uses token once. A used token fails with ErrAlreadyClaimed, which
// is distinct from ErrClaimNotFound.
func (s *Service) Claim(ctx context.Context, token string, claimant identity.Identity) (Claim, error) {
	c, err := s.byToken(ctx, token)
	if err != nil {
		return Claim{}, err
	}
	if c.Status == StatusClaimed {
		return Claim{}, ErrAlreadyClaimed
	}
	now := s.now().UTC()
	if now.After(c.ExpiresAt) {
		return Claim{}, ErrClaimExpired
	}
	if c.OwnerID == claimant.ID {
		return Claim{}, ErrOwnClaim
	}

	c, err = s.store.MarkClaimed(ctx, c.ID, claimant.ID, now)
	if errors.Is(err, storage.ErrVersionConflict) {
		return Claim{}, ErrAlreadyClaimed
	}
	if err != nil {
		return Claim{}, err
	}
	s.log.Info("claim: %s claimed by %s", c.ID, claimant.ID)

	if err := s.access.Grant(ctx, claimant.ID, c.ResourceRef, "claim:"+c.ID); err != nil {
		s.log.Warn("claim: grant %s access to %s: %v", claimant.ID, c.ResourceRef, err)
	}
	in := identity.NewStrand{
		Type:        strand.TypeVaultItem,
		Subtype:     strand.SubtypeClaimedDocument,
		Label:       c.Title,
		ArtifactRef: c.ResourceRef,
		Metadata: strand.VaultItem{
			DocumentID:   c.ResourceRef,
			DocumentHash: c.DocumentHash,
			Title:        c.Title,
			ClaimID:      c.ID,
		},
	}
	if _, _, err := s.minter.MintOnce(ctx, claimant.ID, in, "claimId", c.ID); err != nil {
		s.log.Warn("claim: mint vault_item for %s: %v", claimant.ID, err)
	}
	return c, nil
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Claim, error) {
	return s.store.ListClaimsByOwner(ctx, ownerID)
}

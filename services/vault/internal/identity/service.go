// Package identity owns identities, their append-only strand sets and the
// derived strength aggregates.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/google/uuid"
)

var (
	ErrIdentityNotFound = apperr.New(apperr.CodeNotFound, "identity_not_found", "identity not found")
	ErrHandleTaken      = apperr.New(apperr.CodeConflict, "handle_taken", "handle is already registered")
	ErrDuplicateStrand  = apperr.New(apperr.CodeConflict, "duplicate_strand", "identity already holds this strand")
	ErrInvalidHandle    = apperr.New(apperr.CodeInvalidArgument, "invalid_handle", "handle must be 2-32 letters, digits, '_', '.' or '-'")
	ErrUnauthenticated  = apperr.New(apperr.CodeUnauthorized, "invalid_credential", "invalid credential")
	ErrAttestorRequired = apperr.New(apperr.CodeForbidden, "attestor_required", "this strand type must be added by an attestor")
	ErrReservedSubtype  = apperr.New(apperr.CodeForbidden, "reserved_subtype", "claimed documents are only recorded by claims")
)

// Anchorer commits payloads to the ledger on a best-effort basis.
type Anchorer interface {
	Anchor(ctx context.Context, p anchor.Payload) anchor.Result
}

type Service struct {
	store   Store
	anchors Anchorer
	log     logging.Logger
	locks   *keyedMutex
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, anchors Anchorer, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{store: store, anchors: anchors, log: log, locks: newKeyedMutex(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStrand describes a strand to append. Payload overrides the default
// identity_strand anchor payload.
type NewStrand struct {
	Type        strand.Type
	Subtype     string
	Label       string
	ArtifactRef string
	Metadata    strand.Metadata
	Payload     anchor.Payload
}

// CreateIdentity registers handle, anchors its root record and returns the
// identity together with a one-time bearer credential.
func (s *Service) CreateIdentity(ctx context.Context, handle, email string) (Identity, string, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return Identity{}, "", err
	}
	if _, err := s.store.GetIdentityByHandle(ctx, h); err == nil {
		return Identity{}, "", ErrHandleTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Identity{}, "", err
	}

	now := s.now().UTC()
	idn := Identity{
		ID:        "idn_" + uuid.NewString(),
		Handle:    h,
		Email:     NormalizeEmail(email),
		Strength:  strand.Compute(nil),
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.anchors.Anchor(ctx, anchor.IdentityRoot{IdentityID: idn.ID, UserHandle: h})
	idn.RootAnchor = res.Ref

	credential := storage.RandomToken("vlt_")
	if err := s.store.CreateIdentity(ctx, idn, storage.HashToken(credential)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Identity{}, "", ErrHandleTaken
		}
		return Identity{}, "", err
	}
	s.log.Info("identity: created %s (%s), root anchor %s", idn.ID, h, res.Ref.State)
	return idn, credential, nil
}

// Authenticate resolves a bearer credential.
func (s *Service) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if strings.TrimSpace(credential) == "" {
		return Identity{}, ErrUnauthenticated
	}
	idn, err := s.store.GetIdentityByCredential(ctx, storage.HashToken(credential))
	if errors.Is(err, storage.ErrNotFound) {
		return Identity{}, ErrUnauthenticated
	}
	return idn, err
}

func (s *Service) Get(ctx context.Context, id string) (Identity, error) {
	idn, err := s.store.GetIdentity(ctx, id)
	return idn, mapNotFound(err)
}

func (s *Service) GetByHandle(ctx context.Context, handle string) (Identity, error) {
	h, err := NormalizeHandle(handle)
	if err != nil {
		return Identity{}, ErrIdentityNotFound
	}
	idn, err := s.store.GetIdentityByHandle(ctx, h)
	return idn, mapNotFound(err)
}

// ResolveEmail finds the identity registered with email, if any.
func (s *Service) ResolveEmail(ctx context.Context, email string) (Identity, bool, error) {
	e := NormalizeEmail(email)
	if e == "" {
		return Identity{}, false, nil
	}
	idn, err := s.store.GetIdentityByEmail(ctx, e)
	if errors.Is(err, storage.ErrNotFound) {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, err
	}
	return idn, true, nil
}

// CreateStrand anchors and appends a strand, then recomputes the owner's
// strength from scratch. The strand is persisted whatever the anchor
// outcome; its ref records which outcome it was.
func (s *Service) CreateStrand(ctx context.Context, identityID string, in NewStrand) (Strand, error) {
	if !in.Type.Valid() {
		return Strand{}, apperr.Invalid(fmt.Sprintf("unknown strand type %q", in.Type))
	}
	if err := strand.CheckMetadata(in.Type, in.Metadata); err != nil {
		return Strand{}, apperr.Invalid(err.Error())
	}
	idn, err := s.Get(ctx, identityID)
	if err != nil {
		return Strand{}, err
	}
	key := strand.Key{Type: in.Type, Subtype: strings.ToLower(strings.TrimSpace(in.Subtype))}
	if sk := strand.SingletonKey(key); sk != "" {
		if _, err := s.store.FindSingletonStrand(ctx, idn.ID, sk); err == nil {
			return Strand{}, ErrDuplicateStrand
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Strand{}, err
		}
	}

	payload := in.Payload
	if payload == nil {
		payload = anchor.IdentityStrand{
			RootTxid:      idn.RootAnchor.TxID,
			StrandType:    string(key.Type),
			StrandSubtype: key.Subtype,
			StrandLabel:   in.Label,
			UserHandle:    idn.Handle,
		}
	}
	res := s.anchors.Anchor(ctx, payload)

	st := Strand{
		ID:          "str_" + uuid.NewString(),
		IdentityID:  idn.ID,
		Type:        key.Type,
		Subtype:     key.Subtype,
		Label:       in.Label,
		ArtifactRef: in.ArtifactRef,
		Anchor:      res.Ref,
		ContentHash: res.ContentHash,
		Metadata:    in.Metadata,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateStrand(ctx, st); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return Strand{}, ErrDuplicateStrand
		}
		return Strand{}, err
	}
	if _, err := s.RecomputeStrength(ctx, idn.ID); err != nil {
		return st, fmt.Errorf("recompute strength after %s: %w", st.ID, err)
	}
	return st, nil
}

// MintOnce creates in unless the identity already holds a strand of the
// same type whose metadata field equals value. created reports which.
func (s *Service) MintOnce(ctx context.Context, identityID string, in NewStrand, field, value string) (Strand, bool, error) {
	unlock := s.locks.Lock("mint:" + identityID)
	defer unlock()

	existing, err := s.store.FindStrandByMetadata(ctx, identityID, in.Type, field, value)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Strand{}, false, err
	}
	st, err := s.CreateStrand(ctx, identityID, in)
	if err != nil {
		return st, false, err
	}
	return st, true, nil
}

// RecomputeStrength replaces the stored score and level with a fresh sum
// over the identity's current strands. Recomputes for one identity are
// serialized in-process and by the store.
func (s *Service) RecomputeStrength(ctx context.Context, identityID string) (strand.Strength, error) {
	unlock := s.locks.Lock("strength:" + identityID)
	defer unlock()
	st, err := s.store.ReplaceStrength(ctx, identityID, strand.Compute)
	return st, mapNotFound(err)
}

// StrengthView is the read model for an identity's trust level.
type StrengthView struct {
	IdentityID  string       `json:"identityId"`
	Handle      string       `json:"handle"`
	Score       int          `json:"score"`
	Level       strand.Level `json:"level"`
	Label       string       `json:"label"`
	Fingerprint string       `json:"fingerprint"`
	Strands     []strand.Key `json:"strands"`
}

func (s *Service) Strength(ctx context.Context, identityID string) (StrengthView, error) {
	idn, err := s.Get(ctx, identityID)
	if err != nil {
		return StrengthView{}, err
	}
	strands, err := s.store.ListStrands(ctx, idn.ID)
	if err != nil {
		return StrengthView{}, err
	}
	keys := strand.Sorted(Keys(strands))
	return StrengthView{
		IdentityID:  idn.ID,
		Handle:      idn.Handle,
		Score:       idn.Strength.Score,
		Level:       idn.Strength.Level,
		Label:       idn.Strength.Label(),
		Fingerprint: strand.Fingerprint(keys),
		Strands:     keys,
	}, nil
}

func (s *Service) ListStrands(ctx context.Context, identityID string) ([]Strand, error) {
	return s.store.ListStrands(ctx, identityID)
}

func mapNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrIdentityNotFound
	}
	return err
}

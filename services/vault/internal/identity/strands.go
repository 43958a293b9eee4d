package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

// LinkProvider records an external-provider linkage and mints the matching
// oauth strand. Relinking a provider updates the linkage only.
func (s *Service) LinkProvider(ctx context.Context, identityID string, link ProviderLink) (Identity, Strand, error) {
	provider := strings.ToLower(strings.TrimSpace(link.Provider))
	if provider == "" || strings.TrimSpace(link.ProviderUserID) == "" {
		return Identity{}, Strand{}, apperr.Invalid("provider and providerUserId are required")
	}
	link.Provider = provider
	link.LinkedAt = s.now().UTC()

	unlock := s.locks.Lock("mint:" + identityID)
	defer unlock()

	idn, err := s.Get(ctx, identityID)
	if err != nil {
		return Identity{}, Strand{}, err
	}
	providers := make(map[string]ProviderLink, len(idn.Providers)+1)
	for k, v := range idn.Providers {
		providers[k] = v
	}
	providers[provider] = link
	if err := s.store.UpdateProviders(ctx, idn.ID, providers); err != nil {
		return Identity{}, Strand{}, mapNotFound(err)
	}
	idn.Providers = providers

	key := strand.Key{Type: strand.TypeOAuth, Subtype: provider}
	st, err := s.CreateStrand(ctx, idn.ID, NewStrand{
		Type:    strand.TypeOAuth,
		Subtype: provider,
		Label:   link.Username,
		Metadata: strand.OAuth{
			Provider:       provider,
			ProviderUserID: link.ProviderUserID,
			Username:       link.Username,
		},
	})
	if errors.Is(err, ErrDuplicateStrand) {
		st, err = s.store.FindSingletonStrand(ctx, idn.ID, strand.SingletonKey(key))
	}
	if err != nil {
		return idn, Strand{}, err
	}
	return idn, st, nil
}

// SelfAttest mints the identity's single self_attestation strand.
func (s *Service) SelfAttest(ctx context.Context, identityID, statement string) (Strand, error) {
	statement = NormalizeText(statement)
	if statement == "" {
		return Strand{}, apperr.Invalid("statement is required")
	}
	return s.CreateStrand(ctx, identityID, NewStrand{
		Type:     strand.TypeSelfAttestation,
		Metadata: strand.SelfAttestation{Statement: statement},
	})
}

// RegisterSignature mints a registered_signature strand and points the
// identity at it.
func (s *Service) RegisterSignature(ctx context.Context, identityID string, meta strand.RegisteredSignature, artifactRef string) (Strand, error) {
	if strings.TrimSpace(meta.SignerName) == "" {
		return Strand{}, apperr.Invalid("signerName is required")
	}
	st, err := s.CreateStrand(ctx, identityID, NewStrand{
		Type:        strand.TypeRegisteredSignature,
		Label:       meta.SignerName,
		ArtifactRef: artifactRef,
		Metadata:    meta,
	})
	if err != nil {
		return st, err
	}
	if err := s.store.SetRegisteredSignature(ctx, identityID, st.ID); err != nil {
		return st, mapNotFound(err)
	}
	return st, nil
}

// AddIPThread appends an ip_thread strand whose anchored payload carries the
// thread's position among the identity's existing threads.
func (s *Service) AddIPThread(ctx context.Context, identityID, documentHash, documentType, title string) (Strand, error) {
	title = NormalizeText(title)
	if documentHash == "" || documentType == "" || title == "" {
		return Strand{}, apperr.Invalid("documentHash, documentType and title are required")
	}

	unlock := s.locks.Lock("mint:" + identityID)
	defer unlock()

	idn, err := s.Get(ctx, identityID)
	if err != nil {
		return Strand{}, err
	}
	n, err := s.store.CountStrands(ctx, idn.ID, strand.TypeIPThread)
	if err != nil {
		return Strand{}, err
	}
	meta := strand.IPThread{
		DocumentHash:   documentHash,
		DocumentType:   documentType,
		ThreadTitle:    title,
		ThreadSequence: n + 1,
	}
	return s.CreateStrand(ctx, idn.ID, NewStrand{
		Type:     strand.TypeIPThread,
		Label:    title,
		Metadata: meta,
		Payload: anchor.IPThread{
			RootTxid:       idn.RootAnchor.TxID,
			DocumentHash:   meta.DocumentHash,
			DocumentType:   meta.DocumentType,
			ThreadTitle:    meta.ThreadTitle,
			ThreadSequence: meta.ThreadSequence,
		},
	})
}

// attestedTypes are minted from evidence an attestor verified outside the
// vault.
var attestedTypes = map[strand.Type]bool{
	strand.TypeIDDocument:   true,
	strand.TypeKYC:          true,
	strand.TypeProfilePhoto: true,
	strand.TypeVaultItem:    true,
}

// AddAttestedStrand records a strand on behalf of a trusted attestor (an
// identity document check, a KYC provider, a stored item). Callers must
// have authenticated the attestor. Claimed documents are only minted by
// claims.
func (s *Service) AddAttestedStrand(ctx context.Context, identityID string, key strand.Key, meta strand.Metadata, artifactRef string) (Strand, error) {
	if !attestedTypes[key.Type] {
		return Strand{}, apperr.Invalid("strand type " + string(key.Type) + " cannot be added directly")
	}
	if key.Type == strand.TypeVaultItem && key.Subtype == strand.SubtypeClaimedDocument {
		return Strand{}, ErrReservedSubtype
	}
	return s.CreateStrand(ctx, identityID, NewStrand{
		Type:        key.Type,
		Subtype:     key.Subtype,
		ArtifactRef: artifactRef,
		Metadata:    meta,
	})
}

// AddSelfStrand records a strand the identity asserts about itself. Only
// kinds that carry no level weight are accepted; the rest need an attestor.
func (s *Service) AddSelfStrand(ctx context.Context, identityID string, key strand.Key, meta strand.Metadata, artifactRef string) (Strand, error) {
	if !attestedTypes[key.Type] {
		return Strand{}, apperr.Invalid("strand type " + string(key.Type) + " cannot be added directly")
	}
	if strand.DeriveLevel([]strand.Key{key}) > strand.LevelBasic {
		return Strand{}, ErrAttestorRequired
	}
	if v, ok := meta.(strand.VaultItem); ok && v.ClaimID != "" {
		return Strand{}, ErrReservedSubtype
	}
	return s.AddAttestedStrand(ctx, identityID, key, meta, artifactRef)
}

// FindStrand looks up a strand of type t whose metadata field equals value.
func (s *Service) FindStrand(ctx context.Context, identityID string, t strand.Type, field, value string) (Strand, bool, error) {
	st, err := s.store.FindStrandByMetadata(ctx, identityID, t, field, value)
	if errors.Is(err, storage.ErrNotFound) {
		return Strand{}, false, nil
	}
	if err != nil {
		return Strand{}, false, err
	}
	return st, true, nil
}

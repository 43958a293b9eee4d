package identity

import (
	"context"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

// ProviderLink is one external-provider linkage on an identity.
type ProviderLink struct {
	Provider       string    `json:"provider"`
	ProviderUserID string    `json:"providerUserId"`
	Username       string    `json:"username,omitempty"`
	LinkedAt       time.Time `json:"linkedAt"`
}

// Identity is the root trust record for one handle.
type Identity struct {
	ID                    string                  `json:"id"`
	Handle                string                  `json:"handle"`
	Email                 string                  `json:"email,omitempty"`
	RootAnchor            anchor.Ref              `json:"rootAnchor"`
	Strength              strand.Strength         `json:"strength"`
	Providers             map[string]ProviderLink `json:"providers,omitempty"`
	RegisteredSignatureID string                  `json:"registeredSignatureId,omitempty"`
	CreatedAt             time.Time               `json:"createdAt"`
	UpdatedAt             time.Time               `json:"updatedAt"`
}

// Strand is one immutable attestation attached to an identity.
type Strand struct {
	ID          string          `json:"id"`
	IdentityID  string          `json:"identityId"`
	Type        strand.Type     `json:"type"`
	Subtype     string          `json:"subtype,omitempty"`
	Label       string          `json:"label,omitempty"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Anchor      anchor.Ref      `json:"anchor"`
	ContentHash string          `json:"contentHash,omitempty"`
	Metadata    strand.Metadata `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (s Strand) Key() strand.Key { return strand.Key{Type: s.Type, Subtype: s.Subtype} }

// Keys projects strands onto their scoring keys.
func Keys(strands []Strand) []strand.Key {
	out := make([]strand.Key, 0, len(strands))
	for _, s := range strands {
		out = append(out, s.Key())
	}
	return out
}

// Store persists identities and their strands. Strands are insert-only; the
// store exposes no way to edit or delete one.
type Store interface {
	CreateIdentity(ctx context.Context, idn Identity, credentialHash string) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
	GetIdentityByHandle(ctx context.Context, handle string) (Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (Identity, error)
	GetIdentityByCredential(ctx context.Context, credentialHash string) (Identity, error)
	UpdateProviders(ctx context.Context, id string, providers map[string]ProviderLink) error
	SetRegisteredSignature(ctx context.Context, id, strandID string) error

	CreateStrand(ctx context.Context, s Strand) error
	ListStrands(ctx context.Context, identityID string) ([]Strand, error)
	FindStrandByMetadata(ctx context.Context, identityID string, t strand.Type, field, value string) (Strand, error)
	FindSingletonStrand(ctx context.Context, identityID, singletonKey string) (Strand, error)
	CountStrands(ctx context.Context, identityID string, t strand.Type) (int, error)

	// ReplaceStrength reads the identity's full strand set, applies compute
	// and stores the result, all in one transaction.
	ReplaceStrength(ctx context.Context, identityID string, compute func([]strand.Key) strand.Strength) (strand.Strength, error)
}

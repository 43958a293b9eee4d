package api

import (
	"context"
	"strings"

	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/access"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

// Owner decides who may share a resource. Envelopes belong to their
// creator. Documents belong to whoever holds a grant on them or claimed
// them; only the claimed_document strand a claim mints proves the latter.
type Owner struct {
	envelopes  *envelope.Service
	access     *access.Service
	identities *identity.Service
}

func NewOwner(envelopes *envelope.Service, access *access.Service, identities *identity.Service) *Owner {
	return &Owner{envelopes: envelopes, access: access, identities: identities}
}

func (o *Owner) Owns(ctx context.Context, identityID, ref string) (bool, error) {
	ref = strings.TrimSpace(ref)
	t, id := access.ParseRef(ref)
	if id == "" {
		return false, nil
	}
	if t == access.ResourceEnvelope {
		return o.envelopes.Owns(ctx, identityID, id)
	}
	ok, err := o.access.Has(ctx, identityID, ref)
	if err != nil || ok {
		return ok, err
	}
	for _, candidate := range []string{ref, id} {
		st, found, err := o.identities.FindStrand(ctx, identityID, strand.TypeVaultItem, "documentId", candidate)
		if err != nil {
			return false, err
		}
		if found && claimed(st) {
			return true, nil
		}
	}
	return false, nil
}

func claimed(st identity.Strand) bool {
	item, ok := st.Metadata.(strand.VaultItem)
	return ok && st.Subtype == strand.SubtypeClaimedDocument && item.ClaimID != ""
}

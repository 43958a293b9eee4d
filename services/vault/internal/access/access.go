// Package access records which identities may read a resource they do not
// own. Grants are additive and never revoked.
package access

import (
	"context"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"

	"github.com/google/uuid"
)

// Resource types.
const (
	ResourceEnvelope = "envelope"
	ResourceDocument = "document"
)

type Grant struct {
	ID           string    `json:"id"`
	IdentityID   string    `json:"identityId"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId"`
	Reason       string    `json:"reason"`
	GrantedAt    time.Time `json:"grantedAt"`
}

// Store persists grants. GrantAccess is idempotent per (identity, resource):
// an existing grant is kept and nil is returned.
type Store interface {
	GrantAccess(ctx context.Context, g Grant) error
	HasAccess(ctx context.Context, identityID, resourceType, resourceID string) (bool, error)
	ListGrants(ctx context.Context, identityID string) ([]Grant, error)
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ParseRef splits "type:id" resource references. A bare id is a document.
func ParseRef(ref string) (resourceType, resourceID string) {
	ref = strings.TrimSpace(ref)
	if t, id, ok := strings.Cut(ref, ":"); ok && (t == ResourceEnvelope || t == ResourceDocument) {
		return t, id
	}
	return ResourceDocument, ref
}

func (s *Service) Grant(ctx context.Context, identityID, resourceRef, reason string) error {
	t, id := ParseRef(resourceRef)
	if identityID == "" || id == "" {
		return apperr.Invalid("identity and resource are required for a grant")
	}
	return s.store.GrantAccess(ctx, Grant{
		ID:           "grt_" + uuid.NewString(),
		IdentityID:   identityID,
		ResourceType: t,
		ResourceID:   id,
		Reason:       reason,
		GrantedAt:    s.now().UTC(),
	})
}

func (s *Service) Has(ctx context.Context, identityID, resourceRef string) (bool, error) {
	if identityID == "" {
		return false, nil
	}
	t, id := ParseRef(resourceRef)
	return s.store.HasAccess(ctx, identityID, t, id)
}

func (s *Service) List(ctx context.Context, identityID string) ([]Grant, error) {
	return s.store.ListGrants(ctx, identityID)
}

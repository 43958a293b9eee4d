package access

import (
	"context"
	"errors"
	"testing"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
)

type fakeStore struct {
	grants []Grant
}

func (f *fakeStore) GrantAccess(ctx context.Context, g Grant) error {
	for _, existing := range f.grants {
		if existing.IdentityID == g.IdentityID && existing.ResourceType == g.ResourceType && existing.ResourceID == g.ResourceID {
			return nil
		}
	}
	f.grants = append(f.grants, g)
	return nil
}

func (f *fakeStore) HasAccess(ctx context.Context, identityID, resourceType, resourceID string) (bool, error) {
	for _, g := range f.grants {
		if g.IdentityID == identityID && g.ResourceType == resourceType && g.ResourceID == resourceID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListGrants(ctx context.Context, identityID string) ([]Grant, error) {
	var out []Grant
	for _, g := range f.grants {
		if g.IdentityID == identityID {
			out = append(out, g)
		}
	}
	return out, nil
}

func TestParseRef(t *testing.T) {
	cases := map[string][2]string{
		"envelope:env_1": {ResourceEnvelope, "env_1"},
		"document:doc_1": {ResourceDocument, "doc_1"},
		"doc_2":          {ResourceDocument, "doc_2"},
		"s3:bucket/key":  {ResourceDocument, "s3:bucket/key"},
	}
	for in, want := range cases {
		gotType, gotID := ParseRef(in)
		if gotType != want[0] || gotID != want[1] {
			t.Fatalf("ParseRef(%q) = %s, %s", in, gotType, gotID)
		}
	}
}

func TestGrantIsIdempotent(t *testing.T) {
	st := &fakeStore{}
	svc := NewService(st)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := svc.Grant(ctx, "idn_a", "envelope:env_1", "cosign"); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	if len(st.grants) != 1 {
		t.Fatalf("expected one grant, got %d", len(st.grants))
	}
	ok, _ := svc.Has(ctx, "idn_a", "envelope:env_1")
	if !ok {
		t.Fatal("expected access")
	}
	if ok, _ := svc.Has(ctx, "idn_b", "envelope:env_1"); ok {
		t.Fatal("unexpected access for another identity")
	}
	if err := svc.Grant(ctx, "", "doc", "x"); !errors.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

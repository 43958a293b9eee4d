package cosign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

type fakeStore struct {
	mu   sync.Mutex
	reqs map[string]Request
}

func (f *fakeStore) CreateCosignRequest(ctx context.Context, r Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs[r.ID] = r
	return nil
}

func (f *fakeStore) GetCosignRequest(ctx context.Context, id string) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return Request{}, storage.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) BindCosignRecipient(ctx context.Context, id, recipientID, recipientHandle string) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return Request{}, storage.ErrNotFound
	}
	if r.RecipientID != "" {
		return r, storage.ErrVersionConflict
	}
	r.RecipientID, r.RecipientHandle = recipientID, recipientHandle
	f.reqs[id] = r
	return r, nil
}

func (f *fakeStore) ResolveCosignRequest(ctx context.Context, id string, status Status, responseRef string, at time.Time) (Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reqs[id]
	if !ok {
		return Request{}, storage.ErrNotFound
	}
	if r.Status != StatusPending {
		return Request{}, storage.ErrVersionConflict
	}
	r.Status = status
	r.ResponseRef = responseRef
	r.RespondedAt = &at
	f.reqs[id] = r
	return r, nil
}

func (f *fakeStore) SetCosignResponseAnchor(ctx context.Context, id string, ref anchor.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reqs[id]
	r.ResponseAnchor = ref
	f.reqs[id] = r
	return nil
}

func (f *fakeStore) SetCosignDismissed(ctx context.Context, id string, party Party, dismissed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.reqs[id]
	if party == PartySender {
		r.SenderDismissed = dismissed
	} else {
		r.RecipientDismissed = dismissed
	}
	f.reqs[id] = r
	return nil
}

func (f *fakeStore) ListCosignRequests(ctx context.Context, identityID, handle, email string) ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.reqs {
		if r.SenderID == identityID || r.RecipientID == identityID || (handle != "" && r.RecipientHandle == handle) || (email != "" && r.RecipientEmail == email) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeIdentities struct {
	mu     sync.Mutex
	byID   map[string]identity.Identity
	strand map[string][]identity.NewStrand
	seen   map[string]bool
}

func newFakeIdentities(ids ...identity.Identity) *fakeIdentities {
	f := &fakeIdentities{byID: map[string]identity.Identity{}, strand: map[string][]identity.NewStrand{}, seen: map[string]bool{}}
	for _, idn := range ids {
		f.byID[idn.ID] = idn
	}
	return f
}

func (f *fakeIdentities) GetByHandle(ctx context.Context, handle string) (identity.Identity, error) {
	h, err := identity.NormalizeHandle(handle)
	if err != nil {
		return identity.Identity{}, identity.ErrIdentityNotFound
	}
	for _, idn := range f.byID {
		if idn.Handle == h {
			return idn, nil
		}
	}
	return identity.Identity{}, identity.ErrIdentityNotFound
}

func (f *fakeIdentities) ResolveEmail(ctx context.Context, email string) (identity.Identity, bool, error) {
	for _, idn := range f.byID {
		if idn.Email == email {
			return idn, true, nil
		}
	}
	return identity.Identity{}, false, nil
}

func (f *fakeIdentities) MintOnce(ctx context.Context, identityID string, in identity.NewStrand, field, value string) (identity.Strand, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := identityID + "|" + string(in.Type) + "|" + field + "=" + value
	if f.seen[key] {
		return identity.Strand{}, false, nil
	}
	f.seen[key] = true
	f.strand[identityID] = append(f.strand[identityID], in)
	return identity.Strand{}, true, nil
}

type fakeAnchorer struct{ payloads []anchor.Payload }

func (f *fakeAnchorer) Anchor(ctx context.Context, p anchor.Payload) anchor.Result {
	f.payloads = append(f.payloads, p)
	return anchor.Result{Ref: anchor.NewPlaceholder()}
}

type fakeAccess struct{ grants []string }

func (f *fakeAccess) Grant(ctx context.Context, identityID, ref, reason string) error {
	f.grants = append(f.grants, identityID+"|"+ref)
	return nil
}

type fakeOwner struct{ owned map[string]bool }

func (f fakeOwner) Owns(ctx context.Context, identityID, ref string) (bool, error) {
	return f.owned[identityID+"|"+ref], nil
}

var (
	alice = identity.Identity{ID: "idn_a", Handle: "alice", Email: "alice@example.com"}
	bob   = identity.Identity{ID: "idn_b", Handle: "bob", Email: "bob@example.com"}
	carol = identity.Identity{ID: "idn_c", Handle: "carol"}
)

type harness struct {
	svc    *Service
	store  *fakeStore
	ids    *fakeIdentities
	anc    *fakeAnchorer
	access *fakeAccess
}

func newHarness() *harness {
	h := &harness{
		store:  &fakeStore{reqs: map[string]Request{}},
		ids:    newFakeIdentities(alice, bob, carol),
		anc:    &fakeAnchorer{},
		access: &fakeAccess{},
	}
	owner := fakeOwner{owned: map[string]bool{
		"idn_a|envelope:env_1":      true,
		"idn_b|document:doc_signed": true,
		"idn_b|document:signed":     true,
		"idn_d|document:d":          true,
		"idn_e|document:e":          true,
		"idn_c|envelope:env_carol":  true,
	}}
	h.svc = NewService(h.store, h.ids, h.anc, h.access, owner, logging.Nop())
	return h
}

func TestCoSignRoundTripMintsForBothParties(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "@Bob"}, DocumentRef: "envelope:env_1"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != StatusPending || req.RecipientID != bob.ID || req.ContentHash == "" {
		t.Fatalf("unexpected request %+v", req)
	}

	got, err := h.svc.RespondToCoSign(ctx, req.ID, bob, "document:doc_signed")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if got.Status != StatusSigned || got.ResponseRef != "document:doc_signed" || got.ResponseAnchor.TxID == "" {
		t.Fatalf("unexpected response %+v", got)
	}
	for _, id := range []string{alice.ID, bob.ID} {
		ss := h.ids.strand[id]
		if len(ss) != 1 || ss[0].Type != strand.TypePeerAttestation || ss[0].Subtype != strand.SubtypeCosign {
			t.Fatalf("identity %s strands: %+v", id, ss)
		}
		if ss[0].Metadata.(strand.PeerAttestation).RequestID != req.ContentHash {
			t.Fatalf("strand not keyed by content hash")
		}
	}
	if len(h.access.grants) != 1 || h.access.grants[0] != "idn_a|document:doc_signed" {
		t.Fatalf("unexpected grants %v", h.access.grants)
	}
	if p, ok := h.anc.payloads[0].(anchor.DocumentSignature); !ok || p.RequestID != req.ID || p.SignerName != "bob" {
		t.Fatalf("unexpected payload %#v", h.anc.payloads[0])
	}

	_, err = h.svc.RespondToCoSign(ctx, req.ID, bob, "document:doc_signed")
	if !errors.Is(err, ErrAlreadySigned) || !errors.Is(err, apperr.Conflict) {
		t.Fatalf("expected already signed conflict, got %v", err)
	}
	if len(h.ids.strand[alice.ID]) != 1 || len(h.ids.strand[bob.ID]) != 1 {
		t.Fatal("repeat response minted duplicate strands")
	}
}

func TestAttestorMismatchCheckedFirst(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, _ := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "bob"}, DocumentRef: "envelope:env_1"})
	if _, err := h.svc.RespondToCoSign(ctx, req.ID, carol, "document:x"); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected not recipient, got %v", err)
	}
	if _, err := h.svc.RespondToCoSign(ctx, "csr_missing", bob, "document:x"); !errors.Is(err, apperr.NotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := h.svc.RespondToCoSign(ctx, req.ID, bob, " "); !errors.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "alice"}, DocumentRef: "envelope:env_1"}); !errors.Is(err, ErrSelfRequest) {
		t.Fatalf("expected self request, got %v", err)
	}
	if _, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Email: "ALICE@example.com"}, DocumentRef: "envelope:env_1"}); !errors.Is(err, ErrSelfRequest) {
		t.Fatalf("expected self request by email, got %v", err)
	}
	if _, err := h.svc.RequestCoSign(ctx, bob, CoSignInput{Recipient: Recipient{Handle: "alice"}, DocumentRef: "envelope:env_1"}); !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	if _, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "nobody"}, DocumentRef: "envelope:env_1"}); !errors.Is(err, ErrRecipientUnknown) {
		t.Fatalf("expected unknown recipient, got %v", err)
	}

	req, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Email: "Bob@Example.com"}, DocumentRef: "envelope:env_1"})
	if err != nil || req.RecipientHandle != "bob" || req.RecipientID != bob.ID {
		t.Fatalf("email should resolve to handle: %+v err=%v", req, err)
	}
	unresolved, err := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Email: "dan@example.com"}, DocumentRef: "envelope:env_1"})
	if err != nil || unresolved.RecipientHandle != "" {
		t.Fatalf("unexpected unresolved request %+v err=%v", unresolved, err)
	}
	dan := identity.Identity{ID: "idn_d", Handle: "dan", Email: "dan@example.com"}
	if _, err := h.svc.RespondToCoSign(ctx, unresolved.ID, dan, "document:d"); err != nil {
		t.Fatalf("email recipient should be able to respond: %v", err)
	}
}

func TestPeerAttestationAcceptAndDecline(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, err := h.svc.RequestPeerAttestation(ctx, alice, PeerInput{Recipient: Recipient{Handle: "bob"}, Declaration: "  I have worked with Alice.  "})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Declaration != "I have worked with Alice." || req.DocumentHash == "" {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := h.svc.RespondToCoSign(ctx, req.ID, bob, "document:x"); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected wrong kind, got %v", err)
	}
	if _, err := h.svc.RespondToPeerAttestation(ctx, req.ID, bob, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if len(h.ids.strand[alice.ID]) != 1 || len(h.ids.strand[bob.ID]) != 0 {
		t.Fatalf("only the requester gains a strand: %+v", h.ids.strand)
	}

	req2, _ := h.svc.RequestPeerAttestation(ctx, alice, PeerInput{Recipient: Recipient{Handle: "carol"}, Declaration: "Alice is reliable."})
	declined, err := h.svc.RespondToPeerAttestation(ctx, req2.ID, carol, false)
	if err != nil || declined.Status != StatusDeclined {
		t.Fatalf("decline: %+v err=%v", declined, err)
	}
	if len(h.ids.strand[alice.ID]) != 1 {
		t.Fatal("decline must not mint")
	}
	if _, err := h.svc.RespondToPeerAttestation(ctx, req2.ID, carol, true); !errors.Is(err, ErrAlreadyDeclined) {
		t.Fatalf("expected already declined, got %v", err)
	}
}

func TestDismissIsPerPartyViewFilter(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, _ := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "bob"}, DocumentRef: "envelope:env_1"})

	if err := h.svc.Dismiss(ctx, req.ID, bob, true); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	bobs, _ := h.svc.List(ctx, bob, false)
	alices, _ := h.svc.List(ctx, alice, false)
	if len(bobs) != 0 || len(alices) != 1 || alices[0].Direction != "sent" {
		t.Fatalf("dismissal leaked across parties: bob=%v alice=%v", bobs, alices)
	}
	all, _ := h.svc.List(ctx, bob, true)
	if len(all) != 1 || all[0].Direction != "received" {
		t.Fatalf("expected dismissed request with includeDismissed, got %v", all)
	}
	stored, _ := h.store.GetCosignRequest(ctx, req.ID)
	if stored.Status != StatusPending {
		t.Fatalf("dismissal changed status to %s", stored.Status)
	}
	if err := h.svc.Dismiss(ctx, req.ID, carol, true); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected not party, got %v", err)
	}
}

func TestConcurrentResponsesMintOnce(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, _ := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "bob"}, DocumentRef: "envelope:env_1"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.RespondToCoSign(ctx, req.ID, bob, "document:signed")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadySigned):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != 7 {
		t.Fatalf("expected exactly one success, got ok=%d conflicts=%d", ok, conflicts)
	}
	if len(h.ids.strand[alice.ID]) != 1 || len(h.ids.strand[bob.ID]) != 1 {
		t.Fatalf("duplicate strands: %+v", h.ids.strand)
	}
}

func TestResponseRefMustBeOwnedByAttestor(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, _ := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Handle: "bob"}, DocumentRef: "envelope:env_1"})

	_, err := h.svc.RespondToCoSign(ctx, req.ID, bob, "envelope:env_carol")
	if !errors.Is(err, ErrNotOwner) || !errors.Is(err, apperr.Forbidden) {
		t.Fatalf("expected not owner, got %v", err)
	}
	stored, _ := h.store.GetCosignRequest(ctx, req.ID)
	if stored.Status != StatusPending || stored.ResponseRef != "" {
		t.Fatalf("a rejected response must leave the request pending, got %+v", stored)
	}
	if len(h.access.grants) != 0 || len(h.ids.strand[alice.ID]) != 0 || len(h.anc.payloads) != 0 {
		t.Fatalf("a rejected response must not grant, mint or anchor: grants=%v strands=%v", h.access.grants, h.ids.strand)
	}

	if _, err := h.svc.RespondToCoSign(ctx, req.ID, bob, "document:doc_signed"); err != nil {
		t.Fatalf("owned response: %v", err)
	}
}

func TestEmailRecipientIsBoundOnFirstResponse(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req, err := h.svc.RequestPeerAttestation(ctx, alice, PeerInput{Recipient: Recipient{Email: "erin@example.com"}, Declaration: "Alice paid on time."})
	if err != nil || req.RecipientID != "" {
		t.Fatalf("expected an unresolved request, got %+v err=%v", req, err)
	}

	erin := identity.Identity{ID: "idn_e", Handle: "erin", Email: "erin@example.com"}
	squatter := identity.Identity{ID: "idn_s", Handle: "squatter", Email: "erin@example.com"}
	if _, err := h.svc.RespondToPeerAttestation(ctx, req.ID, erin, false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	stored, _ := h.store.GetCosignRequest(ctx, req.ID)
	if stored.RecipientID != erin.ID || stored.RecipientHandle != "erin" {
		t.Fatalf("expected the request bound to erin, got %+v", stored)
	}
	if _, err := h.svc.Get(ctx, req.ID, squatter); !errors.Is(err, ErrNotParty) {
		t.Fatalf("a second holder of the email must lose access, got %v", err)
	}
	if views, _ := h.svc.List(ctx, squatter, true); len(views) != 0 {
		t.Fatalf("bound request leaked into another inbox: %v", views)
	}

	cosignReq, _ := h.svc.RequestCoSign(ctx, alice, CoSignInput{Recipient: Recipient{Email: "erin@example.com"}, DocumentRef: "envelope:env_1"})
	if _, err := h.svc.RespondToCoSign(ctx, cosignReq.ID, squatter, "document:e"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ownership to be checked before binding, got %v", err)
	}
	if stored, _ := h.store.GetCosignRequest(ctx, cosignReq.ID); stored.RecipientID != "" {
		t.Fatalf("a rejected response must not bind the request, got %+v", stored)
	}
	if _, err := h.svc.RespondToCoSign(ctx, cosignReq.ID, erin, "document:e"); err != nil {
		t.Fatalf("erin respond: %v", err)
	}
	if _, err := h.svc.RespondToCoSign(ctx, cosignReq.ID, squatter, "document:e"); !errors.Is(err, ErrNotRecipient) {
		t.Fatalf("expected not recipient after binding, got %v", err)
	}
}

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"
)

type fakeStore struct {
	mu          sync.Mutex
	identities  map[string]Identity
	credentials map[string]string
	strands     []Strand
}

func newFakeStore() *fakeStore {
	return &fakeStore{identities: map[string]Identity{}, credentials: map[string]string{}}
}

func (f *fakeStore) CreateIdentity(ctx context.Context, idn Identity, credentialHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.identities {
		if existing.Handle == idn.Handle {
			return storage.ErrAlreadyExists
		}
	}
	f.identities[idn.ID] = idn
	f.credentials[credentialHash] = idn.ID
	return nil
}

func (f *fakeStore) GetIdentity(ctx context.Context, id string) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idn, ok := f.identities[id]
	if !ok {
		return Identity{}, storage.ErrNotFound
	}
	return idn, nil
}

func (f *fakeStore) find(match func(Identity) bool) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, idn := range f.identities {
		if match(idn) {
			return idn, nil
		}
	}
	return Identity{}, storage.ErrNotFound
}

func (f *fakeStore) GetIdentityByHandle(ctx context.Context, handle string) (Identity, error) {
	return f.find(func(i Identity) bool { return i.Handle == handle })
}

func (f *fakeStore) GetIdentityByEmail(ctx context.Context, email string) (Identity, error) {
	return f.find(func(i Identity) bool { return i.Email != "" && i.Email == email })
}

func (f *fakeStore) GetIdentityByCredential(ctx context.Context, hash string) (Identity, error) {
	f.mu.Lock()
	id, ok := f.credentials[hash]
	f.mu.Unlock()
	if !ok {
		return Identity{}, storage.ErrNotFound
	}
	return f.GetIdentity(ctx, id)
}

func (f *fakeStore) UpdateProviders(ctx context.Context, id string, providers map[string]ProviderLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idn, ok := f.identities[id]
	if !ok {
		return storage.ErrNotFound
	}
	idn.Providers = providers
	f.identities[id] = idn
	return nil
}

func (f *fakeStore) SetRegisteredSignature(ctx context.Context, id, strandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idn, ok := f.identities[id]
	if !ok {
		return storage.ErrNotFound
	}
	idn.RegisteredSignatureID = strandID
	f.identities[id] = idn
	return nil
}

func (f *fakeStore) CreateStrand(ctx context.Context, s Strand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sk := strand.SingletonKey(s.Key()); sk != "" {
		for _, existing := range f.strands {
			if existing.IdentityID == s.IdentityID && strand.SingletonKey(existing.Key()) == sk {
				return storage.ErrAlreadyExists
			}
		}
	}
	f.strands = append(f.strands, s)
	return nil
}

func (f *fakeStore) ListStrands(ctx context.Context, identityID string) ([]Strand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Strand
	for _, s := range f.strands {
		if s.IdentityID == identityID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) FindStrandByMetadata(ctx context.Context, identityID string, t strand.Type, field, value string) (Strand, error) {
	strands, _ := f.ListStrands(ctx, identityID)
	for _, s := range strands {
		if s.Type != t {
			continue
		}
		raw, _ := strand.MarshalMetadata(s.Metadata)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		if v, ok := m[field].(string); ok && v == value {
			return s, nil
		}
	}
	return Strand{}, storage.ErrNotFound
}

func (f *fakeStore) FindSingletonStrand(ctx context.Context, identityID, key string) (Strand, error) {
	strands, _ := f.ListStrands(ctx, identityID)
	for _, s := range strands {
		if strand.SingletonKey(s.Key()) == key {
			return s, nil
		}
	}
	return Strand{}, storage.ErrNotFound
}

func (f *fakeStore) CountStrands(ctx context.Context, identityID string, t strand.Type) (int, error) {
	strands, _ := f.ListStrands(ctx, identityID)
	n := 0
	for _, s := range strands {
		if s.Type == t {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ReplaceStrength(ctx context.Context, identityID string, compute func([]strand.Key) strand.Strength) (strand.Strength, error) {
	strands, _ := f.ListStrands(ctx, identityID)
	st := compute(Keys(strands))
	f.mu.Lock()
	defer f.mu.Unlock()
	idn, ok := f.identities[identityID]
	if !ok {
		return strand.Strength{}, storage.ErrNotFound
	}
	idn.Strength = st
	f.identities[identityID] = idn
	return st, nil
}

type fakeAnchorer struct {
	mu       sync.Mutex
	fail     bool
	payloads []anchor.Payload
}

func (f *fakeAnchorer) Anchor(ctx context.Context, p anchor.Payload) anchor.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	if f.fail {
		return anchor.Result{Ref: anchor.NewPlaceholder(), ContentHash: "sha256:x", Err: errors.New("chain down")}
	}
	return anchor.Result{Ref: anchor.Anchored("tx" + string(rune('a'+len(f.payloads)))), ContentHash: "sha256:x"}
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeAnchorer) {
	t.Helper()
	st := newFakeStore()
	anc := &fakeAnchorer{}
	return NewService(st, anc, logging.Nop()), st, anc
}

func mustIdentity(t *testing.T, svc *Service, handle string) Identity {
	t.Helper()
	idn, _, err := svc.CreateIdentity(context.Background(), handle, handle+"@example.com")
	if err != nil {
		t.Fatalf("create identity %s: %v", handle, err)
	}
	return idn
}

func TestCreateIdentityNormalizesAndIssuesCredential(t *testing.T) {
	svc, _, anc := newTestService(t)
	idn, cred, err := svc.CreateIdentity(context.Background(), " @Alice ", "Alice@Example.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if idn.Handle != "alice" || idn.Email != "alice@example.com" {
		t.Fatalf("unexpected normalization %+v", idn)
	}
	if !idn.RootAnchor.IsAnchored() {
		t.Fatalf("expected anchored root, got %+v", idn.RootAnchor)
	}
	if _, ok := anc.payloads[0].(anchor.IdentityRoot); !ok {
		t.Fatalf("expected identity_root payload, got %T", anc.payloads[0])
	}
	got, err := svc.Authenticate(context.Background(), cred)
	if err != nil || got.ID != idn.ID {
		t.Fatalf("authenticate: %+v err=%v", got, err)
	}
	if _, err := svc.Authenticate(context.Background(), "vlt_wrong"); !errors.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, _, err := svc.CreateIdentity(context.Background(), "ALICE", ""); !errors.Is(err, ErrHandleTaken) {
		t.Fatalf("expected handle taken, got %v", err)
	}
	if _, _, err := svc.CreateIdentity(context.Background(), "a b", ""); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("expected invalid handle, got %v", err)
	}
}

func TestCreateStrandPersistsDespiteAnchorFailure(t *testing.T) {
	svc, st, anc := newTestService(t)
	idn := mustIdentity(t, svc, "bob")
	anc.fail = true

	s, err := svc.CreateStrand(context.Background(), idn.ID, NewStrand{
		Type:     strand.TypeIDDocument,
		Subtype:  "passport",
		Metadata: strand.IDDocument{DocumentType: "passport"},
	})
	if err != nil {
		t.Fatalf("create strand: %v", err)
	}
	if s.Anchor.State != anchor.StatePlaceholder || !anchor.IsPlaceholder(s.Anchor.TxID) {
		t.Fatalf("expected placeholder anchor, got %+v", s.Anchor)
	}
	if len(st.strands) != 1 {
		t.Fatalf("expected strand persisted, have %d", len(st.strands))
	}
	got, _ := svc.Get(context.Background(), idn.ID)
	if got.Strength.Score != 5 || got.Strength.Level != strand.LevelVerified {
		t.Fatalf("expected recomputed strength, got %+v", got.Strength)
	}
	p, ok := anc.payloads[len(anc.payloads)-1].(anchor.IdentityStrand)
	if !ok || p.RootTxid != idn.RootAnchor.TxID || p.StrandType != "id_document" || p.UserHandle != "bob" {
		t.Fatalf("unexpected strand payload %#v", anc.payloads[len(anc.payloads)-1])
	}
}

func TestSingletonStrandsAreRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	idn := mustIdentity(t, svc, "carol")
	if _, err := svc.SelfAttest(context.Background(), idn.ID, "I am Carol"); err != nil {
		t.Fatalf("first self attestation: %v", err)
	}
	_, err := svc.SelfAttest(context.Background(), idn.ID, "Still Carol")
	if !errors.Is(err, ErrDuplicateStrand) || !errors.Is(err, apperr.Conflict) {
		t.Fatalf("expected duplicate strand conflict, got %v", err)
	}
}

func TestRecomputeStrengthIsOrderIndependent(t *testing.T) {
	specs := []NewStrand{
		{Type: strand.TypeOAuth, Subtype: "github", Metadata: strand.OAuth{Provider: "github", ProviderUserID: "1"}},
		{Type: strand.TypeRegisteredSignature, Metadata: strand.RegisteredSignature{SignerName: "x"}},
		{Type: strand.TypeVaultItem, Subtype: strand.SubtypeClaimedDocument, Metadata: strand.VaultItem{ClaimID: "c"}},
		{Type: strand.TypePeerAttestation, Subtype: strand.SubtypeCosign, Metadata: strand.PeerAttestation{RequestID: "r"}},
		{Type: strand.TypeProfilePhoto, Metadata: strand.ProfilePhoto{ImageHash: "h"}},
	}
	build := func(order []int) strand.Strength {
		svc, _, _ := newTestService(t)
		idn := mustIdentity(t, svc, "dave")
		for _, i := range order {
			if _, err := svc.CreateStrand(context.Background(), idn.ID, specs[i]); err != nil {
				t.Fatalf("create strand %d: %v", i, err)
			}
		}
		got, _ := svc.Get(context.Background(), idn.ID)
		return got.Strength
	}
	a := build([]int{0, 1, 2, 3, 4})
	b := build([]int{4, 2, 0, 3, 1})
	if a != b {
		t.Fatalf("strength depends on creation order: %+v vs %+v", a, b)
	}
	if a.Level != strand.LevelStrong || a.Score != 2+3+2+5+1 {
		t.Fatalf("unexpected strength %+v", a)
	}
}

func TestConcurrentStrandCreationLeavesFreshScore(t *testing.T) {
	svc, _, _ := newTestService(t)
	idn := mustIdentity(t, svc, "erin")
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.CreateStrand(context.Background(), idn.ID, NewStrand{
				Type:     strand.TypeVaultItem,
				Metadata: strand.VaultItem{Title: "doc"},
			})
		}()
	}
	wg.Wait()
	got, _ := svc.Get(context.Background(), idn.ID)
	if got.Strength.Score != 12 {
		t.Fatalf("expected score 12 after concurrent creates, got %d", got.Strength.Score)
	}
}

func TestMintOnceDeduplicatesByMetadata(t *testing.T) {
	svc, st, _ := newTestService(t)
	idn := mustIdentity(t, svc, "frank")
	in := NewStrand{
		Type:     strand.TypePeerAttestation,
		Subtype:  strand.SubtypeCosign,
		Metadata: strand.PeerAttestation{RequestID: "csr_1", Counterparty: "gina", Role: "attestor"},
	}
	first, created, err := svc.MintOnce(context.Background(), idn.ID, in, "requestId", "csr_1")
	if err != nil || !created {
		t.Fatalf("first mint: created=%v err=%v", created, err)
	}
	second, created, err := svc.MintOnce(context.Background(), idn.ID, in, "requestId", "csr_1")
	if err != nil || created || second.ID != first.ID {
		t.Fatalf("second mint should be a no-op: created=%v id=%s err=%v", created, second.ID, err)
	}
	if len(st.strands) != 1 {
		t.Fatalf("expected one strand, have %d", len(st.strands))
	}
}

func TestLinkProviderIsSingletonPerProvider(t *testing.T) {
	svc, st, _ := newTestService(t)
	idn := mustIdentity(t, svc, "hana")
	_, s1, err := svc.LinkProvider(context.Background(), idn.ID, ProviderLink{Provider: "GitHub", ProviderUserID: "42", Username: "hana"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	updated, s2, err := svc.LinkProvider(context.Background(), idn.ID, ProviderLink{Provider: "github", ProviderUserID: "42", Username: "hana2"})
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if s1.ID != s2.ID || len(st.strands) != 1 {
		t.Fatalf("relink minted a second strand")
	}
	if updated.Providers["github"].Username != "hana2" {
		t.Fatalf("expected linkage update, got %+v", updated.Providers)
	}
}

func TestAddIPThreadSequences(t *testing.T) {
	svc, _, anc := newTestService(t)
	idn := mustIdentity(t, svc, "ivan")
	for i := 1; i <= 3; i++ {
		s, err := svc.AddIPThread(context.Background(), idn.ID, "sha256:doc", "patent", "Widget")
		if err != nil {
			t.Fatalf("ip thread %d: %v", i, err)
		}
		if m := s.Metadata.(strand.IPThread); m.ThreadSequence != i {
			t.Fatalf("thread %d has sequence %d", i, m.ThreadSequence)
		}
		p, ok := anc.payloads[len(anc.payloads)-1].(anchor.IPThread)
		if !ok || p.ThreadSequence != i || p.RootTxid != idn.RootAnchor.TxID {
			t.Fatalf("unexpected ip thread payload %#v", anc.payloads[len(anc.payloads)-1])
		}
	}
}

func TestStrengthViewFingerprintAndLevel(t *testing.T) {
	svc, _, _ := newTestService(t)
	idn := mustIdentity(t, svc, "june")
	for i := 0; i < 10; i++ {
		_, _ = svc.CreateStrand(context.Background(), idn.ID, NewStrand{Type: strand.TypeOAuth, Subtype: "p" + string(rune('a'+i)), Metadata: strand.OAuth{Provider: "p", ProviderUserID: "1"}})
	}
	view, err := svc.Strength(context.Background(), idn.ID)
	if err != nil {
		t.Fatalf("strength: %v", err)
	}
	if view.Level != strand.LevelBasic || view.Label != "Basic" || view.Score != 10 {
		t.Fatalf("ten oauth strands must stay Basic: %+v", view)
	}
	if !sort.SliceIsSorted(view.Strands, func(i, j int) bool { return view.Strands[i].String() < view.Strands[j].String() }) {
		t.Fatal("expected canonical strand order")
	}

	if _, err := svc.AddAttestedStrand(context.Background(), idn.ID, strand.Key{Type: strand.TypeKYC}, strand.KYC{Provider: "k", ReferenceID: "r"}, ""); err != nil {
		t.Fatalf("kyc: %v", err)
	}
	after, _ := svc.Strength(context.Background(), idn.ID)
	if after.Level != strand.LevelSovereign || after.Fingerprint == view.Fingerprint {
		t.Fatalf("expected sovereign level and new fingerprint, got %+v", after)
	}
	if _, err := svc.AddAttestedStrand(context.Background(), idn.ID, strand.Key{Type: strand.TypePaidSigning}, strand.PaidSigning{}, ""); !errors.Is(err, apperr.InvalidArgument) {
		t.Fatalf("expected paid_signing to be rejected on the attested path, got %v", err)
	}
}

func TestSelfStrandsCarryNoLevelWeight(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	idn := mustIdentity(t, svc, "mallory")

	for _, tc := range []struct {
		key  strand.Key
		meta strand.Metadata
		want error
	}{
		{strand.Key{Type: strand.TypeKYC}, strand.KYC{Provider: "made-up", ReferenceID: "1"}, ErrAttestorRequired},
		{strand.Key{Type: strand.TypeIDDocument}, strand.IDDocument{DocumentType: "passport"}, ErrAttestorRequired},
		{strand.Key{Type: strand.TypeVaultItem, Subtype: strand.SubtypeClaimedDocument}, strand.VaultItem{DocumentID: "document:bobs-will"}, ErrReservedSubtype},
		{strand.Key{Type: strand.TypeVaultItem}, strand.VaultItem{DocumentID: "document:bobs-will", ClaimID: "clm_forged"}, ErrReservedSubtype},
		{strand.Key{Type: strand.TypeSelfAttestation}, strand.SelfAttestation{Statement: "x"}, apperr.InvalidArgument},
	} {
		if _, err := svc.AddSelfStrand(ctx, idn.ID, tc.key, tc.meta, ""); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.key, tc.want, err)
		}
	}
	if n := len(store.strands); n != 0 {
		t.Fatalf("rejected strands must not be stored, got %d", n)
	}

	if _, err := svc.AddSelfStrand(ctx, idn.ID, strand.Key{Type: strand.TypeProfilePhoto}, strand.ProfilePhoto{ImageHash: "abc"}, ""); err != nil {
		t.Fatalf("profile photo: %v", err)
	}
	view, err := svc.Strength(ctx, idn.ID)
	if err != nil {
		t.Fatalf("strength: %v", err)
	}
	if view.Level != strand.LevelBasic {
		t.Fatalf("self strands must leave the level at Basic, got %+v", view)
	}
}

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/db"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/envelope"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/google/uuid"
)

func liveStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("VAULT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set VAULT_TEST_DATABASE_URL to run postgres store tests")
	}
	pool, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := New(pool)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestIdentityStrandsAndStrength(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	id := "idn_" + uuid.NewString()
	idn := identity.Identity{ID: id, Handle: "pg" + uuid.NewString()[:8], RootAnchor: anchor.NotAttempted(), CreatedAt: now, UpdatedAt: now}
	if err := s.CreateIdentity(ctx, idn, "cred_"+id); err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if err := s.CreateIdentity(ctx, identity.Identity{ID: "idn_" + uuid.NewString(), Handle: idn.Handle, CreatedAt: now, UpdatedAt: now}, "cred_dup_"+id); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("duplicate handle = %v, want already exists", err)
	}

	for i, st := range []identity.Strand{
		{Type: strand.TypeKYC, Metadata: strand.KYC{Provider: "veriff", ReferenceID: "r1"}},
		{Type: strand.TypePaidSigning, Metadata: strand.PaidSigning{EnvelopeID: "env_1", PaymentTxid: "tx-" + id}},
	} {
		st.ID = "str_" + uuid.NewString()
		st.IdentityID = id
		st.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := s.CreateStrand(ctx, st); err != nil {
			t.Fatalf("create strand: %v", err)
		}
	}
	dupKYC := identity.Strand{ID: "str_" + uuid.NewString(), IdentityID: id, Type: strand.TypeKYC, CreatedAt: now}
	if err := s.CreateStrand(ctx, dupKYC); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("second kyc = %v, want already exists", err)
	}
	if _, err := s.FindStrandByMetadata(ctx, id, strand.TypePaidSigning, "paymentTxid", "tx-"+id); err != nil {
		t.Fatalf("find by metadata: %v", err)
	}
	st, err := s.ReplaceStrength(ctx, id, strand.Compute)
	if err != nil {
		t.Fatalf("replace strength: %v", err)
	}
	if st.Score != 13 || st.Level != strand.LevelSovereign {
		t.Fatalf("strength = %+v", st)
	}
}

func TestEnvelopeVersionConflict(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	env := envelope.Envelope{
		ID:               "env_" + uuid.NewString(),
		Title:            "Lease",
		DocumentHash:     "sha256:abc",
		Status:           envelope.StatusPending,
		Signers:          []envelope.Signer{{ID: "sgr_1", Name: "A", Order: 1, Status: envelope.SignerPending, TokenHash: "th_" + uuid.NewString()}},
		CompletionAnchor: anchor.NotAttempted(),
		CreatorID:        "idn_x",
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, signerID, err := s.GetEnvelopeBySignerToken(ctx, env.Signers[0].TokenHash)
	if err != nil || signerID != "sgr_1" || got.Signers[0].TokenHash != env.Signers[0].TokenHash {
		t.Fatalf("by token = %+v, %s, %v", got, signerID, err)
	}
	got.Version = 2
	got.Status = envelope.StatusCompleted
	if err := s.UpdateEnvelope(ctx, got, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateEnvelope(ctx, got, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Fatalf("stale update = %v, want version conflict", err)
	}

	txid := "tx_" + uuid.NewString()
	if err := s.RecordPayment(ctx, txid, env.ID, "sgr_1", now); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if err := s.RecordPayment(ctx, txid, env.ID, "sgr_1", now); err != nil {
		t.Fatalf("same payment binding = %v, want nil", err)
	}
	if err := s.RecordPayment(ctx, txid, env.ID, "sgr_2", now); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("reused payment = %v, want already exists", err)
	}
}

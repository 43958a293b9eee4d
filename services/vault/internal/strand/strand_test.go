package strand

import (
	"math/rand"
	"testing"
)

func keys(specs ...string) []Key {
	out := make([]Key, 0, len(specs))
	for _, s := range specs {
		k, err := ParseKey(s)
		if err != nil {
			panic(err)
		}
		out = append(out, k)
	}
	return out
}

func TestDeriveLevelPriority(t *testing.T) {
	cases := []struct {
		name string
		set  []Key
		want Level
	}{
		{"empty", nil, LevelBasic},
		{"kyc only", keys("kyc"), LevelSovereign},
		{"kyc beats everything", keys("oauth/github", "kyc", "peer_attestation/cosign", "id_document/passport"), LevelSovereign},
		{"oauth only", keys("oauth/github", "oauth/github", "oauth/google"), LevelBasic},
		{"paid signing", keys("paid_signing", "oauth/x"), LevelStrong},
		{"any peer attestation", keys("peer_attestation/other"), LevelStrong},
		{"id document", keys("id_document/passport"), LevelVerified},
		{"self attestation", keys("self_attestation", "vault_item"), LevelVerified},
		{"many low value strands", keys("vault_item", "vault_item", "ip_thread", "ip_thread", "registered_signature", "profile_photo"), LevelBasic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveLevel(tc.set); got != tc.want {
				t.Fatalf("DeriveLevel = %d (%s), want %d", got, got.Label(), tc.want)
			}
		})
	}
}

func TestScoreDoesNotGateLevel(t *testing.T) {
	set := keys("registered_signature", "registered_signature", "registered_signature", "registered_signature", "ip_thread")
	s := Compute(set)
	if s.Score <= Points(Key{Type: TypeKYC}) {
		t.Fatalf("expected a score above a single kyc strand, got %d", s.Score)
	}
	if s.Level != LevelBasic {
		t.Fatalf("expected Basic regardless of score, got %s", s.Label())
	}
}

func TestScoreIsOrderIndependent(t *testing.T) {
	set := keys("oauth/github", "vault_item/claimed_document", "registered_signature", "id_document/passport",
		"self_attestation", "paid_signing", "peer_attestation/cosign", "kyc", "ip_thread", "profile_photo")
	want := Compute(set)
	fp := Fingerprint(set)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Key(nil), set...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if got := Compute(shuffled); got != want {
			t.Fatalf("permutation %d: %+v != %+v", i, got, want)
		}
		if got := Fingerprint(shuffled); got != fp {
			t.Fatalf("permutation %d: fingerprint changed", i)
		}
	}
	if want.Score != 2+2+3+5+3+3+5+10+2+1 {
		t.Fatalf("unexpected total score %d", want.Score)
	}
}

func TestFingerprintDistinguishesMultiplicity(t *testing.T) {
	if Fingerprint(keys("oauth/github")) == Fingerprint(keys("oauth/github", "oauth/github")) {
		t.Fatal("expected multiplicity to change the fingerprint")
	}
}

func TestSingletonKey(t *testing.T) {
	if got := SingletonKey(Key{Type: TypeOAuth, Subtype: "github"}); got != "oauth/github" {
		t.Fatalf("oauth singleton = %q", got)
	}
	if got := SingletonKey(Key{Type: TypeSelfAttestation}); got != "self_attestation" {
		t.Fatalf("self attestation singleton = %q", got)
	}
	if got := SingletonKey(Key{Type: TypePeerAttestation, Subtype: SubtypeCosign}); got != "" {
		t.Fatalf("peer attestation should repeat, got %q", got)
	}
}

func TestParseKeyRejectsUnknownType(t *testing.T) {
	if _, err := ParseKey("reputation/high"); err == nil {
		t.Fatal("expected unknown type error")
	}
	k, err := ParseKey(" OAuth/GitHub ")
	if err != nil || k.String() != "oauth/github" {
		t.Fatalf("unexpected key %v err=%v", k, err)
	}
}

func TestMetadataRoundTripIsExhaustive(t *testing.T) {
	for _, typ := range Types {
		m, err := UnmarshalMetadata(typ, []byte(`{"unknownField":true}`))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if m.StrandType() != typ {
			t.Fatalf("%s decoded as %s", typ, m.StrandType())
		}
	}

	raw, err := MarshalMetadata(PeerAttestation{RequestID: "csr_1", Counterparty: "bob", Role: "requester"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m, err := UnmarshalMetadata(TypePeerAttestation, raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pa, ok := m.(PeerAttestation); !ok || pa.RequestID != "csr_1" {
		t.Fatalf("unexpected variant %#v", m)
	}
	if err := CheckMetadata(TypeKYC, m); err == nil {
		t.Fatal("expected mismatched variant error")
	}
}

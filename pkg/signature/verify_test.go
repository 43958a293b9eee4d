package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"
)

func testChallenge() string {
	return Challenge(ChallengeInput{
		Protocol:     "bitsign",
		EnvelopeID:   "env_1",
		DocumentHash: "sha256:" + strings.Repeat("ab", 32),
		SignerName:   "Alice",
		Order:        1,
	})
}

func TestChallengeFormat(t *testing.T) {
	got := testChallenge()
	want := "bitsign signature challenge\nenvelope:env_1\ndocument:sha256:" + strings.Repeat("ab", 32) + "\nsigner:Alice\norder:1"
	if got != want {
		t.Fatalf("challenge mismatch:\n%s\n%s", got, want)
	}
}

func TestVerifyWallet_Secp256k1HappyPath(t *testing.T) {
	key, _, err := ledger.NewKey(ledger.Mainnet)
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	addr, _ := ledger.Address(key.PubKey(), ledger.Mainnet)
	sigHex, pubHex := SignSecp256k1(key, testChallenge())

	proof := WalletProof{SignerAddress: addr, PublicKey: pubHex, Signature: sigHex, WalletType: WalletSecp256k1}
	if err := VerifyWallet(testChallenge(), proof, ledger.Mainnet); err != nil {
		t.Fatalf("VerifyWallet: %v", err)
	}
}

func TestVerifyWallet_Secp256k1WrongChallenge(t *testing.T) {
	key, _, _ := ledger.NewKey(ledger.Mainnet)
	addr, _ := ledger.Address(key.PubKey(), ledger.Mainnet)
	sigHex, pubHex := SignSecp256k1(key, "something else")

	proof := WalletProof{SignerAddress: addr, PublicKey: pubHex, Signature: sigHex, WalletType: WalletSecp256k1}
	if err := VerifyWallet(testChallenge(), proof, ledger.Mainnet); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyWallet_Secp256k1AddressMismatch(t *testing.T) {
	key, _, _ := ledger.NewKey(ledger.Mainnet)
	other, _, _ := ledger.NewKey(ledger.Mainnet)
	otherAddr, _ := ledger.Address(other.PubKey(), ledger.Mainnet)
	sigHex, pubHex := SignSecp256k1(key, testChallenge())

	proof := WalletProof{SignerAddress: otherAddr, PublicKey: pubHex, Signature: sigHex}
	if err := VerifyWallet(testChallenge(), proof, ledger.Mainnet); !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected ErrAddressMismatch, got %v", err)
	}
}

func TestVerifyWallet_Ed25519HappyPath(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sig := ed25519.Sign(priv, ChallengeDigest(testChallenge()))
	proof := WalletProof{
		SignerAddress: hex.EncodeToString(pub),
		Signature:     base64.StdEncoding.EncodeToString(sig),
		WalletType:    WalletEd25519,
	}
	if err := VerifyWallet(testChallenge(), proof, ledger.Mainnet); err != nil {
		t.Fatalf("VerifyWallet: %v", err)
	}

	proof.Signature = base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize))
	if err := VerifyWallet(testChallenge(), proof, ledger.Mainnet); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyWallet_UnsupportedType(t *testing.T) {
	err := VerifyWallet(testChallenge(), WalletProof{WalletType: "rsa"}, ledger.Mainnet)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

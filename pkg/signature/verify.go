package signature

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrAddressMismatch      = errors.New("signer address does not match public key")
)

// Challenge renders the canonical string a wallet signs for one signing step.
func Challenge(in ChallengeInput) string {
	return fmt.Sprintf("%s signature challenge\nenvelope:%s\ndocument:%s\nsigner:%s\norder:%d",
		in.Protocol, in.EnvelopeID, in.DocumentHash, in.SignerName, in.Order)
}

// ChallengeDigest is the sha256 of the challenge; both wallet types sign it.
func ChallengeDigest(challenge string) []byte {
	sum := sha256.Sum256([]byte(challenge))
	return sum[:]
}

// VerifyWallet checks that proof signs challenge and that the signing key
// owns proof.SignerAddress.
func VerifyWallet(challenge string, proof WalletProof, net ledger.Network) error {
	digest := ChallengeDigest(challenge)
	switch strings.ToLower(strings.TrimSpace(proof.WalletType)) {
	case WalletSecp256k1, "":
		return verifySecp256k1(digest, proof, net)
	case WalletEd25519:
		return verifyEd25519(digest, proof)
	default:
		return ErrUnsupportedAlgorithm
	}
}

// SignSecp256k1 produces the DER hex signature and compressed public key hex
// for challenge.
func SignSecp256k1(key *btcec.PrivateKey, challenge string) (sigHex, pubHex string) {
	sig := ecdsa.Sign(key, ChallengeDigest(challenge))
	return hex.EncodeToString(sig.Serialize()), hex.EncodeToString(key.PubKey().SerializeCompressed())
}

func verifySecp256k1(digest []byte, proof WalletProof, net ledger.Network) error {
	pubRaw, err := hex.DecodeString(strings.TrimSpace(proof.PublicKey))
	if err != nil {
		return ErrInvalidEncoding
	}
	pub, err := btcec.ParsePubKey(pubRaw)
	if err != nil {
		return ErrInvalidEncoding
	}
	sigRaw, err := hex.DecodeString(strings.TrimSpace(proof.Signature))
	if err != nil {
		return ErrInvalidEncoding
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return ErrInvalidEncoding
	}
	if !sig.Verify(digest, pub) {
		return ErrInvalidSignature
	}
	addr, err := ledger.Address(pub, net)
	if err != nil {
		return ErrInvalidEncoding
	}
	if subtle.ConstantTimeCompare([]byte(addr), []byte(strings.TrimSpace(proof.SignerAddress))) != 1 {
		return ErrAddressMismatch
	}
	return nil
}

func verifyEd25519(digest []byte, proof WalletProof) error {
	publicKey, err := hex.DecodeString(strings.TrimSpace(proof.SignerAddress))
	if err != nil {
		return ErrInvalidEncoding
	}
	if pk := strings.TrimSpace(proof.PublicKey); pk != "" && !strings.EqualFold(pk, strings.TrimSpace(proof.SignerAddress)) {
		return ErrAddressMismatch
	}
	signature, err := decodeSignatureBytesCompat(proof.Signature)
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(publicKey), digest, signature) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeSignatureBytesCompat(in string) ([]byte, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return nil, ErrInvalidEncoding
	}
	if out, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	if out, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	return nil, ErrInvalidEncoding
}

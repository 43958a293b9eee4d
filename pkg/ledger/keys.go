package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var ErrInvalidKey = errors.New("invalid signing key")

// Network selects address encoding parameters. The data carrier chain shares
// the legacy version bytes, so the btcd parameter sets are reused as-is.
type Network string

const (
	Mainnet Network = "main"
	Testnet Network = "test"
)

func (n Network) Params() *chaincfg.Params {
	if n == Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// ParseKey accepts a WIF string or a 64-character hex private key.
func ParseKey(s string) (*btcec.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if len(s) == 64 {
		if raw, err := hex.DecodeString(s); err == nil {
			priv, _ := btcec.PrivKeyFromBytes(raw)
			return priv, nil
		}
	}
	wif, err := btcutil.DecodeWIF(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return wif.PrivKey, nil
}

// NewKey returns a fresh key and its WIF encoding.
func NewKey(net Network) (*btcec.PrivateKey, string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, "", err
	}
	wif, err := btcutil.NewWIF(priv, net.Params(), true)
	if err != nil {
		return nil, "", err
	}
	return priv, wif.String(), nil
}

// Address is the P2PKH address of the compressed public key.
func Address(pub *btcec.PublicKey, net Network) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), net.Params())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// AddressFromPubKeyHex derives the P2PKH address of a hex-encoded public key.
func AddressFromPubKeyHex(pubHex string, net Network) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return Address(pub, net)
}

package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SigHashAllForkID is SIGHASH_ALL with the replay-protection fork bit.
const SigHashAllForkID uint32 = 0x41

const (
	txVersion       = 1
	dustLimit       = 1
	defaultFeeRate  = 50
	p2pkhInputSize  = 148
	p2pkhOutputSize = 34
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// UTXO is a spendable output controlled by the anchoring key.
type UTXO struct {
	TxID     string `json:"tx_hash"`
	Vout     uint32 `json:"tx_pos"`
	Satoshis int64  `json:"value"`
	Height   int64  `json:"height"`
}

// DataTxParams describes a single-input anchor transaction.
type DataTxParams struct {
	Key           *btcec.PrivateKey
	Input         UTXO
	DataScript    []byte
	ChangeAddress string
	Network       Network
	// FeeRate is in satoshis per 1000 bytes.
	FeeRate int64
}

// EstimateFee returns the fee for a one-input transaction with a data output
// of the given script length and one P2PKH change output.
func EstimateFee(dataScriptLen int, feeRate int64) int64 {
	if feeRate <= 0 {
		feeRate = defaultFeeRate
	}
	size := 10 + p2pkhInputSize + p2pkhOutputSize + 9 + wire.VarIntSerializeSize(uint64(dataScriptLen)) + dataScriptLen
	fee := int64(size) * feeRate / 1000
	if fee < 1 {
		fee = 1
	}
	return fee
}

// BuildDataTx spends p.Input into a zero-value data output plus change back
// to p.ChangeAddress, and signs the input.
func BuildDataTx(p DataTxParams) (*wire.MsgTx, error) {
	if p.Key == nil {
		return nil, ErrInvalidKey
	}
	prevHash, err := chainhash.NewHashFromStr(p.Input.TxID)
	if err != nil {
		return nil, fmt.Errorf("parse input txid: %w", err)
	}
	changeScript, err := PayToAddress(p.ChangeAddress, p.Network)
	if err != nil {
		return nil, err
	}
	fee := EstimateFee(len(p.DataScript), p.FeeRate)
	change := p.Input.Satoshis - fee
	if change < dustLimit {
		return nil, fmt.Errorf("%w: have %d sats, need %d", ErrInsufficientFunds, p.Input.Satoshis, fee+dustLimit)
	}

	tx := wire.NewMsgTx(txVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, p.Input.Vout), nil, nil))
	tx.AddTxOut(wire.NewTxOut(0, p.DataScript))
	tx.AddTxOut(wire.NewTxOut(change, changeScript))

	// The spent output is our own P2PKH, so its script equals changeScript.
	if err := SignInput(tx, 0, changeScript, p.Input.Satoshis, p.Key); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignInput sets a P2PKH unlocking script on input idx using the fork-id
// digest.
func SignInput(tx *wire.MsgTx, idx int, prevScript []byte, prevValue int64, key *btcec.PrivateKey) error {
	digest, err := SigHash(tx, idx, prevScript, prevValue, SigHashAllForkID)
	if err != nil {
		return err
	}
	sig := ecdsa.Sign(key, digest)
	sigBytes := append(sig.Serialize(), byte(SigHashAllForkID))
	unlock, err := txscript.NewScriptBuilder().
		AddData(sigBytes).
		AddData(key.PubKey().SerializeCompressed()).
		Script()
	if err != nil {
		return err
	}
	tx.TxIn[idx].SignatureScript = unlock
	return nil
}

// SigHash computes the BIP143-style digest used with the fork-id flag.
func SigHash(tx *wire.MsgTx, idx int, prevScript []byte, prevValue int64, hashType uint32) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}
	var prevouts, sequences, outputs bytes.Buffer
	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		_ = binary.Write(&prevouts, binary.LittleEndian, in.PreviousOutPoint.Index)
		_ = binary.Write(&sequences, binary.LittleEndian, in.Sequence)
	}
	for _, out := range tx.TxOut {
		if err := wire.WriteTxOut(&outputs, 0, tx.Version, out); err != nil {
			return nil, err
		}
	}

	in := tx.TxIn[idx]
	var pre bytes.Buffer
	_ = binary.Write(&pre, binary.LittleEndian, tx.Version)
	pre.Write(chainhash.DoubleHashB(prevouts.Bytes()))
	pre.Write(chainhash.DoubleHashB(sequences.Bytes()))
	pre.Write(in.PreviousOutPoint.Hash[:])
	_ = binary.Write(&pre, binary.LittleEndian, in.PreviousOutPoint.Index)
	if err := wire.WriteVarBytes(&pre, 0, prevScript); err != nil {
		return nil, err
	}
	_ = binary.Write(&pre, binary.LittleEndian, prevValue)
	_ = binary.Write(&pre, binary.LittleEndian, in.Sequence)
	pre.Write(chainhash.DoubleHashB(outputs.Bytes()))
	_ = binary.Write(&pre, binary.LittleEndian, tx.LockTime)
	_ = binary.Write(&pre, binary.LittleEndian, hashType)
	return chainhash.DoubleHashB(pre.Bytes()), nil
}

// VerifyInput checks the P2PKH unlocking script of input idx against the
// expected public key hash script.
func VerifyInput(tx *wire.MsgTx, idx int, prevScript []byte, prevValue int64) error {
	tok := txscript.MakeScriptTokenizer(0, tx.TxIn[idx].SignatureScript)
	var pushes [][]byte
	for tok.Next() {
		pushes = append(pushes, tok.Data())
	}
	if tok.Err() != nil || len(pushes) != 2 || len(pushes[0]) < 2 {
		return errors.New("malformed unlocking script")
	}
	sigRaw, pubRaw := pushes[0], pushes[1]
	hashType := uint32(sigRaw[len(sigRaw)-1])
	sig, err := ecdsa.ParseDERSignature(sigRaw[:len(sigRaw)-1])
	if err != nil {
		return err
	}
	pub, err := btcec.ParsePubKey(pubRaw)
	if err != nil {
		return err
	}
	digest, err := SigHash(tx, idx, prevScript, prevValue, hashType)
	if err != nil {
		return err
	}
	if !sig.Verify(digest, pub) {
		return errors.New("signature does not verify")
	}
	return nil
}

func EncodeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawHex))
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}
	tx := wire.NewMsgTx(txVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}
	return tx, nil
}

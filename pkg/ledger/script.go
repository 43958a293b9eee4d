package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	ProtocolTag = "BITSIGN"
	ContentType = "application/json"
)

var ErrNoProtocolOutput = errors.New("no protocol output in transaction")

// DataScript builds an unspendable OP_FALSE OP_RETURN output script carrying
// the pushes in order. Pushes above the standard element size are allowed;
// data carrier outputs are never executed.
func DataScript(pushes ...[]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder().AddOp(txscript.OP_FALSE).AddOp(txscript.OP_RETURN)
	for _, p := range pushes {
		b.AddFullData(p)
	}
	return b.Script()
}

// ProtocolScript is the anchor output: tag, content type, body.
func ProtocolScript(body []byte) ([]byte, error) {
	return DataScript([]byte(ProtocolTag), []byte(ContentType), body)
}

// DataPushes returns the pushes following OP_RETURN, or ok=false when the
// script is not a data carrier.
func DataPushes(pkScript []byte) ([][]byte, bool) {
	tok := txscript.MakeScriptTokenizer(0, pkScript)
	seenReturn := false
	var out [][]byte
	for tok.Next() {
		if !seenReturn {
			switch tok.Opcode() {
			case txscript.OP_FALSE:
				continue
			case txscript.OP_RETURN:
				seenReturn = true
				continue
			default:
				return nil, false
			}
		}
		out = append(out, tok.Data())
	}
	if tok.Err() != nil || !seenReturn {
		return nil, false
	}
	return out, true
}

// FindProtocolData scans the outputs for the protocol tag and returns the
// content type and body pushed after it.
func FindProtocolData(tx *wire.MsgTx) (contentType string, body []byte, err error) {
	for _, out := range tx.TxOut {
		pushes, ok := DataPushes(out.PkScript)
		if !ok {
			continue
		}
		for i := 0; i+2 < len(pushes); i++ {
			if bytes.Equal(pushes[i], []byte(ProtocolTag)) {
				return string(pushes[i+1]), pushes[i+2], nil
			}
		}
	}
	return "", nil, ErrNoProtocolOutput
}

// PayToAddress returns the P2PKH locking script for address.
func PayToAddress(address string, net Network) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net.Params())
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

// SumPaymentsTo totals the satoshis tx pays to address.
func SumPaymentsTo(tx *wire.MsgTx, address string, net Network) (int64, error) {
	want, err := PayToAddress(address, net)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, want) {
			total += out.Value
		}
	}
	return total, nil
}

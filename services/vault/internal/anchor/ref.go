package anchor

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// PlaceholderPrefix marks locally generated references that never reached
// the ledger.
const PlaceholderPrefix = "pending_"

// State is the tri-state outcome of an anchoring attempt.
type State string

const (
	StateAnchored     State = "anchored"
	StatePlaceholder  State = "placeholder"
	StateNotAttempted State = "not_attempted"
)

// Ref is the persisted result of an anchoring attempt.
type Ref struct {
	TxID  string `json:"txid,omitempty"`
	State State  `json:"state"`
}

// NotAttempted is the zero-information ref.
func NotAttempted() Ref { return Ref{State: StateNotAttempted} }

func Anchored(txid string) Ref { return Ref{TxID: txid, State: StateAnchored} }

// NewPlaceholder returns a fresh placeholder reference.
func NewPlaceholder() Ref {
	id := uuid.New()
	return Ref{TxID: PlaceholderPrefix + hex.EncodeToString(id[:]), State: StatePlaceholder}
}

// IsPlaceholder reports whether txid was locally generated.
func IsPlaceholder(txid string) bool { return strings.HasPrefix(txid, PlaceholderPrefix) }

// RefFromTxID reconstructs a ref from a stored txid column.
func RefFromTxID(txid string) Ref {
	switch {
	case txid == "":
		return NotAttempted()
	case IsPlaceholder(txid):
		return Ref{TxID: txid, State: StatePlaceholder}
	default:
		return Anchored(txid)
	}
}

func (r Ref) IsAnchored() bool { return r.State == StateAnchored && r.TxID != "" }

// Pending reports whether the ref still awaits a real ledger anchor.
func (r Ref) Pending() bool { return !r.IsAnchored() }

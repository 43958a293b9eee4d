package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/canonhash"
	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Confirmation is the cached outcome of a first successful verification.
type Confirmation struct {
	TxID        string
	DataHash    string
	PayloadType string
	InscribedAt time.Time
	ConfirmedAt time.Time
}

// ConfirmationStore caches confirmations so repeated reads skip the ledger.
type ConfirmationStore interface {
	GetAnchorConfirmation(ctx context.Context, txid string) (Confirmation, bool, error)
	SaveAnchorConfirmation(ctx context.Context, c Confirmation) error
}

// Verification reasons when Verified is false.
const (
	ReasonNotAnchored = "not_anchored"
	ReasonPlaceholder = "placeholder"
	ReasonUnavailable = "ledger_unavailable"
	ReasonNotFound    = "not_found"
	ReasonNoPayload   = "no_protocol_output"
	ReasonBadPayload  = "invalid_payload"
)

// Verification is a read-side result. An unconfirmed anchor is an expected
// state, reported with Verified=false and a Reason rather than an error.
type Verification struct {
	Verified    bool       `json:"verified"`
	TxID        string     `json:"txid,omitempty"`
	ExplorerURL string     `json:"explorerUrl,omitempty"`
	DataHash    string     `json:"dataHash,omitempty"`
	InscribedAt *time.Time `json:"inscribedAt,omitempty"`
	PayloadType string     `json:"payloadType,omitempty"`
	Cached      bool       `json:"cached,omitempty"`
	Reason      string     `json:"reason,omitempty"`

	Payload *Decoded `json:"-"`
}

// Verify refetches txid and checks it carries a well-formed protocol
// payload. Placeholders short-circuit without a network call, and a cached
// confirmation is returned without touching the ledger.
func (s *Service) Verify(ctx context.Context, txid string) Verification {
	out := Verification{TxID: txid, ExplorerURL: s.ExplorerURL(txid)}
	switch {
	case txid == "":
		out.Reason = ReasonNotAnchored
		return out
	case IsPlaceholder(txid):
		out.Reason = ReasonPlaceholder
		return out
	}

	if s.confirmations != nil {
		c, found, err := s.confirmations.GetAnchorConfirmation(ctx, txid)
		if err != nil {
			s.log.Warn("anchor: read confirmation cache for %s: %v", txid, err)
		} else if found {
			out.Verified = true
			out.Cached = true
			out.DataHash = c.DataHash
			out.PayloadType = c.PayloadType
			if !c.InscribedAt.IsZero() {
				inscribed := c.InscribedAt
				out.InscribedAt = &inscribed
			}
			return out
		}
	}
	if s.chain == nil {
		out.Reason = ReasonUnavailable
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "anchor.Verify", trace.WithAttributes(attribute.String("anchor.txid", txid)))
	defer span.End()

	raw, err := s.chain.RawTx(ctx, txid)
	if err != nil {
		if errors.Is(err, ledger.ErrTxNotFound) {
			out.Reason = ReasonNotFound
		} else {
			s.log.Debug("anchor: fetch %s: %v", txid, err)
			out.Reason = ReasonUnavailable
		}
		return out
	}
	tx, err := ledger.DecodeTx(raw)
	if err != nil {
		out.Reason = ReasonBadPayload
		return out
	}
	_, body, err := ledger.FindProtocolData(tx)
	if err != nil {
		out.Reason = ReasonNoPayload
		return out
	}
	decoded, err := Decode(body)
	if err != nil {
		out.Reason = ReasonBadPayload
		return out
	}

	out.Verified = true
	out.DataHash = canonhash.SumBytes(body)
	out.PayloadType = decoded.Type
	out.Payload = &decoded
	confirmed := Confirmation{
		TxID:        txid,
		DataHash:    out.DataHash,
		PayloadType: decoded.Type,
		ConfirmedAt: s.now().UTC(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, decoded.Timestamp); err == nil {
		ts = ts.UTC()
		out.InscribedAt = &ts
		confirmed.InscribedAt = ts
	}
	if s.confirmations != nil {
		if err := s.confirmations.SaveAnchorConfirmation(ctx, confirmed); err != nil {
			s.log.Warn("anchor: cache confirmation for %s: %v", txid, err)
		}
	}
	return out
}

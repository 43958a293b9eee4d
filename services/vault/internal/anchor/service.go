// Package anchor commits typed payloads to the ledger and verifies them later.
// Anchoring is best-effort: failures come back as placeholder refs, never as
// errors that would abort the caller's business operation.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/telemetry"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout   = 30 * time.Second
	secondaryTimeout = 15 * time.Second
)

var (
	ErrDisabled = errors.New("anchoring disabled: no signing key or chain configured")
	ErrNoFunds  = errors.New("no spendable output for anchoring key")
)

// Chain is the ledger API the service needs.
type Chain interface {
	Unspent(ctx context.Context, address string) ([]ledger.UTXO, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
	RawTx(ctx context.Context, txid string) (string, error)
}

// Broadcaster is an auxiliary broadcast endpoint.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

type Config struct {
	Key             *btcec.PrivateKey
	Network         ledger.Network
	FeeRate         int64
	Timeout         time.Duration
	ExplorerURL     string
	TreasuryAddress string
}

// Result is what Anchor hands back. Ref is always usable; Err explains a
// placeholder and is for logging only.
type Result struct {
	Ref         Ref
	ContentHash string
	Body        []byte
	Err         error
}

type Service struct {
	cfg           Config
	chain         Chain
	secondary     Broadcaster
	confirmations ConfirmationStore
	log           logging.Logger
	tracer        trace.Tracer
	now           func() time.Time
	address       string

	mu     deadlock.Mutex
	change *ledger.UTXO
}

type Option func(*Service)

func WithSecondary(b Broadcaster) Option { return func(s *Service) { s.secondary = b } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func NewService(cfg Config, chain Chain, confirmations ConfirmationStore, log logging.Logger, opts ...Option) (*Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Network == "" {
		cfg.Network = ledger.Mainnet
	}
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{
		cfg:           cfg,
		chain:         chain,
		confirmations: confirmations,
		log:           log,
		tracer:        telemetry.Tracer(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Key != nil {
		addr, err := ledger.Address(cfg.Key.PubKey(), cfg.Network)
		if err != nil {
			return nil, fmt.Errorf("derive anchoring address: %w", err)
		}
		s.address = addr
	}
	return s, nil
}

// Enabled reports whether Anchor can reach the ledger at all.
func (s *Service) Enabled() bool { return s.cfg.Key != nil && s.chain != nil }

// Address is the funding address of the anchoring key.
func (s *Service) Address() string { return s.address }

// ExplorerURL links txid on the configured explorer.
func (s *Service) ExplorerURL(txid string) string {
	if s.cfg.ExplorerURL == "" || txid == "" || IsPlaceholder(txid) {
		return ""
	}
	return s.cfg.ExplorerURL + txid
}

// Anchor canonicalizes p and commits it to the ledger. It never fails: on
// any problem the result carries a placeholder ref and the cause in Err.
// Network calls run detached from ctx's cancellation under a fixed timeout.
func (s *Service) Anchor(ctx context.Context, p Payload) Result {
	body, hash, err := Encode(p, s.now())
	if err != nil {
		s.log.Error("anchor: encode %s payload: %v", p.PayloadType(), err)
		return Result{Ref: NewPlaceholder(), Err: err}
	}
	if !s.Enabled() {
		return Result{Ref: NewPlaceholder(), ContentHash: hash, Body: body, Err: ErrDisabled}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "anchor.Anchor", trace.WithAttributes(
		attribute.String("anchor.payload_type", p.PayloadType()),
		attribute.String("anchor.content_hash", hash),
	))
	defer span.End()

	txid, raw, err := s.broadcast(ctx, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "broadcast failed")
		s.log.Warn("anchor: %s payload %s not anchored: %v", p.PayloadType(), hash, err)
		return Result{
			Ref:         NewPlaceholder(),
			ContentHash: hash,
			Body:        body,
			Err:         apperr.Wrap(apperr.CodeUpstreamFailure, "anchor broadcast failed", err),
		}
	}
	span.SetAttributes(attribute.String("anchor.txid", txid))
	s.log.Info("anchor: %s payload anchored in %s", p.PayloadType(), txid)
	s.broadcastSecondary(raw, txid)
	return Result{Ref: Anchored(txid), ContentHash: hash, Body: body}
}

// broadcast builds and submits the data transaction. Building and
// broadcasting are serialized so the change of one anchor funds the next
// before the chain API has indexed it.
func (s *Service) broadcast(ctx context.Context, body []byte) (string, string, error) {
	script, err := ledger.ProtocolScript(body)
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	input, err := s.nextInput(ctx)
	if err != nil {
		return "", "", err
	}
	tx, err := ledger.BuildDataTx(ledger.DataTxParams{
		Key:           s.cfg.Key,
		Input:         input,
		DataScript:    script,
		ChangeAddress: s.address,
		Network:       s.cfg.Network,
		FeeRate:       s.cfg.FeeRate,
	})
	if err != nil {
		s.change = nil
		return "", "", err
	}
	raw, err := ledger.EncodeTx(tx)
	if err != nil {
		return "", "", err
	}
	txid, err := s.chain.Broadcast(ctx, raw)
	if err != nil {
		s.change = nil
		return "", "", err
	}
	if local := tx.TxHash().String(); local != txid {
		s.log.Warn("anchor: node reported txid %s for local %s", txid, local)
	}
	s.change = &ledger.UTXO{TxID: txid, Vout: 1, Satoshis: tx.TxOut[1].Value}
	return txid, raw, nil
}

// nextInput prefers the change of the previous anchor, else the first
// unspent output the chain reports.
func (s *Service) nextInput(ctx context.Context) (ledger.UTXO, error) {
	if s.change != nil {
		return *s.change, nil
	}
	utxos, err := s.chain.Unspent(ctx, s.address)
	if err != nil {
		return ledger.UTXO{}, fmt.Errorf("list unspent: %w", err)
	}
	if len(utxos) == 0 {
		return ledger.UTXO{}, ErrNoFunds
	}
	return utxos[0], nil
}

func (s *Service) broadcastSecondary(raw, txid string) {
	if s.secondary == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), secondaryTimeout)
		defer cancel()
		if _, err := s.secondary.Broadcast(ctx, raw); err != nil {
			s.log.Warn("anchor: secondary broadcast of %s failed: %v", txid, err)
		}
	}()
}

// VerifyPayment checks that txid pays at least minSats to the treasury.
func (s *Service) VerifyPayment(ctx context.Context, txid string, minSats int64) error {
	if s.cfg.TreasuryAddress == "" || s.chain == nil {
		return errors.New("payment verification is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	raw, err := s.chain.RawTx(ctx, txid)
	if err != nil {
		return fmt.Errorf("fetch payment %s: %w", txid, err)
	}
	tx, err := ledger.DecodeTx(raw)
	if err != nil {
		return err
	}
	paid, err := ledger.SumPaymentsTo(tx, s.cfg.TreasuryAddress, s.cfg.Network)
	if err != nil {
		return err
	}
	if paid < minSats {
		return fmt.Errorf("payment %s pays %d sats to treasury, need %d", txid, paid, minSats)
	}
	return nil
}

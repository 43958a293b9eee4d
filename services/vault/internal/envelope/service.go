package envelope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/apperr"
	"github.com/b0ase/bcorp-mint-sub003/pkg/canonhash"
	"github.com/b0ase/bcorp-mint-sub003/pkg/ledger"
	"github.com/b0ase/bcorp-mint-sub003/pkg/signature"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/anchor"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/identity"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/logging"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/storage"
	"github.com/b0ase/bcorp-mint-sub003/services/vault/internal/strand"

	"github.com/google/uuid"
)

// maxAttempts bounds the compare-and-swap retries of one mutation.
const maxAttempts = 10

type Anchorer interface {
	Anchor(ctx context.Context, p anchor.Payload) anchor.Result
}

type AnchorVerifier interface {
	Verify(ctx context.Context, txid string) anchor.Verification
}

type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, txid string, minSats int64) error
}

// Identities is the slice of the identity service signing needs for the
// strands a signature can mint.
type Identities interface {
	GetByHandle(ctx context.Context, handle string) (identity.Identity, error)
	RegisterSignature(ctx context.Context, identityID string, meta strand.RegisteredSignature, artifactRef string) (identity.Strand, error)
	MintOnce(ctx context.Context, identityID string, in identity.NewStrand, field, value string) (identity.Strand, bool, error)
}

type AccessChecker interface {
	Has(ctx context.Context, identityID, resourceRef string) (bool, error)
}

type Service struct {
	store      Store
	anchors    Anchorer
	verifier   AnchorVerifier
	payments   PaymentVerifier
	identities Identities
	access     AccessChecker
	log        logging.Logger
	now        func() time.Time

	network       ledger.Network
	anchorEach    bool
	publicBaseURL string
}

type Option func(*Service)

func WithVerifier(v AnchorVerifier) Option   { return func(s *Service) { s.verifier = v } }
func WithPayments(p PaymentVerifier) Option  { return func(s *Service) { s.payments = p } }
func WithIdentities(i Identities) Option     { return func(s *Service) { s.identities = i } }
func WithAccess(a AccessChecker) Option      { return func(s *Service) { s.access = a } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.now = now } }
func WithNetwork(n ledger.Network) Option    { return func(s *Service) { s.network = n } }
func WithPublicBaseURL(u string) Option      { return func(s *Service) { s.publicBaseURL = strings.TrimRight(u, "/") } }
func WithPerSignatureAnchors(on bool) Option { return func(s *Service) { s.anchorEach = on } }

func NewService(store Store, anchors Anchorer, log logging.Logger, opts ...Option) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{
		store:      store,
		anchors:    anchors,
		log:        log,
		now:        time.Now,
		network:    ledger.Mainnet,
		anchorEach: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type SignerInput struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"handle,omitempty"`
	Role   string `json:"role,omitempty"`
	Order  int    `json:"order,omitempty"`
}

// CreateInput describes a new envelope. DocumentContent, when set, is
// hashed to produce DocumentHash.
type CreateInput struct {
	Title           string        `json:"title"`
	DocumentType    string        `json:"documentType,omitempty"`
	DocumentRef     string        `json:"documentRef,omitempty"`
	DocumentContent string        `json:"documentContent,omitempty"`
	DocumentHash    string        `json:"documentHash,omitempty"`
	Signers         []SignerInput `json:"signers"`
	ExpiresAt       *time.Time    `json:"expiresAt,omitempty"`
	SigningFeeSats  int64         `json:"signingFeeSats,omitempty"`
}

// SignerLink carries a signer's capability token. It is only ever returned
// from Create.
type SignerLink struct {
	SignerID string `json:"signerId"`
	Name     string `json:"name"`
	Order    int    `json:"order"`
	Token    string `json:"token"`
	URL      string `json:"url"`
}

type Created struct {
	Envelope Envelope     `json:"envelope"`
	Links    []SignerLink `json:"links"`
}

// Create validates in, assigns signer orders (explicit, else positional)
// and issues one capability token per signer.
func (s *Service) Create(ctx context.Context, creatorID string, in CreateInput) (Created, error) {
	title := identity.NormalizeText(in.Title)
	if title == "" {
		return Created{}, apperr.Invalid("title is required")
	}
	if len(in.Signers) == 0 {
		return Created{}, apperr.Invalid("at least one signer is required")
	}
	if in.SigningFeeSats < 0 {
		return Created{}, apperr.Invalid("signingFeeSats must not be negative")
	}
	now := s.now().UTC()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Created{}, apperr.Invalid("expiresAt must be in the future")
	}
	docHash := strings.TrimSpace(in.DocumentHash)
	if in.DocumentContent != "" {
		docHash = canonhash.SumString(in.DocumentContent)
	}
	if docHash == "" {
		return Created{}, apperr.Invalid("documentContent or documentHash is required")
	}

	env := Envelope{
		ID:               "env_" + uuid.NewString(),
		Title:            title,
		DocumentType:     strings.TrimSpace(in.DocumentType),
		DocumentRef:      strings.TrimSpace(in.DocumentRef),
		DocumentHash:     docHash,
		Status:           StatusPending,
		CompletionAnchor: anchor.NotAttempted(),
		CreatorID:        creatorID,
		SigningFeeSats:   in.SigningFeeSats,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		env.ExpiresAt = &exp
	}

	links := make([]SignerLink, 0, len(in.Signers))
	for i, si := range in.Signers {
		name := identity.NormalizeText(si.Name)
		if name == "" {
			return Created{}, apperr.Invalid(fmt.Sprintf("signer %d: name is required", i+1))
		}
		order := si.Order
		if order == 0 {
			order = i + 1
		}
		if order < 0 {
			return Created{}, apperr.Invalid(fmt.Sprintf("signer %d: order must be positive", i+1))
		}
		handle := ""
		if strings.TrimSpace(si.Handle) != "" {
			h, err := identity.NormalizeHandle(si.Handle)
			if err != nil {
				return Created{}, err
			}
			handle = h
		}
		token := storage.RandomToken("sgn_")
		signer := Signer{
			ID:        "sgr_" + uuid.NewString(),
			Name:      name,
			Email:     identity.NormalizeEmail(si.Email),
			Handle:    handle,
			Role:      strings.TrimSpace(si.Role),
			Order:     order,
			Status:    SignerPending,
			Anchor:    anchor.NotAttempted(),
			TokenHash: storage.HashToken(token),
		}
		env.Signers = append(env.Signers, signer)
		links = append(links, SignerLink{
			SignerID: signer.ID,
			Name:     name,
			Order:    order,
			Token:    token,
			URL:      s.publicBaseURL + "/sign/" + token,
		})
	}

	if err := s.store.CreateEnvelope(ctx, env); err != nil {
		return Created{}, err
	}
	s.log.Info("envelope: created %s with %d signers", env.ID, len(env.Signers))
	return Created{Envelope: env, Links: links}, nil
}

// Challenge is the string a signer's wallet signs.
func (s *Service) Challenge(env Envelope, signer Signer) string {
	return signature.Challenge(signature.ChallengeInput{
		Protocol:     anchor.Protocol,
		EnvelopeID:   env.ID,
		DocumentHash: env.DocumentHash,
		SignerName:   signer.Name,
		Order:        signer.Order,
	})
}

// SignInput is a signer's submission.
type SignInput struct {
	Kind     string                 `json:"kind"`
	Data     string                 `json:"data"`
	Wallet   *signature.WalletProof `json:"wallet,omitempty"`
	Register bool                   `json:"register,omitempty"`
}

type SignResult struct {
	Envelope Envelope `json:"envelope"`
	Signer   Signer   `json:"signer"`
}

// Sign records the token holder's signature. Every rule is checked against
// the state read in the same compare-and-swap attempt that commits it.
// Anchoring happens after the commit and cannot undo it.
func (s *Service) Sign(ctx context.Context, token string, in SignInput) (SignResult, error) {
	switch in.Kind {
	case KindDrawn, KindTyped:
	default:
		return SignResult{}, apperr.Invalid("kind must be drawn or typed")
	}
	if strings.TrimSpace(in.Data) == "" {
		return SignResult{}, apperr.Invalid("signature data is required")
	}
	found, signerID, err := s.store.GetEnvelopeBySignerToken(ctx, storage.HashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return SignResult{}, ErrSignerNotFound
	}
	if err != nil {
		return SignResult{}, err
	}

	proofsChecked := false
	env, err := s.mutate(ctx, found.ID, func(env *Envelope) (bool, error) {
		now := s.now().UTC()
		if env.expireIfDue(now) {
			return true, ErrExpired
		}
		i, ok := env.signer(signerID)
		if !ok {
			return false, ErrSignerNotFound
		}
		if err := env.checkSignable(i); err != nil {
			return false, err
		}
		if !proofsChecked {
			if err := s.checkProofs(ctx, *env, env.Signers[i], in); err != nil {
				return false, err
			}
			proofsChecked = true
		}
		signer := &env.Signers[i]
		signer.Status = SignerSigned
		signer.SignedAt = &now
		signer.Signature = &SignaturePayload{Kind: in.Kind, Data: in.Data, Wallet: in.Wallet, Register: in.Register}
		env.Status = env.aggregate()
		env.UpdatedAt = now
		if env.Status == StatusCompleted {
			env.CompletedAt = &now
		}
		return true, nil
	})
	if err != nil {
		return SignResult{}, err
	}
	i, _ := env.signer(signerID)
	s.log.Info("envelope: %s signed by %s (order %d), status %s", env.ID, env.Signers[i].Name, env.Signers[i].Order, env.Status)

	env = s.anchorSignature(ctx, env, signerID)
	if env.Status == StatusCompleted {
		env = s.anchorCompletion(ctx, env)
	}
	i, _ = env.signer(signerID)
	s.mintSignerStrands(ctx, env, env.Signers[i])
	return SignResult{Envelope: env, Signer: env.Signers[i]}, nil
}

// checkProofs verifies the wallet block and, for fee-gated envelopes, the
// payment. Failure blocks the signature.
func (s *Service) checkProofs(ctx context.Context, env Envelope, signer Signer, in SignInput) error {
	if in.Wallet != nil {
		if err := signature.VerifyWallet(s.Challenge(env, signer), *in.Wallet, s.network); err != nil {
			return ErrWalletInvalid.With("wallet signature does not verify: "+err.Error(), nil)
		}
	}
	if env.SigningFeeSats <= 0 {
		return nil
	}
	if in.Wallet == nil || strings.TrimSpace(in.Wallet.PaymentTxid) == "" {
		return ErrPaymentFailed.With("a paymentTxid is required to sign this envelope", nil)
	}
	if s.payments == nil {
		return ErrPaymentFailed.With("payment verification is unavailable", nil)
	}
	txid := strings.TrimSpace(in.Wallet.PaymentTxid)
	if err := s.payments.VerifyPayment(ctx, txid, env.SigningFeeSats); err != nil {
		return ErrPaymentFailed.With(err.Error(), map[string]string{"payment_txid": txid})
	}
	// One payment pays for exactly one signature.
	err := s.store.RecordPayment(ctx, txid, env.ID, signer.ID, s.now().UTC())
	if errors.Is(err, storage.ErrAlreadyExists) {
		return ErrPaymentReused.With("payment "+txid+" has already been used for another signature", map[string]string{"payment_txid": txid})
	}
	return err
}

func (s *Service) anchorSignature(ctx context.Context, env Envelope, signerID string) Envelope {
	if !s.anchorEach {
		return env
	}
	i, _ := env.signer(signerID)
	signer := env.Signers[i]
	p := anchor.EnvelopeSigning{
		EnvelopeID:   env.ID,
		DocumentHash: env.DocumentHash,
		SignerName:   signer.Name,
		SignerOrder:  signer.Order,
		SignedAt:     anchor.Timestamp(*signer.SignedAt),
	}
	if w := signer.Signature.Wallet; w != nil {
		p.SignerWallet = w.SignerAddress
		p.WalletType = w.WalletType
	}
	res := s.anchors.Anchor(ctx, p)
	updated, err := s.mutate(ctx, env.ID, func(e *Envelope) (bool, error) {
		j, ok := e.signer(signerID)
		if !ok {
			return false, ErrSignerNotFound
		}
		e.Signers[j].Anchor = res.Ref
		return true, nil
	})
	if err != nil {
		s.log.Warn("envelope: record signature anchor for %s/%s: %v", env.ID, signerID, err)
		env.Signers[i].Anchor = res.Ref
		return env
	}
	return updated
}

// anchorCompletion always records a completion ref: a txid or a placeholder.
func (s *Service) anchorCompletion(ctx context.Context, env Envelope) Envelope {
	p := anchor.EnvelopeCompletion{
		EnvelopeID:   env.ID,
		DocumentHash: env.DocumentHash,
		Title:        env.Title,
		CompletedAt:  anchor.Timestamp(*env.CompletedAt),
	}
	for _, sg := range ordered(env.Signers) {
		cs := anchor.CompletionSigner{Name: sg.Name, Order: sg.Order}
		if sg.SignedAt != nil {
			cs.SignedAt = anchor.Timestamp(*sg.SignedAt)
		}
		if sg.Anchor.IsAnchored() {
			cs.AnchorTxid = sg.Anchor.TxID
		}
		p.Signers = append(p.Signers, cs)
	}
	res := s.anchors.Anchor(ctx, p)
	updated, err := s.mutate(ctx, env.ID, func(e *Envelope) (bool, error) {
		e.CompletionAnchor = res.Ref
		return true, nil
	})
	if err != nil {
		s.log.Warn("envelope: record completion anchor for %s: %v", env.ID, err)
		env.CompletionAnchor = res.Ref
		return env
	}
	return updated
}

// mintSignerStrands adds identity strands for signers bound to a handle.
// Failures are logged; the signature stands.
func (s *Service) mintSignerStrands(ctx context.Context, env Envelope, signer Signer) {
	if s.identities == nil || signer.Handle == "" || signer.Signature == nil {
		return
	}
	idn, err := s.identities.GetByHandle(ctx, signer.Handle)
	if err != nil {
		if !errors.Is(err, apperr.NotFound) {
			s.log.Warn("envelope: resolve signer handle %s: %v", signer.Handle, err)
		}
		return
	}
	if signer.Signature.Register {
		meta := strand.RegisteredSignature{
			EnvelopeID:   env.ID,
			SignerName:   signer.Name,
			DocumentHash: env.DocumentHash,
			SignatureRef: "envelope:" + env.ID + "#" + signer.ID,
		}
		if _, err := s.identities.RegisterSignature(ctx, idn.ID, meta, meta.SignatureRef); err != nil {
			s.log.Warn("envelope: register signature for %s: %v", idn.ID, err)
		}
	}
	if w := signer.Signature.Wallet; env.SigningFeeSats > 0 && w != nil && w.PaymentTxid != "" {
		in := identity.NewStrand{
			Type:  strand.TypePaidSigning,
			Label: env.Title,
			Metadata: strand.PaidSigning{
				EnvelopeID:  env.ID,
				PaymentTxid: w.PaymentTxid,
				AmountSats:  env.SigningFeeSats,
			},
		}
		if _, _, err := s.identities.MintOnce(ctx, idn.ID, in, "paymentTxid", w.PaymentTxid); err != nil {
			s.log.Warn("envelope: paid_signing strand for %s: %v", idn.ID, err)
		}
	}
}

// mutate applies fn to a fresh read of envelope id and, when fn reports a
// change, commits it with a version check. A lost race re-reads and
// re-runs fn. fn's error is returned after a successful commit.
func (s *Service) mutate(ctx context.Context, id string, fn func(*Envelope) (bool, error)) (Envelope, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		env, err := s.store.GetEnvelope(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return Envelope{}, ErrEnvelopeNotFound
		}
		if err != nil {
			return Envelope{}, err
		}
		changed, ferr := fn(&env)
		if !changed {
			return env, ferr
		}
		expected := env.Version
		env.Version = expected + 1
		if err := s.store.UpdateEnvelope(ctx, env, expected); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				s.log.Debug("envelope: %s version %d lost a race, retrying", id, expected)
				continue
			}
			return Envelope{}, err
		}
		return env, ferr
	}
	return Envelope{}, ErrContention
}

// load reads an envelope, persisting a lazily observed expiry.
func (s *Service) load(ctx context.Context, id string) (Envelope, error) {
	return s.mutate(ctx, id, func(env *Envelope) (bool, error) {
		return env.expireIfDue(s.now().UTC()), nil
	})
}

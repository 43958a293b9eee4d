package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/b0ase/bcorp-mint-sub003/pkg/canonhash"
)

const (
	Protocol        = "bitsign"
	ProtocolVersion = "1.0"
)

// Payload types carried in the header's type field.
const (
	TypeIdentityRoot       = "identity_root"
	TypeIdentityStrand     = "identity_strand"
	TypeEnvelopeSigning    = "envelope_signing"
	TypeEnvelopeCompletion = "envelope_completion"
	TypeDocumentSignature  = "document_signature"
	TypeIPThread           = "ip_thread"
)

var ErrInvalidPayload = errors.New("invalid anchored payload")

// Payload is one of the anchored payload variants.
type Payload interface {
	PayloadType() string
	validate() error
}

// Header is shared by every anchored payload.
type Header struct {
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type IdentityRoot struct {
	IdentityID string `json:"identityId"`
	UserHandle string `json:"userHandle"`
}

type IdentityStrand struct {
	RootTxid      string `json:"rootTxid"`
	StrandType    string `json:"strandType"`
	StrandSubtype string `json:"strandSubtype,omitempty"`
	StrandLabel   string `json:"strandLabel,omitempty"`
	UserHandle    string `json:"userHandle,omitempty"`
}

type EnvelopeSigning struct {
	EnvelopeID   string `json:"envelopeId"`
	DocumentHash string `json:"documentHash"`
	SignerName   string `json:"signerName"`
	SignerOrder  int    `json:"signerOrder"`
	SignerWallet string `json:"signerWallet,omitempty"`
	WalletType   string `json:"walletType,omitempty"`
	SignedAt     string `json:"signedAt"`
}

type CompletionSigner struct {
	Name       string `json:"name"`
	Order      int    `json:"order"`
	SignedAt   string `json:"signedAt"`
	AnchorTxid string `json:"anchorTxid,omitempty"`
}

type EnvelopeCompletion struct {
	EnvelopeID   string             `json:"envelopeId"`
	DocumentHash string             `json:"documentHash"`
	Title        string             `json:"title,omitempty"`
	Signers      []CompletionSigner `json:"signers"`
	CompletedAt  string             `json:"completedAt"`
}

type DocumentSignature struct {
	DocumentHash string `json:"documentHash"`
	DocumentRef  string `json:"documentRef,omitempty"`
	SignerName   string `json:"signerName"`
	SignerWallet string `json:"signerWallet,omitempty"`
	WalletType   string `json:"walletType,omitempty"`
	RequestID    string `json:"requestId,omitempty"`
	SignedAt     string `json:"signedAt"`
}

type IPThread struct {
	RootTxid       string `json:"rootTxid"`
	DocumentHash   string `json:"documentHash"`
	DocumentType   string `json:"documentType"`
	ThreadTitle    string `json:"threadTitle"`
	ThreadSequence int    `json:"threadSequence"`
}

func (IdentityRoot) PayloadType() string       { return TypeIdentityRoot }
func (IdentityStrand) PayloadType() string     { return TypeIdentityStrand }
func (EnvelopeSigning) PayloadType() string    { return TypeEnvelopeSigning }
func (EnvelopeCompletion) PayloadType() string { return TypeEnvelopeCompletion }
func (DocumentSignature) PayloadType() string  { return TypeDocumentSignature }
func (IPThread) PayloadType() string           { return TypeIPThread }

func (p IdentityRoot) validate() error {
	return require(map[string]string{"userHandle": p.UserHandle})
}

func (p IdentityStrand) validate() error {
	return require(map[string]string{"rootTxid": p.RootTxid, "strandType": p.StrandType})
}

func (p EnvelopeSigning) validate() error {
	return require(map[string]string{
		"envelopeId": p.EnvelopeID, "documentHash": p.DocumentHash,
		"signerName": p.SignerName, "signedAt": p.SignedAt,
	})
}

func (p EnvelopeCompletion) validate() error {
	if err := require(map[string]string{
		"envelopeId": p.EnvelopeID, "documentHash": p.DocumentHash, "completedAt": p.CompletedAt,
	}); err != nil {
		return err
	}
	if len(p.Signers) == 0 {
		return fmt.Errorf("%w: signers is required", ErrInvalidPayload)
	}
	return nil
}

func (p DocumentSignature) validate() error {
	return require(map[string]string{
		"documentHash": p.DocumentHash, "signerName": p.SignerName, "signedAt": p.SignedAt,
	})
}

func (p IPThread) validate() error {
	if err := require(map[string]string{
		"rootTxid": p.RootTxid, "documentHash": p.DocumentHash,
		"documentType": p.DocumentType, "threadTitle": p.ThreadTitle,
	}); err != nil {
		return err
	}
	if p.ThreadSequence < 1 {
		return fmt.Errorf("%w: threadSequence must be positive", ErrInvalidPayload)
	}
	return nil
}

func require(fields map[string]string) error {
	var missing []string
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// Timestamp formats t the way every anchored timestamp is written.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Encode merges the header into p and returns the canonical JSON and its
// content hash.
func Encode(p Payload, at time.Time) ([]byte, string, error) {
	if err := p.validate(); err != nil {
		return nil, "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, "", err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", err
	}
	header, _ := json.Marshal(Header{
		Protocol:  Protocol,
		Version:   ProtocolVersion,
		Type:      p.PayloadType(),
		Timestamp: Timestamp(at),
	})
	headerFields := map[string]json.RawMessage{}
	_ = json.Unmarshal(header, &headerFields)
	for k, v := range headerFields {
		fields[k] = v
	}
	hash, body, err := canonhash.SumObject(fields)
	if err != nil {
		return nil, "", err
	}
	return body, hash, nil
}

// Decoded is a parsed anchored payload.
type Decoded struct {
	Header
	Payload Payload
}

// Decode parses body, dispatching on the type discriminator. Unknown extra
// fields are ignored; missing required fields for the type are an error.
func Decode(body []byte) (Decoded, error) {
	var h Header
	if err := json.Unmarshal(body, &h); err != nil {
		return Decoded{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if h.Protocol != Protocol {
		return Decoded{}, fmt.Errorf("%w: protocol %q", ErrInvalidPayload, h.Protocol)
	}
	var (
		p   Payload
		err error
	)
	switch h.Type {
	case TypeIdentityRoot:
		p, err = decodePayload[IdentityRoot](body)
	case TypeIdentityStrand:
		p, err = decodePayload[IdentityStrand](body)
	case TypeEnvelopeSigning:
		p, err = decodePayload[EnvelopeSigning](body)
	case TypeEnvelopeCompletion:
		p, err = decodePayload[EnvelopeCompletion](body)
	case TypeDocumentSignature:
		p, err = decodePayload[DocumentSignature](body)
	case TypeIPThread:
		p, err = decodePayload[IPThread](body)
	default:
		return Decoded{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, h.Type)
	}
	if err != nil {
		return Decoded{}, err
	}
	return Decoded{Header: h, Payload: p}, nil
}

func decodePayload[T Payload](body []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

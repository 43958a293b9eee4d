package strand

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metadata is the per-type metadata variant carried by a strand. The set of
// implementations is closed; UnmarshalMetadata is exhaustive over Type.
type Metadata interface {
	StrandType() Type
	sealed()
}

type VaultItem struct {
	DocumentID   string `json:"documentId,omitempty"`
	DocumentHash string `json:"documentHash,omitempty"`
	Title        string `json:"title,omitempty"`
	ClaimID      string `json:"claimId,omitempty"`
}

type OAuth struct {
	Provider       string `json:"provider"`
	ProviderUserID string `json:"providerUserId"`
	Username       string `json:"username,omitempty"`
}

type RegisteredSignature struct {
	EnvelopeID   string `json:"envelopeId,omitempty"`
	SignerName   string `json:"signerName"`
	DocumentHash string `json:"documentHash,omitempty"`
	SignatureRef string `json:"signatureRef,omitempty"`
}

type IDDocument struct {
	DocumentType string `json:"documentType"`
	Issuer       string `json:"issuer,omitempty"`
	VerifiedBy   string `json:"verifiedBy,omitempty"`
}

type SelfAttestation struct {
	Statement string `json:"statement"`
}

type PaidSigning struct {
	EnvelopeID  string `json:"envelopeId"`
	PaymentTxid string `json:"paymentTxid"`
	AmountSats  int64  `json:"amountSats"`
}

type PeerAttestation struct {
	RequestID    string `json:"requestId"`
	Counterparty string `json:"counterparty"`
	Role         string `json:"role"`
	DocumentRef  string `json:"documentRef,omitempty"`
	DocumentHash string `json:"documentHash,omitempty"`
	Declaration  string `json:"declaration,omitempty"`
}

type IPThread struct {
	DocumentHash   string `json:"documentHash"`
	DocumentType   string `json:"documentType"`
	ThreadTitle    string `json:"threadTitle"`
	ThreadSequence int    `json:"threadSequence"`
}

type ProfilePhoto struct {
	ImageHash string `json:"imageHash"`
}

type KYC struct {
	Provider    string `json:"provider"`
	ReferenceID string `json:"referenceId"`
	Country     string `json:"country,omitempty"`
}

func (VaultItem) StrandType() Type           { return TypeVaultItem }
func (OAuth) StrandType() Type               { return TypeOAuth }
func (RegisteredSignature) StrandType() Type { return TypeRegisteredSignature }
func (IDDocument) StrandType() Type          { return TypeIDDocument }
func (SelfAttestation) StrandType() Type     { return TypeSelfAttestation }
func (PaidSigning) StrandType() Type         { return TypePaidSigning }
func (PeerAttestation) StrandType() Type     { return TypePeerAttestation }
func (IPThread) StrandType() Type            { return TypeIPThread }
func (ProfilePhoto) StrandType() Type        { return TypeProfilePhoto }
func (KYC) StrandType() Type                 { return TypeKYC }

func (VaultItem) sealed()           {}
func (OAuth) sealed()               {}
func (RegisteredSignature) sealed() {}
func (IDDocument) sealed()          {}
func (SelfAttestation) sealed()     {}
func (PaidSigning) sealed()         {}
func (PeerAttestation) sealed()     {}
func (IPThread) sealed()            {}
func (ProfilePhoto) sealed()        {}
func (KYC) sealed()                 {}

// MarshalMetadata encodes m; a nil variant encodes as {}.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// UnmarshalMetadata decodes raw into the variant for t. Unknown fields are
// tolerated so older rows keep decoding.
func UnmarshalMetadata(t Type, raw []byte) (Metadata, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var (
		m   Metadata
		err error
	)
	switch t {
	case TypeVaultItem:
		m, err = decodeInto[VaultItem](raw)
	case TypeOAuth:
		m, err = decodeInto[OAuth](raw)
	case TypeRegisteredSignature:
		m, err = decodeInto[RegisteredSignature](raw)
	case TypeIDDocument:
		m, err = decodeInto[IDDocument](raw)
	case TypeSelfAttestation:
		m, err = decodeInto[SelfAttestation](raw)
	case TypePaidSigning:
		m, err = decodeInto[PaidSigning](raw)
	case TypePeerAttestation:
		m, err = decodeInto[PeerAttestation](raw)
	case TypeIPThread:
		m, err = decodeInto[IPThread](raw)
	case TypeProfilePhoto:
		m, err = decodeInto[ProfilePhoto](raw)
	case TypeKYC:
		m, err = decodeInto[KYC](raw)
	default:
		return nil, fmt.Errorf("unknown strand type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return m, nil
}

func decodeInto[T Metadata](raw []byte) (Metadata, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CheckMetadata reports whether m is the variant for t.
func CheckMetadata(t Type, m Metadata) error {
	if m == nil {
		return nil
	}
	if m.StrandType() != t {
		return fmt.Errorf("metadata for %s attached to %s strand", m.StrandType(), t)
	}
	return nil
}

// Package strand defines the closed strand taxonomy, its point table and the
// strength level classifier. Everything here is pure.
package strand

import (
	"fmt"
	"sort"
	"strings"
)

// Type is one of the closed set of strand kinds.
type Type string

const (
	TypeVaultItem           Type = "vault_item"
	TypeOAuth               Type = "oauth"
	TypeRegisteredSignature Type = "registered_signature"
	TypeIDDocument          Type = "id_document"
	TypeSelfAttestation     Type = "self_attestation"
	TypePaidSigning         Type = "paid_signing"
	TypePeerAttestation     Type = "peer_attestation"
	TypeIPThread            Type = "ip_thread"
	TypeProfilePhoto        Type = "profile_photo"
	TypeKYC                 Type = "kyc"
)

// Types lists every strand type in declaration order.
var Types = []Type{
	TypeVaultItem, TypeOAuth, TypeRegisteredSignature, TypeIDDocument, TypeSelfAttestation,
	TypePaidSigning, TypePeerAttestation, TypeIPThread, TypeProfilePhoto, TypeKYC,
}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown strand type %q", s)
	}
	return t, nil
}

// Common subtypes.
const (
	SubtypeCosign          = "cosign"
	SubtypeClaimedDocument = "claimed_document"
)

// Key is a strand's (type, subtype) pair, the unit of scoring.
type Key struct {
	Type    Type   `json:"type"`
	Subtype string `json:"subtype,omitempty"`
}

func (k Key) String() string {
	if k.Subtype == "" {
		return string(k.Type)
	}
	return string(k.Type) + "/" + k.Subtype
}

// ParseKey parses "type" or "type/subtype".
func ParseKey(s string) (Key, error) {
	typ, sub, _ := strings.Cut(strings.TrimSpace(s), "/")
	t, err := ParseType(typ)
	if err != nil {
		return Key{}, err
	}
	return Key{Type: t, Subtype: strings.ToLower(strings.TrimSpace(sub))}, nil
}

// SingletonKey returns the uniqueness key for strand kinds an identity may
// hold at most once, or "" when the kind may repeat.
func SingletonKey(k Key) string {
	switch k.Type {
	case TypeSelfAttestation, TypeKYC:
		return string(k.Type)
	case TypeOAuth:
		return k.String()
	default:
		return ""
	}
}

// Points is the fixed per-(type, subtype) score contribution.
func Points(k Key) int {
	switch k.Type {
	case TypeOAuth:
		switch k.Subtype {
		case "github", "google", "linkedin":
			return 2
		default:
			return 1
		}
	case TypeVaultItem:
		if k.Subtype == SubtypeClaimedDocument {
			return 2
		}
		return 1
	case TypeRegisteredSignature:
		return 3
	case TypeIDDocument:
		return 5
	case TypeSelfAttestation:
		return 3
	case TypePaidSigning:
		return 3
	case TypePeerAttestation:
		return 5
	case TypeIPThread:
		return 2
	case TypeProfilePhoto:
		return 1
	case TypeKYC:
		return 10
	default:
		return 0
	}
}

// Score sums Points over the multiset. Order never matters.
func Score(keys []Key) int {
	total := 0
	for _, k := range keys {
		total += Points(k)
	}
	return total
}

// Level is the priority-gated strength classification.
type Level int

const (
	LevelBasic     Level = 1
	LevelVerified  Level = 2
	LevelStrong    Level = 3
	LevelSovereign Level = 4
)

func (l Level) Label() string {
	switch l {
	case LevelSovereign:
		return "Sovereign"
	case LevelStrong:
		return "Strong"
	case LevelVerified:
		return "Verified"
	default:
		return "Basic"
	}
}

// DeriveLevel classifies by which strand types are present, in fixed
// priority order. The numeric score plays no part.
func DeriveLevel(keys []Key) Level {
	var kyc, strong, verified bool
	for _, k := range keys {
		switch k.Type {
		case TypeKYC:
			kyc = true
		case TypePaidSigning, TypePeerAttestation:
			strong = true
		case TypeIDDocument, TypeSelfAttestation:
			verified = true
		case TypeVaultItem, TypeOAuth, TypeRegisteredSignature, TypeIPThread, TypeProfilePhoto:
		}
	}
	switch {
	case kyc:
		return LevelSovereign
	case strong:
		return LevelStrong
	case verified:
		return LevelVerified
	default:
		return LevelBasic
	}
}

// Strength is the derived aggregate persisted on an identity.
type Strength struct {
	Score int   `json:"score"`
	Level Level `json:"level"`
}

func (s Strength) Label() string { return s.Level.Label() }

// Compute derives both aggregates from the current strand multiset.
func Compute(keys []Key) Strength {
	return Strength{Score: Score(keys), Level: DeriveLevel(keys)}
}

// Sorted returns a copy of keys in canonical order.
func Sorted(keys []Key) []Key {
	out := append([]Key(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

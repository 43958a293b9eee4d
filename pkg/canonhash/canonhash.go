package canonhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const Prefix = "sha256:"

// SumObject returns the prefixed sha256 of the canonical JSON form of v
// together with the canonical bytes.
func SumObject(v any) (string, []byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", nil, err
	}
	return SumBytes(b), b, nil
}

// SumBytes hashes b as-is.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:])
}

func SumString(s string) string { return SumBytes([]byte(s)) }

// Canonicalize marshals v and re-encodes it through a generic tree so object
// keys come out sorted at every depth. Numbers keep their literal form.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// HexDigest strips the algorithm prefix.
func HexDigest(h string) string {
	return strings.TrimPrefix(strings.TrimSpace(h), Prefix)
}

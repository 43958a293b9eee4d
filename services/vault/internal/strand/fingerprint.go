package strand

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Fingerprint is a blake3 digest of the canonical strand multiset. Two
// identities with the same multiset share a fingerprint regardless of
// creation order, so it doubles as an ETag for strength reads.
func Fingerprint(keys []Key) string {
	h := blake3.New()
	for _, k := range Sorted(keys) {
		_, _ = h.Write([]byte(k.String()))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

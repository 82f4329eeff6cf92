package receiver

import (
	"crypto/sha256"

	"github.com/ldm7/fmtp/internal/fmtp/product"
)

// computeSignature derives the 16-byte product signature from its content.
// The real LDM7 product queue supplies this value itself (spec §3); this
// receiver has no such collaborator (§1 Non-goals), so it derives a
// stand-in signature by truncating a content hash, which is sufficient for
// the at-most-once deduplication this package performs.
func computeSignature(data []byte) product.Signature {
	sum := sha256.Sum256(data)
	var sig product.Signature
	copy(sig[:], sum[:16])
	return sig
}

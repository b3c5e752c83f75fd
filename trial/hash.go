package trial

import (
	"crypto/sha256"
	"encoding/hex"
)

// hexDigest returns the hex-encoded 128-bit digest of s's UTF-8 bytes: the
// first 16 bytes of its SHA-256 sum. The original implementation this
// module's behavior is grounded on used MD5; this module computes SHA-256
// and truncates instead (see DESIGN.md), since spec.md requires a 128-bit
// hex digest but not a specific algorithm.
func hexDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

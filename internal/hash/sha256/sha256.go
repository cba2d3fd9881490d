// Package sha256 derives stable identifiers from listing and query content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Digest hashes the parts, separated by a unit separator so that ("ab","c")
// and ("a","bc") differ, and returns the first n hex characters (all 64 when
// n <= 0 or n > 64).
func Digest(n int, parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0x1f})
		}
		_, _ = io.WriteString(h, p)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if n <= 0 || n > len(sum) {
		return sum
	}
	return sum[:n]
}

// Sum returns the full hex digest of data, used to name evidence artifacts.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

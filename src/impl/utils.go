package impl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/danmuck/dps_sync/src/api"
)

// HashSize is the length in bytes of a block hash (sha-256).
const HashSize = sha256.Size

// HashBlock returns the lowercase hex SHA-256 of data.
func HashBlock(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports a mismatch between data and the hash it was stored under.
func VerifyHash(hash string, data []byte) error {
	actual := HashBlock(data)
	if actual != hash {
		return fmt.Errorf("block hash mismatch: expected %s, got %s", api.ShortHash(hash), api.ShortHash(actual))
	}
	return nil
}

// ValidHash reports whether s looks like a hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != hex.EncodedLen(HashSize) {
		return false
	}
	for i := 0; i < len(s); i++ {
		if _, ok := hexDigit(s[i]); !ok {
			return false
		}
	}
	return true
}

func hexDigit(c byte) (uint64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10, true
	default:
		return 0, false
	}
}

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// HashAssignments returns a stable SHA-256 hex digest of an assignment map.
// Keys are hashed in sorted order with NUL separators, so logically equal
// maps always produce the same digest and "po=a,be=b" can never collide with
// "po=a,beb=".
func HashAssignments(assignments map[string]string) string {
	keys := make([]string, 0, len(assignments))
	for k := range assignments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(assignments[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeDedupHash implements §4.2's dedup hash:
// SHA-256(userId || "\0" || content || "\0" || floor(nowMs/windowMs)). The
// NUL delimiter is mandatory — without it, ("abc","def") and ("ab","cdef")
// would hash identically.
func ComputeDedupHash(userID, content string, nowMs, windowMs int64) string {
	quantum := nowMs / windowMs
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", quantum)
	return hex.EncodeToString(h.Sum(nil))
}

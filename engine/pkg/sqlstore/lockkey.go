package sqlstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"strconv"
)

// LockKey derives a stable advisory lock key from its parts. Each part is
// length-delimited before hashing so ("ab", "c") and ("a", "bc") differ.
func LockKey(parts ...string) int64 {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.WriteString(strconv.Itoa(len(p)))
		buf.WriteString(":")
		buf.WriteString(p)
	}
	sum := sha256.Sum256(buf.Bytes())
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

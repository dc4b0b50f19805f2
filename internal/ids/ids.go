// Package ids generates the identifiers used across the store: deterministic
// node ids derived from segment coordinates, and random ids for jobs, edges,
// and child records.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// NodeIDLen is the hex length of node and job ids.
const NodeIDLen = 16

// NodeID derives the deterministic id for a segment. The inputs are
// length-prefixed before hashing so that moving a delimiter between fields
// ("a:b"+"c" vs "a"+"b:c") cannot produce the same digest.
func NodeID(sessionFile, segmentStart, segmentEnd string) string {
	h := sha256.New()
	for _, part := range []string{sessionFile, segmentStart, segmentEnd} {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(part)))
		h.Write(lenBuf[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))[:NodeIDLen]
}

// JobID returns a random 16-hex-char job id. Job ids share the node id
// format but are drawn from a random pool; lookups are typed so the
// namespaces never mix.
func JobID() string {
	return randomHex(NodeIDLen)
}

// EdgeID returns a prefixed random edge id.
func EdgeID() string {
	return "edg_" + randomHex(12)
}

// ChildID returns a prefixed random id for a child record (lesson, quirk,
// tool error, daemon decision).
func ChildID(prefix string) string {
	return prefix + "_" + randomHex(12)
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process cannot safely mint ids at all.
		panic(fmt.Sprintf("ids: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)[:n]
}

// Package ledger implements the chain primitive: a deterministic content
// digest over a custody event and the digest of its predecessor. Every other
// component builds on these two functions; keep them free of side effects.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Sentinel is the prev-digest of a genesis event.
var Sentinel = strings.Repeat("0", 64)

// EventContent is the canonical form an event digest is computed over.
// Field order is fixed by the struct declaration; json.Marshal of a struct is
// deterministic, so identical content always yields identical bytes.
type EventContent struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	Kind       string `json:"kind"`
	ActorID    string `json:"actor_id"`
	Location   string `json:"location"`
	Payload    string `json:"payload"`
	TS         string `json:"ts"`
	PrevDigest string `json:"prev_digest"`
}

// Digest returns the SHA-256 hex digest of the canonical event content.
func Digest(c EventContent) string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

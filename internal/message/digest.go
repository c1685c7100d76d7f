// internal/message/digest.go
package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Digest returns a sha256 hex digest over the RFC 8785 canonical JSON form
// of a message history. Canonicalization makes the digest independent of
// map iteration order in tool inputs, so the same history always hashes to
// the same value regardless of how it was built or decoded.
func Digest(history []Message) (string, error) {
	raw, err := json.Marshal(history)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

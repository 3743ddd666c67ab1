package escrow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const accessTokenEntropy = 32

// mintAccessToken derives an unguessable download token bound to the escrow.
func mintAccessToken(escrowID string) (string, error) {
	buf := make([]byte, accessTokenEntropy, accessTokenEntropy+len(escrowID))
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint access token: %w", err)
	}
	buf = append(buf, escrowID...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// EvidenceDigest fingerprints an evidence attachment.
func EvidenceDigest(content []byte) string {
	if len(content) == 0 {
		return ""
	}
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

package threat

import (
	"crypto/sha256"
	"fmt"
)

// MakeFingerprint generates a stable identifier for deduplication.
// Format: sha256("rule:client:subject")[:16]
func MakeFingerprint(rule, clientID, subject string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", rule, clientID, subject)))
	return fmt.Sprintf("%x", hash[:8])
}

package internal

import "crypto/sha256"

// HashClientValue hashes client metadata (IP, User-Agent) for storage in a
// session record. An empty value hashes to the zero array so "not captured"
// never compares as a change.
func HashClientValue(v string) [32]byte {
	if v == "" {
		return [32]byte{}
	}
	return sha256.Sum256([]byte(v))
}

// Package token mints and verifies per-job capability tokens. The raw
// token is returned to the submitter once; only its SHA-256 hash is kept
// in the ledger, so a database read never yields a usable credential.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const rawLen = 32 // 256 bits of entropy

// Issue generates a URL-safe capability token and the hash to persist
// alongside the job row.
func Issue() (token, hash string, err error) {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("read random: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, Hash(token), nil
}

// Hash returns the hex SHA-256 digest of a token.
func Hash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the presented token's hash and compares it to the
// stored one in constant time. An empty stored hash never verifies.
func Verify(presented, storedHash string) bool {
	if storedHash == "" {
		return false
	}
	computed := Hash(presented)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

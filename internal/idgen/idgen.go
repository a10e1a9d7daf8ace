// Package idgen generates the prefixed random identifiers used across
// the service ("esc_", "wal_", ...).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randHex returns n random bytes hex-encoded. A failing crypto/rand
// means the process cannot mint unique IDs and must not continue.
func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns the prefix followed by 24 hex characters of
// randomness, e.g. WithPrefix("esc_") -> "esc_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + randHex(12)
}

// New returns an unprefixed 32-hex-character random ID.
func New() string {
	return randHex(16)
}

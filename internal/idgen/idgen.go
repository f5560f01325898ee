// Package idgen mints record IDs. IDs are a short type prefix ("ofr_",
// "esc_", "evl_") followed by the hex form of a version 7 UUID, so IDs of the
// same type sort roughly by creation time.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// WithPrefix returns prefix plus 32 lowercase hex characters.
func WithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	buf := make([]byte, len(prefix)+32)
	copy(buf, prefix)
	hex.Encode(buf[len(prefix):], u[:])
	return string(buf)
}

// Hex returns n random bytes hex-encoded, for tokens that must not be
// guessable (lock ownership, request IDs).
func Hex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

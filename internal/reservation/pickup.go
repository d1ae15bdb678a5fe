package reservation

import (
	"crypto/rand"
	"fmt"
)

// Pickup codes are read aloud at the counter, so the alphabet drops the
// characters that are easy to mishear or misread (0/O, 1/I/L).
const (
	pickupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	pickupCodeLength   = 8
)

// NewPickupCode returns a short random code. Uniqueness is enforced by the
// database; callers retry on collision.
func NewPickupCode() (string, error) {
	buf := make([]byte, pickupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	out := make([]byte, pickupCodeLength)
	for i, b := range buf {
		out[i] = pickupCodeAlphabet[int(b)%len(pickupCodeAlphabet)]
	}
	return string(out), nil
}

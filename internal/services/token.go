package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	tokenCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// TokenLength is the length of challenge tokens and continuation keys.
	TokenLength = 32
)

// NewToken draws a token of the given length from a cryptographically secure
// source. With 62 symbols a 32-character token carries ~190 bits of entropy.
func NewToken(length int) (string, error) {
	max := big.NewInt(int64(len(tokenCharset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		out[i] = tokenCharset[n.Int64()]
	}
	return string(out), nil
}

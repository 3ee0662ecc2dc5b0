package auth

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	nonceMin   = 100_000_000
	nonceRange = 900_000_000
	letters    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NonceFunc produces a fresh challenge nonce.
type NonceFunc func() string

// NewNonce returns a nine digit random number with a random letter after
// every third digit, e.g. "482k913Q077".
func NewNonce() string {
	digits := NewNumericNonce()
	var b strings.Builder
	for i := 0; i < len(digits); i++ {
		b.WriteByte(digits[i])
		if i%3 == 2 && i < len(digits)-1 {
			b.WriteByte(letters[randInt(len(letters))])
		}
	}
	return b.String()
}

// NewNumericNonce returns a random number in [100000000, 999999999].
func NewNumericNonce() string {
	return big.NewInt(int64(nonceMin + randInt(nonceRange))).String()
}

func randInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return int(v.Int64())
}

package presence

import (
	"crypto/rand"
	"math/big"
)

// Source draws the starting point for connection id allocation.
type Source interface {
	// Int63n returns a value in [0, n).
	Int63n(n int64) int64
}

// cryptoSource implements Source using crypto/rand.
type cryptoSource struct{}

// NewCryptoSource returns a Source backed by crypto/rand.
//
// Postcondition: Every value returned by Int63n is in [0, n).
func NewCryptoSource() Source {
	return cryptoSource{}
}

// Int63n returns a cryptographically secure random value in [0, n).
//
// Precondition: n > 0. Panics if n <= 0 or crypto/rand fails.
func (cryptoSource) Int63n(n int64) int64 {
	if n <= 0 {
		panic("presence: Int63n called with n <= 0")
	}
	val, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		panic("presence: crypto/rand failure: " + err.Error())
	}
	return val.Int64()
}

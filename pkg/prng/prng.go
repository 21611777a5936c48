// Package prng expands a shared seed into the pseudorandom bit vectors used
// by the seeded query modes (request types 1 and 2), so that a requestor and
// a mirror holding the same seed derive byte-identical vectors without
// exchanging them over the wire.
package prng

import (
	"fmt"

	"golang.org/x/crypto/chacha20"
	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/raidpir/pkg/bitvector"
	"github.com/WebFirstLanguage/raidpir/pkg/constants"
)

// ErrSeedSize is returned when a seed is not exactly constants.SeedSize bytes.
var ErrSeedSize = fmt.Errorf("prng: seed must be %d bytes", constants.SeedSize)

// Expand deterministically derives an n-bit BitVector from seed using
// ChaCha20 in counter mode: the seed is used directly as the 256-bit key,
// the 96-bit nonce is derived from the seed via BLAKE3 so that distinct
// seeds never share a (key, nonce) pair, and the keystream starting at
// counter 0 becomes the vector's packed bytes.
//
// Construction is pinned: any two implementations given the same seed and
// bit count must produce identical output, since requestor and mirror rely
// on this for the seeded query modes to agree without exchanging data.
func Expand(seed []byte, n int) (*bitvector.BitVector, error) {
	if len(seed) != constants.SeedSize {
		return nil, ErrSeedSize
	}

	nonce := deriveNonce(seed)
	cipher, err := chacha20.NewUnauthenticatedCipher(seed, nonce)
	if err != nil {
		return nil, fmt.Errorf("prng: init cipher: %w", err)
	}

	byteLen := bitvector.ByteLen(n)
	keystream := make([]byte, byteLen)
	cipher.XORKeyStream(keystream, keystream)

	return bitvector.FromBytes(keystream, n)
}

// deriveNonce derives the 12-byte ChaCha20 nonce from a seed via BLAKE3,
// keyed by a fixed domain-separation string so the derivation can never
// collide with another use of the same hash.
func deriveNonce(seed []byte) []byte {
	h := blake3.New(32, nil)
	h.Write([]byte("raidpir-prng-nonce"))
	h.Write(seed)
	sum := h.Sum(nil)
	return sum[:chacha20.NonceSize]
}

// NewSeed derives a seed deterministically from a parent seed and a counter.
// The query builder does not use it: it draws every seed directly from its
// randomness source.
func NewSeed(parent []byte, counter uint64) []byte {
	h := blake3.New(constants.SeedSize, nil)
	h.Write([]byte("raidpir-prng-seed"))
	h.Write(parent)
	var ctr [8]byte
	for i := 0; i < 8; i++ {
		ctr[i] = byte(counter >> (56 - 8*i))
	}
	h.Write(ctr[:])
	return h.Sum(nil)
}

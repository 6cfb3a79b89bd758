// Package utils holds small helpers shared by the engine and its clients.
package utils

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

// Random is a seedable PCG generator safe for concurrent use. Two instances
// created with the same non-zero seed produce the same sequence.
type Random struct {
	mu   sync.Mutex
	rng  *rand.Rand
	seed uint64
}

// NewRandom returns a generator for seed. A zero seed draws one from
// crypto/rand, so unseeded runs differ.
func NewRandom(seed int64) *Random {
	s := uint64(seed)
	if seed == 0 {
		s = randomSeed()
	}
	return newRandom(s)
}

func newRandom(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), seed: seed}
}

func randomSeed() uint64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Seed returns the seed the generator started from; log it to replay a run.
func (r *Random) Seed() uint64 { return r.seed }

// Fork derives an independent generator from the next value of r.
func (r *Random) Fork() *Random {
	r.mu.Lock()
	s := r.rng.Uint64()
	r.mu.Unlock()
	return newRandom(s)
}

// ForkN derives n generators, one per worker. The result depends only on
// the state of r, so seeded runs give every worker the same stream.
func (r *Random) ForkN(n int) []*Random {
	out := make([]*Random, n)
	for i := range out {
		out[i] = r.Fork()
	}
	return out
}

// IntN returns a value in [0, n), or 0 when n <= 0.
func (r *Random) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Int64Range returns a value in [lo, hi], or lo when the range is empty.
func (r *Random) Int64Range(lo, hi int64) int64 {
	if lo >= hi {
		return lo
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo + r.rng.Int64N(hi-lo+1)
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String returns n random alphanumeric characters.
func (r *Random) String(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	r.mu.Lock()
	for i := range b {
		b[i] = alphanumeric[r.rng.IntN(len(alphanumeric))]
	}
	r.mu.Unlock()
	return string(b)
}

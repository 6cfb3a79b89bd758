package utils

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomReproducibility(t *testing.T) {
	a, b := NewRandom(42), NewRandom(42)
	for i := 0; i < 500; i++ {
		require.Equal(t, a.IntN(1000), b.IntN(1000), "IntN at %d", i)
		require.Equal(t, a.Int64Range(-5, 5), b.Int64Range(-5, 5), "Int64Range at %d", i)
	}
	assert.Equal(t, a.String(32), b.String(32))
	assert.Equal(t, uint64(42), a.Seed())
}

func TestZeroSeedIsRandom(t *testing.T) {
	a, b := NewRandom(0), NewRandom(0)
	assert.NotZero(t, a.Seed())
	assert.NotEqual(t, a.Seed(), b.Seed())
}

func TestForkNIsDeterministicAndIndependent(t *testing.T) {
	first := NewRandom(7).ForkN(4)
	second := NewRandom(7).ForkN(4)
	require.Len(t, first, 4)

	seeds := map[uint64]bool{}
	for i := range first {
		assert.Equal(t, first[i].Seed(), second[i].Seed())
		assert.Equal(t, first[i].String(16), second[i].String(16))
		seeds[first[i].Seed()] = true
	}
	assert.Len(t, seeds, 4)
}

func TestRanges(t *testing.T) {
	r := NewRandom(1)
	assert.Equal(t, 0, r.IntN(0))
	assert.Equal(t, 0, r.IntN(-3))
	assert.Equal(t, int64(9), r.Int64Range(9, 9))
	assert.Equal(t, int64(9), r.Int64Range(9, 2))
	assert.Equal(t, "", r.String(0))

	for i := 0; i < 1000; i++ {
		v := r.Int64Range(10, 12)
		assert.True(t, v >= 10 && v <= 12, "got %d", v)
		n := r.IntN(3)
		assert.True(t, n >= 0 && n < 3, "got %d", n)
	}
}

func TestStringCharset(t *testing.T) {
	s := NewRandom(3).String(200)
	assert.Len(t, s, 200)
	for _, c := range s {
		assert.Contains(t, alphanumeric, string(c))
	}
}

func TestConcurrentUse(t *testing.T) {
	r := NewRandom(5)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.IntN(100)
				_ = r.String(4)
			}
		}()
	}
	wg.Wait()
}

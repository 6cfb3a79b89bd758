package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willfong/workload-generator/internal/utils"
)

func TestDispatcherFrequencies(t *testing.T) {
	d, err := NewDispatcher([]Weight{{KindSearch, 30}, {KindModify, 70}})
	require.NoError(t, err)

	rng := utils.NewRandom(42)
	const draws = 100000
	counts := map[Kind]int{}
	for i := 0; i < draws; i++ {
		counts[d.Select(rng)]++
	}

	freq := float64(counts[KindSearch]) / draws
	assert.LessOrEqual(t, math.Abs(freq-0.30), 0.01, "search frequency %.4f", freq)
	assert.Equal(t, draws, counts[KindSearch]+counts[KindModify])
}

func TestDispatcherThresholds(t *testing.T) {
	d, err := NewDispatcher([]Weight{{KindAdd, 1}, {KindBind, 0}, {KindDelete, 2}, {KindSearch, 3}})
	require.NoError(t, err)

	assert.Equal(t, 6, d.Total())
	assert.Equal(t, []Kind{KindAdd, KindDelete, KindSearch}, d.Kinds())

	want := []Kind{KindAdd, KindDelete, KindDelete, KindSearch, KindSearch, KindSearch}
	for draw, k := range want {
		assert.Equal(t, k, d.KindFor(draw), "draw %d", draw)
	}
}

func TestDispatcherRejectsBadWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights []Weight
	}{
		{"empty", nil},
		{"all zero", []Weight{{KindAdd, 0}, {KindDelete, 0}}},
		{"negative", []Weight{{KindAdd, 5}, {KindDelete, -1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDispatcher(tt.weights)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"add":       KindAdd,
		" Search ":  KindSearch,
		"moddn":     KindRename,
		"modify_dn": KindRename,
		"rename":    KindRename,
		"compare":   KindCompare,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("truncate")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestKindConsumesResource(t *testing.T) {
	for _, k := range AllKinds {
		want := k == KindDelete || k == KindRename
		assert.Equal(t, want, k.ConsumesResource(), k.String())
	}
}

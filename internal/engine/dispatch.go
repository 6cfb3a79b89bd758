package engine

import (
	"fmt"
	"sort"
)

// Weight is a configured relative frequency for one kind.
type Weight struct {
	Kind   Kind
	Weight int
}

// Dispatcher selects operation kinds with probability proportional to their
// weights. It is immutable after construction and safe to share.
type Dispatcher struct {
	kinds      []Kind
	thresholds []int // cumulative, strictly increasing
	total      int
}

// NewDispatcher builds cumulative thresholds from weights in the given order.
// Kinds with zero weight are dropped.
func NewDispatcher(weights []Weight) (*Dispatcher, error) {
	d := &Dispatcher{}
	for _, w := range weights {
		if w.Weight < 0 {
			return nil, fmt.Errorf("%w: weight for %s must not be negative", ErrConfiguration, w.Kind)
		}
		if w.Weight == 0 {
			continue
		}
		d.total += w.Weight
		d.kinds = append(d.kinds, w.Kind)
		d.thresholds = append(d.thresholds, d.total)
	}
	if d.total == 0 {
		return nil, fmt.Errorf("%w: at least one operation type must have a positive weight", ErrConfiguration)
	}
	return d, nil
}

// Total returns the sum of all weights.
func (d *Dispatcher) Total() int { return d.total }

// Kinds returns the kinds with positive weight.
func (d *Dispatcher) Kinds() []Kind {
	return append([]Kind(nil), d.kinds...)
}

// Intn is the random source a dispatcher draws from.
type Intn interface {
	IntN(n int) int
}

// Select draws a kind.
func (d *Dispatcher) Select(rng Intn) Kind {
	return d.KindFor(rng.IntN(d.total))
}

// KindFor maps a draw in [0, total) to the first kind whose threshold
// exceeds it.
func (d *Dispatcher) KindFor(draw int) Kind {
	i := sort.SearchInts(d.thresholds, draw+1)
	if i >= len(d.kinds) {
		i = len(d.kinds) - 1
	}
	return d.kinds[i]
}

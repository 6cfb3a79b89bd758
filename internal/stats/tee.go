package stats

import (
	"time"

	"github.com/willfong/workload-generator/internal/engine"
)

// Tee fans every update out to several sinks in order.
type Tee []engine.Sink

func (t Tee) CollectionStarted(worker int, at time.Time) {
	for _, s := range t {
		s.CollectionStarted(worker, at)
	}
}

func (t Tee) CollectionStopped(worker int, at time.Time) {
	for _, s := range t {
		s.CollectionStopped(worker, at)
	}
}

func (t Tee) Record(worker int, o engine.Outcome) {
	for _, s := range t {
		s.Record(worker, o)
	}
}

package engine

import (
	"context"
	"time"
)

// Outcome describes one dispatched operation. It is handed to the statistics
// sink and never retained by the engine.
type Outcome struct {
	// Requested is what the dispatcher chose; Kind is what actually ran.
	// They differ when an empty pool forced a substitution.
	Requested Kind
	Kind      Kind
	Code      string
	Class     ErrorClass
	Elapsed   time.Duration
	Count     int
	Err       error

	ExceededThreshold bool
	Substituted       bool
	Skipped           bool
}

// Failed reports whether the operation did not succeed.
func (o Outcome) Failed() bool {
	return o.Class != ClassNone
}

// Executor runs single operations, timing them and classifying failures.
// It never returns errors to its caller: failures become outcomes.
type Executor struct {
	conns     ConnectionManager
	clock     Clock
	threshold time.Duration
}

// NewExecutor creates an executor. A positive threshold flags outcomes whose
// elapsed time exceeds it.
func NewExecutor(conns ConnectionManager, clock Clock, threshold time.Duration) *Executor {
	if clock == nil {
		clock = RealClock{}
	}
	return &Executor{conns: conns, clock: clock, threshold: threshold}
}

// Execute performs req on h. Connectivity failures invalidate h; operation
// failures leave it usable.
func (e *Executor) Execute(ctx context.Context, h *ConnHandle, req Request) Outcome {
	start := e.clock.Now()
	res, err := h.Conn().Do(ctx, req)
	elapsed := e.clock.Since(start)

	o := Outcome{
		Requested: req.Kind,
		Kind:      req.Kind,
		Code:      res.Code,
		Class:     ClassNone,
		Elapsed:   elapsed,
		Count:     res.Count,
	}
	if o.Code == "" {
		o.Code = CodeSuccess
	}

	if err != nil {
		o.Err = err
		o.Class = Classify(err)
		o.Code = ResultCodeOf(err)
		if o.Class == ClassConnectivity {
			e.conns.Invalidate(ctx, h)
		}
	}

	if e.threshold > 0 && elapsed > e.threshold {
		o.ExceededThreshold = true
	}
	return o
}

package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willfong/workload-generator/internal/utils"
)

// WorkerState is the lifecycle state of a worker loop.
type WorkerState int32

const (
	WorkerRunning WorkerState = iota
	WorkerStopRequested
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerRunning:
		return "RUNNING"
	case WorkerStopRequested:
		return "STOP_REQUESTED"
	case WorkerStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// EmptyPoolPolicy decides what a delete or rename does when the pool is empty.
type EmptyPoolPolicy string

const (
	// EmptyPoolSubstitute performs an add instead for that iteration.
	EmptyPoolSubstitute EmptyPoolPolicy = "substitute"
	// EmptyPoolSkip records a skipped outcome without touching the target.
	EmptyPoolSkip EmptyPoolPolicy = "skip"
)

// TargetSource yields identifiers for operations that do not use the pool.
type TargetSource interface {
	Next(rng *utils.Random) string
}

// Namer builds identifiers for created resources from a template containing
// {run}, {worker} and {seq} placeholders.
type Namer struct {
	Template string
	RunID    string
}

func (n Namer) Name(worker int, seq int64) string {
	r := strings.NewReplacer(
		"{run}", n.RunID,
		"{worker}", strconv.Itoa(worker),
		"{seq}", strconv.FormatInt(seq, 10),
	)
	return r.Replace(n.Template)
}

// WorkerConfig holds the per-worker settings derived from a RunConfig.
type WorkerConfig struct {
	ID              int
	MaxOps          int64
	RequestDelay    time.Duration
	ReconnectDelay  time.Duration
	EmptyPoolPolicy EmptyPoolPolicy
	ValueLength     int
	// Cleanup deletes the resources left in the pool when the worker stops.
	// It only applies when the worker owns its pool.
	Cleanup bool
}

// WorkerStats summarizes what one worker did over its whole life,
// independent of the statistics window.
type WorkerStats struct {
	ID             int
	Ops            int64
	Failures       int64
	Skipped        int64
	Substituted    int64
	Reconnects     int64
	CleanupDeleted int
	CleanupFailed  int
	Err            error
}

// Worker runs the dispatch loop for one thread of load.
type Worker struct {
	cfg   WorkerConfig
	log   zerolog.Logger
	clock Clock
	rng   *utils.Random

	limiter    RateLimiter
	window     *StatisticsWindow
	dispatcher *Dispatcher
	conns      ConnectionManager
	ownsConns  bool
	exec       *Executor
	pool       *ResourcePool
	ownsPool   bool
	sink       Sink
	namer      Namer
	targets    TargetSource

	state      atomic.Int32
	seq        int64
	lastStart  time.Time
	collecting bool
	stats      WorkerStats
}

// WorkerDeps are the collaborators a worker needs. Shared components are
// passed in by the runner; per-worker ones are created for each worker.
type WorkerDeps struct {
	Logger     zerolog.Logger
	Clock      Clock
	Rand       *utils.Random
	Limiter    RateLimiter
	Window     *StatisticsWindow
	Dispatcher *Dispatcher
	Conns      ConnectionManager
	OwnsConns  bool
	Pool       *ResourcePool
	OwnsPool   bool
	Sink       Sink
	Namer      Namer
	Targets    TargetSource
	Threshold  time.Duration
}

func NewWorker(cfg WorkerConfig, deps WorkerDeps) *Worker {
	clock := deps.Clock
	if clock == nil {
		clock = RealClock{}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = Unlimited{}
	}
	w := &Worker{
		cfg:        cfg,
		log:        deps.Logger.With().Int("worker", cfg.ID).Logger(),
		clock:      clock,
		rng:        deps.Rand,
		limiter:    limiter,
		window:     deps.Window,
		dispatcher: deps.Dispatcher,
		conns:      deps.Conns,
		ownsConns:  deps.OwnsConns,
		exec:       NewExecutor(deps.Conns, clock, deps.Threshold),
		pool:       deps.Pool,
		ownsPool:   deps.OwnsPool,
		sink:       deps.Sink,
		namer:      deps.Namer,
		targets:    deps.Targets,
		stats:      WorkerStats{ID: cfg.ID},
	}
	if w.rng == nil {
		w.rng = utils.NewRandom(0)
	}
	if w.window == nil {
		w.window = NewStatisticsWindow(WindowConfig{RunStart: clock.Now()})
	}
	w.window.SetOnCollectionStart(func(at time.Time) {
		w.log.Debug().Msg("statistics collection started")
		if w.sink != nil {
			w.sink.CollectionStarted(cfg.ID, at)
		}
	})
	w.window.SetOnCollectionStop(func(at time.Time) {
		w.log.Debug().Msg("statistics collection stopped")
		if w.sink != nil {
			w.sink.CollectionStopped(cfg.ID, at)
		}
	})
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// RequestStop asks the loop to exit at its next safe point. It has no effect
// once a stop was requested or the worker has stopped.
func (w *Worker) RequestStop() {
	w.state.CompareAndSwap(int32(WorkerRunning), int32(WorkerStopRequested))
}

// Stats returns the worker's lifetime counters. Call it after Run returns.
func (w *Worker) Stats() WorkerStats { return w.stats }

// Run executes the loop until a stop is requested, ctx is cancelled or the
// operation limit is reached. Cancelling ctx wakes sleeps but never aborts a
// protocol call in flight. The returned error is non-nil only when the worker
// stopped because of an unrecoverable failure.
func (w *Worker) Run(ctx context.Context) (err error) {
	w.log.Debug().Msg("worker started")
	defer func() { w.finish(ctx, err) }()

	opCtx := context.WithoutCancel(ctx)
	for {
		if w.shouldStop(ctx) {
			return nil
		}

		if w.limiter.Await(ctx) {
			continue
		}

		now := w.clock.Now()
		if w.cfg.RequestDelay > 0 && !w.lastStart.IsZero() {
			next := w.lastStart.Add(w.cfg.RequestDelay)
			if now.Before(next) {
				if w.clock.SleepUntil(ctx, next) != nil {
					continue
				}
				now = w.clock.Now()
			}
		}
		w.lastStart = now

		// judged at the instant the operation starts, after any delay
		w.collecting = w.window.Observe(now)

		kind := w.dispatcher.Select(w.rng)

		h, err := w.conns.Get(ctx)
		if err != nil {
			if errors.Is(err, ErrUnrecoverable) {
				w.log.Error().Err(err).Msg("worker stopped due to error")
				return err
			}
			if ctx.Err() == nil {
				_ = w.clock.SleepUntil(ctx, w.clock.Now().Add(w.cfg.ReconnectDelay))
			}
			continue
		}

		w.perform(opCtx, h, kind)
		w.stats.Ops++
	}
}

func (w *Worker) shouldStop(ctx context.Context) bool {
	if w.State() != WorkerRunning || ctx.Err() != nil {
		return true
	}
	if w.cfg.MaxOps > 0 && w.stats.Ops >= w.cfg.MaxOps {
		w.RequestStop()
		return true
	}
	return false
}

func (w *Worker) perform(ctx context.Context, h *ConnHandle, kind Kind) {
	req := Request{Kind: kind}
	substituted := false

	var taken ResourceHandle
	if kind.ConsumesResource() {
		var ok bool
		taken, ok = w.pool.Take()
		if !ok {
			if w.cfg.EmptyPoolPolicy == EmptyPoolSkip {
				w.record(Outcome{Requested: kind, Kind: kind, Code: CodeSkipped, Class: ClassNone, Err: ErrResourceExhausted, Skipped: true})
				return
			}
			req.Kind = KindAdd
			substituted = true
		}
	}

	var created ResourceHandle
	switch req.Kind {
	case KindAdd:
		created = w.nextHandle()
		req.Target = created.ID
		req.Value = w.rng.String(w.cfg.ValueLength)
	case KindDelete:
		req.Target = taken.ID
	case KindRename:
		created = w.nextHandle()
		created.CreatedAt = taken.CreatedAt
		req.Target = taken.ID
		req.NewTarget = created.ID
	case KindModify, KindCompare:
		req.Target = w.targets.Next(w.rng)
		req.Value = w.rng.String(w.cfg.ValueLength)
	case KindSearch, KindBind:
		req.Target = w.targets.Next(w.rng)
	}

	o := w.exec.Execute(ctx, h, req)
	o.Requested = kind
	o.Substituted = substituted

	switch req.Kind {
	case KindAdd:
		if !o.Failed() {
			w.pool.Add(created)
		}
	case KindDelete:
		// the entry most likely still exists if the request never reached the server
		if o.Class == ClassConnectivity {
			w.pool.Add(taken)
		}
	case KindRename:
		if o.Failed() {
			w.pool.Add(taken)
		} else {
			w.pool.Add(created)
		}
	}

	w.record(o)
}

func (w *Worker) nextHandle() ResourceHandle {
	w.seq++
	return ResourceHandle{
		ID:        w.namer.Name(w.cfg.ID, w.seq),
		Worker:    w.cfg.ID,
		Seq:       w.seq,
		CreatedAt: w.clock.Now(),
	}
}

func (w *Worker) record(o Outcome) {
	switch {
	case o.Skipped:
		w.stats.Skipped++
	case o.Failed():
		w.stats.Failures++
	}
	if o.Substituted {
		w.stats.Substituted++
	}
	if w.collecting && w.sink != nil {
		w.sink.Record(w.cfg.ID, o)
	}
}

func (w *Worker) finish(ctx context.Context, runErr error) {
	w.window.Stop(w.clock.Now())

	if w.ownsPool && w.cfg.Cleanup {
		deleted, failed := CleanupPool(context.WithoutCancel(ctx), w.pool, w.conns, w.log)
		w.stats.CleanupDeleted = deleted
		w.stats.CleanupFailed = failed
	}

	w.stats.Reconnects = w.conns.Reconnects()
	if w.ownsConns {
		CloseQuietly(w.conns, w.log, "worker connections")
	}

	w.stats.Err = runErr
	w.state.Store(int32(WorkerStopped))
	w.log.Debug().Int64("ops", w.stats.Ops).Msg("worker stopped")
}

// CleanupPool deletes every resource left in pool. Failures are logged and do
// not stop the remaining deletes.
func CleanupPool(ctx context.Context, pool *ResourcePool, conns ConnectionManager, log zerolog.Logger) (deleted, failed int) {
	errs := pool.Drain(func(rh ResourceHandle) error {
		h, err := conns.Get(ctx)
		if err != nil {
			return err
		}
		_, err = h.Conn().Do(ctx, Request{Kind: KindDelete, Target: rh.ID})
		if err != nil {
			if Classify(err) == ClassConnectivity {
				conns.Invalidate(ctx, h)
			}
			log.Warn().Err(err).Str("resource", rh.ID).Msg("cleanup delete failed")
			return err
		}
		deleted++
		return nil
	})
	return deleted, len(errs)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/willfong/workload-generator/internal/utils"
)

// Scope selects whether a component is shared by the run or owned per worker.
type Scope string

const (
	ScopeRun    Scope = "run"
	ScopeWorker Scope = "worker"
)

// RunConfig is the validated, immutable configuration of one run.
type RunConfig struct {
	Workers int
	// Duration bounds the run; zero runs until stopped or MaxOpsPerWorker.
	Duration        time.Duration
	MaxOpsPerWorker int64

	Rate         float64
	RateInterval time.Duration
	RateMode     RateMode
	RateScope    Scope

	WarmUp                time.Duration
	CoolDown              time.Duration
	ResponseTimeThreshold time.Duration
	RequestDelay          time.Duration

	Weights []Weight

	ConnMode           ConnMode
	OpsBeforeReconnect int64
	ReconnectBackoff   time.Duration
	// ReconnectRate caps re-dials per second across the run; zero disables it.
	ReconnectRate float64

	PoolScope        Scope
	EmptyPoolPolicy  EmptyPoolPolicy
	Cleanup          bool
	ResourceTemplate string
	ValueLength      int

	Seed int64
}

// Deps are the external collaborators of a run.
type Deps struct {
	Dialer  Dialer
	Targets TargetSource
	Sink    Sink
	Logger  zerolog.Logger
	Clock   Clock
	// RunID names the run; a random UUID is used when empty.
	RunID string
}

// Summary describes a finished run.
type Summary struct {
	RunID          string
	Started        time.Time
	Finished       time.Time
	Workers        []WorkerStats
	Ops            int64
	Failures       int64
	Skipped        int64
	Substituted    int64
	Reconnects     int64
	CleanupDeleted int
	CleanupFailed  int
	// WorkersFailed counts workers that stopped due to an unrecoverable error.
	WorkersFailed int
}

// Runner owns every component of one run and supervises its workers.
type Runner struct {
	cfg        RunConfig
	deps       Deps
	id         string
	log        zerolog.Logger
	clock      Clock
	dispatcher *Dispatcher

	startOnce sync.Once
	started   atomic.Bool
	stopping  atomic.Bool
	cancel    context.CancelFunc
	workers   []*Worker
	done      chan struct{}

	summary Summary
	err     error
}

// NewRunner validates cfg against the client's capabilities and prepares a
// run. Configuration problems are reported as ErrConfiguration.
func NewRunner(cfg RunConfig, deps Deps) (*Runner, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("%w: no protocol client configured", ErrConfiguration)
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("%w: workers must be at least 1", ErrConfiguration)
	}
	d, err := NewDispatcher(cfg.Weights)
	if err != nil {
		return nil, err
	}
	for _, k := range d.Kinds() {
		if !deps.Dialer.Supports(k) {
			return nil, fmt.Errorf("%w: %w: client cannot perform %s", ErrConfiguration, ErrUnsupportedKind, k)
		}
		if !k.ConsumesResource() && k != KindAdd && deps.Targets == nil {
			return nil, fmt.Errorf("%w: %s requires a target pattern", ErrConfiguration, k)
		}
	}
	if cfg.ResourceTemplate == "" {
		cfg.ResourceTemplate = "{run}-{worker}-{seq}"
	}
	if cfg.EmptyPoolPolicy == "" {
		cfg.EmptyPoolPolicy = EmptyPoolSubstitute
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}

	id := deps.RunID
	if id == "" {
		id = uuid.NewString()
	}
	return &Runner{
		cfg:        cfg,
		deps:       deps,
		id:         id,
		log:        deps.Logger.With().Str("run_id", id).Logger(),
		clock:      deps.Clock,
		dispatcher: d,
		done:       make(chan struct{}),
	}, nil
}

// ID returns the run identifier used in resource names and logs.
func (r *Runner) ID() string { return r.id }

// Done is closed once every worker has stopped and teardown finished.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Start launches the workers and returns immediately. It fails when called
// twice or when a shared connection cannot be established.
func (r *Runner) Start(ctx context.Context) error {
	err := errors.New("runner already started")
	r.startOnce.Do(func() {
		err = r.start(ctx)
	})
	return err
}

func (r *Runner) start(ctx context.Context) error {
	cfg := r.cfg
	stopCtx, cancel := context.WithCancel(ctx)

	runStart := r.clock.Now()
	var stopTime time.Time
	if cfg.Duration > 0 {
		stopTime = runStart.Add(cfg.Duration)
	}

	policy := ConnPolicy{
		OpsBeforeReconnect: cfg.OpsBeforeReconnect,
		Backoff:            cfg.ReconnectBackoff,
	}
	if cfg.ReconnectRate > 0 {
		policy.Throttle = rate.NewLimiter(rate.Limit(cfg.ReconnectRate), 1)
	}

	var shared *SharedConns
	if cfg.ConnMode == ConnShared {
		shared = NewSharedConns(r.deps.Dialer, policy, r.clock, r.log)
		if err := shared.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("connecting: %w", err)
		}
	}

	var sharedLimiter RateLimiter
	if cfg.RateScope != ScopeWorker {
		sharedLimiter = NewRateLimiter(cfg.RateMode, cfg.Rate, cfg.RateInterval, r.clock)
	}

	var sharedPool *ResourcePool
	if cfg.PoolScope != ScopeWorker {
		sharedPool = NewResourcePool()
	}

	namer := Namer{Template: cfg.ResourceTemplate, RunID: r.id}
	rngs := utils.NewRandom(cfg.Seed).ForkN(cfg.Workers)

	r.workers = make([]*Worker, cfg.Workers)
	for i := range r.workers {
		deps := WorkerDeps{
			Logger:     r.log,
			Clock:      r.clock,
			Rand:       rngs[i],
			Limiter:    sharedLimiter,
			Dispatcher: r.dispatcher,
			Pool:       sharedPool,
			Sink:       r.deps.Sink,
			Namer:      namer,
			Targets:    r.deps.Targets,
			Threshold:  cfg.ResponseTimeThreshold,
			Window: NewStatisticsWindow(WindowConfig{
				RunStart: runStart,
				WarmUp:   cfg.WarmUp,
				CoolDown: cfg.CoolDown,
				StopTime: stopTime,
			}),
		}
		if deps.Limiter == nil {
			deps.Limiter = NewRateLimiter(cfg.RateMode, cfg.Rate, cfg.RateInterval, r.clock)
		}
		if shared != nil {
			deps.Conns = shared
		} else {
			deps.Conns = NewWorkerConns(r.deps.Dialer, policy, r.log.With().Int("worker", i).Logger())
			deps.OwnsConns = true
		}
		if deps.Pool == nil {
			deps.Pool = NewResourcePool()
			deps.OwnsPool = true
		}
		r.workers[i] = NewWorker(WorkerConfig{
			ID:              i,
			MaxOps:          cfg.MaxOpsPerWorker,
			RequestDelay:    cfg.RequestDelay,
			ReconnectDelay:  cfg.ReconnectBackoff,
			EmptyPoolPolicy: cfg.EmptyPoolPolicy,
			ValueLength:     cfg.ValueLength,
			Cleanup:         cfg.Cleanup,
		}, deps)
	}

	r.cancel = cancel
	r.started.Store(true)

	r.log.Info().
		Int("workers", cfg.Workers).
		Float64("rate", cfg.Rate).
		Dur("duration", cfg.Duration).
		Str("connection_mode", string(cfg.ConnMode)).
		Msg("run started")

	var g errgroup.Group
	for _, w := range r.workers {
		g.Go(func() error {
			if err := w.Run(stopCtx); err != nil {
				return fmt.Errorf("worker %d: %w", w.cfg.ID, err)
			}
			return nil
		})
	}

	if !stopTime.IsZero() {
		go func() {
			if r.clock.SleepUntil(stopCtx, stopTime) == nil {
				r.log.Debug().Msg("run duration elapsed")
				r.RequestStop()
			}
		}()
	}

	go func() {
		err := g.Wait()
		r.teardown(stopCtx, runStart, shared, sharedPool, err)
		cancel()
		close(r.done)
	}()
	return nil
}

func (r *Runner) teardown(ctx context.Context, started time.Time, shared *SharedConns, pool *ResourcePool, err error) {
	s := Summary{
		RunID:   r.id,
		Started: started,
		Workers: make([]WorkerStats, len(r.workers)),
	}
	for i, w := range r.workers {
		ws := w.Stats()
		s.Workers[i] = ws
		s.Ops += ws.Ops
		s.Failures += ws.Failures
		s.Skipped += ws.Skipped
		s.Substituted += ws.Substituted
		s.CleanupDeleted += ws.CleanupDeleted
		s.CleanupFailed += ws.CleanupFailed
		if ws.Err != nil {
			s.WorkersFailed++
		}
		if shared == nil {
			s.Reconnects += ws.Reconnects
		}
	}

	if pool != nil && r.cfg.Cleanup {
		cleanupCtx := context.WithoutCancel(ctx)
		conns := ConnectionManager(shared)
		if shared == nil {
			conns = NewWorkerConns(r.deps.Dialer, ConnPolicy{}, r.log)
		}
		deleted, failed := CleanupPool(cleanupCtx, pool, conns, r.log)
		s.CleanupDeleted += deleted
		s.CleanupFailed += failed
		if shared == nil {
			CloseQuietly(conns, r.log, "cleanup connection")
		}
	}

	if shared != nil {
		s.Reconnects = shared.Reconnects()
		CloseQuietly(shared, r.log, "shared connection")
	}

	s.Finished = r.clock.Now()
	r.summary = s
	r.err = err

	ev := r.log.Info()
	if s.WorkersFailed > 0 {
		ev = r.log.Warn().Int("workers_failed", s.WorkersFailed)
	}
	ev.Int64("ops", s.Ops).
		Int64("failures", s.Failures).
		Int64("reconnects", s.Reconnects).
		Dur("elapsed", s.Finished.Sub(s.Started)).
		Msg("run finished")
}

// RequestStop asks every worker to stop at its next safe point. It is safe
// to call more than once and after the run has finished. Before Start it
// does nothing.
func (r *Runner) RequestStop() {
	if !r.started.Load() || r.stopping.Swap(true) {
		return
	}
	r.log.Debug().Msg("stop requested")
	for _, w := range r.workers {
		w.RequestStop()
	}
	r.cancel()
}

// Wait blocks until the run finishes and returns its summary. The error is
// non-nil when at least one worker stopped due to an unrecoverable failure.
func (r *Runner) Wait() (Summary, error) {
	if !r.started.Load() {
		return Summary{RunID: r.id}, errors.New("runner not started")
	}
	<-r.done
	return r.summary, r.err
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnMode selects whether workers own their connections or share one.
type ConnMode string

const (
	ConnPerWorker ConnMode = "worker"
	ConnShared    ConnMode = "shared"
)

// ConnHandle wraps a live connection with its lifetime counters.
type ConnHandle struct {
	conn Conn
	gen  uint64
	ops  atomic.Int64
	// dead is set once any worker reports a connectivity failure on it.
	dead atomic.Bool
}

// Conn returns the wrapped protocol connection.
func (h *ConnHandle) Conn() Conn { return h.conn }

// Generation identifies which connection this is; it grows on every replacement.
func (h *ConnHandle) Generation() uint64 { return h.gen }

// Ops returns the number of operations started on this connection.
func (h *ConnHandle) Ops() int64 { return h.ops.Load() }

// Dead reports whether the connection has been invalidated.
func (h *ConnHandle) Dead() bool { return h.dead.Load() }

// ConnPolicy controls connection lifetime and recovery.
type ConnPolicy struct {
	// OpsBeforeReconnect proactively replaces a connection after this many
	// operations; zero disables it.
	OpsBeforeReconnect int64
	// Backoff is the fixed sleep after a failed reconnect, and the wait of a
	// worker that finds another worker already reconnecting.
	Backoff time.Duration
	// Throttle, when set, bounds the rate of re-dials across the run.
	Throttle *rate.Limiter
}

func (p ConnPolicy) exhausted(h *ConnHandle) bool {
	return p.OpsBeforeReconnect > 0 && h.ops.Load() >= p.OpsBeforeReconnect
}

// usable reports whether h may be handed out again.
func (p ConnPolicy) usable(h *ConnHandle) bool {
	return h != nil && !h.dead.Load() && !p.exhausted(h)
}

// minSharedBackoff bounds how often a worker re-reads the shared handle while
// another worker is dialing.
const minSharedBackoff = time.Millisecond

// ConnectionManager hands out live connections and recovers failed ones.
type ConnectionManager interface {
	// Get returns a usable connection, dialing if necessary. An error wrapping
	// ErrUnrecoverable means no connection could ever be established.
	Get(ctx context.Context) (*ConnHandle, error)
	// Invalidate reports that h failed at the connectivity level.
	Invalidate(ctx context.Context, h *ConnHandle)
	// Reconnects counts replacements of a previously established connection.
	Reconnects() int64
	Close() error
}

type connector struct {
	dialer    Dialer
	policy    ConnPolicy
	log       zerolog.Logger
	connected atomic.Bool
	gen       atomic.Uint64
	redials   atomic.Int64
}

func (c *connector) dial(ctx context.Context) (*ConnHandle, error) {
	first := !c.connected.Load()
	if !first && c.policy.Throttle != nil {
		if err := c.policy.Throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		if first {
			return nil, fmt.Errorf("%w: initial connection failed: %w", ErrUnrecoverable, err)
		}
		c.log.Debug().Err(err).Msg("reconnect failed")
		return nil, ConnectivityError(err)
	}

	if !first {
		c.redials.Add(1)
	}
	c.connected.Store(true)
	return &ConnHandle{conn: conn, gen: c.gen.Add(1)}, nil
}

// WorkerConns owns exactly one connection for one worker. It is not safe for
// concurrent use.
type WorkerConns struct {
	connector
	cur *ConnHandle
}

func NewWorkerConns(dialer Dialer, policy ConnPolicy, log zerolog.Logger) *WorkerConns {
	return &WorkerConns{connector: connector{dialer: dialer, policy: policy, log: log}}
}

func (w *WorkerConns) Get(ctx context.Context) (*ConnHandle, error) {
	if w.cur != nil && w.policy.exhausted(w.cur) {
		CloseQuietly(w.cur.conn, w.log, "connection")
		w.cur = nil
	}
	if w.cur == nil {
		h, err := w.dial(ctx)
		if err != nil {
			return nil, err
		}
		w.cur = h
	}
	w.cur.ops.Add(1)
	return w.cur, nil
}

func (w *WorkerConns) Invalidate(_ context.Context, h *ConnHandle) {
	if h == nil || w.cur != h {
		return
	}
	CloseQuietly(h.conn, w.log, "connection")
	w.cur = nil
}

func (w *WorkerConns) Reconnects() int64 { return w.redials.Load() }

func (w *WorkerConns) Close() error {
	if w.cur == nil {
		return nil
	}
	err := w.cur.conn.Close()
	w.cur = nil
	return err
}

// SharedConns lets all workers of a run use one connection. Replacement is
// serialized by a mutex; use of the connection is not, since clients accept
// concurrent requests. Concurrent failures collapse into one reconnect.
type SharedConns struct {
	connector
	clock Clock

	mu  sync.Mutex
	cur atomic.Pointer[ConnHandle]
}

func NewSharedConns(dialer Dialer, policy ConnPolicy, clock Clock, log zerolog.Logger) *SharedConns {
	if clock == nil {
		clock = RealClock{}
	}
	if policy.Backoff < minSharedBackoff {
		policy.Backoff = minSharedBackoff
	}
	return &SharedConns{
		connector: connector{dialer: dialer, policy: policy, log: log},
		clock:     clock,
	}
}

// Connect establishes the initial shared connection.
func (s *SharedConns) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Load() != nil {
		return nil
	}
	_, err := s.replaceLocked(ctx, nil)
	return err
}

func (s *SharedConns) Get(ctx context.Context) (*ConnHandle, error) {
	for {
		h := s.cur.Load()
		if s.policy.usable(h) {
			h.ops.Add(1)
			return h, nil
		}

		if !s.mu.TryLock() {
			// someone else is replacing it; wait briefly and re-read
			if err := s.clock.SleepUntil(ctx, s.clock.Now().Add(s.policy.Backoff)); err != nil {
				return nil, err
			}
			continue
		}
		if s.cur.Load() != h {
			s.mu.Unlock()
			continue
		}
		nh, err := s.replaceLocked(ctx, h)
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		nh.ops.Add(1)
		return nh, nil
	}
}

func (s *SharedConns) Invalidate(ctx context.Context, h *ConnHandle) {
	if h == nil {
		return
	}
	// marked first, so workers that lose the lock below stop using h and
	// wait in Get for the replacement
	h.dead.Store(true)
	if !s.mu.TryLock() {
		return
	}
	defer s.mu.Unlock()
	if s.cur.Load() != h {
		return
	}
	if _, err := s.replaceLocked(ctx, h); err != nil {
		// leave the slot empty; the next Get retries the dial
		s.cur.Store(nil)
		CloseQuietly(h.conn, s.log, "connection")
	}
}

// replaceLocked dials a new connection and swaps it in before closing old,
// so workers with requests in flight on old are not cut off early. Must be
// called with mu held.
func (s *SharedConns) replaceLocked(ctx context.Context, old *ConnHandle) (*ConnHandle, error) {
	nh, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.cur.Store(nh)
	if old != nil {
		CloseQuietly(old.conn, s.log, "connection")
		s.log.Debug().Uint64("generation", nh.gen).Msg("shared connection replaced")
	}
	return nh, nil
}

func (s *SharedConns) Reconnects() int64 { return s.redials.Load() }

func (s *SharedConns) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cur.Swap(nil)
	if h == nil {
		return nil
	}
	return h.conn.Close()
}

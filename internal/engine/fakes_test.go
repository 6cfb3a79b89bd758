package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/willfong/workload-generator/internal/utils"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var testLog = zerolog.Nop()

// fakeStore is a tiny in-memory target service. Add, delete and rename act on
// a set of names; the other kinds always succeed.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]bool
	ops     map[Kind]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]bool{}, ops: map[Kind]int{}}
}

func (s *fakeStore) apply(req Request) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[req.Kind]++
	switch req.Kind {
	case KindAdd:
		if s.entries[req.Target] {
			return Result{}, OperationError(&CodedError{Code: "entry_exists", Err: errors.New("already exists")})
		}
		s.entries[req.Target] = true
	case KindDelete:
		if !s.entries[req.Target] {
			return Result{}, OperationError(&CodedError{Code: "no_such_entry", Err: errors.New("missing")})
		}
		delete(s.entries, req.Target)
	case KindRename:
		if !s.entries[req.Target] {
			return Result{}, OperationError(&CodedError{Code: "no_such_entry", Err: errors.New("missing")})
		}
		delete(s.entries, req.Target)
		s.entries[req.NewTarget] = true
	case KindSearch:
		return Result{Count: 1}, nil
	}
	return Result{}, nil
}

func (s *fakeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *fakeStore) Ops(k Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[k]
}

type fakeDialer struct {
	store *fakeStore

	mu       sync.Mutex
	dials    int
	failures int // number of upcoming dials that fail
	failAll  bool
	delay    time.Duration
	conns    []*fakeConn

	// respond overrides the store when set.
	respond     func(req Request) (Result, error)
	unsupported map[Kind]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{store: newFakeStore()}
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failAll {
		return nil, errors.New("connection refused")
	}
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{d: d, id: d.dials}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Supports(k Kind) bool { return !d.unsupported[k] }

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFailAll(v bool) {
	d.mu.Lock()
	d.failAll = v
	d.mu.Unlock()
}

func (d *fakeDialer) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.closed.Load() {
			n++
		}
	}
	return n
}

type fakeConn struct {
	d      *fakeDialer
	id     int
	calls  atomic.Int64
	closed atomic.Bool
}

func (c *fakeConn) Do(_ context.Context, req Request) (Result, error) {
	c.calls.Add(1)
	if c.closed.Load() {
		return Result{}, ConnectivityError(fmt.Errorf("connection %d closed", c.id))
	}
	if c.d.respond != nil {
		return c.d.respond(req)
	}
	return c.d.store.apply(req)
}

func (c *fakeConn) Close() error {
	if c.closed.Swap(true) {
		return errors.New("already closed")
	}
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	started  map[int]int
	stopped  map[int]int
	outcomes []Outcome
}

func newFakeSink() *fakeSink {
	return &fakeSink{started: map[int]int{}, stopped: map[int]int{}}
}

func (s *fakeSink) CollectionStarted(worker int, _ time.Time) {
	s.mu.Lock()
	s.started[worker]++
	s.mu.Unlock()
}

func (s *fakeSink) CollectionStopped(worker int, _ time.Time) {
	s.mu.Lock()
	s.stopped[worker]++
	s.mu.Unlock()
}

func (s *fakeSink) Record(_ int, o Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()
}

func (s *fakeSink) Outcomes() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

type fixedTargets string

func (t fixedTargets) Next(*utils.Random) string { return string(t) }

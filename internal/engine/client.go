package engine

import (
	"context"
	"time"
)

// Request is one protocol-neutral operation handed to a client connection.
type Request struct {
	Kind Kind
	// Target names the resource operated on: a DN, a row key, a socket key.
	Target string
	// NewTarget is the replacement identifier for a rename.
	NewTarget string
	// Value is the payload for add, modify and compare.
	Value string
}

// Result is what a client reports for a completed request.
type Result struct {
	// Code is the protocol result code; empty means success.
	Code string
	// Count is the number of entries or rows returned, where relevant.
	Count int
}

// Conn is a live protocol connection. Do may be called concurrently when the
// connection is shared between workers; Close is only called by the
// connection manager.
type Conn interface {
	Do(ctx context.Context, req Request) (Result, error)
	Close() error
}

// Dialer establishes protocol connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
	// Supports reports whether the client can perform kind.
	Supports(kind Kind) bool
}

// Sink receives tracker updates. Implementations must be safe for concurrent
// use; every worker reports to the same sink.
type Sink interface {
	CollectionStarted(worker int, at time.Time)
	CollectionStopped(worker int, at time.Time)
	Record(worker int, o Outcome)
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutorOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantClass  ErrorClass
		wantCode   string
		reconnects bool
	}{
		{"success", nil, ClassNone, CodeSuccess, false},
		{"operation error", OperationError(errors.New("constraint violation")), ClassOperation, CodeOperationError, false},
		{"coded operation error", OperationError(&CodedError{Code: "no_such_object"}), ClassOperation, "no_such_object", false},
		{"connectivity error", ConnectivityError(errors.New("broken pipe")), ClassConnectivity, CodeConnectError, true},
		{"deadline", context.DeadlineExceeded, ClassOperation, CodeOperationError, false},
		{"unknown error", errors.New("weird"), ClassUnknown, CodeOtherError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			d.respond = func(Request) (Result, error) { return Result{Count: 3}, tt.err }
			conns := NewWorkerConns(d, ConnPolicy{}, testLog)
			e := NewExecutor(conns, NewFakeClock(epoch), 0)
			ctx := context.Background()

			h, err := conns.Get(ctx)
			require.NoError(t, err)
			o := e.Execute(ctx, h, Request{Kind: KindSearch, Target: "x"})

			assert.Equal(t, tt.wantClass, o.Class)
			assert.Equal(t, tt.wantCode, o.Code)
			assert.Equal(t, tt.err != nil, o.Failed())
			assert.Equal(t, KindSearch, o.Kind)

			h2, err := conns.Get(ctx)
			require.NoError(t, err)
			if tt.reconnects {
				assert.NotSame(t, h, h2, "connectivity failures invalidate the connection")
			} else {
				assert.Same(t, h, h2, "the connection survives")
			}
		})
	}
}

func TestExecutorThreshold(t *testing.T) {
	clock := NewFakeClock(epoch)
	d := newFakeDialer()
	var latency time.Duration
	d.respond = func(Request) (Result, error) {
		clock.Advance(latency)
		return Result{}, nil
	}
	conns := NewWorkerConns(d, ConnPolicy{}, testLog)
	e := NewExecutor(conns, clock, 100*time.Millisecond)
	ctx := context.Background()
	h, err := conns.Get(ctx)
	require.NoError(t, err)

	latency = 50 * time.Millisecond
	o := e.Execute(ctx, h, Request{Kind: KindBind})
	assert.False(t, o.ExceededThreshold)
	assert.Equal(t, latency, o.Elapsed)

	latency = 250 * time.Millisecond
	o = e.Execute(ctx, h, Request{Kind: KindBind})
	assert.True(t, o.ExceededThreshold)
	assert.False(t, o.Failed(), "slow is not failed")
}

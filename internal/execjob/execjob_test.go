package execjob

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willfong/workload-generator/internal/engine"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func shell(t *testing.T, script string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	return []string{"/bin/sh", "-c", script}
}

func TestRunSuccessLogsOutput(t *testing.T) {
	var out syncBuffer
	j, err := New(Config{
		Command:      shell(t, "echo hello; echo oops >&2; printf tail"),
		LogOutput:    true,
		PollInterval: 10 * time.Millisecond,
	}, zerolog.New(&out))
	require.NoError(t, err)

	res, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExitedSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Terminated)

	logs := out.String()
	assert.Contains(t, logs, `"stream":"stdout","message":"hello"`)
	assert.Contains(t, logs, `"stream":"stderr","message":"oops"`)
	assert.Contains(t, logs, `"message":"tail"`)
	assert.Contains(t, logs, "command completed successfully")
}

func TestRunFailureExitCode(t *testing.T) {
	var out syncBuffer
	j, err := New(Config{Command: shell(t, "exit 3"), PollInterval: 10 * time.Millisecond}, zerolog.New(&out))
	require.NoError(t, err)

	res, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusExitedFailure, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, out.String(), "command completed abnormally")
}

func TestRunDurationTerminates(t *testing.T) {
	j, err := New(Config{
		Command:      shell(t, "sleep 30"),
		Duration:     100 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		KillGrace:    2 * time.Second,
	}, zerolog.Nop())
	require.NoError(t, err)

	start := time.Now()
	res, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.Terminated)
	assert.Equal(t, StatusExitedFailure, res.Status)
}

func TestRunContextCancelTerminates(t *testing.T) {
	j, err := New(Config{Command: shell(t, "sleep 30"), PollInterval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := j.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Terminated)
}

func TestStatusIsNonBlocking(t *testing.T) {
	j, err := New(Config{Command: shell(t, "sleep 30")}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	assert.Equal(t, StatusRunning, j.Status())
	assert.Equal(t, -1, j.ExitCode())
	assert.Equal(t, StatusRunning, j.WaitFor(20*time.Millisecond))

	j.RequestStop()
	j.RequestStop()
	assert.NotEqual(t, StatusRunning, j.WaitFor(10*time.Second))

	j.RequestStop()
	<-j.Done()
}

func TestStartFailure(t *testing.T) {
	j, err := New(Config{Command: []string{"/nonexistent/workgen-test-binary"}}, zerolog.Nop())
	require.NoError(t, err)

	res, err := j.Run(context.Background())
	assert.ErrorIs(t, err, engine.ErrUnrecoverable)
	assert.Equal(t, StatusExitedFailure, res.Status)
}

func TestNewRequiresCommand(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, engine.ErrConfiguration)
}

func TestStatusString(t *testing.T) {
	got := []string{StatusRunning.String(), StatusExitedSuccess.String(), StatusExitedFailure.String(), Status(9).String()}
	assert.Equal(t, "RUNNING EXITED_SUCCESS EXITED_FAILURE UNKNOWN", strings.Join(got, " "))
}

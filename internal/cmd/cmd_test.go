package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/willfong/workload-generator/internal/client/socketclient"
	"github.com/willfong/workload-generator/internal/config"
	"github.com/willfong/workload-generator/internal/engine"
)

func TestDescribeMix(t *testing.T) {
	got := describeMix([]engine.Weight{
		{Kind: engine.KindAdd, Weight: 2},
		{Kind: engine.KindBind, Weight: 0},
		{Kind: engine.KindDelete, Weight: 1},
		{Kind: engine.KindRename, Weight: 1},
	})
	assert.Equal(t, "add 50%, delete 25%, rename 25%", got)
	assert.Equal(t, "none", describeMix(nil))
}

func TestRunStatus(t *testing.T) {
	sum := engine.Summary{Workers: make([]engine.WorkerStats, 4), WorkersFailed: 1}
	assert.Equal(t, "failed (1 of 4 workers)", runStatus(sum, errors.New("boom"), false))
	assert.Equal(t, "stopped by signal", runStatus(engine.Summary{}, nil, true))
	assert.Equal(t, "success", runStatus(engine.Summary{}, nil, false))
}

func TestRoundLatency(t *testing.T) {
	assert.Equal(t, "1.235s", roundLatency(1234567*time.Microsecond))
	assert.Equal(t, "12.35ms", roundLatency(12345678*time.Nanosecond))
	assert.Equal(t, "457µs", roundLatency(456789*time.Nanosecond))
}

func TestMarshalConfigLoadsBack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Run.Duration = 90 * time.Second
	cfg.Operations["search"] = 7
	cfg.Exec.Env = []string{"LANG=C"}

	out, err := marshalConfig(cfg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(out, &raw))
	assert.Equal(t, "1m30s", raw["run"].(map[string]any)["duration"])

	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(out)))
	back, err := config.LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestRunCommandAgainstSocketServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := socketclient.NewServer(zerolog.Nop(), config.SocketSecret)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	rootCmd.SetArgs([]string{
		"run",
		"--address", l.Addr().String(),
		"--workers", "3",
		"--max-ops", "40",
		"--seed", "7",
		"--log-level", "warn",
		"--log-format", "json",
		"--no-color",
	})
	require.NoError(t, Execute())

	// cleanup removed everything the run created
	assert.Equal(t, 0, srv.Len())
}

package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONByDefaultForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Out: &buf})
	require.NoError(t, err)

	log.Info().Str("run_id", "r1").Msg("started")
	log.Debug().Msg("hidden")

	assert.Contains(t, buf.String(), `"run_id":"r1"`)
	assert.Contains(t, buf.String(), `"message":"started"`)
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Options{Out: &buf, Format: "console", Level: "DEBUG"})
	require.NoError(t, err)

	log.Debug().Int("worker", 3).Msg("worker started")
	assert.Contains(t, buf.String(), "worker started")
	assert.Contains(t, buf.String(), "worker=3")
	assert.NotContains(t, buf.String(), "{")
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.InfoLevel, Level(Options{}))
	assert.Equal(t, zerolog.WarnLevel, Level(Options{Quiet: true}))
	assert.Equal(t, zerolog.DebugLevel, Level(Options{Debug: true, Quiet: true}))
}

func TestSetup_WritesToOut(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Setup(Options{Quiet: true, Out: &buf})
	assert.False(t, DebugEnabled())

	log.Info().Msg("hidden")
	log.Warn().Str("step_id", "research").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "step_id=")
}

package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTimer_DebugWhenFast(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.DebugLevel)

	timer := NewTimer("sweep", time.Hour, log)
	d := timer.Stop()

	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Contains(t, buf.String(), `"level":"debug"`)
	assert.Contains(t, buf.String(), `"operation":"sweep"`)
	assert.False(t, timer.Started().IsZero())
}

func TestTimer_WarnWhenSlow(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	timer := NewTimer("backup", time.Nanosecond, log)
	time.Sleep(time.Millisecond)
	timer.Stop()

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "Slow operation detected")
}

func TestTimer_ZeroThresholdNeverWarns(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.WarnLevel)

	timer := NewTimer("noop", 0, log)
	time.Sleep(time.Millisecond)
	timer.Stop()

	assert.Empty(t, buf.String())
}

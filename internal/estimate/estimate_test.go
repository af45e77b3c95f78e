package estimate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerConversation(t *testing.T) {
	// 2000 input tokens at $0.003/1k plus 1500 output tokens at $0.015/1k.
	assert.InDelta(t, 0.0285, PerConversation(), 1e-9)
}

func TestForBatch(t *testing.T) {
	e := ForBatch(10, 3)
	assert.InDelta(t, 0.285, e.Cost, 1e-9)
	// 10 items in waves of 3 is 4 waves of 12s each.
	assert.Equal(t, 48, e.Seconds)
	assert.Equal(t, 48*time.Second, e.Duration)
}

func TestForBatchDefaults(t *testing.T) {
	assert.Equal(t, Estimate{}, ForBatch(0, 5))

	e := ForBatch(2, 0)
	assert.Equal(t, 24, e.Seconds)
}

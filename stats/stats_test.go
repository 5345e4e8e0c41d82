package stats

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuantileMap(t *testing.T) {
	hist := NewHistogram()
	ops, q := QuantileMap(hist)
	assert.Equal(t, int64(0), ops)
	assert.Equal(t, 0.0, q["q50"])
	assert.Len(t, q, 6)

	for i := 1; i <= 100; i++ {
		Record(hist, time.Duration(i)*time.Millisecond)
	}
	ops, q = QuantileMap(hist)
	assert.Equal(t, int64(100), ops)
	assert.LessOrEqual(t, q["q0"], 1.001)
	assert.InDelta(t, 50.0, q["q50"], 0.1)
	assert.InDelta(t, 100.0, q["q100"], 0.1)
	assert.InDelta(t, 50.0, Q50(hist), 0.1)
}

func TestRecordClamps(t *testing.T) {
	hist := NewHistogram()
	Record(hist, 0)
	Record(hist, time.Hour)
	assert.Equal(t, int64(2), hist.TotalCount())
	assert.LessOrEqual(t, hist.Min(), int64(LowestLatency))
}

func TestRate(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		prev    int64
		took    time.Duration
		want    float64
	}{
		{"per second", 10, 0, time.Second, 10},
		{"delta", 30, 10, 2 * time.Second, 10},
		{"zero duration", 5, 0, 0, 0},
		{"negative duration", 5, 0, -time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rate(tt.current, tt.prev, tt.took))
		})
	}
}

func TestWrapNaN(t *testing.T) {
	assert.Equal(t, -1.0, WrapNaN(math.NaN()))
	assert.Equal(t, -1.0, WrapNaN(math.Inf(1)))
	assert.Equal(t, 2.5, WrapNaN(2.5))
}

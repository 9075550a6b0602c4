package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistogramEmpty(t *testing.T) {
	assert.Equal(t, Summary{}, NewHistogram().Summary())
}

func TestHistogramSummary(t *testing.T) {
	h := NewHistogram()
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}

	s := h.Summary()
	assert.Equal(t, int64(100), s.Count)
	assert.InDelta(t, float64(50*time.Millisecond), float64(s.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(s.P99), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(s.Max), float64(time.Millisecond))
	assert.InDelta(t, float64(50500*time.Microsecond), float64(s.Mean), float64(time.Millisecond))
}

func TestHistogramClamps(t *testing.T) {
	h := NewHistogram()
	h.Record(0)
	h.Record(time.Hour)

	s := h.Summary()
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, time.Microsecond, s.P50)
	assert.InDelta(t, float64(10*time.Minute), float64(s.Max), float64(time.Second))
}

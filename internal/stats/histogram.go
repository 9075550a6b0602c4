// Package stats records round trip latencies of the replica polls.
package stats

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram records durations with microsecond resolution
type Histogram struct {
	hist *hdrhistogram.Histogram
}

// NewHistogram tracks 1us to 10min with 3 significant figures
func NewHistogram() *Histogram {
	return &Histogram{hist: hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)}
}

// Record adds one observation, clamped into the trackable range
func (h *Histogram) Record(d time.Duration) {
	us := max(d.Microseconds(), 1)
	if us > h.hist.HighestTrackableValue() {
		us = h.hist.HighestTrackableValue()
	}
	_ = h.hist.RecordValue(us)
}

// Summary is a snapshot of the recorded latencies
type Summary struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// Summary returns the current percentiles
func (h *Histogram) Summary() Summary {
	if h.hist.TotalCount() == 0 {
		return Summary{}
	}
	return Summary{
		Count: h.hist.TotalCount(),
		Mean:  time.Duration(h.hist.Mean() * float64(time.Microsecond)),
		P50:   usec(h.hist.ValueAtQuantile(50)),
		P99:   usec(h.hist.ValueAtQuantile(99)),
		Max:   usec(h.hist.Max()),
	}
}

func usec(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

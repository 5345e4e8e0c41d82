// Package stats holds the latency and rate helpers shared by the ingestion and query
// engines and the progress table.
package stats

import (
	"math"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// Histogram bounds, in microseconds.
const (
	LowestLatency  = 1
	HighestLatency = 100000000
	SigFigs        = 3
)

// NewHistogram returns a latency histogram tracking values between 1 us and 100 s
// with 3 significant digits.
func NewHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(LowestLatency, HighestLatency, SigFigs)
}

// Record adds d to hist, clamped to the tracked range.
func Record(hist *hdrhistogram.Histogram, d time.Duration) {
	us := d.Microseconds()
	if us < LowestLatency {
		us = LowestLatency
	}
	if us > HighestLatency {
		us = HighestLatency
	}
	_ = hist.RecordValue(us)
}

// QuantileMap returns the sample count of hist and its q0/q50/q95/q99/q999/q100
// values in milliseconds. An empty histogram yields zeros.
func QuantileMap(hist *hdrhistogram.Histogram) (int64, map[string]float64) {
	ops := hist.TotalCount()
	q0 := 0.0
	q50 := 0.0
	q95 := 0.0
	q99 := 0.0
	q999 := 0.0
	q100 := 0.0
	if ops > 0 {
		q0 = float64(hist.ValueAtQuantile(0.0)) / 10e2
		q50 = float64(hist.ValueAtQuantile(50.0)) / 10e2
		q95 = float64(hist.ValueAtQuantile(95.0)) / 10e2
		q99 = float64(hist.ValueAtQuantile(99.0)) / 10e2
		q999 = float64(hist.ValueAtQuantile(99.90)) / 10e2
		q100 = float64(hist.ValueAtQuantile(100.0)) / 10e2
	}

	mp := map[string]float64{"q0": q0, "q50": q50, "q95": q95, "q99": q99, "q999": q999, "q100": q100}
	return ops, mp
}

// Q50 returns the median of hist in milliseconds.
func Q50(hist *hdrhistogram.Histogram) float64 {
	if hist.TotalCount() == 0 {
		return 0
	}
	return float64(hist.ValueAtQuantile(50.0)) / 10e2
}

// Rate is (current-prev) per second over took. A non-positive duration gives 0.
func Rate(current, prev int64, took time.Duration) float64 {
	if took <= 0 {
		return 0
	}
	return WrapNaN(float64(current-prev) / took.Seconds())
}

// WrapNaN protects against NaN on json.
func WrapNaN(input float64) (output float64) {
	output = input
	if math.IsNaN(output) || math.IsInf(output, 0) {
		output = -1.0
	}
	return
}

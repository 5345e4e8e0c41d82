package load

import (
	"time"

	"github.com/searchbench/ftsb/backend"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Result is the aggregate of an ingestion run.
type Result struct {
	Status string `json:"status"`
	Target string `json:"target"`

	// Run configuration
	BatchSize int     `json:"batch_size"`
	Workers   int     `json:"workers"`
	Limit     uint64  `json:"limit"`
	MaxRPS    float64 `json:"max_rps"`

	// Totals
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	Attempted       int64     `json:"attempted"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	Batches         int64     `json:"batches"`
	ParseFailures   int64     `json:"parse_failures"`
	TxBytes         uint64    `json:"tx_bytes"`

	// Overall rates
	DocsPerSecond           float64 `json:"docs_per_second"`
	TxByteRate              float64 `json:"tx_byte_rate"`
	TxByteRateHumanReadable string  `json:"tx_byte_rate_human_readable"`

	// BatchLatencyMs holds the q0/q50/q95/q99/q999/q100 batch round-trip latencies.
	BatchLatencyMs map[string]float64 `json:"batch_latency_ms"`

	// TotalErrors counts every error detail seen; Errors keeps the first MaxErrors.
	TotalErrors int64                 `json:"total_errors"`
	Errors      []backend.ErrorDetail `json:"errors"`
	// Failure is the message of the error that aborted the run.
	Failure string `json:"failure,omitempty"`
}

// Throughput is succeeded documents per second of wall clock. A zero duration gives 0.
func Throughput(succeeded int64, took time.Duration) float64 {
	if took <= 0 {
		return 0
	}
	return float64(succeeded) / took.Seconds()
}

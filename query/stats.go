package query

import (
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/stats"
)

// Orderings of Result.Outcomes.
const (
	OrderSubmission = "submission"
	OrderCompletion = "completion"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Outcome is the record of one executed query.
type Outcome struct {
	// Index is the 1-based position of the query in submission order.
	Index          int     `json:"index"`
	Query          string  `json:"query"`
	LatencySeconds float64 `json:"latency_seconds"`
	ResultCount    int64   `json:"result_count"`
	Succeeded      bool    `json:"succeeded"`
	Error          string  `json:"error,omitempty"`
}

// Result is the aggregate of a query run. Latency statistics cover successful
// queries only.
type Result struct {
	Status   string `json:"status"`
	Target   string `json:"target"`
	Ordering string `json:"ordering"`

	// Run configuration
	Workers      int     `json:"workers"`
	Limit        int     `json:"limit"`
	MaxQueries   int     `json:"max_queries"`
	MaxRPS       float64 `json:"max_rps"`
	DelaySeconds float64 `json:"delay_seconds"`

	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	TotalQueries     int       `json:"total_queries"`
	Succeeded        int       `json:"succeeded"`
	Failed           int       `json:"failed"`
	QueriesPerSecond float64   `json:"queries_per_second"`

	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
	MinLatencySeconds float64 `json:"min_latency_seconds"`
	MaxLatencySeconds float64 `json:"max_latency_seconds"`
	// LatencyMs holds the q0/q50/q95/q99/q999/q100 latencies of successful queries.
	LatencyMs map[string]float64 `json:"latency_ms"`

	TotalHits int64 `json:"total_hits"`
	MaxHits   int64 `json:"max_hits"`

	TotalErrors int                   `json:"total_errors"`
	Errors      []backend.ErrorDetail `json:"errors"`
	Outcomes    []Outcome             `json:"outcomes"`
	Failure     string                `json:"failure,omitempty"`
}

// statGroup collects streaming statistics over successful queries.
type statGroup struct {
	count     int
	sum       time.Duration
	min       time.Duration
	max       time.Duration
	totalHits int64
	maxHits   int64
	hist      *hdrhistogram.Histogram
}

func newStatGroup() *statGroup {
	return &statGroup{hist: stats.NewHistogram()}
}

// push adds one successful sample.
func (s *statGroup) push(latency time.Duration, hits int64) {
	if s.count == 0 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
	s.count++
	s.sum += latency
	s.totalHits += hits
	if hits > s.maxHits {
		s.maxHits = hits
	}
	stats.Record(s.hist, latency)
}

func (s *statGroup) avg() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.sum / time.Duration(s.count)
}

// Package observer defines the event sink injected into the engines and the runner,
// and the sinks shipped with the tool: a zap logger, prometheus metrics and a periodic
// progress table.
package observer

import (
	"time"

	"github.com/searchbench/ftsb/backend"
)

// Phase names used in events.
const (
	PhaseIngest = "ingest"
	PhaseQuery  = "query"
	PhaseRun    = "run"
)

// BatchEvent is emitted once per dispatched batch.
type BatchEvent struct {
	Seq     int
	Docs    int
	Bytes   uint64
	Latency time.Duration
	Outcome backend.IngestOutcome
	// Err is the transport-level failure of the batch, if any.
	Err error
}

// QueryEvent is emitted once per executed query.
type QueryEvent struct {
	Index   int
	Query   string
	Latency time.Duration
	Hits    int64
	Err     error
}

// Observer receives progress events. Implementations must be safe for concurrent use:
// batch and query events arrive from worker goroutines.
type Observer interface {
	// Transition reports a state change of the named phase.
	Transition(phase, from, to string)
	BatchDone(BatchEvent)
	QueryDone(QueryEvent)
	// Skipped reports an input line that could not be decoded.
	Skipped(line int, err error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Transition(string, string, string) {}
func (Nop) BatchDone(BatchEvent)              {}
func (Nop) QueryDone(QueryEvent)              {}
func (Nop) Skipped(int, error)                {}

type multi []Observer

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var m multi
	for _, o := range observers {
		if o != nil {
			m = append(m, o)
		}
	}
	if len(m) == 0 {
		return Nop{}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) Transition(phase, from, to string) {
	for _, o := range m {
		o.Transition(phase, from, to)
	}
}

func (m multi) BatchDone(e BatchEvent) {
	for _, o := range m {
		o.BatchDone(e)
	}
}

func (m multi) QueryDone(e QueryEvent) {
	for _, o := range m {
		o.QueryDone(e)
	}
}

func (m multi) Skipped(line int, err error) {
	for _, o := range m {
		o.Skipped(line, err)
	}
}

package observer

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu          sync.Mutex
	transitions []string
	batches     int
	queries     int
	skipped     []int
}

func (r *recorder) Transition(phase, from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, phase+":"+from+">"+to)
}

func (r *recorder) BatchDone(BatchEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func (r *recorder) QueryDone(QueryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries++
}

func (r *recorder) Skipped(line int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped = append(r.skipped, line)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi(a, nil, b)
	m.Transition(PhaseIngest, "idle", "target_ready")
	m.BatchDone(BatchEvent{Seq: 1})
	m.QueryDone(QueryEvent{Index: 1})
	m.Skipped(4, errors.New("bad"))

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []string{"ingest:idle>target_ready"}, r.transitions)
		assert.Equal(t, 1, r.batches)
		assert.Equal(t, 1, r.queries)
		assert.Equal(t, []int{4}, r.skipped)
	}

	assert.Equal(t, Nop{}, Multi())
	assert.Same(t, a, Multi(nil, a))
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLogger(zap.New(core))

	l.Transition(PhaseIngest, "streaming", "flushing")
	l.BatchDone(BatchEvent{Seq: 1, Docs: 2, Outcome: backend.IngestOutcome{Attempted: 2, Succeeded: 2}})
	l.BatchDone(BatchEvent{Seq: 2, Docs: 2, Outcome: backend.IngestOutcome{Attempted: 2, Succeeded: 1, Failed: 1,
		Errors: []backend.ErrorDetail{{Kind: backend.KindTransport, Batch: 2, Message: "mapper_parsing_exception"}}}})
	l.BatchDone(BatchEvent{Seq: 3, Docs: 2, Err: backend.NewTransportError("bulk", errors.New("status 500"))})
	l.QueryDone(QueryEvent{Index: 1, Query: "error", Hits: 3})
	l.QueryDone(QueryEvent{Index: 2, Query: "error", Err: backend.NewTimeoutError("search", context.DeadlineExceeded)})
	l.Skipped(9, errors.New("bad json"))

	assert.Equal(t, 1, logs.FilterMessage("State change").Len())
	assert.Equal(t, 1, logs.FilterMessage("Batch done").Len())
	partial := logs.FilterMessage("Batch partially rejected").All()
	require.Len(t, partial, 1)
	assert.Equal(t, "mapper_parsing_exception", partial[0].ContextMap()["first_error"])
	lost := logs.FilterMessage("Batch lost").All()
	require.Len(t, lost, 1)
	assert.Equal(t, "transport", lost[0].ContextMap()["kind"])
	failed := logs.FilterMessage("Query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "timeout", failed[0].ContextMap()["kind"])
	assert.Equal(t, 1, logs.FilterMessage("Skipping malformed line").Len())
}

func TestMetrics(t *testing.T) {
	m := NewMetrics("mock")
	m.Transition(PhaseIngest, "", "idle")
	m.Transition(PhaseIngest, "idle", "target_ready")
	m.BatchDone(BatchEvent{Seq: 1, Bytes: 100, Latency: 2 * time.Millisecond, Outcome: backend.IngestOutcome{Attempted: 3, Succeeded: 3}})
	m.BatchDone(BatchEvent{Seq: 2, Bytes: 50, Outcome: backend.IngestOutcome{Attempted: 2, Failed: 2},
		Err: backend.NewTransportError("bulk", errors.New("boom"))})
	m.QueryDone(QueryEvent{Index: 1, Hits: 7, Latency: time.Millisecond})
	m.QueryDone(QueryEvent{Index: 2, Err: backend.NewTimeoutError("search", context.DeadlineExceeded)})
	m.Skipped(3, errors.New("bad"))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	text := string(body)

	for _, want := range []string{
		`ftsb_documents_total{backend="mock",status="succeeded"} 3`,
		`ftsb_documents_total{backend="mock",status="failed"} 3`,
		`ftsb_batches_total{backend="mock",result="ok"} 1`,
		`ftsb_batches_total{backend="mock",result="transport"} 1`,
		`ftsb_tx_bytes_total{backend="mock"} 100`,
		`ftsb_query_hits_total{backend="mock"} 7`,
		`ftsb_queries_total{backend="mock",result="timeout"} 1`,
		`ftsb_skipped_lines_total{backend="mock"} 1`,
		`ftsb_phase_state{backend="mock",phase="ingest",state="idle"} 0`,
		`ftsb_phase_state{backend="mock",phase="ingest",state="target_ready"} 1`,
	} {
		assert.Contains(t, text, want)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	path := filepath.Join(t.TempDir(), "ftsb.prom")
	require.NoError(t, m.WriteTextfile(path))
	dump, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(dump), "ftsb_batches_total")
}

func TestMetricsServeStopsWithContext(t *testing.T) {
	m := NewMetrics("mock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Serve(ctx, "127.0.0.1:0", zap.NewNop())
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf, 0)
	p.Start(context.Background())
	start := p.prevTime

	p.BatchDone(BatchEvent{Seq: 1, Bytes: 2048, Latency: 4 * time.Millisecond, Outcome: backend.IngestOutcome{Attempted: 10, Succeeded: 9, Failed: 1}})
	p.Skipped(3, errors.New("bad"))
	p.QueryDone(QueryEvent{Index: 1, Latency: 2 * time.Millisecond})
	p.tick(start.Add(time.Second))
	p.tick(start.Add(2 * time.Second))
	p.Stop()
	p.Stop()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "docs/sec")
	first := strings.Fields(lines[1])
	assert.Equal(t, []string{"11", "11", "1", "2", "1"}, first[:5])
	assert.Contains(t, lines[1], "2K")
	second := strings.Fields(lines[2])
	assert.Equal(t, "0", second[0])
}

package query

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/backend/backendtest"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	observer.Nop
	mu      sync.Mutex
	indexes []int
	states  []string
}

func (c *counter) QueryDone(e observer.QueryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.indexes = append(c.indexes, e.Index)
}

func (c *counter) Transition(_, _, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, to)
}

func TestOneFailedQuery(t *testing.T) {
	mock := &backendtest.Client{
		QueryErrors: map[string]error{"q3": backend.NewTransportError("search", errors.New("status 500"))},
		Hits:        func(q string) int64 { return int64(len(q)) * 10 },
		Latency:     time.Millisecond,
	}
	obs := &counter{}
	res, err := NewEngine(mock, Config{}, obs).Run(context.Background(), []string{"q1", "q2", "q3", "q4", "q5"}, "logs")
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 5)
	assert.Equal(t, 5, res.TotalQueries)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, OrderSubmission, res.Ordering)
	for i, o := range res.Outcomes {
		assert.Equal(t, i+1, o.Index)
	}
	third := res.Outcomes[2]
	assert.False(t, third.Succeeded)
	assert.Contains(t, third.Error, "status 500")
	assert.Greater(t, third.LatencySeconds, 0.0)

	var sum float64
	for _, o := range res.Outcomes {
		if o.Succeeded {
			sum += o.LatencySeconds
		}
	}
	assert.InDelta(t, sum/4, res.AvgLatencySeconds, 1e-6)
	assert.LessOrEqual(t, res.MinLatencySeconds, res.AvgLatencySeconds)
	assert.GreaterOrEqual(t, res.MaxLatencySeconds, res.AvgLatencySeconds)
	assert.Equal(t, int64(80), res.TotalHits)
	assert.Equal(t, int64(20), res.MaxHits)

	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Query)
	assert.Equal(t, backend.KindTransport, res.Errors[0].Kind)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, obs.indexes)
	assert.Equal(t, []string{"running", StatusCompleted}, obs.states)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestAllFailedGivesZeroStats(t *testing.T) {
	boom := backend.NewTimeoutError("search", context.DeadlineExceeded)
	mock := &backendtest.Client{QueryErrors: map[string]error{"a": boom, "b": boom}}
	res, err := NewEngine(mock, Config{}, nil).Run(context.Background(), []string{"a", "b"}, "logs")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 0.0, res.AvgLatencySeconds)
	assert.Equal(t, 0.0, res.MinLatencySeconds)
	assert.Equal(t, 0.0, res.MaxLatencySeconds)
	assert.Equal(t, 0.0, res.LatencyMs["q50"])
}

func TestEmptyQueryList(t *testing.T) {
	_, err := NewEngine(&backendtest.Client{}, Config{}, nil).Run(context.Background(), nil, "logs")
	assert.True(t, errors.Is(err, source.ErrNoQueries))
}

func TestLimitPassedAndMaxQueries(t *testing.T) {
	mock := &backendtest.Client{}
	res, err := NewEngine(mock, Config{MaxQueries: 2}, nil).Run(context.Background(), []string{"a", "b", "c"}, "logs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, mock.Queries())
	assert.Equal(t, 2, res.TotalQueries)
	assert.Equal(t, DefaultLimit, res.Limit)
}

func TestConcurrentCompletionOrder(t *testing.T) {
	mock := &backendtest.Client{Latency: 5 * time.Millisecond}
	queries := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	res, err := NewEngine(mock, Config{Workers: 4}, nil).Run(context.Background(), queries, "logs")
	require.NoError(t, err)
	assert.Equal(t, OrderCompletion, res.Ordering)
	require.Len(t, res.Outcomes, len(queries))
	var idx []int
	for _, o := range res.Outcomes {
		idx = append(idx, o.Index)
	}
	sort.Ints(idx)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, idx)
	assert.Equal(t, 8, res.Succeeded)
}

func TestConnectionFailureStopsQueries(t *testing.T) {
	mock := &backendtest.Client{QueryErrors: map[string]error{
		"b": backend.NewConnectionError("search", errors.New("connection refused")),
	}}
	res, err := NewEngine(mock, Config{}, nil).Run(context.Background(), []string{"a", "b", "c", "d"}, "logs")
	require.Error(t, err)
	assert.True(t, backend.IsFatal(err))
	assert.Equal(t, StatusAborted, res.Status)
	assert.Equal(t, []string{"a", "b"}, mock.Queries())
	assert.Len(t, res.Outcomes, 2)
	assert.NotEmpty(t, res.Failure)
}

func TestDelayBetweenQueries(t *testing.T) {
	mock := &backendtest.Client{}
	start := time.Now()
	res, err := NewEngine(mock, Config{Delay: 20 * time.Millisecond}, nil).Run(context.Background(), []string{"a", "b", "c"}, "logs")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 0.02, res.DelaySeconds)
}

func TestCancelledRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock := &backendtest.Client{}
	res, err := NewEngine(mock, Config{}, nil).Run(ctx, []string{"a"}, "logs")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StatusAborted, res.Status)
	assert.Empty(t, mock.Queries())
}

func TestErrorCap(t *testing.T) {
	errs := map[string]error{}
	var queries []string
	for _, q := range []string{"a", "b", "c", "d", "e"} {
		errs[q] = backend.NewTransportError("search", errors.New("bad"))
		queries = append(queries, q)
	}
	res, err := NewEngine(&backendtest.Client{QueryErrors: errs}, Config{MaxErrors: 2}, nil).Run(context.Background(), queries, "logs")
	require.NoError(t, err)
	assert.Equal(t, 5, res.TotalErrors)
	assert.Len(t, res.Errors, 2)
}

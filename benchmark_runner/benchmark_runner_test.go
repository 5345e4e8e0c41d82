package benchmark_runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/backend/backendtest"
	"github.com/searchbench/ftsb/load"
	"github.com/searchbench/ftsb/query"
	"github.com/searchbench/ftsb/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fixtures(t *testing.T) (dataFile, queryFile string) {
	t.Helper()
	dir := t.TempDir()
	dataFile = filepath.Join(dir, "docs.ndjson")
	queryFile = filepath.Join(dir, "queries.txt")
	docs := strings.Join([]string{
		`{"message":"GET /index 200","level":"info"}`,
		`{"message":"timeout talking to db","level":"error"}`,
		`{"message":"cache miss","level":"debug"}`,
	}, "\n")
	require.NoError(t, os.WriteFile(dataFile, []byte(docs), 0o644))
	require.NoError(t, os.WriteFile(queryFile, []byte("# smoke\nerror\ntimeout\n"), 0o644))
	return dataFile, queryFile
}

func config(dataFile, queryFile string) Config {
	return Config{
		Host:      "localhost",
		Port:      9200,
		Index:     "logs",
		DataFile:  dataFile,
		QueryFile: queryFile,
		Settings:  map[string]interface{}{"batch_size": 2},
		Load:      load.Config{BatchSize: 2},
		Query:     query.Config{Limit: 10},
	}
}

func TestRunnerFullPass(t *testing.T) {
	data, queries := fixtures(t)
	mock := &backendtest.Client{NameValue: "elasticsearch"}
	rep, err := NewBenchmarkRunner(mock, config(data, queries), nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep)

	assert.True(t, mock.Connected())
	assert.Equal(t, []string{"logs"}, mock.Ensured())
	assert.Equal(t, []int{2, 1}, mock.BatchSizes())
	assert.Equal(t, []string{"error", "timeout"}, mock.Queries())
	assert.Equal(t, 1, mock.CloseCalls())

	info := rep.BenchmarkInfo
	assert.NotEmpty(t, info.RunID)
	assert.Equal(t, "elasticsearch", info.Backend)
	assert.Equal(t, report.StatusCompleted, info.Status)
	assert.Equal(t, 2, info.Config["batch_size"])
	require.NotNil(t, rep.IngestionResults)
	assert.Equal(t, int64(3), rep.IngestionResults.Succeeded)
	require.NotNil(t, rep.QueryResults)
	assert.Equal(t, 2, rep.QueryResults.Succeeded)
}

func TestRunnerConnectFailure(t *testing.T) {
	data, queries := fixtures(t)
	mock := &backendtest.Client{ConnectErr: backend.NewConnectionError("connect", errors.New("connection refused"))}
	rep, err := NewBenchmarkRunner(mock, config(data, queries), nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, rep)
	assert.True(t, backend.IsFatal(err))
	assert.Empty(t, mock.Ensured())
	assert.Equal(t, 1, mock.CloseCalls())
}

func TestRunnerSetupFailureStillIngests(t *testing.T) {
	data, queries := fixtures(t)
	core, logs := observer.New(zapcore.InfoLevel)
	mock := &backendtest.Client{
		EnsureErr: backend.NewSetupError("create index", errors.New("invalid mapping")),
		Unhealthy: true,
	}
	rep, err := NewBenchmarkRunner(mock, config(data, queries), zap.New(core), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), rep.IngestionResults.Succeeded)
	assert.Equal(t, 1, logs.FilterMessage("Could not create target, ingestion will still be attempted").Len())
	assert.Equal(t, 1, logs.FilterMessage("Health check failed, continuing").Len())
}

func TestRunnerMidRunAbort(t *testing.T) {
	data, queries := fixtures(t)
	mock := &backendtest.Client{BatchErrors: map[int]error{
		1: backend.NewConnectionError("bulk", errors.New("connection reset by peer")),
	}}
	rep, err := NewBenchmarkRunner(mock, config(data, queries), nil, nil).Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.True(t, backend.IsFatal(err))
	assert.Equal(t, report.StatusAborted, rep.BenchmarkInfo.Status)
	assert.Contains(t, rep.BenchmarkInfo.Failure, "connection reset by peer")
	assert.Equal(t, load.StatusAborted, rep.IngestionResults.Status)
	assert.Nil(t, rep.QueryResults)
	assert.Empty(t, mock.Queries())
	assert.Equal(t, 1, mock.CloseCalls())
}

func TestRunnerQueryOnly(t *testing.T) {
	data, queries := fixtures(t)
	cfg := config(data, queries)
	cfg.QueryOnly = true
	mock := &backendtest.Client{}
	rep, err := NewBenchmarkRunner(mock, cfg, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mock.BatchSizes())
	assert.Nil(t, rep.IngestionResults)
	require.NotNil(t, rep.QueryResults)
	assert.Equal(t, 2, rep.QueryResults.TotalQueries)
}

func TestRunnerMissingQueryFile(t *testing.T) {
	data, _ := fixtures(t)
	mock := &backendtest.Client{}
	rep, err := NewBenchmarkRunner(mock, config(data, filepath.Join(t.TempDir(), "none.txt")), nil, nil).Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, report.StatusAborted, rep.BenchmarkInfo.Status)
	assert.Equal(t, int64(3), rep.IngestionResults.Succeeded)
}

func TestRunnerCombinesCloseError(t *testing.T) {
	data, queries := fixtures(t)
	mock := &backendtest.Client{CloseErr: errors.New("pool already closed")}
	rep, err := NewBenchmarkRunner(mock, config(data, queries), nil, nil).Run(context.Background())
	require.Error(t, err)
	require.NotNil(t, rep)
	assert.Contains(t, err.Error(), "close client")
	assert.Equal(t, report.StatusCompleted, rep.BenchmarkInfo.Status)
}

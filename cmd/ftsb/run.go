package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/backend/loki"
	"github.com/searchbench/ftsb/backend/registry"
	"github.com/searchbench/ftsb/benchmark_runner"
	"github.com/searchbench/ftsb/load"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/query"
	"github.com/searchbench/ftsb/report"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a corpus into a backend, replay queries and write the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("backend", "elasticsearch", "Backend to benchmark, see the backends command")
	f.String("host", "localhost", "Backend host")
	f.Int("port", 0, "Backend port (default: the backend's own port)")
	f.String("scheme", "http", "http or https")
	f.String("user", "", "Basic auth user (env DB_USER)")
	f.String("password", "", "Basic auth password (env DB_PASSWORD)")
	f.String("api-key", "", "API key (env DB_API_KEY)")
	f.Bool("insecure-skip-verify", false, "Skip TLS certificate verification")
	f.String("index", "logs", "Index, collection or core to benchmark")
	f.String("data", "", "NDJSON file to ingest")
	f.String("queries", "", "Query file, one query per line")
	f.Bool("query-only", false, "Skip ingestion and only run queries")

	f.Int("batch-size", 0, "Documents per bulk request (default: the backend's own batch size)")
	f.Int("workers", load.DefaultWorkers, "Number of parallel clients inserting")
	f.Uint64("limit", 0, "Number of documents to read, 0 reads all")
	f.Float64("max-rps", 0, "Maximum bulk requests per second, 0 is unlimited")
	f.Duration("timeout", load.DefaultTimeout, "Timeout of a single request")
	f.String("timestamp-field", load.DefaultTimestampField, "Field stamped on documents without a timestamp")
	f.Int("max-errors", load.DefaultMaxErrors, "Number of error details kept per phase")

	f.Int("query-limit", query.DefaultLimit, "Result limit passed with every query")
	f.Int("query-workers", query.DefaultWorkers, "Number of parallel clients querying")
	f.Int("max-queries", 0, "Number of queries to run, 0 runs the whole list")
	f.Float64("query-max-rps", 0, "Maximum queries per second, 0 is unlimited")
	f.Duration("query-delay", 0, "Delay between two queries")
	f.Duration("pause", 0, "Pause between ingestion and queries")

	f.String("labels", "job=benchmark_tool", "Stream labels for push backends, as k=v,k2=v2")
	f.StringSlice("stream-label-fields", nil, "Document fields promoted to stream labels")
	f.StringSlice("query-fields", nil, "Fields searched by backends that need them spelled out")
	f.Uint("connect-retries", 1, "Readiness probes attempted on connect")
	f.Duration("connect-backoff", time.Second, "Delay between two readiness probes")
	f.Int("retry-max", 0, "Transport retries per request")
	f.Int("pool-size", 10, "Connections kept by pooled transports")

	f.String("output-dir", ".", "Directory the report is written to")
	f.String("metadata", "", "Free text stored in the report")
	f.Duration("reporting-period", 10*time.Second, "Period to report progress, 0 disables it")
	f.String("metrics-addr", "", "Serve /metrics and /healthz on this address during the run")
	f.String("metrics-textfile", "", "Write the final metrics to this file in textfile format")
	return cmd
}

func (a *app) run(ctx context.Context) error {
	name, bcfg, rcfg, err := runConfig(a.v)
	if err != nil {
		return err
	}
	bcfg.Logger = a.log
	a.log.Info(toolVersion())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := registry.New(name, bcfg)
	if err != nil {
		return err
	}
	metrics := observer.NewMetrics(client.Name())
	progress := observer.NewProgress(a.errOut, a.v.GetDuration("reporting-period"))
	obs := observer.Multi(observer.NewLogger(a.log), metrics, progress)

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		mctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := metrics.Serve(mctx, addr, a.log); err != nil {
				a.log.Warn("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	progress.Start(ctx)
	rep, runErr := benchmark_runner.NewBenchmarkRunner(client, rcfg, a.log, obs).Run(ctx)
	progress.Stop()

	if rep != nil {
		path, err := report.Write(a.v.GetString("output-dir"), *rep)
		if err != nil {
			a.log.Error("Could not write report", zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		} else {
			a.log.Info("Report written", zap.String("path", path))
		}
		report.PrintSummary(a.out, *rep)
	}
	if path := a.v.GetString("metrics-textfile"); path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			a.log.Warn("Could not write metrics textfile", zap.Error(err))
		}
	}
	return runErr
}

// runConfig turns the bound flags into the backend and runner settings. Zero port and
// batch size take the backend's registered defaults.
func runConfig(v *viper.Viper) (string, backend.Config, benchmark_runner.Config, error) {
	name := v.GetString("backend")
	entry, ok := registry.Lookup(name)
	if !ok {
		return "", backend.Config{}, benchmark_runner.Config{}, errors.Errorf("unknown backend %q, expected one of %s", name, strings.Join(registry.Names(), ", "))
	}
	labels, err := loki.ParseLabels(v.GetString("labels"))
	if err != nil {
		return "", backend.Config{}, benchmark_runner.Config{}, err
	}

	port := v.GetInt("port")
	if port == 0 {
		port = entry.DefaultPort
	}
	batchSize := v.GetInt("batch-size")
	if batchSize <= 0 {
		batchSize = entry.DefaultBatchSize
	}
	timeout := v.GetDuration("timeout")

	bcfg := backend.Config{
		Host:               v.GetString("host"),
		Port:               port,
		Scheme:             v.GetString("scheme"),
		User:               v.GetString("user"),
		Password:           v.GetString("password"),
		APIKey:             v.GetString("api-key"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		Timeout:            timeout,
		RetryMax:           v.GetInt("retry-max"),
		ConnectRetries:     v.GetUint("connect-retries"),
		ConnectBackoff:     v.GetDuration("connect-backoff"),
		Labels:             labels,
		StreamLabelFields:  v.GetStringSlice("stream-label-fields"),
		QueryFields:        v.GetStringSlice("query-fields"),
		PoolSize:           v.GetInt("pool-size"),
	}

	rcfg := benchmark_runner.Config{
		Host:        bcfg.Host,
		Port:        port,
		Index:       v.GetString("index"),
		DataFile:    v.GetString("data"),
		QueryFile:   v.GetString("queries"),
		QueryOnly:   v.GetBool("query-only"),
		Pause:       v.GetDuration("pause"),
		Metadata:    v.GetString("metadata"),
		ToolVersion: toolVersion(),
		Load: load.Config{
			BatchSize:      batchSize,
			Workers:        v.GetInt("workers"),
			Limit:          v.GetUint64("limit"),
			MaxRPS:         v.GetFloat64("max-rps"),
			Timeout:        timeout,
			TimestampField: v.GetString("timestamp-field"),
			MaxErrors:      v.GetInt("max-errors"),
		},
		Query: query.Config{
			Limit:      v.GetInt("query-limit"),
			Workers:    v.GetInt("query-workers"),
			MaxQueries: v.GetInt("max-queries"),
			MaxRPS:     v.GetFloat64("query-max-rps"),
			Delay:      v.GetDuration("query-delay"),
			Timeout:    timeout,
			MaxErrors:  v.GetInt("max-errors"),
		},
	}
	rcfg.Settings = map[string]interface{}{
		"backend":         entry.Name,
		"scheme":          bcfg.Scheme,
		"batch_size":      batchSize,
		"workers":         rcfg.Load.Workers,
		"limit":           rcfg.Load.Limit,
		"max_rps":         rcfg.Load.MaxRPS,
		"timeout_seconds": timeout.Seconds(),
		"query_limit":     rcfg.Query.Limit,
		"query_workers":   rcfg.Query.Workers,
		"max_queries":     rcfg.Query.MaxQueries,
		"query_only":      rcfg.QueryOnly,
		"data_file":       rcfg.DataFile,
		"query_file":      rcfg.QueryFile,
		"max_errors":      rcfg.Load.MaxErrors,
		"authenticated":   bcfg.User != "" || bcfg.APIKey != "",
	}
	if entry.Family == "streaming-push" {
		rcfg.Settings["labels"] = v.GetString("labels")
	}
	return entry.Name, bcfg, rcfg, nil
}

// Package benchmark_runner sequences one benchmark pass: connect, prepare the target,
// ingest, query and aggregate the report.
package benchmark_runner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/load"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/query"
	"github.com/searchbench/ftsb/report"
	"github.com/searchbench/ftsb/source"
	"go.uber.org/zap"
)

// Config describes one run.
type Config struct {
	Host  string
	Port  int
	Index string
	// DataFile is the NDJSON input. Empty skips ingestion.
	DataFile string
	// QueryFile is the query list. Empty skips the query phase.
	QueryFile string
	QueryOnly bool
	// Pause is waited between ingestion and queries so the backend can refresh.
	Pause       time.Duration
	Metadata    string
	ToolVersion string
	// Settings is echoed in the report's benchmark_info.config.
	Settings map[string]interface{}

	Load  load.Config
	Query query.Config
}

// BenchmarkRunner drives a backend.Client through one pass.
type BenchmarkRunner struct {
	cfg    Config
	client backend.Client
	log    *zap.Logger
	obs    observer.Observer
	now    func() time.Time
}

func NewBenchmarkRunner(client backend.Client, cfg Config, log *zap.Logger, obs observer.Observer) *BenchmarkRunner {
	if log == nil {
		log = zap.NewNop()
	}
	if obs == nil {
		obs = observer.Nop{}
	}
	return &BenchmarkRunner{cfg: cfg, client: client, log: log, obs: obs, now: time.Now}
}

// Run executes the pass. A connection failure during Connect returns a nil report.
// Any later failure still yields a report, with status aborted when the run could
// not finish; the error is then returned alongside it. The client is always closed
// and close errors are combined into the returned error.
func (l *BenchmarkRunner) Run(ctx context.Context) (rep *report.RunReport, err error) {
	defer func() {
		if cerr := l.client.Close(); cerr != nil {
			err = multierror.Append(err, errors.Wrap(cerr, "close client"))
		}
	}()

	runID := uuid.NewString()
	log := l.log.With(zap.String("run_id", runID), zap.String("backend", l.client.Name()), zap.String("index", l.cfg.Index))
	start := l.now()
	phase := ""
	enter := func(to string) {
		l.obs.Transition(observer.PhaseRun, phase, to)
		phase = to
	}
	enter("connecting")

	if err := l.client.Connect(ctx); err != nil {
		log.Error("Could not connect to backend", zap.Error(err))
		enter(report.StatusAborted)
		return nil, err
	}
	if l.client.CheckHealth(ctx) {
		log.Info("Backend is healthy")
	} else {
		log.Warn("Health check failed, continuing")
	}

	engine := load.NewEngine(l.client, l.cfg.Load, l.obs)
	if err := engine.Prepare(ctx, l.cfg.Index); err != nil {
		log.Warn("Could not create target, ingestion will still be attempted",
			zap.Stringer("kind", backend.KindOf(err)), zap.Error(err))
	}

	var runErr error
	var ingest *load.Result
	if l.cfg.DataFile != "" && !l.cfg.QueryOnly {
		enter(observer.PhaseIngest)
		res, err := l.ingest(ctx, engine)
		if res != nil {
			ingest = res
			log.Info("Ingestion finished",
				zap.String("status", res.Status),
				zap.Int64("attempted", res.Attempted),
				zap.Int64("succeeded", res.Succeeded),
				zap.Int64("failed", res.Failed),
				zap.Float64("docs_per_second", res.DocsPerSecond))
		}
		if err != nil {
			log.Error("Ingestion aborted", zap.Error(err))
			runErr = err
		}
	}

	var queries *query.Result
	if runErr == nil && l.cfg.QueryFile != "" {
		if ingest != nil && l.cfg.Pause > 0 {
			log.Info("Waiting before queries", zap.Duration("pause", l.cfg.Pause))
			if err := sleep(ctx, l.cfg.Pause); err != nil {
				runErr = errors.Wrap(err, "interrupted during pause")
			}
		}
		if runErr == nil {
			enter(observer.PhaseQuery)
			res, err := l.query(ctx)
			if res != nil {
				queries = res
				log.Info("Queries finished",
					zap.String("status", res.Status),
					zap.Int("succeeded", res.Succeeded),
					zap.Int("failed", res.Failed),
					zap.Float64("avg_latency_seconds", res.AvgLatencySeconds))
			}
			if err != nil {
				log.Error("Query phase aborted", zap.Error(err))
				runErr = err
			}
		}
	}

	info := report.BenchmarkInfo{
		RunID:       runID,
		ToolVersion: l.cfg.ToolVersion,
		Backend:     l.client.Name(),
		Host:        l.cfg.Host,
		Port:        l.cfg.Port,
		Index:       l.cfg.Index,
		StartTime:   start,
		EndTime:     l.now(),
		Metadata:    l.cfg.Metadata,
		Config:      l.cfg.Settings,
	}
	if runErr != nil {
		info.Status = report.StatusAborted
		info.Failure = runErr.Error()
	}
	r := report.Aggregate(info, ingest, queries)
	enter(r.BenchmarkInfo.Status)
	return &r, runErr
}

func (l *BenchmarkRunner) ingest(ctx context.Context, engine *load.Engine) (*load.Result, error) {
	docs, err := source.OpenDocuments(l.cfg.DataFile)
	if err != nil {
		_ = engine.Abandon()
		return nil, err
	}
	defer docs.Close()
	res, err := engine.Run(ctx, docs, l.cfg.Index)
	return &res, err
}

func (l *BenchmarkRunner) query(ctx context.Context) (*query.Result, error) {
	qs, err := source.LoadQueries(l.cfg.QueryFile)
	if err != nil {
		return nil, err
	}
	res, err := query.NewEngine(l.client, l.cfg.Query, l.obs).Run(ctx, qs, l.cfg.Index)
	return &res, err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

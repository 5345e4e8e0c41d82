// Package query measures the latency of a list of queries against a backend.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/source"
	"github.com/searchbench/ftsb/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultLimit     = 100
	DefaultWorkers   = 1
	DefaultTimeout   = 30 * time.Second
	DefaultMaxErrors = 10
)

// Config tunes a query run.
type Config struct {
	// Limit is the result limit passed with every query.
	Limit   int
	Workers int
	// MaxQueries caps the number of queries executed. 0 runs the whole list.
	MaxQueries int
	// MaxRPS caps queries per second. 0 means unlimited.
	MaxRPS float64
	// Delay is waited between two queries.
	Delay          time.Duration
	Timeout        time.Duration
	MaxErrors      int
	AbortThreshold uint32
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.AbortThreshold == 0 {
		c.AbortThreshold = 1
	}
	return c
}

// Engine runs one query pass.
type Engine struct {
	cfg      Config
	client   backend.Client
	obs      observer.Observer
	tripwire *backend.Tripwire

	mu          sync.Mutex
	outcomes    []Outcome
	sg          *statGroup
	failed      int
	totalErrors int
	errors      []backend.ErrorDetail
	abortErr    error
}

// NewEngine returns an engine querying through client. A nil observer is replaced by
// observer.Nop.
func NewEngine(client backend.Client, cfg Config, obs observer.Observer) *Engine {
	if obs == nil {
		obs = observer.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		client:   client,
		obs:      obs,
		tripwire: backend.NewTripwire("query", cfg.AbortThreshold),
		sg:       newStatGroup(),
	}
}

// Run executes queries against target. With one worker the queries run one after the
// other and outcomes keep submission order; with more they run concurrently and
// outcomes are in completion order. The error is non-nil when the run aborted on a
// connection failure or cancellation; the result is still filled in.
func (e *Engine) Run(ctx context.Context, queries []string, target string) (Result, error) {
	if len(queries) == 0 {
		return Result{}, source.ErrNoQueries
	}
	if e.cfg.MaxQueries > 0 && len(queries) > e.cfg.MaxQueries {
		queries = queries[:e.cfg.MaxQueries]
	}
	e.obs.Transition(observer.PhaseQuery, "", "running")

	var limiter *rate.Limiter
	if e.cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.MaxRPS), e.cfg.Workers)
	} else {
		limiter = rate.NewLimiter(rate.Inf, e.cfg.Workers)
	}

	ordering := OrderSubmission
	var g errgroup.Group
	if e.cfg.Workers > 1 {
		ordering = OrderCompletion
		g.SetLimit(e.cfg.Workers)
	}

	start := time.Now()
	for i, q := range queries {
		if e.stopped(ctx) {
			break
		}
		if i > 0 && e.cfg.Delay > 0 {
			if err := sleep(ctx, e.cfg.Delay); err != nil {
				e.setAbort(errors.Wrap(err, "query run interrupted"))
				break
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			e.setAbort(errors.Wrap(err, "query run interrupted"))
			break
		}
		idx := i + 1
		if e.cfg.Workers > 1 {
			g.Go(func() error {
				e.execute(ctx, target, idx, q)
				return nil
			})
			continue
		}
		e.execute(ctx, target, idx, q)
	}
	_ = g.Wait()
	end := time.Now()

	res := e.result(target, ordering, start, end)
	to := StatusCompleted
	if res.Status == StatusAborted {
		to = StatusAborted
	}
	e.obs.Transition(observer.PhaseQuery, "running", to)
	if res.Status == StatusAborted {
		return res, e.abortErr
	}
	return res, nil
}

// stopped reports whether no further query may be dispatched.
func (e *Engine) stopped(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		e.setAbort(errors.Wrap(err, "query run interrupted"))
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abortErr != nil
}

func (e *Engine) setAbort(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.abortErr == nil {
		e.abortErr = err
	}
}

func (e *Engine) execute(ctx context.Context, target string, idx int, q string) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var hits int64
	start := time.Now()
	err := e.tripwire.Do(func() error {
		var err error
		hits, err = e.client.Query(callCtx, target, q, e.cfg.Limit)
		return backend.Classify("search", err)
	})
	took := time.Since(start)

	if errors.Is(err, backend.ErrAborted) {
		// tripped by a concurrent query; this one was never sent
		e.setAbort(backend.NewConnectionError("search", err))
		return
	}

	out := Outcome{Index: idx, Query: q, LatencySeconds: took.Seconds()}
	e.mu.Lock()
	if err != nil {
		out.Error = err.Error()
		e.failed++
		e.totalErrors++
		if len(e.errors) < e.cfg.MaxErrors {
			d := backend.DetailFromError(err)
			d.Query = idx
			e.errors = append(e.errors, d)
		}
		if backend.IsFatal(err) && e.abortErr == nil {
			e.abortErr = err
		}
	} else {
		out.Succeeded = true
		out.ResultCount = hits
		e.sg.push(took, hits)
	}
	e.outcomes = append(e.outcomes, out)
	e.mu.Unlock()

	e.obs.QueryDone(observer.QueryEvent{Index: idx, Query: q, Latency: took, Hits: hits, Err: err})
}

func (e *Engine) result(target, ordering string, start, end time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	took := end.Sub(start)
	_, quantiles := stats.QuantileMap(e.sg.hist)
	res := Result{
		Status:            StatusCompleted,
		Target:            target,
		Ordering:          ordering,
		Workers:           e.cfg.Workers,
		Limit:             e.cfg.Limit,
		MaxQueries:        e.cfg.MaxQueries,
		MaxRPS:            e.cfg.MaxRPS,
		DelaySeconds:      e.cfg.Delay.Seconds(),
		StartTime:         start,
		EndTime:           end,
		DurationSeconds:   took.Seconds(),
		TotalQueries:      len(e.outcomes),
		Succeeded:         e.sg.count,
		Failed:            e.failed,
		QueriesPerSecond:  stats.Rate(int64(len(e.outcomes)), 0, took),
		AvgLatencySeconds: e.sg.avg().Seconds(),
		MinLatencySeconds: e.sg.min.Seconds(),
		MaxLatencySeconds: e.sg.max.Seconds(),
		LatencyMs:         quantiles,
		TotalHits:         e.sg.totalHits,
		MaxHits:           e.sg.maxHits,
		TotalErrors:       e.totalErrors,
		Errors:            append([]backend.ErrorDetail(nil), e.errors...),
		Outcomes:          append([]Outcome(nil), e.outcomes...),
	}
	if e.abortErr != nil {
		res.Status = StatusAborted
		res.Failure = e.abortErr.Error()
	}
	return res
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

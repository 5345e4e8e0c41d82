// Package load streams documents into a backend in batches and accounts for every
// document it reads.
package load

import (
	"context"
	"io"
	"sync"
	"time"

	"code.cloudfoundry.org/bytefmt"
	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/source"
	"github.com/searchbench/ftsb/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize      = 1000
	DefaultWorkers        = 1
	DefaultTimeout        = 30 * time.Second
	DefaultTimestampField = "@timestamp"
	DefaultMaxErrors      = 10
)

// Config tunes an ingestion run.
type Config struct {
	BatchSize int
	Workers   int
	// Limit caps the number of input records read. 0 reads everything.
	Limit uint64
	// MaxRPS caps batch dispatches per second. 0 means unlimited.
	MaxRPS float64
	// Timeout bounds every BulkIngest call.
	Timeout time.Duration
	// TimestampField is stamped on documents that carry no timestamp.
	TimestampField string
	MaxErrors      int
	// AbortThreshold is the number of consecutive connection failures that stop the run.
	AbortThreshold uint32
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TimestampField == "" {
		c.TimestampField = DefaultTimestampField
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = DefaultMaxErrors
	}
	if c.AbortThreshold == 0 {
		c.AbortThreshold = 1
	}
	return c
}

// Engine runs one ingestion pass. An Engine is single-use: once it reaches Completed
// or Aborted it cannot run again.
type Engine struct {
	cfg      Config
	client   backend.Client
	obs      observer.Observer
	tripwire *backend.Tripwire
	now      func() time.Time

	stateMu sync.Mutex
	state   State

	abortOnce sync.Once
	abortErr  error
	aborted   chan struct{}

	mu          sync.Mutex
	attempted   int64
	succeeded   int64
	failed      int64
	batches     int64
	parseFails  int64
	txBytes     uint64
	totalErrors int64
	errors      []backend.ErrorDetail
	hist        *hdrhistogram.Histogram
}

// NewEngine returns an Idle engine writing through client. A nil observer is
// replaced by observer.Nop.
func NewEngine(client backend.Client, cfg Config, obs observer.Observer) *Engine {
	if obs == nil {
		obs = observer.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		client:   client,
		obs:      obs,
		tripwire: backend.NewTripwire("ingest", cfg.AbortThreshold),
		now:      time.Now,
		aborted:  make(chan struct{}),
		hist:     stats.NewHistogram(),
	}
}

func (e *Engine) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

func (e *Engine) transition(to State) error {
	e.stateMu.Lock()
	from := e.state
	if !canTransition(from, to) {
		e.stateMu.Unlock()
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	e.state = to
	e.stateMu.Unlock()
	e.obs.Transition(observer.PhaseIngest, from.String(), to.String())
	return nil
}

// Prepare creates the ingestion target and moves the engine to TargetReady. A setup
// failure is returned for the caller to log; the engine still becomes ready since
// ingestion into an implicit target may succeed.
func (e *Engine) Prepare(ctx context.Context, target string) error {
	if e.State() != Idle {
		return e.transition(TargetReady)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	setupErr := e.client.EnsureTarget(callCtx, target)
	if err := e.transition(TargetReady); err != nil {
		return err
	}
	return setupErr
}

func (e *Engine) abort(err error) {
	e.abortOnce.Do(func() {
		e.abortErr = err
		close(e.aborted)
	})
}

func (e *Engine) isAborted() bool {
	select {
	case <-e.aborted:
		return true
	default:
		return false
	}
}

// Run streams src into target. It returns the aggregate result; the error is non-nil
// when the run aborted, in which case the result carries Status StatusAborted. Calling
// Run on an engine that is not TargetReady fails with ErrIllegalTransition.
func (e *Engine) Run(ctx context.Context, src source.Sequence, target string) (Result, error) {
	if err := e.transition(Streaming); err != nil {
		return Result{}, err
	}

	var limiter *rate.Limiter
	if e.cfg.MaxRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.MaxRPS), e.cfg.Workers)
	} else {
		limiter = rate.NewLimiter(rate.Inf, e.cfg.Workers)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	dispatch := func(b *backend.Batch) {
		if e.isAborted() {
			e.reject(b)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			e.abort(errors.Wrap(err, "ingestion interrupted"))
			e.reject(b)
			return
		}
		g.Go(func() error {
			e.process(ctx, target, b)
			return nil
		})
	}

	start := time.Now()
	seq := 1
	batch := backend.NewBatch(seq, e.cfg.BatchSize)
	var read uint64
	for {
		if e.isAborted() {
			break
		}
		if err := ctx.Err(); err != nil {
			e.abort(errors.Wrap(err, "ingestion interrupted"))
			break
		}
		if e.cfg.Limit > 0 && read >= e.cfg.Limit {
			break
		}
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		read++
		if err != nil {
			if backend.KindOf(err) != backend.KindParse {
				e.abort(errors.Wrap(err, "read documents"))
				break
			}
			e.skip(rec.Line, err)
			continue
		}
		e.stamp(rec.Doc)
		batch.Append(rec.Doc, rec.Size)
		if batch.Len() >= e.cfg.BatchSize {
			dispatch(batch)
			seq++
			batch = backend.NewBatch(seq, e.cfg.BatchSize)
		}
	}

	if err := e.transition(Flushing); err != nil {
		return Result{}, err
	}
	if batch.Len() > 0 {
		dispatch(batch)
	}
	_ = g.Wait()
	end := time.Now()
	if err := ctx.Err(); err != nil {
		e.abort(errors.Wrap(err, "ingestion interrupted"))
	}

	res := e.result(target, start, end)
	if e.isAborted() {
		res.Status = StatusAborted
		res.Failure = e.abortErr.Error()
		if err := e.transition(Aborted); err != nil {
			return res, err
		}
		return res, e.abortErr
	}
	res.Status = StatusCompleted
	if err := e.transition(Completed); err != nil {
		return res, err
	}
	return res, nil
}

// Abandon moves an engine that never streamed to Aborted.
func (e *Engine) Abandon() error {
	return e.transition(Aborted)
}

// reject accounts a batch that was read but will not be dispatched.
func (e *Engine) reject(b *backend.Batch) {
	err := backend.NewConnectionError("bulk", errors.Wrapf(backend.ErrAborted, "batch %d not dispatched", b.Seq))
	out := backend.FailedOutcome(b, err)
	e.mu.Lock()
	e.merge(out)
	e.mu.Unlock()
}

func (e *Engine) skip(line int, err error) {
	e.mu.Lock()
	e.attempted++
	e.failed++
	e.parseFails++
	e.addError(backend.ErrorDetail{Kind: backend.KindParse, Line: line, Message: err.Error()})
	e.mu.Unlock()
	e.obs.Skipped(line, err)
}

// stamp sets the configured timestamp field on documents that carry none.
func (e *Engine) stamp(doc backend.Document) {
	if backend.HasTimestamp(doc) {
		return
	}
	if _, ok := doc[e.cfg.TimestampField]; ok {
		return
	}
	doc[e.cfg.TimestampField] = e.now().UTC().Format(time.RFC3339Nano)
}

func (e *Engine) result(target string, start, end time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	took := end.Sub(start)
	_, quantiles := stats.QuantileMap(e.hist)
	txRate := stats.Rate(int64(e.txBytes), 0, took)
	return Result{
		Target:                  target,
		BatchSize:               e.cfg.BatchSize,
		Workers:                 e.cfg.Workers,
		Limit:                   e.cfg.Limit,
		MaxRPS:                  e.cfg.MaxRPS,
		StartTime:               start,
		EndTime:                 end,
		DurationSeconds:         took.Seconds(),
		Attempted:               e.attempted,
		Succeeded:               e.succeeded,
		Failed:                  e.failed,
		Batches:                 e.batches,
		ParseFailures:           e.parseFails,
		TxBytes:                 e.txBytes,
		DocsPerSecond:           stats.WrapNaN(Throughput(e.succeeded, took)),
		TxByteRate:              txRate,
		TxByteRateHumanReadable: bytefmt.ByteSize(uint64(txRate)) + "B/sec",
		BatchLatencyMs:          quantiles,
		TotalErrors:             e.totalErrors,
		Errors:                  append([]backend.ErrorDetail(nil), e.errors...),
	}
}

package observer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"code.cloudfoundry.org/bytefmt"
	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/searchbench/ftsb/stats"
)

// Progress prints a periodic table of current rates, one row per reporting period.
type Progress struct {
	period time.Duration
	w      *tabwriter.Writer

	documents int64
	failed    int64
	batches   int64
	queries   int64
	txBytes   int64

	mu        sync.Mutex
	batchHist *hdrhistogram.Histogram
	queryHist *hdrhistogram.Histogram

	start         time.Time
	prevTime      time.Time
	prevDocs      int64
	prevQueries   int64
	prevTxBytes   int64
	headerWritten bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewProgress reports to out every period. A non-positive period disables the table.
func NewProgress(out io.Writer, period time.Duration) *Progress {
	w := new(tabwriter.Writer)
	w.Init(out, 20, 0, 0, ' ', tabwriter.AlignRight)
	return &Progress{
		period:    period,
		w:         w,
		batchHist: stats.NewHistogram(),
		queryHist: stats.NewHistogram(),
		stop:      make(chan struct{}),
	}
}

// Start launches the reporting loop. It ends on Stop or when ctx is done.
func (p *Progress) Start(ctx context.Context) {
	p.start = time.Now()
	p.prevTime = p.start
	if p.period <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case now := <-ticker.C:
				p.tick(now)
			}
		}
	}()
}

// Stop ends the reporting loop and waits for it. It is safe to call more than once.
func (p *Progress) Stop() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}

func (p *Progress) tick(now time.Time) {
	docs := atomic.LoadInt64(&p.documents)
	failed := atomic.LoadInt64(&p.failed)
	batches := atomic.LoadInt64(&p.batches)
	queries := atomic.LoadInt64(&p.queries)
	txBytes := atomic.LoadInt64(&p.txBytes)

	took := now.Sub(p.prevTime)
	docRate := stats.Rate(docs, p.prevDocs, took)
	queryRate := stats.Rate(queries, p.prevQueries, took)
	txRate := stats.Rate(txBytes, p.prevTxBytes, took)

	p.mu.Lock()
	batchQ50 := stats.Q50(p.batchHist)
	queryQ50 := stats.Q50(p.queryHist)
	p.mu.Unlock()

	if !p.headerWritten {
		fmt.Fprint(p.w, "docs/sec\ttotal docs\tbatches\tfailed\tqueries/sec\tbatch q50 (ms)\tquery q50 (ms)\tTX BW/s\n")
		p.headerWritten = true
	}
	fmt.Fprintf(p.w, "%.0f \t%d \t%d \t%d \t%.0f \t%.3f \t%.3f \t%sB/s\n",
		docRate, docs, batches, failed, queryRate, batchQ50, queryQ50, bytefmt.ByteSize(uint64(txRate)))
	p.w.Flush()

	p.prevTime = now
	p.prevDocs = docs
	p.prevQueries = queries
	p.prevTxBytes = txBytes
}

func (p *Progress) Transition(string, string, string) {}

func (p *Progress) BatchDone(e BatchEvent) {
	atomic.AddInt64(&p.documents, int64(e.Outcome.Attempted))
	atomic.AddInt64(&p.failed, int64(e.Outcome.Failed))
	atomic.AddInt64(&p.batches, 1)
	if e.Err == nil {
		atomic.AddInt64(&p.txBytes, int64(e.Bytes))
	}
	p.mu.Lock()
	stats.Record(p.batchHist, e.Latency)
	p.mu.Unlock()
}

func (p *Progress) QueryDone(e QueryEvent) {
	atomic.AddInt64(&p.queries, 1)
	if e.Err != nil {
		return
	}
	p.mu.Lock()
	stats.Record(p.queryHist, e.Latency)
	p.mu.Unlock()
}

func (p *Progress) Skipped(int, error) {
	atomic.AddInt64(&p.documents, 1)
	atomic.AddInt64(&p.failed, 1)
}

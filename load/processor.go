package load

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/observer"
	"github.com/searchbench/ftsb/stats"
)

// process dispatches one batch and folds its outcome into the run totals. It runs on
// a worker goroutine.
func (e *Engine) process(ctx context.Context, target string, b *backend.Batch) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var out backend.IngestOutcome
	start := time.Now()
	err := e.tripwire.Do(func() error {
		var err error
		out, err = e.client.BulkIngest(callCtx, target, b)
		return backend.Classify("bulk", err)
	})
	took := time.Since(start)

	if errors.Is(err, backend.ErrAborted) {
		err = backend.NewConnectionError("bulk", errors.Wrapf(err, "batch %d not dispatched", b.Seq))
	}
	if err != nil {
		out = backend.FailedOutcome(b, err)
		if backend.IsFatal(err) {
			e.abort(err)
		}
	} else {
		out = normalize(b, out)
	}

	e.mu.Lock()
	e.merge(out)
	e.batches++
	if err == nil {
		e.txBytes += b.Bytes
		stats.Record(e.hist, took)
	}
	e.mu.Unlock()

	e.obs.BatchDone(observer.BatchEvent{
		Seq:     b.Seq,
		Docs:    b.Len(),
		Bytes:   b.Bytes,
		Latency: took,
		Outcome: out,
		Err:     err,
	})
}

// normalize makes an outcome cover exactly the documents of its batch. Variants that
// under- or over-report are corrected against the batch length.
func normalize(b *backend.Batch, out backend.IngestOutcome) backend.IngestOutcome {
	n := b.Len()
	if out.Attempted == n && out.Succeeded+out.Failed == n && out.Succeeded >= 0 && out.Failed >= 0 {
		return out
	}
	succeeded := out.Succeeded
	if succeeded < 0 {
		succeeded = 0
	}
	if succeeded > n {
		succeeded = n
	}
	fixed := backend.IngestOutcome{
		Attempted:     n,
		Succeeded:     succeeded,
		Failed:        n - succeeded,
		Errors:        out.Errors,
		DroppedErrors: out.DroppedErrors,
	}
	fixed.Errors = append(fixed.Errors, backend.ErrorDetail{
		Kind:    backend.KindTransport,
		Batch:   b.Seq,
		Message: "outcome does not match batch size",
	})
	return fixed
}

// merge adds out to the totals. Callers hold e.mu.
func (e *Engine) merge(out backend.IngestOutcome) {
	e.attempted += int64(out.Attempted)
	e.succeeded += int64(out.Succeeded)
	e.failed += int64(out.Failed)
	for _, d := range out.Errors {
		e.addError(d)
	}
	if out.DroppedErrors > 0 {
		e.totalErrors += int64(out.DroppedErrors)
	}
}

// addError records d, keeping at most MaxErrors details. Callers hold e.mu.
func (e *Engine) addError(d backend.ErrorDetail) {
	e.totalErrors++
	if len(e.errors) < e.cfg.MaxErrors {
		e.errors = append(e.errors, d)
	}
}

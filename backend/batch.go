package backend

import "fmt"

// Document is one decoded input record.
type Document map[string]interface{}

// Batch is an ordered group of documents dispatched as one unit.
type Batch struct {
	// Seq is the 1-based dispatch sequence number within a run.
	Seq  int
	Docs []Document
	// Bytes is the encoded size of the source lines, used for TX accounting.
	Bytes uint64
}

// NewBatch returns an empty batch able to hold size documents without growing.
func NewBatch(seq, size int) *Batch {
	return &Batch{Seq: seq, Docs: make([]Document, 0, size)}
}

func (b *Batch) Len() int {
	return len(b.Docs)
}

func (b *Batch) Append(doc Document, size int) {
	b.Docs = append(b.Docs, doc)
	b.Bytes += uint64(size)
}

// Reset empties the batch for reuse.
func (b *Batch) Reset(seq int) {
	for i := range b.Docs {
		b.Docs[i] = nil
	}
	b.Docs = b.Docs[:0]
	b.Bytes = 0
	b.Seq = seq
}

// ErrorDetail describes one failure recorded in a result.
type ErrorDetail struct {
	Kind Kind `json:"kind"`
	// Batch is the batch sequence number, or 0 when the failure is not batch-scoped.
	Batch int `json:"batch,omitempty"`
	// Line is the input line number for parse failures.
	Line int `json:"line,omitempty"`
	// Query is the 1-based index of a failed query.
	Query   int    `json:"query,omitempty"`
	Message string `json:"message"`
}

func (d ErrorDetail) String() string {
	switch {
	case d.Line > 0:
		return fmt.Sprintf("line %d: %s: %s", d.Line, d.Kind, d.Message)
	case d.Batch > 0:
		return fmt.Sprintf("batch %d: %s: %s", d.Batch, d.Kind, d.Message)
	case d.Query > 0:
		return fmt.Sprintf("query %d: %s: %s", d.Query, d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}

// DetailFromError builds an ErrorDetail from a typed error.
func DetailFromError(err error) ErrorDetail {
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindTransport
	}
	return ErrorDetail{Kind: kind, Message: err.Error()}
}

// IngestOutcome is the accounting of one dispatched batch.
type IngestOutcome struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Errors    []ErrorDetail `json:"errors,omitempty"`
	// DroppedErrors counts failures whose details were not kept in Errors.
	DroppedErrors int `json:"dropped_errors,omitempty"`
}

// FailedOutcome is the outcome of a batch that was lost in transport.
func FailedOutcome(b *Batch, err error) IngestOutcome {
	d := DetailFromError(err)
	d.Batch = b.Seq
	return IngestOutcome{Attempted: b.Len(), Failed: b.Len(), Errors: []ErrorDetail{d}}
}

// OutcomeBuilder accumulates per-document statuses of one batch. Variants use it when
// their response lists one status per document.
type OutcomeBuilder struct {
	seq      int
	maxItems int
	out      IngestOutcome
}

// NewOutcomeBuilder starts an outcome for batch b, keeping at most maxErrors details.
func NewOutcomeBuilder(b *Batch, maxErrors int) *OutcomeBuilder {
	return &OutcomeBuilder{seq: b.Seq, maxItems: maxErrors}
}

func (o *OutcomeBuilder) Success() {
	o.out.Attempted++
	o.out.Succeeded++
}

func (o *OutcomeBuilder) Failure(kind Kind, msg string) {
	o.out.Attempted++
	o.out.Failed++
	if len(o.out.Errors) >= o.maxItems {
		o.out.DroppedErrors++
		return
	}
	o.out.Errors = append(o.out.Errors, ErrorDetail{Kind: kind, Batch: o.seq, Message: msg})
}

// Build returns the outcome. Documents the response did not mention are counted as
// failures so that the accounting always covers the full batch.
func (o *OutcomeBuilder) Build(batchLen int) IngestOutcome {
	if missing := batchLen - o.out.Attempted; missing > 0 {
		for i := 0; i < missing; i++ {
			o.Failure(KindTransport, "no status returned for document")
		}
	}
	return o.out
}

// MaxItemErrors is the number of per-document error details a variant reports per batch.
const MaxItemErrors = 10

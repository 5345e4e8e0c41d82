package backend

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOutcomeBuilder(t *testing.T) {
	b := NewBatch(4, 5)
	for i := 0; i < 5; i++ {
		b.Append(Document{"n": i}, 10)
	}
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, uint64(50), b.Bytes)

	ob := NewOutcomeBuilder(b, 1)
	ob.Success()
	ob.Failure(KindTransport, "mapper_parsing_exception")
	ob.Failure(KindTransport, "mapper_parsing_exception")
	out := ob.Build(b.Len())

	assert.Equal(t, 5, out.Attempted)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 4, out.Failed)
	assert.Len(t, out.Errors, 1)
	assert.Equal(t, 4, out.Errors[0].Batch)
}

func TestOutcomeBuilderCountsDroppedErrors(t *testing.T) {
	b := NewBatch(1, 50)
	for i := 0; i < 50; i++ {
		b.Append(Document{"n": i}, 1)
	}
	ob := NewOutcomeBuilder(b, 10)
	for i := 0; i < 50; i++ {
		ob.Failure(KindTransport, "rejected")
	}
	out := ob.Build(b.Len())
	assert.Equal(t, 50, out.Failed)
	assert.Len(t, out.Errors, 10)
	assert.Equal(t, 40, out.DroppedErrors)
}

func TestFailedOutcome(t *testing.T) {
	b := NewBatch(2, 3)
	b.Append(Document{}, 1)
	b.Append(Document{}, 1)
	out := FailedOutcome(b, NewTransportError("bulk", errors.New("status 503")))
	assert.Equal(t, IngestOutcome{
		Attempted: 2,
		Failed:    2,
		Errors:    []ErrorDetail{{Kind: KindTransport, Batch: 2, Message: "bulk: transport error: status 503"}},
	}, out)
}

func TestBatchReset(t *testing.T) {
	b := NewBatch(1, 2)
	b.Append(Document{"a": 1}, 3)
	b.Reset(2)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, b.Seq)
	assert.Zero(t, b.Bytes)
}

func TestErrorDetailString(t *testing.T) {
	assert.Equal(t, "line 7: parse: bad json", ErrorDetail{Kind: KindParse, Line: 7, Message: "bad json"}.String())
	assert.Equal(t, "batch 2: transport: 500", ErrorDetail{Kind: KindTransport, Batch: 2, Message: "500"}.String())
	assert.Equal(t, "query 3: timeout: deadline", ErrorDetail{Kind: KindTimeout, Query: 3, Message: "deadline"}.String())
}

// Package backendtest provides a scriptable in-memory backend.Client. It keeps no
// documents, so repeated runs against it see the same answers.
package backendtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/searchbench/ftsb/backend"
)

// Client is a backend.Client whose answers are set through its exported fields before
// use. Calls are recorded and can be read back once the run is over.
type Client struct {
	NameValue  string
	ConnectErr error
	EnsureErr  error
	Unhealthy  bool
	// BatchErrors fails the whole batch with the given sequence number.
	BatchErrors map[int]error
	// Reject returns a non-empty reason for documents the backend refuses.
	Reject func(doc backend.Document) string
	// QueryErrors fails every query with the given text.
	QueryErrors map[string]error
	// Hits is the count returned for a successful query. Nil means 1.
	Hits func(q string) int64
	// Latency is spent inside every BulkIngest and Query call.
	Latency  time.Duration
	CloseErr error

	mu         sync.Mutex
	batches    map[int]int
	queries    []string
	ensured    []string
	connected  bool
	closeCalls int
}

func (c *Client) Name() string {
	if c.NameValue == "" {
		return "mock"
	}
	return c.NameValue
}

func (c *Client) Connect(context.Context) error {
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) EnsureTarget(_ context.Context, name string) error {
	c.mu.Lock()
	c.ensured = append(c.ensured, name)
	c.mu.Unlock()
	return c.EnsureErr
}

func (c *Client) BulkIngest(ctx context.Context, _ string, batch *backend.Batch) (backend.IngestOutcome, error) {
	c.mu.Lock()
	if c.batches == nil {
		c.batches = map[int]int{}
	}
	c.batches[batch.Seq] = batch.Len()
	c.mu.Unlock()

	if err := c.wait(ctx, "bulk"); err != nil {
		return backend.IngestOutcome{}, err
	}
	if err := c.BatchErrors[batch.Seq]; err != nil {
		return backend.IngestOutcome{}, err
	}
	ob := backend.NewOutcomeBuilder(batch, backend.MaxItemErrors)
	for _, doc := range batch.Docs {
		if c.Reject != nil {
			if reason := c.Reject(doc); reason != "" {
				ob.Failure(backend.KindTransport, reason)
				continue
			}
		}
		ob.Success()
	}
	return ob.Build(batch.Len()), nil
}

func (c *Client) Query(ctx context.Context, _ string, q string, _ int) (int64, error) {
	c.mu.Lock()
	c.queries = append(c.queries, q)
	c.mu.Unlock()

	if err := c.wait(ctx, "query"); err != nil {
		return 0, err
	}
	if err := c.QueryErrors[q]; err != nil {
		return 0, err
	}
	if c.Hits == nil {
		return 1, nil
	}
	return c.Hits(q), nil
}

func (c *Client) wait(ctx context.Context, op string) error {
	if c.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(c.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return backend.Classify(op, ctx.Err())
	case <-t.C:
		return nil
	}
}

// ExtractHits reads {"hits": n}.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, "hits")
}

func (c *Client) CheckHealth(context.Context) bool {
	return !c.Unhealthy
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	return c.CloseErr
}

// BatchSizes returns the size of every dispatched batch ordered by sequence number.
func (c *Client) BatchSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	seqs := make([]int, 0, len(c.batches))
	for s := range c.batches {
		seqs = append(seqs, s)
	}
	sort.Ints(seqs)
	sizes := make([]int, 0, len(seqs))
	for _, s := range seqs {
		sizes = append(sizes, c.batches[s])
	}
	return sizes
}

// Queries returns the issued queries in call order.
func (c *Client) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

// Ensured returns the targets passed to EnsureTarget.
func (c *Client) Ensured() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ensured...)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// CloseCalls counts Close invocations.
func (c *Client) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Reset forgets recorded calls.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = nil
	c.queries = nil
	c.ensured = nil
	c.connected = false
	c.closeCalls = 0
}

var _ backend.Client = (*Client)(nil)

package backend

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Client is the capability set every backend variant implements. The engines only
// ever talk to a backend through this interface.
type Client interface {
	// Name returns the registry name of the variant, e.g. "elasticsearch".
	Name() string

	// Connect establishes the transport and validates reachability. It fails with a
	// KindConnection error when the backend cannot be reached or rejects the credentials.
	Connect(ctx context.Context) error

	// EnsureTarget creates the named index, collection or stream set. A target that
	// already exists is not an error. Other failures are KindSetup.
	EnsureTarget(ctx context.Context, name string) error

	// BulkIngest dispatches one batch. Per-document failures are reported in the outcome;
	// a non-nil error means the whole batch was lost in transport.
	BulkIngest(ctx context.Context, target string, batch *Batch) (IngestOutcome, error)

	// Query translates q into the native query shape and returns the hit count.
	Query(ctx context.Context, target string, q string, limit int) (int64, error)

	// ExtractHits reads the result count out of a raw query response body using the
	// variant's own response schema.
	ExtractHits(body []byte) (int64, error)

	// CheckHealth is a single, non-retried health probe.
	CheckHealth(ctx context.Context) bool

	// Close releases the transport. It is safe to call after a failed Connect.
	Close() error
}

// Config carries the connection settings shared by all variants. Fields a variant does
// not understand are ignored.
type Config struct {
	Host               string
	Port               int
	Scheme             string
	User               string
	Password           string
	APIKey             string
	InsecureSkipVerify bool
	// Timeout bounds a single round trip when the caller's context carries no deadline.
	Timeout time.Duration
	// RetryMax is the number of transport retries for idempotent failures. Zero keeps
	// measurements honest and is the default.
	RetryMax int
	// ConnectRetries is the number of readiness probes attempted by Connect.
	ConnectRetries uint
	ConnectBackoff time.Duration
	// Labels are the stream labels of push-style backends, e.g. {"job": "benchmark_tool"}.
	Labels map[string]string
	// StreamLabelFields names document fields promoted to stream labels.
	StreamLabelFields []string
	// QueryFields are the fields searched by variants that need them spelled out.
	QueryFields []string
	// PoolSize is the number of physical connections kept by pooled transports.
	PoolSize int
	Logger   *zap.Logger
}

// WithDefaults fills zero values with the defaults of a variant listening on defaultPort.
func (c Config) WithDefaults(defaultPort int) Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 1
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if len(c.QueryFields) == 0 {
		c.QueryFields = []string{"message"}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

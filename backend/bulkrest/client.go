// Package bulkrest implements the Elasticsearch-compatible bulk REST backends that are
// driven over plain HTTP: OpenSearch and ZincSearch.
package bulkrest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"go.uber.org/zap"
)

// Dialect describes the endpoints of one bulk REST engine.
type Dialect struct {
	Name        string
	DefaultPort int
	// ReadyPath answers 2xx once the engine accepts requests.
	ReadyPath string
	// IndexPath is used with HEAD to test for an existing index.
	IndexPath func(index string) string
	// Create issues the index creation request.
	CreateMethod string
	CreatePath   func(index string) string
	CreateBody   func(index string) []byte
	// AlreadyExists reports whether a failed create answer means the index exists.
	AlreadyExists func(status int, body []byte) bool
	BulkPath      func(index string) string
	// BulkIndexInMeta puts _index in every action line instead of the path.
	BulkIndexInMeta bool
	// ParseBulk turns the bulk answer into an outcome.
	ParseBulk  func(op string, body []byte, b *backend.Batch) (backend.IngestOutcome, map[string]int64, error)
	SearchPath func(index string) string
	HitPath    []string
}

// OpenSearch speaks the Elasticsearch 7 REST API.
var OpenSearch = Dialect{
	Name:         "opensearch",
	DefaultPort:  9200,
	ReadyPath:    "/",
	IndexPath:    func(index string) string { return "/" + url.PathEscape(index) },
	CreateMethod: http.MethodPut,
	CreatePath:   func(index string) string { return "/" + url.PathEscape(index) },
	CreateBody:   func(string) []byte { return nil },
	AlreadyExists: func(status int, body []byte) bool {
		return status == http.StatusBadRequest && errorType(body) == "resource_already_exists_exception"
	},
	BulkPath:   func(index string) string { return "/" + url.PathEscape(index) + "/_bulk" },
	ParseBulk:  ParseBulkResponse,
	SearchPath: func(index string) string { return "/" + url.PathEscape(index) + "/_search" },
	HitPath:    []string{"hits", "total", "value"},
}

// ZincSearch exposes a native index API and Elasticsearch-compatible bulk and search.
var ZincSearch = Dialect{
	Name:         "zincsearch",
	DefaultPort:  4080,
	ReadyPath:    "/healthz",
	IndexPath:    func(index string) string { return "/api/index/" + url.PathEscape(index) },
	CreateMethod: http.MethodPost,
	CreatePath:   func(string) string { return "/api/index" },
	CreateBody: func(index string) []byte {
		b, _ := json.Marshal(map[string]string{"name": index, "storage_type": "disk"})
		return b
	},
	AlreadyExists: func(status int, body []byte) bool {
		return status == http.StatusBadRequest && zincIndexExists(body)
	},
	BulkPath:        func(string) string { return "/api/_bulk" },
	BulkIndexInMeta: true,
	ParseBulk:       parseZincBulk,
	SearchPath:      func(index string) string { return "/es/" + url.PathEscape(index) + "/_search" },
	HitPath:         []string{"hits", "total", "value"},
}

// Client is a backend.Client for one Dialect.
type Client struct {
	dialect Dialect
	cfg     backend.Config
	http    *backend.HTTPClient
	logger  *zap.Logger
}

// New returns a client for dialect d. Nothing is dialled until Connect.
func New(d Dialect, cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(d.DefaultPort)
	return &Client{dialect: d, cfg: cfg, logger: cfg.Logger.With(zap.String("backend", d.Name))}
}

func (c *Client) Name() string {
	return c.dialect.Name
}

func (c *Client) Connect(ctx context.Context) error {
	c.http = backend.NewHTTPClient(c.cfg, "")
	if c.cfg.APIKey != "" {
		c.http.SetHeader("Authorization", "ApiKey "+c.cfg.APIKey)
	}
	return backend.WaitReady(ctx, c.cfg, "connect", func(ctx context.Context) error {
		_, err := c.http.Expect(ctx, "connect", http.MethodGet, c.dialect.ReadyPath, "", nil)
		return err
	})
}

func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	if c.http == nil {
		return backend.NewSetupError("ensure target", errors.New("not connected"))
	}
	res, err := c.http.Do(ctx, "ensure target", http.MethodHead, c.dialect.IndexPath(name), "", nil)
	if err != nil {
		return backend.NewSetupError("ensure target", err)
	}
	if res.Status == http.StatusOK {
		c.logger.Debug("Index exists", zap.String("index", name))
		return nil
	}

	res, err = c.http.Do(ctx, "ensure target", c.dialect.CreateMethod, c.dialect.CreatePath(name), "application/json", c.dialect.CreateBody(name))
	if err != nil {
		return backend.NewSetupError("ensure target", err)
	}
	if res.Status >= 200 && res.Status < 300 {
		c.logger.Info("Index created", zap.String("index", name))
		return nil
	}
	if c.dialect.AlreadyExists(res.Status, res.Body) {
		return nil
	}
	return backend.NewSetupError("ensure target", backend.ClassifyStatus("create index", res.Status, string(res.Body)))
}

func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "bulk"
	metaIndex := ""
	if c.dialect.BulkIndexInMeta {
		metaIndex = target
	}
	buf := backend.GetBuffer()
	defer func() { backend.PutBuffer(buf) }()
	buf, err := EncodeBulk(buf, metaIndex, batch.Docs)
	if err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, err)
	}

	res, err := c.http.Expect(ctx, op, http.MethodPost, c.dialect.BulkPath(target), "application/x-ndjson", buf)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	outcome, typology, err := c.dialect.ParseBulk(op, res.Body, batch)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	if outcome.Failed > 0 {
		c.logger.Warn("Error typology mapping", zap.Int("batch", batch.Seq), zap.Any("errors", typology))
	}
	return outcome, nil
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	const op = "query"
	body, err := SearchBody(q, limit)
	if err != nil {
		return 0, backend.NewTransportError(op, err)
	}
	res, err := c.http.Expect(ctx, op, http.MethodPost, c.dialect.SearchPath(target), "application/json", body)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(res.Body)
}

func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, c.dialect.HitPath...)
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.http == nil {
		return false
	}
	_, err := c.http.Expect(ctx, "health", http.MethodGet, c.dialect.ReadyPath, "", nil)
	return err == nil
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	return c.http.Close()
}

func errorType(body []byte) string {
	var r struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	return r.Error.Type
}

// zincIndexExists checks a create answer against the index API, which reports a
// duplicate name as {"error":"index [name] already exists"}.
func zincIndexExists(body []byte) bool {
	var r struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return false
	}
	return strings.HasSuffix(r.Error, "already exists")
}

// parseZincBulk reads the summary answer of the Zinc bulk API, which reports only the
// number of inserted records.
func parseZincBulk(op string, body []byte, b *backend.Batch) (backend.IngestOutcome, map[string]int64, error) {
	var r struct {
		Message     string `json:"message"`
		RecordCount int    `json:"record_count"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return backend.IngestOutcome{}, nil, backend.NewTransportError(op, errors.Wrap(err, "decode bulk response"))
	}
	ob := backend.NewOutcomeBuilder(b, backend.MaxItemErrors)
	inserted := r.RecordCount
	if inserted > b.Len() {
		inserted = b.Len()
	}
	for i := 0; i < inserted; i++ {
		ob.Success()
	}
	typology := map[string]int64{}
	if missing := b.Len() - inserted; missing > 0 {
		reason := r.Error
		if reason == "" {
			reason = "record not inserted"
		}
		typology[reason] = int64(missing)
		for i := 0; i < missing; i++ {
			ob.Failure(backend.KindTransport, reason)
		}
	}
	return ob.Build(b.Len()), typology, nil
}

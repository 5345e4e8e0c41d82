// Package typesense is the Typesense variant: collections with an auto-detected schema,
// JSONL document import and keyword search over configured fields.
package typesense

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	DefaultPort = 8108
	// MaxPerPage is the largest page size the search endpoint accepts.
	MaxPerPage = 250
)

const apiKeyHeader = "X-TYPESENSE-API-KEY"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Field is one entry of a collection schema.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema is the collection creation body. The ".*" auto field lets every document
// attribute be indexed with its detected type.
type Schema struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

type Client struct {
	cfg    backend.Config
	http   *backend.HTTPClient
	logger *zap.Logger
}

func New(cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	return &Client{cfg: cfg, logger: cfg.Logger.With(zap.String("backend", "typesense"))}
}

func (c *Client) Name() string {
	return "typesense"
}

func (c *Client) Connect(ctx context.Context) error {
	c.http = backend.NewHTTPClient(c.cfg, apiKeyHeader)
	return backend.WaitReady(ctx, c.cfg, "connect", func(ctx context.Context) error {
		return c.health(ctx, "connect")
	})
}

func (c *Client) health(ctx context.Context, op string) error {
	res, err := c.http.Expect(ctx, op, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	return backend.WithParsed(op, res.Body, func(v *fastjson.Value) error {
		if !v.GetBool("ok") {
			return backend.NewTransportError(op, errors.New("health reports not ok"))
		}
		return nil
	})
}

func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	const op = "ensure target"
	if c.http == nil {
		return backend.NewSetupError(op, errors.New("not connected"))
	}
	res, err := c.http.Do(ctx, op, http.MethodGet, "/collections/"+url.PathEscape(name), "", nil)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if res.Status == http.StatusOK {
		c.logger.Debug("Collection exists", zap.String("collection", name))
		return nil
	}

	body, err := json.Marshal(Schema{Name: name, Fields: []Field{{Name: ".*", Type: "auto"}}})
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	res, err = c.http.Do(ctx, op, http.MethodPost, "/collections", "application/json", body)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	switch {
	case res.Status == http.StatusConflict:
		return nil
	case res.Status >= 200 && res.Status < 300:
		c.logger.Info("Collection created", zap.String("collection", name))
		return nil
	}
	return backend.NewSetupError(op, backend.ClassifyStatus("create collection", res.Status, string(res.Body)))
}

// BulkIngest imports the batch as JSONL. The answer holds one JSON line per document in
// input order, each with its own success flag.
func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "import"
	buf := backend.GetBuffer()
	defer func() { backend.PutBuffer(buf) }()
	for i, doc := range batch.Docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrapf(err, "encode document %d", i))
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	path := "/collections/" + url.PathEscape(target) + "/documents/import?action=create"
	res, err := c.http.Expect(ctx, op, http.MethodPost, path, "text/plain", buf)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	out, err := ParseImportResponse(op, res.Body, batch)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	if out.Failed > 0 {
		c.logger.Warn("Import rejected documents", zap.Int("batch", batch.Seq), zap.Int("Errors", out.Failed))
	}
	return out, nil
}

// ParseImportResponse reads the JSONL import answer into an outcome for batch b.
func ParseImportResponse(op string, body []byte, b *backend.Batch) (backend.IngestOutcome, error) {
	ob := backend.NewOutcomeBuilder(b, backend.MaxItemErrors)
	var p fastjson.Parser
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		v, err := p.ParseBytes(line)
		if err != nil {
			return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrap(err, "decode import result"))
		}
		if v.GetBool("success") {
			ob.Success()
			continue
		}
		ob.Failure(backend.KindTransport, string(v.GetStringBytes("error")))
	}
	if err := sc.Err(); err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrap(err, "read import result"))
	}
	return ob.Build(b.Len()), nil
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	if limit > MaxPerPage {
		limit = MaxPerPage
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("query_by", strings.Join(c.cfg.QueryFields, ","))
	params.Set("per_page", strconv.Itoa(limit))
	path := "/collections/" + url.PathEscape(target) + "/documents/search?" + params.Encode()
	res, err := c.http.Expect(ctx, "query", http.MethodGet, path, "", nil)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(res.Body)
}

// ExtractHits reads found.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, "found")
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.http == nil {
		return false
	}
	return c.health(ctx, "health") == nil
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	return c.http.Close()
}

// Package elasticsearch is the Elasticsearch variant, driven through the official
// go-elasticsearch client and its esapi request types.
package elasticsearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"

	goelasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/backend/bulkrest"
	"go.uber.org/zap"
)

const DefaultPort = 9200

// Client is the Elasticsearch backend.Client.
type Client struct {
	name      string
	cfg       backend.Config
	es        *goelasticsearch.Client
	transport *http.Transport
	logger    *zap.Logger
}

// New returns a client registered under name ("elasticsearch" or "eck").
func New(name string, cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	return &Client{name: name, cfg: cfg, logger: cfg.Logger.With(zap.String("backend", name))}
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Connect(ctx context.Context) error {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = c.cfg.PoolSize
	if c.cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	esCfg := goelasticsearch.Config{
		Addresses:     []string{fmt.Sprintf("%s://%s:%d", c.cfg.Scheme, c.cfg.Host, c.cfg.Port)},
		Username:      c.cfg.User,
		Password:      c.cfg.Password,
		APIKey:        c.cfg.APIKey,
		Transport:     transport,
		MaxRetries:    c.cfg.RetryMax,
		DisableRetry:  c.cfg.RetryMax == 0,
		RetryOnStatus: []int{502, 503, 504, 429},
	}
	es, err := goelasticsearch.NewClient(esCfg)
	if err != nil {
		return backend.NewConnectionError("connect", errors.Wrap(err, "elasticsearch client initialization"))
	}
	c.es = es
	c.transport = transport

	return backend.WaitReady(ctx, c.cfg, "connect", func(ctx context.Context) error {
		res, err := esapi.InfoRequest{}.Do(ctx, c.es)
		if err != nil {
			return backend.Classify("connect", err)
		}
		_, err = readResponse("connect", res)
		return err
	})
}

func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	const op = "ensure target"
	if c.es == nil {
		return backend.NewSetupError(op, errors.New("not connected"))
	}
	res, err := esapi.IndicesExistsRequest{Index: []string{name}}.Do(ctx, c.es)
	if err != nil {
		return backend.NewSetupError(op, backend.Classify(op, err))
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		c.logger.Debug("Index exists", zap.String("index", name))
		return nil
	}

	res, err = esapi.IndicesCreateRequest{Index: name}.Do(ctx, c.es)
	if err != nil {
		return backend.NewSetupError(op, backend.Classify(op, err))
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !res.IsError() {
		c.logger.Info("Index created", zap.String("index", name))
		return nil
	}
	var r struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := jsoniter.Unmarshal(body, &r); err == nil && r.Error.Type == "resource_already_exists_exception" {
		return nil
	}
	return backend.NewSetupError(op, backend.ClassifyStatus("create index", res.StatusCode, string(body)))
}

func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "bulk"
	buf := backend.GetBuffer()
	defer func() { backend.PutBuffer(buf) }()
	buf, err := bulkrest.EncodeBulk(buf, "", batch.Docs)
	if err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, err)
	}

	res, err := esapi.BulkRequest{Index: target, Body: bytes.NewReader(buf)}.Do(ctx, c.es)
	if err != nil {
		c.logger.Error("bulkRequest", zap.Error(err))
		return backend.IngestOutcome{}, backend.Classify(op, err)
	}
	body, err := readResponse(op, res)
	if err != nil {
		c.logger.Error("error", zap.Strings("warnings", res.Warnings()), zap.Error(err))
		return backend.IngestOutcome{}, err
	}

	outcome, typology, err := bulkrest.ParseBulkResponse(op, body, batch)
	if err != nil {
		c.logger.Error("decode bulk response", zap.Error(err))
		return backend.IngestOutcome{}, err
	}
	if outcome.Failed > 0 {
		c.logger.Warn("Error during bulkIndex", zap.Int("batch", batch.Seq), zap.Int("Docs", batch.Len()), zap.Int("Errors", outcome.Failed))
		c.logger.Warn("Error typology mapping", zap.Any("errors", typology))
	}
	return outcome, nil
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	const op = "query"
	body, err := bulkrest.SearchBody(q, limit)
	if err != nil {
		return 0, backend.NewTransportError(op, err)
	}
	res, err := esapi.SearchRequest{Index: []string{target}, Body: bytes.NewReader(body)}.Do(ctx, c.es)
	if err != nil {
		return 0, backend.Classify(op, err)
	}
	data, err := readResponse(op, res)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(data)
}

// ExtractHits reads hits.total.value.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, "hits", "total", "value")
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.es == nil {
		return false
	}
	res, err := esapi.ClusterHealthRequest{}.Do(ctx, c.es)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	if res.IsError() {
		return false
	}
	var h struct {
		Status string `json:"status"`
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&h); err != nil {
		return false
	}
	c.logger.Debug("Cluster health", zap.String("status", h.Status))
	return h.Status == "green" || h.Status == "yellow"
}

func (c *Client) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

func readResponse(op string, res *esapi.Response) ([]byte, error) {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, backend.Classify(op, errors.Wrap(err, "read response body"))
	}
	if err := backend.ClassifyStatus(op, res.StatusCode, string(body)); err != nil {
		return body, err
	}
	return body, nil
}

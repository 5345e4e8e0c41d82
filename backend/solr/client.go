// Package solr is the Apache Solr variant. Cores are managed through the CoreAdmin API
// and documents are posted as a JSON array to the update handler.
package solr

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const DefaultPort = 8983

// DefaultField is the catch-all copy field of the _default configset.
const DefaultField = "_text_"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Client struct {
	cfg    backend.Config
	http   *backend.HTTPClient
	logger *zap.Logger
	// ConfigSet is used when a core has to be created.
	ConfigSet string
}

func New(cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	return &Client{cfg: cfg, ConfigSet: "_default", logger: cfg.Logger.With(zap.String("backend", "solr"))}
}

func (c *Client) Name() string {
	return "solr"
}

func (c *Client) Connect(ctx context.Context) error {
	c.http = backend.NewHTTPClient(c.cfg, "")
	return backend.WaitReady(ctx, c.cfg, "connect", func(ctx context.Context) error {
		_, err := c.http.Expect(ctx, "connect", http.MethodGet, "/solr/admin/info/system?wt=json", "", nil)
		return err
	})
}

// EnsureTarget creates the core unless CoreAdmin STATUS already lists it. A failed
// CREATE is checked against STATUS again, so a core created concurrently counts as
// success without matching error messages.
func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	const op = "ensure target"
	if c.http == nil {
		return backend.NewSetupError(op, errors.New("not connected"))
	}
	exists, err := c.coreExists(ctx, name)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if exists {
		c.logger.Debug("Core exists", zap.String("core", name))
		return nil
	}

	params := url.Values{}
	params.Set("action", "CREATE")
	params.Set("name", name)
	params.Set("configSet", c.ConfigSet)
	params.Set("wt", "json")
	res, err := c.http.Do(ctx, op, http.MethodGet, "/solr/admin/cores?"+params.Encode(), "", nil)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if res.Status >= 200 && res.Status < 300 {
		c.logger.Info("Core created", zap.String("core", name))
		return nil
	}
	if exists, _ := c.coreExists(ctx, name); exists {
		return nil
	}
	return backend.NewSetupError(op, backend.ClassifyStatus("create core", res.Status, string(res.Body)))
}

func (c *Client) coreExists(ctx context.Context, name string) (bool, error) {
	params := url.Values{}
	params.Set("action", "STATUS")
	params.Set("core", name)
	params.Set("wt", "json")
	res, err := c.http.Expect(ctx, "core status", http.MethodGet, "/solr/admin/cores?"+params.Encode(), "", nil)
	if err != nil {
		return false, err
	}
	exists := false
	err = backend.WithParsed("core status", res.Body, func(v *fastjson.Value) error {
		// unknown cores are reported as an empty object
		core := v.GetObject("status", name)
		exists = core != nil && core.Len() > 0
		return nil
	})
	return exists, err
}

// BulkIngest posts the batch and commits. Solr applies an update request as a unit, so
// a rejected request fails every document of the batch.
func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "bulk"
	body, err := json.Marshal(batch.Docs)
	if err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrap(err, "encode documents"))
	}
	path := "/solr/" + url.PathEscape(target) + "/update?commit=true&wt=json"
	res, err := c.http.Expect(ctx, op, http.MethodPost, path, "application/json", body)
	if err != nil {
		return backend.IngestOutcome{}, err
	}

	status, err := backend.HitsAt(op, res.Body, "responseHeader", "status")
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	ob := backend.NewOutcomeBuilder(batch, backend.MaxItemErrors)
	if status != 0 {
		c.logger.Warn("Update rejected", zap.Int("batch", batch.Seq), zap.Int64("status", status))
		ob.Failure(backend.KindTransport, "update status "+strconv.FormatInt(status, 10))
		return ob.Build(batch.Len()), nil
	}
	for range batch.Docs {
		ob.Success()
	}
	return ob.Build(batch.Len()), nil
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("df", DefaultField)
	params.Set("rows", strconv.Itoa(limit))
	params.Set("wt", "json")
	res, err := c.http.Expect(ctx, "query", http.MethodGet, "/solr/"+url.PathEscape(target)+"/select?"+params.Encode(), "", nil)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(res.Body)
}

// ExtractHits reads response.numFound.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, "response", "numFound")
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.http == nil {
		return false
	}
	_, err := c.http.Expect(ctx, "health", http.MethodGet, "/solr/admin/info/system?wt=json", "", nil)
	return err == nil
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	return c.http.Close()
}

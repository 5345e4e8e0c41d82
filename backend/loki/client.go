// Package loki is the Grafana Loki variant. Documents are pushed as log lines into
// label-partitioned streams and queried with LogQL over a recent time range.
package loki

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	DefaultPort = 3100
	// DefaultBatchSize is smaller than for the bulk engines; a push body holds full log lines.
	DefaultBatchSize = 500
	// QueryRange is how far back queries look.
	QueryRange = 60 * time.Minute
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultLabels are attached to every stream when no labels are configured.
func DefaultLabels() map[string]string {
	return map[string]string{"job": "benchmark_tool"}
}

// PushRequest is the body of /loki/api/v1/push.
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is one label set with its entries as [<unix ns>, <line>] pairs.
type Stream struct {
	Labels map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type Client struct {
	cfg    backend.Config
	http   *backend.HTTPClient
	labels map[string]string
	logger *zap.Logger
	now    func() time.Time
}

func New(cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	labels := cfg.Labels
	if labels == nil {
		labels = DefaultLabels()
	}
	return &Client{
		cfg:    cfg,
		labels: labels,
		logger: cfg.Logger.With(zap.String("backend", "loki")),
		now:    time.Now,
	}
}

func (c *Client) Name() string {
	return "loki"
}

func (c *Client) Connect(ctx context.Context) error {
	c.http = backend.NewHTTPClient(c.cfg, "")
	if c.cfg.APIKey != "" {
		c.http.SetHeader("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return backend.WaitReady(ctx, c.cfg, "connect", c.ready)
}

func (c *Client) ready(ctx context.Context) error {
	res, err := c.http.Expect(ctx, "connect", http.MethodGet, "/ready", "", nil)
	if err != nil {
		return err
	}
	// /ready answers 503 with a reason while ingesters join the ring
	if res.Status != http.StatusOK {
		return backend.NewTransportError("connect", errors.Errorf("not ready: %d %s", res.Status, strings.TrimSpace(string(res.Body))))
	}
	return nil
}

// EnsureTarget has nothing to create: streams come into existence on first push. It only
// checks that there is a label set to push under.
func (c *Client) EnsureTarget(_ context.Context, name string) error {
	if len(c.labels) == 0 {
		return backend.NewSetupError("ensure target", errors.Errorf("no stream labels configured for %q", name))
	}
	c.logger.Debug("Streams are created on push", zap.String("selector", c.Selector()))
	return nil
}

// BulkIngest pushes the batch in one request. Documents are partitioned into streams by
// the configured labels plus the StreamLabelFields found in each document.
func (c *Client) BulkIngest(ctx context.Context, _ string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "push"
	ob := backend.NewOutcomeBuilder(batch, backend.MaxItemErrors)
	now := c.now()
	streams := map[string]*Stream{}
	pushed := 0
	for _, doc := range batch.Docs {
		line, err := json.Marshal(doc)
		if err != nil {
			ob.Failure(backend.KindTransport, errors.Wrap(err, "encode log line").Error())
			continue
		}
		labels := c.streamLabels(doc)
		key := renderSelector(labels)
		s, ok := streams[key]
		if !ok {
			s = &Stream{Labels: labels}
			streams[key] = s
		}
		ts := backend.EventTime(doc, now)
		s.Values = append(s.Values, [2]string{strconv.FormatInt(ts.UnixNano(), 10), string(line)})
		pushed++
	}
	if pushed == 0 {
		return ob.Build(batch.Len()), nil
	}

	keys := make([]string, 0, len(streams))
	for k := range streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	req := PushRequest{Streams: make([]Stream, 0, len(keys))}
	for _, k := range keys {
		req.Streams = append(req.Streams, *streams[k])
	}
	body, err := json.Marshal(req)
	if err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrap(err, "encode push request"))
	}
	if _, err := c.http.Expect(ctx, op, http.MethodPost, "/loki/api/v1/push", "application/json", body); err != nil {
		return backend.IngestOutcome{}, err
	}
	for i := 0; i < pushed; i++ {
		ob.Success()
	}
	return ob.Build(batch.Len()), nil
}

func (c *Client) streamLabels(doc backend.Document) map[string]string {
	labels := make(map[string]string, len(c.labels)+len(c.cfg.StreamLabelFields))
	for k, v := range c.labels {
		labels[k] = v
	}
	for _, f := range c.cfg.StreamLabelFields {
		if v, ok := doc[f].(string); ok && v != "" {
			labels[f] = v
		}
	}
	return labels
}

// Query runs q as a range query over the last QueryRange. A q that is not a LogQL
// expression is treated as a line filter on the configured labels.
func (c *Client) Query(ctx context.Context, _ string, q string, limit int) (int64, error) {
	end := c.now()
	start := end.Add(-QueryRange)
	params := url.Values{}
	params.Set("query", c.LogQL(q))
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	res, err := c.http.Expect(ctx, "query", http.MethodGet, "/loki/api/v1/query_range?"+params.Encode(), "", nil)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(res.Body)
}

// LogQL returns q unchanged when it already starts with a stream selector.
func (c *Client) LogQL(q string) string {
	q = strings.TrimSpace(q)
	if strings.HasPrefix(q, "{") {
		return q
	}
	return c.Selector() + " |= " + strconv.Quote(q)
}

// Selector renders the configured labels as a LogQL stream selector.
func (c *Client) Selector() string {
	return renderSelector(c.labels)
}

func renderSelector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ExtractHits counts the entries of every returned stream, data.result[*].values.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	var n int64
	err := backend.WithParsed("query", body, func(v *fastjson.Value) error {
		result := v.Get("data", "result")
		if result == nil {
			return backend.NewTransportError("query", errors.New("response has no data.result field"))
		}
		streams, err := result.Array()
		if err != nil {
			return backend.NewTransportError("query", errors.Wrap(err, "data.result"))
		}
		for _, s := range streams {
			n += int64(len(s.GetArray("values")))
		}
		return nil
	})
	return n, err
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.http == nil {
		return false
	}
	return c.ready(ctx) == nil
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	return c.http.Close()
}

// ParseLabels reads "k=v,k2=v2" into a label set.
func ParseLabels(s string) (map[string]string, error) {
	labels := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return nil, errors.Errorf("invalid label %q, expected key=value", pair)
		}
		labels[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return labels, nil
}

// Package meilisearch is the Meilisearch variant. Writes are asynchronous on the server,
// so every document addition is followed by polling its task until it settles.
package meilisearch

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

const (
	DefaultPort = 7700
	// PrimaryKey is added to documents that carry no "id" so that every
	// document is accepted whatever its shape.
	PrimaryKey = "ftsb_id"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Task is the subset of a task resource the client reads.
type Task struct {
	UID     int64  `json:"uid"`
	TaskUID *int64 `json:"taskUid"`
	Status  string `json:"status"`
	Details struct {
		ReceivedDocuments int `json:"receivedDocuments"`
		IndexedDocuments  int `json:"indexedDocuments"`
	} `json:"details"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (t Task) id() int64 {
	if t.TaskUID != nil {
		return *t.TaskUID
	}
	return t.UID
}

func (t Task) settled() bool {
	return t.Status == "succeeded" || t.Status == "failed" || t.Status == "canceled"
}

type Client struct {
	cfg    backend.Config
	http   *backend.HTTPClient
	logger *zap.Logger
	// PollInterval is the pause between task status reads.
	PollInterval time.Duration
}

func New(cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	return &Client{
		cfg:          cfg,
		logger:       cfg.Logger.With(zap.String("backend", "meilisearch")),
		PollInterval: 50 * time.Millisecond,
	}
}

func (c *Client) Name() string {
	return "meilisearch"
}

func (c *Client) Connect(ctx context.Context) error {
	c.http = backend.NewHTTPClient(c.cfg, "")
	if c.cfg.APIKey != "" {
		c.http.SetHeader("Authorization", "Bearer "+c.cfg.APIKey)
	}
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
		if status := string(v.GetStringBytes("status")); status != "available" {
			return backend.NewTransportError(op, errors.Errorf("status %q", status))
		}
		return nil
	})
}

func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	const op = "ensure target"
	if c.http == nil {
		return backend.NewSetupError(op, errors.New("not connected"))
	}
	res, err := c.http.Do(ctx, op, http.MethodGet, "/indexes/"+url.PathEscape(name), "", nil)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if res.Status == http.StatusOK {
		c.logger.Debug("Index exists", zap.String("index", name))
		return nil
	}

	body, _ := json.Marshal(map[string]string{"uid": name, "primaryKey": PrimaryKey})
	res, err = c.http.Do(ctx, op, http.MethodPost, "/indexes", "application/json", body)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if res.Status < 200 || res.Status >= 300 {
		if errorCode(res.Body) == "index_already_exists" {
			return nil
		}
		return backend.NewSetupError(op, backend.ClassifyStatus("create index", res.Status, string(res.Body)))
	}
	task, err := c.waitTask(ctx, op, res.Body)
	if err != nil {
		return backend.NewSetupError(op, err)
	}
	if task.Status == "succeeded" {
		c.logger.Info("Index created", zap.String("index", name))
		return nil
	}
	if task.Error != nil && task.Error.Code == "index_already_exists" {
		return nil
	}
	return backend.NewSetupError(op, errors.Errorf("create index task %d %s: %s", task.id(), task.Status, taskMessage(task)))
}

// BulkIngest adds the batch and waits for its task. A failed task rejects the whole
// batch, since the task reports no per-document status.
func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "add documents"
	docs := make([]backend.Document, len(batch.Docs))
	for i, doc := range batch.Docs {
		if _, ok := doc[PrimaryKey]; ok {
			docs[i] = doc
			continue
		}
		d := make(backend.Document, len(doc)+1)
		for k, v := range doc {
			d[k] = v
		}
		d[PrimaryKey] = uuid.NewString()
		docs[i] = d
	}
	body, err := json.Marshal(docs)
	if err != nil {
		return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Wrap(err, "encode documents"))
	}
	path := "/indexes/" + url.PathEscape(target) + "/documents?primaryKey=" + PrimaryKey
	res, err := c.http.Expect(ctx, op, http.MethodPost, path, "application/json", body)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	task, err := c.waitTask(ctx, op, res.Body)
	if err != nil {
		return backend.IngestOutcome{}, err
	}
	if task.Status != "succeeded" {
		return backend.IngestOutcome{}, backend.NewTransportError(op, errors.Errorf("task %d %s: %s", task.id(), task.Status, taskMessage(task)))
	}

	ob := backend.NewOutcomeBuilder(batch, backend.MaxItemErrors)
	indexed := task.Details.IndexedDocuments
	if indexed > batch.Len() {
		indexed = batch.Len()
	}
	for i := 0; i < indexed; i++ {
		ob.Success()
	}
	for i := indexed; i < batch.Len(); i++ {
		ob.Failure(backend.KindTransport, "document not indexed")
	}
	return ob.Build(batch.Len()), nil
}

// waitTask decodes the enqueued task from body and polls it until it settles.
func (c *Client) waitTask(ctx context.Context, op string, body []byte) (Task, error) {
	var enqueued Task
	if err := json.Unmarshal(body, &enqueued); err != nil {
		return Task{}, backend.NewTransportError(op, errors.Wrap(err, "decode task"))
	}
	path := "/tasks/" + strconv.FormatInt(enqueued.id(), 10)
	for {
		res, err := c.http.Expect(ctx, op, http.MethodGet, path, "", nil)
		if err != nil {
			return Task{}, err
		}
		var t Task
		if err := json.Unmarshal(res.Body, &t); err != nil {
			return Task{}, backend.NewTransportError(op, errors.Wrap(err, "decode task"))
		}
		if t.settled() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, backend.Classify(op, ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	body, err := json.Marshal(map[string]interface{}{"q": q, "limit": limit})
	if err != nil {
		return 0, backend.NewTransportError("query", err)
	}
	res, err := c.http.Expect(ctx, "query", http.MethodPost, "/indexes/"+url.PathEscape(target)+"/search", "application/json", body)
	if err != nil {
		return 0, err
	}
	return c.ExtractHits(res.Body)
}

// ExtractHits reads estimatedTotalHits.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	return backend.HitsAt("query", body, "estimatedTotalHits")
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

func errorCode(body []byte) string {
	var r struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	return r.Code
}

func taskMessage(t Task) string {
	if t.Error == nil {
		return "no error reported"
	}
	return t.Error.Code + ": " + t.Error.Message
}

// Package redisearch is the RediSearch variant. Documents are stored as hashes under the
// index prefix with pipelined commands over a radix pool and searched with FT.SEARCH.
package redisearch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mediocregopher/radix/v3"
	"github.com/mediocregopher/radix/v3/resp/resp2"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"go.uber.org/zap"
)

const DefaultPort = 6379

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

type Client struct {
	cfg    backend.Config
	pool   *radix.Pool
	logger *zap.Logger
}

func New(cfg backend.Config) *Client {
	cfg = cfg.WithDefaults(DefaultPort)
	return &Client{cfg: cfg, logger: cfg.Logger.With(zap.String("backend", "redisearch"))}
}

func (c *Client) Name() string {
	return "redisearch"
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

func (c *Client) Connect(ctx context.Context) error {
	opts := []radix.DialOpt{
		radix.DialTimeout(c.cfg.Timeout),
		radix.DialReadTimeout(c.cfg.Timeout),
		radix.DialWriteTimeout(c.cfg.Timeout),
	}
	switch {
	case c.cfg.User != "":
		opts = append(opts, radix.DialAuthUser(c.cfg.User, c.cfg.Password))
	case c.cfg.Password != "":
		opts = append(opts, radix.DialAuthPass(c.cfg.Password))
	}
	connFunc := func(network, addr string) (radix.Conn, error) {
		return radix.Dial(network, addr, opts...)
	}

	return backend.WaitReady(ctx, c.cfg, "connect", func(ctx context.Context) error {
		if c.pool == nil {
			pool, err := radix.NewPool("tcp", c.addr(), c.cfg.PoolSize,
				radix.PoolConnFunc(connFunc),
				radix.PoolPipelineWindow(0, 0))
			if err != nil {
				return c.classify("connect", err)
			}
			c.pool = pool
		}
		return c.ping(ctx, "connect")
	})
}

func (c *Client) ping(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return backend.Classify(op, err)
	}
	var pong string
	if err := c.pool.Do(radix.Cmd(&pong, "PING")); err != nil {
		return c.classify(op, err)
	}
	return nil
}

// classify maps a radix failure into the error taxonomy. Server error replies are
// transport failures; authentication errors are connection failures.
func (c *Client) classify(op string, err error) error {
	var rerr resp2.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		if hasAnyPrefix(msg, "NOAUTH", "WRONGPASS", "ERR invalid password", "ERR AUTH") {
			return backend.NewConnectionError(op, errors.Wrap(backend.ErrAuthRejected, msg))
		}
		return backend.NewTransportError(op, err)
	}
	return backend.Classify(op, err)
}

// EnsureTarget creates a hash index over the configured query fields. A failed
// FT.CREATE is followed by FT.INFO; an index that answers is treated as existing.
func (c *Client) EnsureTarget(ctx context.Context, name string) error {
	const op = "ensure target"
	if c.pool == nil {
		return backend.NewSetupError(op, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return backend.NewSetupError(op, backend.Classify(op, err))
	}
	args := []string{name, "ON", "HASH", "PREFIX", "1", name + ":", "SCHEMA"}
	for _, f := range c.cfg.QueryFields {
		args = append(args, f, "TEXT")
	}
	var reply resp2.RawMessage
	if err := c.pool.Do(radix.Cmd(&reply, "FT.CREATE", args...)); err != nil {
		return backend.NewSetupError(op, c.classify(op, err))
	}
	createErr := replyError(reply)
	if createErr == nil {
		c.logger.Info("Index created", zap.String("index", name), zap.Strings("fields", c.cfg.QueryFields))
		return nil
	}

	var info resp2.RawMessage
	if err := c.pool.Do(radix.Cmd(&info, "FT.INFO", name)); err == nil && replyError(info) == nil {
		c.logger.Debug("Index exists", zap.String("index", name))
		return nil
	}
	return backend.NewSetupError(op, createErr)
}

// BulkIngest writes one HMSET per document in a single pipeline. Every reply is read
// raw so a rejected document does not hide the status of the others.
func (c *Client) BulkIngest(ctx context.Context, target string, batch *backend.Batch) (backend.IngestOutcome, error) {
	const op = "bulk"
	if err := ctx.Err(); err != nil {
		return backend.IngestOutcome{}, backend.Classify(op, err)
	}
	replies := make([]resp2.RawMessage, batch.Len())
	cmds := make([]radix.CmdAction, 0, batch.Len())
	for i, doc := range batch.Docs {
		args, err := hashArgs(fmt.Sprintf("%s:%d:%d", target, batch.Seq, i), doc)
		if err != nil {
			return backend.IngestOutcome{}, backend.NewTransportError(op, err)
		}
		// HMSET, unlike HSET, takes several pairs on every server version
		cmds = append(cmds, radix.Cmd(&replies[i], "HMSET", args...))
	}
	if err := c.pool.Do(radix.Pipeline(cmds...)); err != nil {
		return backend.IngestOutcome{}, c.classify(op, err)
	}

	ob := backend.NewOutcomeBuilder(batch, backend.MaxItemErrors)
	for _, r := range replies {
		if err := replyError(r); err != nil {
			ob.Failure(backend.KindTransport, err.Error())
			continue
		}
		ob.Success()
	}
	return ob.Build(batch.Len()), nil
}

// hashArgs flattens doc into key field value ... in field order. Nested values are
// stored as their JSON encoding.
func hashArgs(key string, doc backend.Document) ([]string, error) {
	fields := make([]string, 0, len(doc))
	for k := range doc {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	args := make([]string, 0, 1+2*len(fields))
	args = append(args, key)
	for _, f := range fields {
		var v string
		switch x := doc[f].(type) {
		case string:
			v = x
		case nil:
			continue
		case bool:
			v = strconv.FormatBool(x)
		case float64:
			v = strconv.FormatFloat(x, 'f', -1, 64)
		case json.Number:
			v = x.String()
		default:
			b, err := jsonAPI.Marshal(x)
			if err != nil {
				return nil, errors.Wrapf(err, "encode field %s", f)
			}
			v = string(b)
		}
		args = append(args, f, v)
	}
	return args, nil
}

func (c *Client) Query(ctx context.Context, target string, q string, limit int) (int64, error) {
	const op = "query"
	if err := ctx.Err(); err != nil {
		return 0, backend.Classify(op, err)
	}
	var reply resp2.RawMessage
	err := c.pool.Do(radix.Cmd(&reply, "FT.SEARCH", target, q, "NOCONTENT", "LIMIT", "0", strconv.Itoa(limit)))
	if err != nil {
		return 0, c.classify(op, err)
	}
	if err := replyError(reply); err != nil {
		return 0, backend.NewTransportError(op, err)
	}
	return c.ExtractHits(reply)
}

// ExtractHits reads the total from the first element of a raw FT.SEARCH array reply.
func (c *Client) ExtractHits(body []byte) (int64, error) {
	br := bufio.NewReader(bytes.NewReader(body))
	var ah resp2.ArrayHeader
	if err := ah.UnmarshalRESP(br); err != nil {
		return 0, backend.NewTransportError("query", errors.Wrap(err, "decode search reply"))
	}
	if ah.N < 1 {
		return 0, backend.NewTransportError("query", errors.New("empty search reply"))
	}
	var total resp2.Int
	if err := total.UnmarshalRESP(br); err != nil {
		return 0, backend.NewTransportError("query", errors.Wrap(err, "decode search total"))
	}
	return total.I, nil
}

func (c *Client) CheckHealth(ctx context.Context) bool {
	if c.pool == nil {
		return false
	}
	return c.ping(ctx, "health") == nil
}

func (c *Client) Close() error {
	if c.pool == nil {
		return nil
	}
	return c.pool.Close()
}

// replyError returns the server error carried by a raw reply, if any.
func replyError(r resp2.RawMessage) error {
	if len(r) == 0 || r[0] != '-' {
		return nil
	}
	return errors.New(string(bytes.TrimSpace(r[1:])))
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

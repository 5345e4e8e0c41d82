package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HTTPClient is the pooled transport shared by the REST variants: one logical session
// over many keep-alive connections, safe for concurrent use.
type HTTPClient struct {
	client  *retryablehttp.Client
	baseURL string
	header  http.Header
	timeout time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// NewHTTPClient builds the transport for cfg. Authentication is sent on every request:
// an API key header when authHeader is set, otherwise basic auth when a user is set.
func NewHTTPClient(cfg Config, authHeader string) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = &zapLeveledLogger{l: logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	transport := rc.HTTPClient.Transport.(*http.Transport)
	transport.MaxIdleConnsPerHost = cfg.PoolSize
	transport.MaxConnsPerHost = cfg.PoolSize
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	header := http.Header{}
	switch {
	case authHeader != "" && cfg.APIKey != "":
		header.Set(authHeader, cfg.APIKey)
	case cfg.User != "":
		token := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}

	return &HTTPClient{
		client:  rc,
		baseURL: fmt.Sprintf("%s://%s:%d", cfg.Scheme, cfg.Host, cfg.Port),
		header:  header,
		timeout: cfg.Timeout,
	}
}

// BaseURL returns scheme://host:port.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// SetHeader adds a header sent with every request.
func (c *HTTPClient) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// Do sends one request and reads the whole body. Transport failures are classified
// into the error taxonomy; HTTP error statuses are returned as a Response and left to
// the caller, since some variants treat 404 or 409 as meaningful answers.
func (c *HTTPClient) Do(ctx context.Context, op, method, path string, contentType string, body []byte) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, NewTransportError(op, errors.Wrap(err, "build request"))
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(op, ctx.Err())
		}
		return nil, Classify(op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, Classify(op, errors.Wrap(err, "read response body"))
	}
	return &Response{Status: res.StatusCode, Body: data}, nil
}

// Expect is Do followed by ClassifyStatus on the response code.
func (c *HTTPClient) Expect(ctx context.Context, op, method, path, contentType string, body []byte) (*Response, error) {
	res, err := c.Do(ctx, op, method, path, contentType, body)
	if err != nil {
		return nil, err
	}
	if err := ClassifyStatus(op, res.Status, string(res.Body)); err != nil {
		return res, err
	}
	return res, nil
}

// Close drops idle connections.
func (c *HTTPClient) Close() error {
	c.client.HTTPClient.CloseIdleConnections()
	return nil
}

// zapLeveledLogger adapts zap to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	l *zap.SugaredLogger
}

func (z *zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	z.l.Errorw(msg, keysAndValues...)
}

func (z *zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Debugw(msg, keysAndValues...)
}

func (z *zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.l.Debugw(msg, keysAndValues...)
}

func (z *zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.l.Warnw(msg, keysAndValues...)
}

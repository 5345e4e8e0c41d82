package solr

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/searchbench/ftsb/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSolr struct {
	mu    sync.Mutex
	cores map[string]bool
	// createFails makes CREATE answer 500 while still registering the core.
	createFails bool
	docs        int
	lastQuery   string
}

func (f *fakeSolr) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	switch {
	case r.URL.Path == "/solr/admin/info/system":
		_, _ = io.WriteString(w, `{"responseHeader":{"status":0},"lucene":{"solr-spec-version":"9.6.0"}}`)
	case r.URL.Path == "/solr/admin/cores" && q.Get("action") == "STATUS":
		core := q.Get("core")
		if f.cores[core] {
			_, _ = io.WriteString(w, `{"status":{"`+core+`":{"name":"`+core+`"}}}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":{"`+core+`":{}}}`)
	case r.URL.Path == "/solr/admin/cores" && q.Get("action") == "CREATE":
		f.cores[q.Get("name")] = true
		if f.createFails {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":{"msg":"Core with name 'logs' already exists."}}`)
			return
		}
		_, _ = io.WriteString(w, `{"responseHeader":{"status":0},"core":"`+q.Get("name")+`"}`)
	case strings.HasSuffix(r.URL.Path, "/update"):
		var docs []map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"responseHeader":{"status":400}}`)
			return
		}
		f.docs += len(docs)
		_, _ = io.WriteString(w, `{"responseHeader":{"status":0,"QTime":5}}`)
	case strings.HasSuffix(r.URL.Path, "/select"):
		f.lastQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"responseHeader":{"status":0},"response":{"numFound":`+strconv.Itoa(f.docs)+`,"start":0,"docs":[]}}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return New(backend.Config{Host: host, Port: p})
}

func TestSolrRoundTrip(t *testing.T) {
	fake := &fakeSolr{cores: map[string]bool{}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.True(t, c.CheckHealth(ctx))
	require.NoError(t, c.EnsureTarget(ctx, "logs"))
	assert.True(t, fake.cores["logs"])

	b := backend.NewBatch(1, 2)
	b.Append(backend.Document{"message": "one"}, 0)
	b.Append(backend.Document{"message": "two"}, 0)
	out, err := c.BulkIngest(ctx, "logs", b)
	require.NoError(t, err)
	assert.Equal(t, backend.IngestOutcome{Attempted: 2, Succeeded: 2}, out)

	hits, err := c.Query(ctx, "logs", "one", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits)
	assert.Contains(t, fake.lastQuery, "df=_text_")
	assert.Contains(t, fake.lastQuery, "rows=25")
}

func TestSolrCreateFailureRechecksStatus(t *testing.T) {
	fake := &fakeSolr{cores: map[string]bool{}, createFails: true}
	c := newTestClient(t, fake)
	require.NoError(t, c.Connect(context.Background()))
	assert.NoError(t, c.EnsureTarget(context.Background(), "logs"))
}

func TestSolrCreateFailure(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("action") == "CREATE" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"msg":"Can't find resource 'solrconfig.xml'"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":{"logs":{}}}`)
	})
	c := newTestClient(t, h)
	require.NoError(t, c.Connect(context.Background()))
	err := c.EnsureTarget(context.Background(), "logs")
	assert.Equal(t, backend.KindSetup, backend.KindOf(err))
}

func TestSolrRejectedUpdate(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/update") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"responseHeader":{"status":400},"error":{"msg":"ERROR: unknown field 'x'"}}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	})
	c := newTestClient(t, h)
	require.NoError(t, c.Connect(context.Background()))
	b := backend.NewBatch(2, 1)
	b.Append(backend.Document{"x": 1}, 0)
	_, err := c.BulkIngest(context.Background(), "logs", b)
	assert.Equal(t, backend.KindTransport, backend.KindOf(err))
}

func TestSolrExtractHits(t *testing.T) {
	c := New(backend.Config{})
	n, err := c.ExtractHits([]byte(`{"response":{"numFound":31,"docs":[]}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(31), n)
}

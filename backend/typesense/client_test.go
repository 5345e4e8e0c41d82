package typesense

import (
	"bufio"
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

type fakeTypesense struct {
	mu          sync.Mutex
	collections map[string]bool
	docs        int
	apiKeys     []string
	search      string
}

func (f *fakeTypesense) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apiKeys = append(f.apiKeys, r.Header.Get(apiKeyHeader))
	switch {
	case r.URL.Path == "/health":
		_, _ = io.WriteString(w, `{"ok":true}`)
	case r.URL.Path == "/collections" && r.Method == http.MethodPost:
		var s Schema
		_ = json.NewDecoder(r.Body).Decode(&s)
		if f.collections[s.Name] {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"message":"A collection with name `+"`"+s.Name+"`"+` already exists."}`)
			return
		}
		f.collections[s.Name] = true
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"name":"`+s.Name+`"}`)
	case strings.HasSuffix(r.URL.Path, "/documents/import"):
		sc := bufio.NewScanner(r.Body)
		var lines []string
		for sc.Scan() {
			if strings.Contains(sc.Text(), `"id":"dup"`) {
				lines = append(lines, `{"success":false,"error":"A document with id dup already exists.","document":"{}"}`)
				continue
			}
			f.docs++
			lines = append(lines, `{"success":true}`)
		}
		_, _ = io.WriteString(w, strings.Join(lines, "\n"))
	case strings.HasSuffix(r.URL.Path, "/documents/search"):
		f.search = r.URL.RawQuery
		_, _ = io.WriteString(w, `{"found":`+strconv.Itoa(f.docs)+`,"hits":[],"page":1}`)
	case strings.HasPrefix(r.URL.Path, "/collections/"):
		if f.collections[strings.TrimPrefix(r.URL.Path, "/collections/")] {
			_, _ = io.WriteString(w, `{}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, h http.Handler, cfg backend.Config) *Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	return New(cfg)
}

func TestTypesenseRoundTrip(t *testing.T) {
	fake := &fakeTypesense{collections: map[string]bool{}}
	c := newTestClient(t, fake, backend.Config{APIKey: "xyz", QueryFields: []string{"message", "service"}})
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.True(t, c.CheckHealth(ctx))
	require.NoError(t, c.EnsureTarget(ctx, "logs"))
	require.NoError(t, c.EnsureTarget(ctx, "logs"))

	b := backend.NewBatch(4, 3)
	b.Append(backend.Document{"message": "a"}, 0)
	b.Append(backend.Document{"id": "dup", "message": "b"}, 0)
	b.Append(backend.Document{"message": "c"}, 0)
	out, err := c.BulkIngest(ctx, "logs", b)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempted)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "A document with id dup already exists.", out.Errors[0].Message)
	assert.Equal(t, 4, out.Errors[0].Batch)

	hits, err := c.Query(ctx, "logs", "a", 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits)
	assert.Contains(t, fake.search, "query_by=message%2Cservice")
	assert.Contains(t, fake.search, "per_page=250")

	for _, k := range fake.apiKeys {
		assert.Equal(t, "xyz", k)
	}
}

func TestTypesenseCreateConflict(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			_, _ = io.WriteString(w, `{"ok":true}`)
		case r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusConflict)
		}
	})
	c := newTestClient(t, h, backend.Config{})
	require.NoError(t, c.Connect(context.Background()))
	assert.NoError(t, c.EnsureTarget(context.Background(), "logs"))
}

func TestTypesenseNotOk(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"ok":false}`)
	})
	c := newTestClient(t, h, backend.Config{})
	err := c.Connect(context.Background())
	assert.Equal(t, backend.KindConnection, backend.KindOf(err))
}

func TestParseImportResponseShortAnswer(t *testing.T) {
	b := backend.NewBatch(1, 3)
	for i := 0; i < 3; i++ {
		b.Append(backend.Document{}, 0)
	}
	out, err := ParseImportResponse("import", []byte("{\"success\":true}\n\n"), b)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempted)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 2, out.Failed)

	_, err = ParseImportResponse("import", []byte("not json"), b)
	assert.Equal(t, backend.KindTransport, backend.KindOf(err))
}

package redisearch

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/searchbench/ftsb/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg backend.Config) (*Client, *miniredis.Miniredis) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	host, port, err := net.SplitHostPort(db.Addr())
	require.NoError(t, err)
	cfg.Host = host
	cfg.Port, err = strconv.Atoi(port)
	require.NoError(t, err)
	cfg.PoolSize = 2
	return New(cfg), db
}

func TestRedisearchIngest(t *testing.T) {
	c, db := newTestClient(t, backend.Config{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.True(t, c.CheckHealth(ctx))

	b := backend.NewBatch(3, 3)
	b.Append(backend.Document{"message": "GET /", "status": float64(200), "tags": []interface{}{"a"}}, 0)
	b.Append(backend.Document{}, 0)
	b.Append(backend.Document{"message": "POST /login", "ok": true}, 0)
	out, err := c.BulkIngest(ctx, "logs", b)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempted)
	assert.Equal(t, 2, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 3, out.Errors[0].Batch)

	assert.Equal(t, "GET /", db.HGet("logs:3:0", "message"))
	assert.Equal(t, "200", db.HGet("logs:3:0", "status"))
	assert.Equal(t, `["a"]`, db.HGet("logs:3:0", "tags"))
	assert.Equal(t, "true", db.HGet("logs:3:2", "ok"))
}

func TestRedisearchWithoutModule(t *testing.T) {
	c, _ := newTestClient(t, backend.Config{})
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	err := c.EnsureTarget(ctx, "logs")
	require.Error(t, err)
	assert.Equal(t, backend.KindSetup, backend.KindOf(err))

	_, err = c.Query(ctx, "logs", "GET", 10)
	require.Error(t, err)
	assert.Equal(t, backend.KindTransport, backend.KindOf(err))
	assert.False(t, backend.IsFatal(err))
}

func TestRedisearchAuth(t *testing.T) {
	c, db := newTestClient(t, backend.Config{Password: "wrong"})
	db.RequireAuth("secret")
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.KindConnection, backend.KindOf(err))
	assert.NoError(t, c.Close())
}

func TestRedisearchUnreachable(t *testing.T) {
	c, db := newTestClient(t, backend.Config{})
	db.Close()
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.KindConnection, backend.KindOf(err))
	assert.NoError(t, c.Close())
}

func TestExtractHits(t *testing.T) {
	c := New(backend.Config{})
	tests := []struct {
		name    string
		reply   string
		want    int64
		wantErr bool
	}{
		{"with keys", "*3\r\n:2\r\n$8\r\nlogs:1:0\r\n$8\r\nlogs:1:1\r\n", 2, false},
		{"no results", "*1\r\n:0\r\n", 0, false},
		{"empty array", "*0\r\n", 0, true},
		{"error reply", "-Unknown Index name\r\n", 0, true},
		{"not an array", ":5\r\n", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ExtractHits([]byte(tt.reply))
			if tt.wantErr {
				assert.Equal(t, backend.KindTransport, backend.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashArgs(t *testing.T) {
	args, err := hashArgs("logs:1:0", backend.Document{"b": "x", "a": float64(1.5), "n": nil, "m": map[string]interface{}{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"logs:1:0", "a", "1.5", "b", "x", "m", `{"k":"v"}`}, args)
}

package registry

import (
	"testing"

	"github.com/searchbench/ftsb/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name      string
		wantPort  int
		wantBatch int
	}{
		{"elasticsearch", 9200, 1000},
		{"eck", 9200, 1000},
		{"opensearch", 9200, 1000},
		{"zincsearch", 4080, 1000},
		{"solr", 8983, 1000},
		{"loki", 3100, 500},
		{"typesense", 8108, 1000},
		{"meilisearch", 7700, 1000},
		{"redisearch", 6379, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := Lookup(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.wantPort, e.DefaultPort)
			assert.Equal(t, tt.wantBatch, e.DefaultBatchSize)
			c, err := New(tt.name, backend.Config{})
			require.NoError(t, err)
			assert.Equal(t, tt.name, c.Name())
			assert.NoError(t, c.Close())
		})
	}
	assert.Len(t, Names(), len(tests))
}

func TestLookupIgnoresCase(t *testing.T) {
	e, ok := Lookup(" Loki ")
	require.True(t, ok)
	assert.Equal(t, "loki", e.Name)
}

func TestNewUnknown(t *testing.T) {
	_, err := New("quickwit", backend.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "elasticsearch")
}

func TestEntriesOrdered(t *testing.T) {
	es := Entries()
	for i := 1; i < len(es); i++ {
		assert.Less(t, es[i-1].Name, es[i].Name)
	}
}

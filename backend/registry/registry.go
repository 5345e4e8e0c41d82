// Package registry maps backend names to their client constructors.
package registry

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/backend/bulkrest"
	"github.com/searchbench/ftsb/backend/elasticsearch"
	"github.com/searchbench/ftsb/backend/loki"
	"github.com/searchbench/ftsb/backend/meilisearch"
	"github.com/searchbench/ftsb/backend/redisearch"
	"github.com/searchbench/ftsb/backend/solr"
	"github.com/searchbench/ftsb/backend/typesense"
)

// DefaultBatchSize is used by every variant that does not set its own.
const DefaultBatchSize = 1000

// Entry describes one registered variant.
type Entry struct {
	Name        string
	Family      string
	DefaultPort int
	// DefaultBatchSize is the batch size used when none is configured.
	DefaultBatchSize int
	New              func(cfg backend.Config) backend.Client
}

var entries = map[string]Entry{
	"elasticsearch": {
		Name: "elasticsearch", Family: "bulk-rest", DefaultPort: elasticsearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return elasticsearch.New("elasticsearch", cfg) },
	},
	"eck": {
		Name: "eck", Family: "bulk-rest", DefaultPort: elasticsearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return elasticsearch.New("eck", cfg) },
	},
	"opensearch": {
		Name: "opensearch", Family: "bulk-rest", DefaultPort: bulkrest.OpenSearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return bulkrest.New(bulkrest.OpenSearch, cfg) },
	},
	"zincsearch": {
		Name: "zincsearch", Family: "bulk-rest", DefaultPort: bulkrest.ZincSearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return bulkrest.New(bulkrest.ZincSearch, cfg) },
	},
	"solr": {
		Name: "solr", Family: "bulk-rest", DefaultPort: solr.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return solr.New(cfg) },
	},
	"loki": {
		Name: "loki", Family: "streaming-push", DefaultPort: loki.DefaultPort, DefaultBatchSize: loki.DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return loki.New(cfg) },
	},
	"typesense": {
		Name: "typesense", Family: "document-api", DefaultPort: typesense.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return typesense.New(cfg) },
	},
	"meilisearch": {
		Name: "meilisearch", Family: "document-api", DefaultPort: meilisearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return meilisearch.New(cfg) },
	},
	"redisearch": {
		Name: "redisearch", Family: "resp", DefaultPort: redisearch.DefaultPort, DefaultBatchSize: DefaultBatchSize,
		New: func(cfg backend.Config) backend.Client { return redisearch.New(cfg) },
	},
}

// Lookup returns the entry registered under name, ignoring case.
func Lookup(name string) (Entry, bool) {
	e, ok := entries[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// New builds the client registered under name.
func New(name string, cfg backend.Config) (backend.Client, error) {
	e, ok := Lookup(name)
	if !ok {
		return nil, errors.Errorf("unknown backend %q, expected one of %s", name, strings.Join(Names(), ", "))
	}
	return e.New(cfg), nil
}

// Names returns the registered names in order.
func Names() []string {
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Entries returns every entry ordered by name.
func Entries() []Entry {
	out := make([]Entry, 0, len(entries))
	for _, n := range Names() {
		out = append(out, entries[n])
	}
	return out
}

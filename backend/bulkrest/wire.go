package bulkrest

import (
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BulkIndexMeta is the action line preceding each source line of a bulk body.
type BulkIndexMeta struct {
	Index BulkIndexMetaDetail `json:"index"`
}

type BulkIndexMetaDetail struct {
	S_Index string `json:"_index,omitempty"`
	S_Id    string `json:"_id,omitempty"`
}

// EncodeBulk appends the NDJSON bulk body for docs to buf. When index is empty the
// action line carries no _index and the target comes from the request path.
func EncodeBulk(buf []byte, index string, docs []backend.Document) ([]byte, error) {
	meta, err := json.Marshal(BulkIndexMeta{Index: BulkIndexMetaDetail{S_Index: index}})
	if err != nil {
		return buf, errors.Wrap(err, "encode bulk action")
	}
	for i, doc := range docs {
		source, err := json.Marshal(doc)
		if err != nil {
			return buf, errors.Wrapf(err, "encode document %d", i)
		}
		buf = append(buf, meta...)
		buf = append(buf, '\n')
		buf = append(buf, source...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

// BulkResponse is the per-item answer of an Elasticsearch-compatible _bulk call.
type BulkResponse struct {
	Took   int                       `json:"took"`
	Errors bool                      `json:"errors"`
	Items  []map[string]BulkItemInfo `json:"items"`
}

type BulkItemInfo struct {
	Index  string        `json:"_index"`
	ID     string        `json:"_id"`
	Status int           `json:"status"`
	Error  BulkItemError `json:"error"`
}

type BulkItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ParseBulkResponse turns a bulk response body into the outcome of batch b, along
// with a count of failures per error type.
func ParseBulkResponse(op string, body []byte, b *backend.Batch) (backend.IngestOutcome, map[string]int64, error) {
	var r BulkResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return backend.IngestOutcome{}, nil, backend.NewTransportError(op, errors.Wrap(err, "decode bulk response"))
	}

	typology := make(map[string]int64)
	ob := backend.NewOutcomeBuilder(b, backend.MaxItemErrors)
	for _, item := range r.Items {
		info, ok := firstItem(item)
		if !ok {
			continue
		}
		if info.Status >= 200 && info.Status < 300 && info.Error.Type == "" {
			ob.Success()
			continue
		}
		typology[info.Error.Type]++
		ob.Failure(backend.KindTransport, info.Error.Type+": "+info.Error.Reason)
	}
	return ob.Build(b.Len()), typology, nil
}

// firstItem returns the single action entry of a bulk item ("index", "create", ...).
func firstItem(item map[string]BulkItemInfo) (BulkItemInfo, bool) {
	if len(item) == 0 {
		return BulkItemInfo{}, false
	}
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return item[keys[0]], true
}

// SearchBody is the query DSL used by the Elasticsearch-compatible variants.
func SearchBody(q string, limit int) ([]byte, error) {
	body := map[string]interface{}{
		"size":             limit,
		"track_total_hits": true,
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query": q,
			},
		},
	}
	return json.Marshal(body)
}

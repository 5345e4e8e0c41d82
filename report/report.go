// Package report assembles the immutable result of a benchmark run and persists it.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
	"github.com/searchbench/ftsb/load"
	"github.com/searchbench/ftsb/query"
)

// ResultFormatVersion is bumped whenever the report layout changes.
const ResultFormatVersion = "0.2"

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BenchmarkInfo is the run metadata section.
type BenchmarkInfo struct {
	RunID               string                 `json:"run_id"`
	ResultFormatVersion string                 `json:"result_format_version"`
	ToolVersion         string                 `json:"tool_version"`
	Backend             string                 `json:"backend"`
	Host                string                 `json:"host"`
	Port                int                    `json:"port"`
	Index               string                 `json:"index"`
	StartTime           time.Time              `json:"start_time"`
	EndTime             time.Time              `json:"end_time"`
	DurationSeconds     float64                `json:"duration_seconds"`
	Status              string                 `json:"status"`
	Failure             string                 `json:"failure,omitempty"`
	Metadata            string                 `json:"metadata,omitempty"`
	Config              map[string]interface{} `json:"config"`
}

// RunReport is the single artifact of a run. A nil section means the phase did not run.
type RunReport struct {
	BenchmarkInfo    BenchmarkInfo `json:"benchmark_info"`
	IngestionResults *load.Result  `json:"ingestion_results"`
	QueryResults     *query.Result `json:"query_results"`
}

// Aggregate builds a report from the phase results. The report shares no memory with
// its inputs. When info.Status is empty it is derived from the phases.
func Aggregate(info BenchmarkInfo, ingest *load.Result, queries *query.Result) RunReport {
	info.ResultFormatVersion = ResultFormatVersion
	info.Config = copyConfig(info.Config)
	if !info.StartTime.IsZero() && !info.EndTime.IsZero() {
		info.DurationSeconds = info.EndTime.Sub(info.StartTime).Seconds()
	}

	r := RunReport{BenchmarkInfo: info}
	aborted := false
	if ingest != nil {
		c := *ingest
		c.Errors = append([]backend.ErrorDetail(nil), ingest.Errors...)
		c.BatchLatencyMs = copyQuantiles(ingest.BatchLatencyMs)
		r.IngestionResults = &c
		aborted = aborted || c.Status == load.StatusAborted
	}
	if queries != nil {
		c := *queries
		c.Errors = append([]backend.ErrorDetail(nil), queries.Errors...)
		c.Outcomes = append([]query.Outcome(nil), queries.Outcomes...)
		c.LatencyMs = copyQuantiles(queries.LatencyMs)
		r.QueryResults = &c
		aborted = aborted || c.Status == query.StatusAborted
	}
	if r.BenchmarkInfo.Status == "" {
		r.BenchmarkInfo.Status = StatusCompleted
		if aborted {
			r.BenchmarkInfo.Status = StatusAborted
		}
	}
	return r
}

func copyQuantiles(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string]float64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyConfig(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		c[k] = v
	}
	return c
}

// FileName returns benchmark_results_<target>_<YYYYMMDD_HHMMSS>.json.
func FileName(target string, t time.Time) string {
	return fmt.Sprintf("benchmark_results_%s_%s.json", target, t.Format("20060102_150405"))
}

// maxNameAttempts bounds the search for a free report file name.
const maxNameAttempts = 100

// Write stores r as indented JSON in dir and returns the file path. An existing report
// is never overwritten: when FileName is taken, the short run id and then a counter
// are appended to it.
func Write(dir string, r RunReport) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create output dir")
	}
	data, err := json.MarshalIndent(r, "", " ")
	if err != nil {
		return "", errors.Wrap(err, "encode report")
	}
	stamp := r.BenchmarkInfo.StartTime
	if stamp.IsZero() {
		stamp = time.Now()
	}
	name := FileName(r.BenchmarkInfo.Backend, stamp)
	for i := 0; i < maxNameAttempts; i++ {
		path := filepath.Join(dir, alternateName(name, r.BenchmarkInfo.RunID, i))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", errors.Wrap(err, "create report")
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return "", errors.Wrap(err, "write report")
		}
		return path, errors.Wrap(f.Close(), "close report")
	}
	return "", errors.Errorf("no free report name for %s in %s", name, dir)
}

// alternateName returns the i-th candidate for name: name itself, then name with the
// short run id, then with a counter.
func alternateName(name, runID string, i int) string {
	if i == 0 {
		return name
	}
	suffix := shortID(runID)
	switch {
	case suffix == "":
		suffix = strconv.Itoa(i + 1)
	case i > 1:
		suffix += "_" + strconv.Itoa(i)
	}
	return strings.TrimSuffix(name, ".json") + "_" + suffix + ".json"
}

func shortID(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// Read loads a report written by Write.
func Read(path string) (RunReport, error) {
	var r RunReport
	data, err := os.ReadFile(path)
	if err != nil {
		return r, errors.Wrap(err, "read report")
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, errors.Wrap(err, "decode report")
	}
	return r, nil
}

// PrintSummary writes a human-readable digest of r.
func PrintSummary(w io.Writer, r RunReport) {
	info := r.BenchmarkInfo
	fmt.Fprintf(w, "\nSummary (%s, run %s, %s):\n", info.Backend, info.RunID, info.Status)
	if ing := r.IngestionResults; ing != nil {
		fmt.Fprintf(w, "Issued %d Documents in %d batches in %0.3fsec with %d workers\n",
			ing.Attempted, ing.Batches, ing.DurationSeconds, ing.Workers)
		fmt.Fprintf(w, "\tIngestion:\n\t"+
			"- Succeeded %d, Failed %d\n\t"+
			"- Total %0.0f docs/sec\t\tbatch q50 lat %0.3f ms\n\t"+
			"- Overall TX Byte Rate: %s\n",
			ing.Succeeded, ing.Failed, ing.DocsPerSecond, ing.BatchLatencyMs["q50"], ing.TxByteRateHumanReadable)
	}
	if q := r.QueryResults; q != nil {
		fmt.Fprintf(w, "Issued %d Queries in %0.3fsec with %d workers\n", q.TotalQueries, q.DurationSeconds, q.Workers)
		fmt.Fprintf(w, "\tQueries:\n\t"+
			"- Succeeded %d, Failed %d\n\t"+
			"- Total %0.1f queries/sec\n\t"+
			"- Latency avg %0.3f ms, min %0.3f ms, max %0.3f ms, q50 %0.3f ms, q99 %0.3f ms\n\t"+
			"- Hits total %d, max %d\n",
			q.Succeeded, q.Failed, q.QueriesPerSecond,
			q.AvgLatencySeconds*1e3, q.MinLatencySeconds*1e3, q.MaxLatencySeconds*1e3,
			q.LatencyMs["q50"], q.LatencyMs["q99"], q.TotalHits, q.MaxHits)
	}
	if info.Failure != "" {
		fmt.Fprintf(w, "Run failed: %s\n", info.Failure)
	}
}

// Package generate produces seeded synthetic log documents and query lists drawn
// from the same vocabulary, so that generated queries have matches in generated data.
package generate

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"time"

	"code.cloudfoundry.org/bytefmt"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/searchbench/ftsb/backend"
)

const defaultWriteSize = 4 << 20 // 4 MB

var json = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
}.Froze()

var (
	levels       = []string{"debug", "info", "info", "info", "info", "warn", "warn", "error"}
	services     = []string{"api-gateway", "auth", "billing", "catalog", "checkout", "search", "inventory", "notifier"}
	methods      = []string{"GET", "POST", "PUT", "DELETE"}
	paths        = []string{"/", "/index", "/login", "/cart", "/orders", "/products", "/health", "/search"}
	words        = []string{"timeout", "connection", "refused", "retry", "cache", "miss", "hit", "user", "session", "expired", "payment", "declined", "queue", "backlog", "latency", "spike", "disk", "full", "shard", "replica", "token", "invalid", "upstream", "reset"}
	messageForms = []string{
		"%s %s %d in %dms",
		"%s while calling %s: %s %s",
		"%s %s for user %d",
		"worker %d reported %s %s",
	}
)

// ErrInvalidGroup is returned when GroupID is not below Groups.
var ErrInvalidGroup = errors.New("incorrect interleaved groups configuration: group id out of range")

// Config controls document generation.
type Config struct {
	Count uint64
	// Seed feeds the PRNG. 0 uses the current time.
	Seed int64
	// Start is the timestamp of the first document; later documents step by Interval.
	Start    time.Time
	Interval time.Duration
	// GroupID and Groups split generation round-robin across processes: only every
	// Groups-th document starting at GroupID is written.
	GroupID uint
	Groups  uint
}

func (c Config) validate() error {
	if c.GroupID >= c.Groups {
		return errors.Wrapf(ErrInvalidGroup, "id %d >= total groups %d", c.GroupID, c.Groups)
	}
	return nil
}

// Simulator generates log-like documents.
type Simulator struct {
	cfg  Config
	rng  *rand.Rand
	made uint64

	fields uint64
	size   uint64
}

func NewSimulator(cfg Config) *Simulator {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	return &Simulator{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

// Finished tells whether all documents were produced.
func (s *Simulator) Finished() bool {
	return s.made >= s.cfg.Count
}

// Next returns the next document.
func (s *Simulator) Next() backend.Document {
	ts := s.cfg.Start.Add(time.Duration(s.made) * s.cfg.Interval)
	s.made++
	level := choice(s.rng, levels)
	service := choice(s.rng, services)
	status := 200
	switch level {
	case "warn":
		status = 404
	case "error":
		status = 500 + s.rng.Intn(4)
	}
	return backend.Document{
		"@timestamp": ts.Format(time.RFC3339Nano),
		"level":      level,
		"service":    service,
		"host":       fmt.Sprintf("host-%02d", s.rng.Intn(16)),
		"status":     status,
		"latency_ms": float64(s.rng.Intn(200000)) / 100,
		"trace_id":   fmt.Sprintf("%016x", s.rng.Uint64()),
		"message":    s.message(service),
	}
}

func (s *Simulator) message(service string) string {
	switch s.rng.Intn(len(messageForms)) {
	case 0:
		return fmt.Sprintf(messageForms[0], choice(s.rng, methods), choice(s.rng, paths), 200+s.rng.Intn(400), s.rng.Intn(3000))
	case 1:
		return fmt.Sprintf(messageForms[1], choice(s.rng, words), choice(s.rng, services), choice(s.rng, words), choice(s.rng, words))
	case 2:
		return fmt.Sprintf(messageForms[2], choice(s.rng, words), choice(s.rng, words), s.rng.Intn(100000))
	default:
		return fmt.Sprintf(messageForms[3], s.rng.Intn(64), choice(s.rng, words), service)
	}
}

// Describe prints a dataset description of what was written.
func (s *Simulator) Describe(w io.Writer) {
	fmt.Fprintf(w, "-------------- Dataset description --------------\n")
	fmt.Fprintf(w, "Total Documents: %d\n", s.made)
	if s.made == 0 {
		return
	}
	written := s.made / uint64(s.cfg.Groups)
	if written == 0 {
		written = 1
	}
	fmt.Fprintf(w, "Avg. Number Fields per Document: %.1f\n", float64(s.fields)/float64(written))
	fmt.Fprintf(w, "Documents Size: %s\n", bytefmt.ByteSize(s.size))
	fmt.Fprintf(w, "Avg. Documents Size: %s\n", bytefmt.ByteSize(s.size/written))
}

// WriteDocuments writes cfg.Count NDJSON documents to out and returns the simulator
// for reporting.
func WriteDocuments(out io.Writer, cfg Config) (*Simulator, error) {
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sim := NewSimulator(cfg)
	bw := bufio.NewWriterSize(out, defaultWriteSize)
	currGroupID := uint(0)
	for !sim.Finished() {
		doc := sim.Next()
		if currGroupID == cfg.GroupID {
			line, err := json.Marshal(doc)
			if err != nil {
				return sim, errors.Wrap(err, "encode document")
			}
			sim.fields += uint64(len(doc))
			sim.size += uint64(len(line))
			if _, err := bw.Write(append(line, '\n')); err != nil {
				return sim, errors.Wrap(err, "write document")
			}
		}
		currGroupID = (currGroupID + 1) % cfg.Groups
	}
	return sim, errors.Wrap(bw.Flush(), "flush documents")
}

// WriteQueries writes n queries, one per line, built from the document vocabulary.
func WriteQueries(out io.Writer, n int, seed int64) error {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	bw := bufio.NewWriter(out)
	for i := 0; i < n; i++ {
		var q string
		switch rng.Intn(4) {
		case 0:
			q = choice(rng, levels)
		case 1:
			q = choice(rng, services)
		case 2:
			q = choice(rng, words) + " " + choice(rng, words)
		default:
			q = choice(rng, words)
		}
		if _, err := fmt.Fprintln(bw, q); err != nil {
			return errors.Wrap(err, "write query")
		}
	}
	return errors.Wrap(bw.Flush(), "flush queries")
}

func choice(rng *rand.Rand, s []string) string {
	return s[rng.Intn(len(s))]
}

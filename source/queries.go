package source

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoQueries is returned for a query list without a single query.
var ErrNoQueries = errors.New("query list is empty")

// ReadQueries reads one query per line. Blank lines and lines starting with # are
// ignored.
func ReadQueries(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, MaxLineSize)
	var queries []string
	for scanner.Scan() {
		q := strings.TrimSpace(scanner.Text())
		if q == "" || strings.HasPrefix(q, "#") {
			continue
		}
		queries = append(queries, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read queries")
	}
	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}

// LoadQueries reads the query file at path.
func LoadQueries(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open query file")
	}
	defer f.Close()
	queries, err := ReadQueries(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return queries, nil
}

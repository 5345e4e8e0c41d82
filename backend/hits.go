package backend

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// HitsAt parses a JSON response body and returns the integer found at path. Variants
// implement ExtractHits with it, each naming its own path.
func HitsAt(op string, body []byte, path ...string) (int64, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return 0, NewTransportError(op, errors.Wrap(err, "decode response"))
	}
	field := v.Get(path...)
	if field == nil {
		return 0, NewTransportError(op, errors.Errorf("response has no %v field", path))
	}
	n, err := field.Int64()
	if err != nil {
		// some engines report counts as floats
		f, ferr := field.Float64()
		if ferr != nil {
			return 0, NewTransportError(op, errors.Wrapf(err, "field %v", path))
		}
		n = int64(f)
	}
	return n, nil
}

// WithParsed runs fn on the parsed body with a pooled parser. The value must not be
// retained after fn returns.
func WithParsed(op string, body []byte, fn func(v *fastjson.Value) error) error {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		return NewTransportError(op, errors.Wrap(err, "decode response"))
	}
	return fn(v)
}

// bufferPool recycles encode buffers across batches.
var bufferPool = sync.Pool{New: func() interface{} { return make([]byte, 0, 64*1024) }}

// GetBuffer returns an empty byte slice from the shared pool.
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)[:0]
}

// PutBuffer returns buf to the pool.
func PutBuffer(buf []byte) {
	if cap(buf) > 16<<20 {
		return
	}
	bufferPool.Put(buf[:0])
}

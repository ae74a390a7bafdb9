// Package compression negotiates and applies response encoding. Bodies are
// buffered until they clear the minimum size, so small responses ship
// uncompressed with their original Content-Length.
package compression

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/middleware"
)

// serverOrder is the preference used to break client q-value ties.
var serverOrder = []string{"br", "zstd", "gzip"}

type algoStats struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// Compressor negotiates an algorithm per request and wraps the response
// writer when one applies.
type Compressor struct {
	level        int
	minSize      int
	contentTypes map[string]bool
	algorithms   []string // enabled, in server preference order
	stats        map[string]*algoStats
	zstdPool     sync.Pool
}

// New builds a compressor from config. Level is the brotli scale (0-11);
// gzip callers get it capped at 9.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		stats:        make(map[string]*algoStats),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := make(map[string]bool)
	if len(cfg.Algorithms) > 0 {
		for _, algo := range cfg.Algorithms {
			enabled[algo] = true
		}
	} else {
		enabled["br"], enabled["zstd"], enabled["gzip"] = true, true, true
	}
	for _, algo := range serverOrder {
		if enabled[algo] {
			c.algorithms = append(c.algorithms, algo)
			c.stats[algo] = &algoStats{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = []string{
			"application/json", "application/javascript", "application/xml",
			"text/plain", "text/html", "text/css", "image/svg+xml",
		}
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c
}

// Negotiate picks the response encoding for the request, or "" for identity.
// Client q-values win; server order breaks ties; q=0 rejects an algorithm.
func (c *Compressor) Negotiate(r *http.Request) string {
	header := r.Header.Get("Accept-Encoding")
	if header == "" {
		return ""
	}

	prefs := make(map[string]float64)
	wildcard := -1.0
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc, params, _ := strings.Cut(part, ";")
		enc = strings.TrimSpace(enc)
		q := 1.0
		if params = strings.TrimSpace(params); strings.HasPrefix(params, "q=") {
			if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
				q = v
			}
		}
		if enc == "*" {
			wildcard = q
		} else {
			prefs[enc] = q
		}
	}

	best, bestQ := "", 0.0
	for _, algo := range c.algorithms {
		q, explicit := prefs[algo]
		if !explicit {
			if wildcard < 0 {
				continue
			}
			q = wildcard
		}
		if q > bestQ {
			best, bestQ = algo, q
		}
	}
	return best
}

func (c *Compressor) compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	return c.contentTypes[strings.TrimSpace(ct)]
}

// encoder returns a writer for the algorithm. zstd encoders are pooled;
// their Close returns them.
func (c *Compressor) encoder(w io.Writer, algo string) io.WriteCloser {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstd{enc: enc, pool: &c.zstdPool}
	default:
		level := min(c.level, gzip.BestCompression)
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

// Middleware wraps responses that negotiate an encoding.
func (c *Compressor) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			algo := c.Negotiate(r)
			if algo == "" {
				next.ServeHTTP(w, r)
				return
			}
			cw := &compressingWriter{ResponseWriter: w, compressor: c, algo: algo, status: http.StatusOK}
			defer cw.finish()
			next.ServeHTTP(cw, r)
		})
	}
}

// Stats reports per-algorithm byte counts for the status endpoint.
type Stats struct {
	BytesIn  int64 `json:"bytesIn"`
	BytesOut int64 `json:"bytesOut"`
	Count    int64 `json:"count"`
}

func (c *Compressor) Stats() map[string]Stats {
	out := make(map[string]Stats, len(c.stats))
	for algo, s := range c.stats {
		out[algo] = Stats{
			BytesIn:  s.bytesIn.Load(),
			BytesOut: s.bytesOut.Load(),
			Count:    s.count.Load(),
		}
	}
	return out
}

type pooledZstd struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledZstd) Write(b []byte) (int, error) { return p.enc.Write(b) }

func (p *pooledZstd) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

// countWriter counts compressed output bytes for the stats.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	return n, err
}

// compressingWriter buffers the body until it either proves too small or
// non-compressible (passthrough) or clears minSize (compress).
type compressingWriter struct {
	http.ResponseWriter
	compressor *Compressor
	algo       string
	status     int

	buf         []byte
	decided     bool
	compressing bool
	headerSent  bool
	enc         io.WriteCloser
	counter     *countWriter
	bytesIn     int64
}

func (w *compressingWriter) WriteHeader(status int) {
	if w.headerSent {
		return
	}
	w.status = status
	if ct := w.Header().Get("Content-Type"); ct != "" && !w.compressor.compressible(ct) {
		w.decide(false)
	}
	// Compressible responses defer the header until the size verdict.
}

func (w *compressingWriter) Write(b []byte) (int, error) {
	if w.decided {
		if w.compressing {
			w.bytesIn += int64(len(b))
			return w.enc.Write(b)
		}
		return w.ResponseWriter.Write(b)
	}

	w.buf = append(w.buf, b...)
	if ct := w.Header().Get("Content-Type"); ct != "" && !w.compressor.compressible(ct) {
		w.decide(false)
	} else if len(w.buf) >= w.compressor.minSize {
		w.decide(true)
	}
	return len(b), nil
}

// decide locks in the verdict, emits headers, and drains the buffer.
func (w *compressingWriter) decide(compress bool) {
	if w.decided {
		return
	}
	w.decided = true
	w.compressing = compress

	if !w.headerSent {
		w.headerSent = true
		if compress {
			w.Header().Del("Content-Length")
			w.Header().Set("Content-Encoding", w.algo)
			w.Header().Add("Vary", "Accept-Encoding")
			w.counter = &countWriter{w: w.ResponseWriter}
			w.enc = w.compressor.encoder(w.counter, w.algo)
		}
		w.ResponseWriter.WriteHeader(w.status)
	}

	if len(w.buf) > 0 {
		if compress {
			w.bytesIn += int64(len(w.buf))
			w.enc.Write(w.buf)
		} else {
			w.ResponseWriter.Write(w.buf)
		}
		w.buf = nil
	}
}

// finish flushes an undecided buffer as identity or closes the encoder.
func (w *compressingWriter) finish() {
	if !w.decided {
		w.decide(false)
		return
	}
	if w.compressing {
		w.enc.Close()
		if s, ok := w.compressor.stats[w.algo]; ok {
			s.bytesIn.Add(w.bytesIn)
			s.bytesOut.Add(w.counter.n)
			s.count.Add(1)
		}
	}
}

func (w *compressingWriter) Flush() {
	if !w.decided {
		// A streaming handler forces the verdict early.
		w.decide(len(w.buf) >= w.compressor.minSize)
	}
	if w.compressing {
		if f, ok := w.enc.(interface{ Flush() error }); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

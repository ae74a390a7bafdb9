// Package flog keeps recent invocation logs per function in bounded ring
// buffers. The dispatcher appends; the logs endpoint reads with cursor
// pagination. Entries are process-local and do not survive restarts.
package flog

import (
	"strconv"
	"sync"
	"time"

	"github.com/functionsdo/gateway/internal/byfn"
)

// Entry is one invocation log line. Seq is monotonic per function and
// doubles as the pagination cursor.
type Entry struct {
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Query selects entries. Zero values mean "no constraint" except Limit,
// which defaults to 100 and is capped at 1000.
type Query struct {
	Limit  int
	Since  time.Time
	Level  string
	Cursor string // exclusive upper bound: entries older than this seq
}

// Page is one page of results, newest first.
type Page struct {
	Logs       []Entry `json:"logs"`
	HasMore    bool    `json:"hasMore"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ring is a fixed-size circular buffer of entries.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	seq     uint64
}

func newRing(size int) *ring {
	return &ring{entries: make([]Entry, size)}
}

func (r *ring) append(e Entry) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.entries[r.next] = e
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns entries newest first.
func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.entries)
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := r.next - 1 - i
		if idx < 0 {
			idx += len(r.entries)
		}
		out = append(out, r.entries[idx])
	}
	return out
}

// Store holds one ring per function.
type Store struct {
	size  int
	rings *byfn.Manager[*ring]
}

// New creates a store with the given per-function capacity (default 1000).
func New(size int) *Store {
	if size <= 0 {
		size = 1000
	}
	return &Store{size: size, rings: byfn.New[*ring]()}
}

// Enabled reports whether the store is present. A nil store swallows
// appends and answers queries empty; the logs endpoint turns nil into 503.
func (s *Store) Enabled() bool { return s != nil }

// Append records one entry for the function.
func (s *Store) Append(functionID, level, message string, fields map[string]any) {
	if s == nil {
		return
	}
	r := s.rings.GetOrCreate(functionID, func() *ring { return newRing(s.size) })
	r.append(Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// Query returns a page of the function's entries, newest first.
func (s *Store) Query(functionID string, q Query) Page {
	if s == nil {
		return Page{Logs: []Entry{}}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var before uint64
	if q.Cursor != "" {
		before, _ = strconv.ParseUint(q.Cursor, 10, 64)
	}

	r, ok := s.rings.Get(functionID)
	if !ok {
		return Page{Logs: []Entry{}}
	}

	all := r.snapshot()
	page := Page{Logs: make([]Entry, 0, limit)}
	for _, e := range all {
		if before > 0 && e.Seq >= before {
			continue
		}
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if len(page.Logs) == limit {
			page.HasMore = true
			page.NextCursor = strconv.FormatUint(page.Logs[limit-1].Seq, 10)
			break
		}
		page.Logs = append(page.Logs, e)
	}
	return page
}

// Drop discards the ring for a deleted function.
func (s *Store) Drop(functionID string) {
	if s == nil {
		return
	}
	s.rings.Delete(functionID)
}

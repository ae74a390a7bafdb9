// Package classify decides the execution tier of an unlabeled function. It
// asks configured model providers in order, parses their verdict, and falls
// back to a keyword heuristic when every provider fails.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/functionsdo/gateway/internal/config"
	"github.com/functionsdo/gateway/internal/fn"
	"github.com/functionsdo/gateway/internal/llm"
	"github.com/functionsdo/gateway/internal/logging"
)

const systemPrompt = `You classify serverless functions into one of four execution tiers.

code: deterministic logic a program can run (math, parsing, transforms).
generative: a single model completion produces the output (writing, summarizing, translation).
agentic: multi-step work that needs tools, research, or orchestration.
human: a person must judge, approve, or act.

Reply with one JSON object and nothing else:
{"type":"code|generative|agentic|human","confidence":0.0-1.0,"reasoning":"one short sentence"}`

// provider is one classification backend with its own breaker and retry
// budget.
type provider struct {
	name    string
	client  *llm.Client
	breaker *gobreaker.CircuitBreaker[*llm.Response]
	retries int
}

// Stats is a snapshot of classifier counters.
type Stats struct {
	CacheHits   int64             `json:"cache_hits"`
	CacheMisses int64             `json:"cache_misses"`
	Heuristic   int64             `json:"heuristic"`
	Providers   map[string]int64  `json:"providers"`
	Breakers    map[string]string `json:"breakers"`
}

// Classifier caches verdicts and tries providers in declared order.
type Classifier struct {
	providers []*provider
	cache     *expirable.LRU[uint64, *fn.Classification]
	group     singleflight.Group

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	heuristics  atomic.Int64
	successes   map[string]*atomic.Int64
}

// New builds a Classifier. The provider list must be non-empty and every
// kind must be known; configuration typos fail here, not on first classify.
func New(cfg config.ClassifierConfig) (*Classifier, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("classify: at least one provider required")
	}

	retries := cfg.MaxRetriesPerProvider
	if retries < 0 {
		retries = 0
	}

	c := &Classifier{successes: make(map[string]*atomic.Int64, len(cfg.Providers))}
	for _, pc := range cfg.Providers {
		p, err := llm.NewProvider(pc.Kind, pc.APIKey, pc.BaseURL, pc.Model)
		if err != nil {
			return nil, err
		}
		breaker := gobreaker.NewCircuitBreaker[*llm.Response](gobreaker.Settings{
			Name:    "classify:" + pc.Kind,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		c.providers = append(c.providers, &provider{
			name:    pc.Kind,
			client:  llm.NewClient(p, pc.Timeout, pc.Model, 1024),
			breaker: breaker,
			retries: retries,
		})
		c.successes[pc.Kind] = &atomic.Int64{}
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.cache = expirable.NewLRU[uint64, *fn.Classification](size, nil, ttl)
	return c, nil
}

// Classify returns a tier verdict for the named function. It never fails:
// when every provider errors out or replies garbage, the keyword heuristic
// answers with provider "fallback". Provider verdicts are cached; heuristic
// verdicts are not, so a recovered provider takes over on the next miss.
func (c *Classifier) Classify(ctx context.Context, name, description string, inputSchema json.RawMessage) *fn.Classification {
	key := cacheKey(name, description, inputSchema)
	if entry, ok := c.cache.Get(key); ok {
		c.cacheHits.Add(1)
		return entry
	}
	c.cacheMisses.Add(1)

	v, _, _ := c.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		if entry, ok := c.cache.Get(key); ok {
			return entry, nil
		}
		entry := c.classify(ctx, name, description, inputSchema)
		if entry.Provider != "fallback" {
			c.cache.Add(key, entry)
		}
		return entry, nil
	})
	return v.(*fn.Classification)
}

func (c *Classifier) classify(ctx context.Context, name, description string, inputSchema json.RawMessage) *fn.Classification {
	req := &llm.Request{
		System:   systemPrompt,
		Messages: []llm.Message{{Role: "user", Content: buildPrompt(name, description, inputSchema)}},
	}

	for _, p := range c.providers {
		start := time.Now()
		resp, err := c.callProvider(ctx, p, req)
		if err != nil {
			logging.Warn("classifier provider failed",
				zap.String("provider", p.name),
				zap.String("function", name),
				zap.Error(err))
			continue
		}
		entry, ok := parseReply(resp.Text)
		if !ok {
			logging.Warn("classifier reply unusable",
				zap.String("provider", p.name),
				zap.String("function", name))
			continue
		}
		entry.Provider = p.name
		entry.LatencyMs = time.Since(start).Milliseconds()
		c.successes[p.name].Add(1)
		return entry
	}

	c.heuristics.Add(1)
	return heuristic(name, description)
}

// callProvider runs one completion behind the provider's breaker, retrying
// transient failures with capped backoff. Non-transient failures abort the
// retry loop immediately.
func (c *Classifier) callProvider(ctx context.Context, p *provider, req *llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.retries)), ctx)
	err := backoff.Retry(func() error {
		r, err := p.breaker.Execute(func() (*llm.Response, error) {
			return p.client.Complete(ctx, req)
		})
		if err != nil {
			if !transient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return true // network-level failures are worth one more try
}

func buildPrompt(name, description string, inputSchema json.RawMessage) string {
	var b strings.Builder
	b.WriteString("Function name: ")
	b.WriteString(name)
	if description != "" {
		b.WriteString("\nDescription: ")
		b.WriteString(description)
	}
	if len(inputSchema) > 0 {
		b.WriteString("\nInput schema: ")
		b.Write(inputSchema)
	}
	return b.String()
}

func cacheKey(name, description string, inputSchema json.RawMessage) uint64 {
	d := xxhash.New()
	d.WriteString(name)
	d.Write([]byte{0})
	d.WriteString(description)
	d.Write([]byte{0})
	if len(inputSchema) > 0 {
		schemaHash := xxhash.Sum64(inputSchema)
		var buf [8]byte
		for i := 0; i < 8; i++ {
			buf[i] = byte(schemaHash >> (8 * i))
		}
		d.Write(buf[:])
	}
	return d.Sum64()
}

// Stats snapshots the classifier counters and breaker states.
func (c *Classifier) Stats() Stats {
	s := Stats{
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
		Heuristic:   c.heuristics.Load(),
		Providers:   make(map[string]int64, len(c.providers)),
		Breakers:    make(map[string]string, len(c.providers)),
	}
	for _, p := range c.providers {
		s.Providers[p.name] = c.successes[p.name].Load()
		s.Breakers[p.name] = p.breaker.State().String()
	}
	return s
}

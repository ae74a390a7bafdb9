// Package compile turns deployed TypeScript into runnable JavaScript. An
// esbuild service is the primary compiler; a regex type stripper covers
// simple sources when esbuild is absent or unreachable. Sources whose
// TypeScript constructs generate runtime code never take the stripper path.
package compile

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Options selects loader and output shape for one compile.
type Options struct {
	Loader     string // ts, tsx, js, jsx
	Target     string // e.g. es2022
	Format     string // esm, cjs, iife
	JSX        string // e.g. automatic
	Sourcemap  bool
	ForceRegex bool // skip esbuild even when configured
}

// Result is the outcome of one compile.
type Result struct {
	Success  bool     `json:"success"`
	Code     string   `json:"code"`
	Map      string   `json:"map,omitempty"`
	Warnings []string `json:"warnings"`
	Errors   []string `json:"errors,omitempty"`
	Compiler string   `json:"compiler"` // esbuild or regex
}

const (
	compilerEsbuild = "esbuild"
	compilerRegex   = "regex"
)

// Service routes compiles between esbuild and the regex stripper and caches
// results.
type Service struct {
	esbuild *EsbuildClient // nil when no esbuild service is configured
	cache   *expirable.LRU[uint64, *Result]
}

// New creates a compile service. esbuildURL may be empty; cacheSize <= 0
// disables caching.
func New(esbuildURL string, timeout time.Duration, cacheSize int) *Service {
	s := &Service{}
	if esbuildURL != "" {
		s.esbuild = NewEsbuildClient(esbuildURL, timeout)
	}
	if cacheSize > 0 {
		s.cache = expirable.NewLRU[uint64, *Result](cacheSize, nil, time.Hour)
	}
	return s
}

// EsbuildAvailable reports whether the esbuild collaborator is configured.
func (s *Service) EsbuildAvailable() bool { return s.esbuild != nil }

// Compile produces JavaScript from source. Failures are reported in the
// Result, never as an error: deploy handlers surface diagnostics to clients
// verbatim.
func (s *Service) Compile(ctx context.Context, source string, opts Options) *Result {
	if opts.Loader == "" {
		opts.Loader = "ts"
	}
	if opts.Format == "" {
		opts.Format = "esm"
	}

	if source == "" {
		return &Result{Success: true, Code: "", Warnings: []string{}, Compiler: compilerRegex}
	}

	key := cacheKey(source, opts)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cached
		}
	}

	res := s.compile(ctx, source, opts)
	if s.cache != nil {
		s.cache.Add(key, res)
	}
	return res
}

func (s *Service) compile(ctx context.Context, source string, opts Options) *Result {
	needsFull := NeedsFullCompilation(source)

	if opts.ForceRegex || (s.esbuild == nil && !needsFull) {
		return regexResult(source, nil)
	}
	if s.esbuild == nil {
		return &Result{
			Success:  false,
			Warnings: []string{},
			Errors:   []string{"source requires full compilation (enums, decorators, namespaces, parameter properties, or JSX) and no esbuild service is configured"},
			Compiler: compilerRegex,
		}
	}

	out, err := s.esbuild.Transform(ctx, source, opts)
	if err != nil {
		if !needsFull {
			return regexResult(source, []string{"esbuild unavailable, fell back to regex type stripping: " + err.Error()})
		}
		return &Result{
			Success:  false,
			Warnings: []string{},
			Errors:   []string{"esbuild transform failed: " + err.Error(), "source requires full compilation; regex fallback refused"},
			Compiler: compilerEsbuild,
		}
	}

	res := &Result{
		Success:  len(out.Errors) == 0,
		Code:     out.Code,
		Map:      out.Map,
		Warnings: out.Warnings,
		Errors:   out.Errors,
		Compiler: compilerEsbuild,
	}
	if res.Warnings == nil {
		res.Warnings = []string{}
	}
	return res
}

func regexResult(source string, warnings []string) *Result {
	if warnings == nil {
		warnings = []string{}
	}
	return &Result{
		Success:  true,
		Code:     stripTypes(source),
		Warnings: warnings,
		Compiler: compilerRegex,
	}
}

func cacheKey(source string, opts Options) uint64 {
	h := xxhash.New()
	h.WriteString(source)
	h.WriteString("\x00")
	h.WriteString(opts.Loader)
	h.WriteString("\x00")
	h.WriteString(opts.Target)
	h.WriteString("\x00")
	h.WriteString(opts.Format)
	h.WriteString("\x00")
	h.WriteString(opts.JSX)
	h.WriteString("\x00")
	h.WriteString(strconv.FormatBool(opts.Sourcemap))
	h.WriteString(strconv.FormatBool(opts.ForceRegex))
	return h.Sum64()
}

package compile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNeedsFullCompilation(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want bool
	}{
		{"plain js", "export function add(a, b) { return a + b; }", false},
		{"annotations only", "function add(a: number, b: number): number { return a + b; }", false},
		{"interface", "interface User { name: string }\nexport const x = 1;", false},
		{"type alias", "type ID = string;\nlet a: ID = 'x';", false},
		{"abstract class", "abstract class Base { run(): void {} }", false},
		{"enum", "enum Color { Red, Green }", true},
		{"const enum", "const enum Flag { A = 1 }", true},
		{"exported enum", "export enum Status { On }", true},
		{"decorator", "@Injectable()\nclass Service {}", true},
		{"member decorator", "class A {\n  @Memoize()\n  get x() { return 1 }\n}", true},
		{"namespace", "namespace Util { export const x = 1 }", true},
		{"module block", "module Legacy { let x = 1 }", true},
		{"ctor param props", "class A { constructor(private x: number) {} }", true},
		{"ctor plain params", "class A { constructor(x) { this.x = x } }", false},
		{"jsx tag", "const el = <App name=\"x\" />;", true},
		{"jsx fragment", "const el = <>hello</>;", true},
		{"generic call is not jsx", "const xs = new Array<number>(3); if (a < b) {}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsFullCompilation(tt.src); got != tt.want {
				t.Fatalf("NeedsFullCompilation(%q) = %v, want %v", tt.src, got, tt.want)
			}
		})
	}
}

func TestStripTypes(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		want     string // exact output when set
		contains []string
		absent   []string
	}{
		{
			name: "variable annotation",
			src:  "const x: number = 1;",
			want: "const x = 1;",
		},
		{
			name: "param and return annotations",
			src:  "function add(a: number, b: number): number { return a + b; }",
			want: "function add(a, b) { return a + b; }",
		},
		{
			name: "arrow with return type",
			src:  "const f = (x: string): string => x.trim();",
			want: "const f = (x) => x.trim();",
		},
		{
			name: "optional param",
			src:  "function greet(name?: string) { return name ?? 'anon'; }",
			want: "function greet(name) { return name ?? 'anon'; }",
		},
		{
			name:   "interface removed",
			src:    "interface User { name: string; age: number }\nconst u = { name: 'a', age: 1 };",
			absent: []string{"interface"},
			contains: []string{
				"const u = { name: 'a', age: 1 };",
			},
		},
		{
			name:   "type alias removed",
			src:    "export type Handler = (req: Request) => Response;\nconst h = (req) => req;",
			absent: []string{"type Handler"},
			contains: []string{
				"const h = (req) => req;",
			},
		},
		{
			name:   "import type removed",
			src:    "import type { Foo } from './foo';\nimport { bar } from './bar';\nbar();",
			absent: []string{"import type"},
			contains: []string{
				"import { bar } from './bar';",
			},
		},
		{
			name: "generic function params",
			src:  "function first<T>(xs: T[]): T { return xs[0]; }",
			want: "function first(xs) { return xs[0]; }",
		},
		{
			name: "as cast",
			src:  "const n = value as number;",
			want: "const n = value;",
		},
		{
			name: "non-null assertion",
			src:  "const v = maybe!.field;",
			want: "const v = maybe.field;",
		},
		{
			name: "class modifiers and fields",
			src: "class Point {\n" +
				"  private x: number = 0;\n" +
				"  readonly y: number = 0;\n" +
				"  scale(f: number): Point { return this; }\n" +
				"}",
			absent:   []string{"private", "readonly", ": number", ": Point"},
			contains: []string{"x = 0;", "y = 0;", "scale(f) { return this; }"},
		},
		{
			name:     "abstract class",
			src:      "abstract class Base {\n  run(): void {}\n}",
			absent:   []string{"abstract", ": void"},
			contains: []string{"class Base", "run() {}"},
		},
		{
			name:     "implements clause",
			src:      "class Impl implements Runner, Closer {\n  run() {}\n}",
			absent:   []string{"implements", "Runner"},
			contains: []string{"class Impl", "run() {}"},
		},
		{
			name: "object literal untouched",
			src:  "const cfg = { port: 8080, tags: ['a', 'b'] };",
			want: "const cfg = { port: 8080, tags: ['a', 'b'] };",
		},
		{
			name: "ternary untouched",
			src:  "const y = cond ? a : b;",
			want: "const y = cond ? a : b;",
		},
		{
			name: "ternary with parens untouched",
			src:  "const z = (flag) ? one : two;",
			want: "const z = (flag) ? one : two;",
		},
		{
			name: "annotations in strings survive",
			src:  "const s = 'const x: number = 1'; const t = `a: ${b}`;",
			want: "const s = 'const x: number = 1'; const t = `a: ${b}`;",
		},
		{
			name: "destructured param annotation",
			src:  "const handler = ({ body }: Request) => body;",
			want: "const handler = ({ body }) => body;",
		},
		{
			name: "function type annotation",
			src:  "const cb: (x: number) => void = (x) => {};",
			want: "const cb = (x) => {};",
		},
		{
			name:     "case labels untouched",
			src:      "switch (k) {\ncase 'a':\n  return 1;\ndefault:\n  return 2;\n}",
			contains: []string{"case 'a':", "default:"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripTypes(tt.src)
			if tt.want != "" && got != tt.want {
				t.Fatalf("stripTypes(%q)\n got: %q\nwant: %q", tt.src, got, tt.want)
			}
			for _, c := range tt.contains {
				if !strings.Contains(got, c) {
					t.Fatalf("stripTypes(%q) = %q, missing %q", tt.src, got, c)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(got, a) {
					t.Fatalf("stripTypes(%q) = %q, still contains %q", tt.src, got, a)
				}
			}
		})
	}
}

func TestStripTypesIdempotent(t *testing.T) {
	sources := []string{
		"const x: number = 1;\nfunction f(a: string): string { return a; }",
		"interface A { x: number }\nclass B implements A {\n  private x: number = 1;\n  get(): number { return this.x; }\n}",
		"export type T = string;\nexport const f = (v?: T): T => v ?? '';",
	}
	for _, src := range sources {
		once := stripTypes(src)
		twice := stripTypes(once)
		if once != twice {
			t.Fatalf("stripTypes not idempotent:\nonce:  %q\ntwice: %q", once, twice)
		}
	}
}

func TestCompileEmptySource(t *testing.T) {
	s := New("", 0, 0)
	res := s.Compile(context.Background(), "", Options{})
	if !res.Success || res.Code != "" || res.Compiler != compilerRegex {
		t.Fatalf("empty compile = %+v", res)
	}
}

func TestCompileRegexWhenNoEsbuild(t *testing.T) {
	s := New("", 0, 0)
	res := s.Compile(context.Background(), "const x: number = 1;", Options{})
	if !res.Success {
		t.Fatalf("compile failed: %+v", res)
	}
	if res.Compiler != compilerRegex {
		t.Fatalf("compiler = %q, want regex", res.Compiler)
	}
	if res.Code != "const x = 1;" {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestCompileRefusesFullFeaturesWithoutEsbuild(t *testing.T) {
	s := New("", 0, 0)
	res := s.Compile(context.Background(), "enum E { A }", Options{})
	if res.Success {
		t.Fatalf("compile of enum without esbuild succeeded: %+v", res)
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected errors")
	}
}

func TestCompileUsesEsbuild(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req esbuildRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Loader != "ts" {
			t.Errorf("loader = %q, want ts", req.Loader)
		}
		json.NewEncoder(w).Encode(esbuildResponse{Code: "var x = 1;", Warnings: []string{"w1"}})
	}))
	defer srv.Close()

	s := New(srv.URL, time.Second, 8)
	res := s.Compile(context.Background(), "const x: number = 1;", Options{})
	if !res.Success || res.Compiler != compilerEsbuild {
		t.Fatalf("compile = %+v", res)
	}
	if res.Code != "var x = 1;" {
		t.Fatalf("code = %q", res.Code)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "w1" {
		t.Fatalf("warnings = %v", res.Warnings)
	}

	// Second compile of the same source hits the cache.
	s.Compile(context.Background(), "const x: number = 1;", Options{})
	if got := calls.Load(); got != 1 {
		t.Fatalf("esbuild calls = %d, want 1 (cache)", got)
	}
}

func TestCompileEsbuildErrorsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(esbuildResponse{Errors: []string{"unexpected token"}})
	}))
	defer srv.Close()

	s := New(srv.URL, time.Second, 0)
	res := s.Compile(context.Background(), "const x: = ;", Options{})
	if res.Success {
		t.Fatalf("compile succeeded, want failure: %+v", res)
	}
	if res.Compiler != compilerEsbuild || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCompileFallsBackOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(srv.URL, time.Second, 0)
	res := s.Compile(context.Background(), "const x: number = 1;", Options{})
	if !res.Success || res.Compiler != compilerRegex {
		t.Fatalf("fallback result = %+v", res)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a fallback warning")
	}

	// Full-compilation sources must refuse the fallback.
	res = s.Compile(context.Background(), "enum E { A }", Options{})
	if res.Success {
		t.Fatalf("enum fallback succeeded: %+v", res)
	}
}

func TestCompileForceRegex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("esbuild called despite ForceRegex")
	}))
	defer srv.Close()

	s := New(srv.URL, time.Second, 0)
	res := s.Compile(context.Background(), "let y: string = 'a';", Options{ForceRegex: true})
	if !res.Success || res.Compiler != compilerRegex {
		t.Fatalf("result = %+v", res)
	}
	if res.Code != "let y = 'a';" {
		t.Fatalf("code = %q", res.Code)
	}
}

func TestCompileIdempotenceProperty(t *testing.T) {
	s := New("", 0, 0)
	src := "export function add(a: number, b: number): number { return a + b; }"
	first := s.Compile(context.Background(), src, Options{})
	second := s.Compile(context.Background(), first.Code, Options{})
	if second.Code != first.Code {
		t.Fatalf("compile not idempotent:\nfirst:  %q\nsecond: %q", first.Code, second.Code)
	}
}

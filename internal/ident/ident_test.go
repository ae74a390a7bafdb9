package ident

import (
	"strings"
	"testing"
	"time"
)

func TestValidFunctionID(t *testing.T) {
	valid := []string{
		"a",
		"hello",
		"hello-world",
		"calc_v2",
		"a1-b2-c3",
		"Summarize-Text_99",
		strings.Repeat("a", 64),
	}
	for _, id := range valid {
		if !ValidFunctionID(id) {
			t.Errorf("ValidFunctionID(%q) = false, want true", id)
		}
	}

	invalid := []string{
		"",
		"1abc",          // leading digit
		"-abc",          // leading hyphen
		"abc-",          // trailing hyphen
		"a--b",          // consecutive hyphens
		"_abc",          // leading underscore
		"a b",           // space
		"a.b",           // dot
		"héllo",         // non-ascii
		"a/b",           // slash
		"../etc/passwd", // traversal
		strings.Repeat("a", 65),
	}
	for _, id := range invalid {
		if ValidFunctionID(id) {
			t.Errorf("ValidFunctionID(%q) = true, want false", id)
		}
	}
}

func TestValidateFunctionIDErrors(t *testing.T) {
	if err := ValidateFunctionID("ok-name"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateFunctionID(""); err == nil {
		t.Error("empty id should error")
	}
	if err := ValidateFunctionID(strings.Repeat("x", 65)); err == nil {
		t.Error("overlong id should error")
	}
}

func TestNormalizeAPIVersion(t *testing.T) {
	cases := []struct{ in, want string }{
		{"2", "v2"},
		{"10", "v10"},
		{"v2", "v2"},
		{"v1", "v1"},
		{"beta", "beta"},
		{"", ""},
		{"2.0", "2.0"}, // not numeric-only
	}
	for _, c := range cases {
		if got := NormalizeAPIVersion(c.in); got != c.want {
			t.Errorf("NormalizeAPIVersion(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseSemver(t *testing.T) {
	for _, ok := range []string{"1.0.0", "v2.3.4", "0.1.0-beta.1"} {
		if _, err := ParseSemver(ok); err != nil {
			t.Errorf("ParseSemver(%q) error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "1", "1.0", "latest", "1.0.0.0"} {
		if _, err := ParseSemver(bad); err == nil {
			t.Errorf("ParseSemver(%q) should fail", bad)
		}
	}
}

func TestParseTimeout(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"10s", 10 * time.Second},
		{"5m", 5 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := ParseTimeout(c.in)
		if err != nil {
			t.Errorf("ParseTimeout(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseTimeout(%q) = %v, want %v", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"", "10", "s", "10x", "-5s", "0s", "1.5h", "10 s"} {
		if _, err := ParseTimeout(bad); err == nil {
			t.Errorf("ParseTimeout(%q) should fail", bad)
		}
	}
}

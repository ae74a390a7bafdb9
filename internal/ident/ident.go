// Package ident holds the identifier and version rules shared by every
// surface that parses a function id.
package ident

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// MaxFunctionIDLength bounds function ids everywhere they are parsed.
const MaxFunctionIDLength = 64

// Function ids are slugs: a leading letter, then letters, digits and
// underscores, with single hyphens between segments. No leading, trailing
// or consecutive hyphens.
var functionIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(-[A-Za-z0-9_]+)*$`)

var timeoutPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ValidFunctionID reports whether id satisfies the slug constraints.
func ValidFunctionID(id string) bool {
	if id == "" || len(id) > MaxFunctionIDLength {
		return false
	}
	return functionIDPattern.MatchString(id)
}

// ValidateFunctionID returns a descriptive error when id is not a valid slug.
func ValidateFunctionID(id string) error {
	if id == "" {
		return fmt.Errorf("function id is empty")
	}
	if len(id) > MaxFunctionIDLength {
		return fmt.Errorf("function id exceeds %d characters", MaxFunctionIDLength)
	}
	if !functionIDPattern.MatchString(id) {
		return fmt.Errorf("function id %q must start with a letter and contain only letters, digits, underscores and single hyphens", id)
	}
	return nil
}

// NormalizeAPIVersion maps a raw version value to its canonical form.
// Numeric-only values become v<n>; anything else passes through unchanged.
func NormalizeAPIVersion(v string) string {
	if v == "" {
		return v
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return "v" + strconv.Itoa(n)
	}
	return v
}

// ParseSemver validates a function version string. A leading "v" is
// tolerated.
func ParseSemver(s string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(strings.TrimPrefix(s, "v"))
	if err != nil {
		return nil, fmt.Errorf("invalid semver %q: %w", s, err)
	}
	return v, nil
}

// ParseTimeout parses a task timeout of the form NNs, NNm, NNh or NNd.
func ParseTimeout(s string) (time.Duration, error) {
	m := timeoutPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid timeout %q, want <number>[smhd]", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %q", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var validProviderKinds = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"openrouter": true,
}

var validStorageBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"redis":  true,
}

var validCompressionAlgos = map[string]bool{
	"gzip": true,
	"br":   true,
	"zstd": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
// Unset variables without a default keep the original text.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		name := inner
		def := ""
		hasDefault := false
		if idx := strings.Index(inner, ":-"); idx >= 0 {
			name = inner[:idx]
			def = inner[idx+2:]
			hasDefault = true
		}
		if value, exists := os.LookupEnv(name); exists {
			return value
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
	}

	// The timeout ladder must grow with the tier number.
	t := cfg.Executors.Timeouts
	if t.Code <= 0 || t.Generative <= 0 || t.Agentic <= 0 || t.Human <= 0 {
		return fmt.Errorf("executor timeouts must be positive")
	}
	if !(t.Code < t.Generative && t.Generative < t.Agentic && t.Agentic < t.Human) {
		return fmt.Errorf("executor timeouts must increase from code to human, got %v/%v/%v/%v",
			t.Code, t.Generative, t.Agentic, t.Human)
	}

	if cfg.RateLimits.Enabled {
		for name, lim := range map[string]LimitConfig{"ip": cfg.RateLimits.IP, "function": cfg.RateLimits.Function} {
			if lim.Capacity <= 0 {
				return fmt.Errorf("rate_limits.%s.capacity must be positive", name)
			}
			if lim.Window <= 0 {
				return fmt.Errorf("rate_limits.%s.window must be positive", name)
			}
		}
	}

	for _, pattern := range cfg.CSRF.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid csrf exclude pattern: %s", pattern)
		}
	}

	for i, p := range cfg.Classifier.Providers {
		if !validProviderKinds[p.Kind] {
			return fmt.Errorf("classifier provider %d: unknown kind %q", i, p.Kind)
		}
	}
	if cfg.Classifier.CacheSize <= 0 {
		return fmt.Errorf("classifier.cache_size must be positive")
	}

	if cfg.Storage.Backend != "" && !validStorageBackends[cfg.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "file" && cfg.Storage.Root == "" {
		return fmt.Errorf("storage.root is required for the file backend")
	}
	if cfg.Storage.Backend == "redis" && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}

	for _, algo := range cfg.Compression.Algorithms {
		if !validCompressionAlgos[algo] {
			return fmt.Errorf("invalid compression algorithm: %s", algo)
		}
	}

	if cfg.Limits.MaxCascadeSteps <= 0 {
		return fmt.Errorf("limits.max_cascade_steps must be positive")
	}
	if cfg.Limits.MaxToolIterations <= 0 {
		return fmt.Errorf("limits.max_tool_iterations must be positive")
	}

	if oa := cfg.Auth.OAuth; oa.Configured() {
		switch oa.Algorithm {
		case "", "HS256", "RS256":
		default:
			return fmt.Errorf("unsupported oauth algorithm: %s", oa.Algorithm)
		}
		if strings.HasPrefix(oa.Algorithm, "RS") && oa.PublicKey == "" {
			return fmt.Errorf("oauth.public_key is required for %s", oa.Algorithm)
		}
	}

	for i, seed := range cfg.Auth.APIKeys {
		if seed.Key == "" {
			return fmt.Errorf("auth.api_keys[%d]: key is required", i)
		}
		if seed.UserID == "" {
			return fmt.Errorf("auth.api_keys[%d]: user_id is required", i)
		}
	}

	return nil
}

// secretPaths name every scalar credential field in the serialized config.
// Per-element array secrets are masked separately in Redacted.
var secretPaths = []string{
	"Auth.OAuth.Secret",
	"RateLimits.Redis.Password",
	"Storage.Redis.Password",
	"Tasks.Webhook.Secret",
	"Executors.LLM.APIKey",
}

// Redacted serializes cfg for the admin listener with every secret masked.
// Masking runs on the serialized bytes; cfg itself is never modified.
func Redacted(cfg *Config) ([]byte, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	for _, path := range secretPaths {
		raw = maskPath(raw, path)
	}
	for i := range cfg.Auth.APIKeys {
		raw = maskPath(raw, fmt.Sprintf("Auth.APIKeys.%d.Key", i))
	}
	for i := range cfg.Classifier.Providers {
		raw = maskPath(raw, fmt.Sprintf("Classifier.Providers.%d.APIKey", i))
	}
	return raw, nil
}

func maskPath(raw []byte, path string) []byte {
	v := gjson.GetBytes(raw, path)
	if !v.Exists() || v.String() == "" {
		return raw
	}
	out, err := sjson.SetBytes(raw, path, mask(v.String()))
	if err != nil {
		return raw
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

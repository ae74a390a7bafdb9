package config

import (
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	CSRF        CSRFConfig        `yaml:"csrf"`
	RateLimits  RateLimitsConfig  `yaml:"rate_limits"`
	CORS        CORSConfig        `yaml:"cors"`
	Compression CompressionConfig `yaml:"compression"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Executors   ExecutorsConfig   `yaml:"executors"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Storage     StorageConfig     `yaml:"storage"`
	Limits      LimitsConfig      `yaml:"limits"`
}

// ServerConfig defines the HTTP listeners.
type ServerConfig struct {
	Listen            string        `yaml:"listen"`
	AdminListen       string        `yaml:"admin_listen"` // empty disables the admin listener
	BaseURL           string        `yaml:"base_url"`     // external URL used to build task links
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level       string          `yaml:"level"`  // debug, info, warn, error
	Format      string          `yaml:"format"` // json or console
	Output      string          `yaml:"output"` // stdout, stderr, or file path
	Development bool            `yaml:"development"`
	Rotation    RotationConfig  `yaml:"rotation"`
	AccessLog   AccessLogConfig `yaml:"access_log"`
}

// RotationConfig defines log rotation, applied when output is a file.
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// AccessLogConfig controls the per-request log line.
type AccessLogConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SkipPaths  []string `yaml:"skip_paths"`
	SampleRate float64  `yaml:"sample_rate"` // 0 or 1 = log everything
}

// AuthConfig defines the credential backends. The auth stage runs when at
// least one backend is configured.
type AuthConfig struct {
	APIKeys []APIKeySeed `yaml:"api_keys"`
	OAuth   OAuthConfig  `yaml:"oauth"`
}

// Configured reports whether any credential backend is present.
func (a AuthConfig) Configured() bool {
	return len(a.APIKeys) > 0 || a.OAuth.Configured()
}

// APIKeySeed is a statically configured API key. Keys minted at runtime live
// in the storage facade instead.
type APIKeySeed struct {
	Key           string   `yaml:"key"`
	UserID        string   `yaml:"user_id"`
	Scopes        []string `yaml:"scopes"`
	CurrentOrg    string   `yaml:"current_org"`
	Organizations []string `yaml:"organizations"`
}

// OAuthConfig configures bearer-token verification.
type OAuthConfig struct {
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	Algorithm string   `yaml:"algorithm"`  // HS256 (default) or RS256
	Secret    string   `yaml:"secret"`     // HMAC secret
	PublicKey string   `yaml:"public_key"` // PEM-encoded RSA public key
}

// Configured reports whether a verification key is present.
func (o OAuthConfig) Configured() bool {
	return o.Secret != "" || o.PublicKey != ""
}

// CSRFConfig defines double-submit cookie protection for browser paths.
type CSRFConfig struct {
	Enabled    bool     `yaml:"enabled"`
	CookieName string   `yaml:"cookie_name"`
	HeaderName string   `yaml:"header_name"`
	MaxAge     int      `yaml:"max_age"` // cookie lifetime in seconds
	Secure     *bool    `yaml:"secure"`
	Exclude    []string `yaml:"exclude"` // exact, prefix/* or prefix/** patterns
}

// RateLimitsConfig defines the request rate limits.
type RateLimitsConfig struct {
	Enabled  bool        `yaml:"enabled"`
	IP       LimitConfig `yaml:"ip"`
	Function LimitConfig `yaml:"function"`
	Redis    RedisConfig `yaml:"redis"` // optional shared coordinator
}

// LimitConfig is a fixed-window limit.
type LimitConfig struct {
	Capacity int           `yaml:"capacity"`
	Window   time.Duration `yaml:"window"`
}

// RedisConfig points at a redis instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// CORSConfig defines cross-origin resource sharing.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"`
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// CompressionConfig defines response compression.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Algorithms   []string `yaml:"algorithms"` // subset of gzip, br, zstd
	MinSize      int      `yaml:"min_size"`
	Level        int      `yaml:"level"`
	ContentTypes []string `yaml:"content_types"`
}

// TracingConfig defines OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ClassifierConfig defines the function classifier.
type ClassifierConfig struct {
	Providers             []ProviderConfig `yaml:"providers"`
	CacheSize             int              `yaml:"cache_size"`
	CacheTTL              time.Duration    `yaml:"cache_ttl"`
	MaxRetriesPerProvider int              `yaml:"max_retries_per_provider"`
}

// ProviderConfig configures one model provider.
type ProviderConfig struct {
	Kind    string        `yaml:"kind"` // openai, anthropic, openrouter
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// ExecutorsConfig configures the tier executors and their collaborators.
type ExecutorsConfig struct {
	Sandbox  SandboxConfig `yaml:"sandbox"`
	LLM      LLMConfig     `yaml:"llm"`
	Compile  CompileConfig `yaml:"compile"`
	Tools    ToolsConfig   `yaml:"tools"`
	Timeouts TierTimeouts  `yaml:"timeouts"`
}

// SandboxConfig points the code executor at a sandbox runtime.
type SandboxConfig struct {
	URL    string       `yaml:"url"` // HTTP sandbox service
	Lambda LambdaConfig `yaml:"lambda"`
}

// LambdaConfig runs code through an AWS Lambda function instead of the HTTP
// sandbox when set.
type LambdaConfig struct {
	Function string `yaml:"function"` // function name or ARN
	Region   string `yaml:"region"`
}

// Configured reports whether any sandbox backend is present.
func (s SandboxConfig) Configured() bool {
	return s.URL != "" || s.Lambda.Function != ""
}

// LLMConfig configures the model collaborator shared by the generative and
// agentic executors.
type LLMConfig struct {
	Provider  string        `yaml:"provider"` // anthropic, openai, openrouter
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Configured reports whether an LLM backend is present.
func (l LLMConfig) Configured() bool {
	return l.APIKey != "" || l.BaseURL != ""
}

// CompileConfig points at the esbuild compile service.
type CompileConfig struct {
	EsbuildURL string        `yaml:"esbuild_url"`
	Timeout    time.Duration `yaml:"timeout"`
	CacheSize  int           `yaml:"cache_size"`
}

// ToolsConfig wires optional backends for builtin agentic tools. Tools
// without a configured backend report themselves unavailable.
type ToolsConfig struct {
	SearchURL    string        `yaml:"search_url"`    // web_search backend
	SlackWebhook string        `yaml:"slack_webhook"` // slack_send target
	HTTPTimeout  time.Duration `yaml:"http_timeout"`
}

// TierTimeouts is the execution deadline ladder.
type TierTimeouts struct {
	Code       time.Duration `yaml:"code"`
	Generative time.Duration `yaml:"generative"`
	Agentic    time.Duration `yaml:"agentic"`
	Human      time.Duration `yaml:"human"`
}

// TasksConfig configures the human task store.
type TasksConfig struct {
	BaseURL        string        `yaml:"base_url"` // task link base, defaults to server.base_url
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Webhook        WebhookConfig `yaml:"webhook"`
}

// WebhookConfig configures completion callback delivery.
type WebhookConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxRetries  int           `yaml:"max_retries"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Secret      string        `yaml:"secret"`        // HMAC signing secret
	RatePerHost float64       `yaml:"rate_per_host"` // deliveries per second per host
}

// StorageConfig selects the persistence backend behind the per-tenant facade.
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory, file, redis
	Root    string      `yaml:"root"`    // directory for the file backend
	Redis   RedisConfig `yaml:"redis"`
}

// Configured reports whether a backend is selected.
func (s StorageConfig) Configured() bool {
	return s.Backend != ""
}

// LimitsConfig bounds recursive and buffered work.
type LimitsConfig struct {
	MaxCascadeSteps   int `yaml:"max_cascade_steps"`
	MaxToolIterations int `yaml:"max_tool_iterations"`
	FunctionLogBuffer int `yaml:"function_log_buffer"`
}

// DefaultConfig returns the configuration defaults. Loaded files overlay
// these values.
func DefaultConfig() *Config {
	secure := true
	return &Config{
		Server: ServerConfig{
			Listen:            ":8080",
			BaseURL:           "http://localhost:8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxBodyBytes:      10 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			AccessLog: AccessLogConfig{
				Enabled: true,
			},
		},
		CSRF: CSRFConfig{
			Enabled:    true,
			CookieName: "csrf",
			HeaderName: "X-CSRF-Token",
			MaxAge:     86400,
			Secure:     &secure,
		},
		RateLimits: RateLimitsConfig{
			Enabled:  true,
			IP:       LimitConfig{Capacity: 100, Window: time.Minute},
			Function: LimitConfig{Capacity: 60, Window: time.Minute},
		},
		Compression: CompressionConfig{
			Algorithms:   []string{"br", "zstd", "gzip"},
			MinSize:      1024,
			ContentTypes: []string{"application/json", "text/plain"},
		},
		Classifier: ClassifierConfig{
			CacheSize:             1000,
			CacheTTL:              time.Hour,
			MaxRetriesPerProvider: 2,
		},
		Executors: ExecutorsConfig{
			Compile: CompileConfig{
				Timeout:   10 * time.Second,
				CacheSize: 256,
			},
			Tools: ToolsConfig{
				HTTPTimeout: 15 * time.Second,
			},
			Timeouts: TierTimeouts{
				Code:       5 * time.Second,
				Generative: 30 * time.Second,
				Agentic:    5 * time.Minute,
				Human:      24 * time.Hour,
			},
		},
		Tasks: TasksConfig{
			SweepInterval: 10 * time.Second,
			Webhook: WebhookConfig{
				Workers:    4,
				QueueSize:  256,
				MaxRetries: 5,
				Timeout:    10 * time.Second,
				MaxBackoff: 30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Limits: LimitsConfig{
			MaxCascadeSteps:   10,
			MaxToolIterations: 8,
			FunctionLogBuffer: 1000,
		},
	}
}

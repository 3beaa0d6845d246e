package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`

	// Dispatcher controls the publish worker pool and retry policy.
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Platforms tunes outbound behavior per platform (rate limits, HTTP
	// timeout). Keys are platform ids ("bluesky", "mastodon", "telegram").
	Platforms PlatformsConfig `json:"platforms"`

	// ContentModel configures the LLM endpoint used for thread splitting.
	ContentModel ContentModelConfig `json:"content_model"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ServerConfig controls the HTTP API.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatcherConfig mirrors publish.DispatcherConfig with string durations.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - poll_interval: "500ms"
//   - lease_for: "2m"
//   - max_attempts: 5
//   - retry_base: "2s"
//   - retry_cap: "5m"
type DispatcherConfig struct {
	Workers      int    `json:"workers,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	LeaseFor     string `json:"lease_for,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	RetryBase    string `json:"retry_base,omitempty"`
	RetryCap     string `json:"retry_cap,omitempty"`

	// StaggerInterval is the default platform-to-platform delay applied
	// when a publish request asks for staggering without its own value.
	StaggerInterval string `json:"stagger_interval,omitempty"`
}

type PlatformsConfig struct {
	// HTTPTimeout bounds each outbound API call.
	HTTPTimeout string `json:"http_timeout,omitempty"`

	// Rates maps platform id to an outbound rate limit shared by every
	// account on that platform.
	Rates map[string]PlatformRate `json:"rates,omitempty"`
}

type PlatformRate struct {
	PerSecond float64 `json:"per_second"`
	Burst     int     `json:"burst,omitempty"`
}

// ContentModelConfig points at an OpenAI-compatible chat completion
// endpoint. APIKey is never logged.
type ContentModelConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	Timeout string `json:"timeout,omitempty"` // Go duration string
}

// MaintenanceConfig drives the background cron jobs.
//
// Specs use robfig/cron syntax. Defaults: reap every minute, prune daily
// at 04:00, retention "168h".
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled"`
	LeaseReapSpec  string `json:"lease_reap_spec,omitempty"`
	PruneSpec      string `json:"prune_spec,omitempty"`
	PruneRetention string `json:"prune_retention,omitempty"` // Go duration string
	Timezone       string `json:"timezone,omitempty"`
}

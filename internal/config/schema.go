package config

// Config is the root configuration structure.
type Config struct {
	API         APIConfig        `mapstructure:"api"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	RateLimits  RateLimitsConfig `mapstructure:"rate_limits"`
	Store       StoreConfig      `mapstructure:"store"`
	Targets     []TargetConfig   `mapstructure:"targets"`
	TargetsFile string           `mapstructure:"targets_file"`
	Requests    int              `mapstructure:"requests"` // 0 = each target once
	Output      OutputConfig     `mapstructure:"output"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Daemon      DaemonConfig     `mapstructure:"daemon"`
}

// APIConfig describes the rate-limited HTTP API.
type APIConfig struct {
	BaseURL   string            `mapstructure:"base_url"`
	TimeoutS  int               `mapstructure:"timeout_s"`
	UserAgent string            `mapstructure:"user_agent"`
	Headers   map[string]string `mapstructure:"headers"`
}

// SchedulerConfig controls the admission loop.
type SchedulerConfig struct {
	Scope          string        `mapstructure:"scope"`
	InterRequestMs int           `mapstructure:"inter_request_ms"`
	InterBatchMs   int           `mapstructure:"inter_batch_ms"`
	IdleMs         int           `mapstructure:"idle_ms"`
	DiscoveryBatch int           `mapstructure:"discovery_batch"` // batch size while no rule is known
	MaxRPS         float64       `mapstructure:"max_rps"`         // 0 = no local ceiling
	Windows        []WindowEntry `mapstructure:"windows"`
}

// WindowEntry is a cron-scheduled period during which the scheduler runs.
type WindowEntry struct {
	Cron            string `mapstructure:"cron"`
	DurationMinutes int    `mapstructure:"duration_minutes"`
}

// RateLimitsConfig seeds the registry before any header is observed.
type RateLimitsConfig struct {
	Seed []ScopeRules `mapstructure:"seed"`
}

// ScopeRules lists "max:period:restricted" triplets (seconds) for a scope.
type ScopeRules struct {
	Scope string   `mapstructure:"scope"`
	Rules []string `mapstructure:"rules"`
}

// StoreConfig controls persistence of observed rule state.
type StoreConfig struct {
	Path    string `mapstructure:"path"` // empty disables persistence
	FlushMs int    `mapstructure:"flush_ms"`
}

// TargetConfig describes a single request to enqueue.
type TargetConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Weight  int               `mapstructure:"weight"`
	Headers map[string]string `mapstructure:"headers"`
	Body    string            `mapstructure:"body"`
}

// OutputConfig controls writing results to a file.
type OutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
	Format  string `mapstructure:"format"` // jsonl | csv
	Append  bool   `mapstructure:"append"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// DaemonConfig holds process settings.
type DaemonConfig struct {
	PIDFile   string `mapstructure:"pid_file"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

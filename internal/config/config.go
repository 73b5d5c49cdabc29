package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/lewta/admit/internal/ratelimit"
)

// Load reads the YAML config at path, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.TargetsFile != "" {
		if err := loadTargetsFile(&cfg); err != nil {
			return nil, fmt.Errorf("targets_file: %w", err)
		}
	}

	for i := range cfg.Targets {
		if cfg.Targets[i].Weight == 0 {
			cfg.Targets[i].Weight = 1
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// DefaultSeed is the published Ip policy of the provider the tool was
// written against.
var DefaultSeed = []ScopeRules{
	{Scope: "Ip", Rules: []string{"5:10:60", "15:60:600", "30:300:1800"}},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout_s", 5)
	v.SetDefault("api.user_agent", "admit/dev")

	v.SetDefault("scheduler.scope", "Ip")
	v.SetDefault("scheduler.inter_request_ms", 500)
	v.SetDefault("scheduler.inter_batch_ms", 5000)
	v.SetDefault("scheduler.idle_ms", 30000)
	v.SetDefault("scheduler.discovery_batch", 1)
	v.SetDefault("scheduler.max_rps", 0.0)

	seed := make([]map[string]any, len(DefaultSeed))
	for i, s := range DefaultSeed {
		seed[i] = map[string]any{"scope": s.Scope, "rules": s.Rules}
	}
	v.SetDefault("rate_limits.seed", seed)

	v.SetDefault("store.flush_ms", 1000)

	v.SetDefault("output.format", "jsonl")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.prometheus_port", 9090)

	v.SetDefault("daemon.pid_file", "/tmp/admit.pid")
	v.SetDefault("daemon.log_level", "info")
	v.SetDefault("daemon.log_format", "text")
}

// loadTargetsFile appends a TargetConfig for each entry in cfg.TargetsFile.
//
// File format, one entry per line:
//
//	<url> [method] [weight]
//
// Relative URLs are resolved against api.base_url at dispatch time. Lines
// beginning with '#' and blank lines are ignored.
func loadTargetsFile(cfg *Config) error {
	f, err := os.Open(cfg.TargetsFile)
	if err != nil {
		return fmt.Errorf("opening %q: %w", cfg.TargetsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) > 3 {
			return fmt.Errorf("line %d: expected \"<url> [method] [weight]\", got %q", lineNum, line)
		}

		t := TargetConfig{URL: fields[0], Method: "GET", Weight: 1}
		if len(fields) >= 2 {
			t.Method = strings.ToUpper(fields[1])
		}
		if len(fields) == 3 {
			w, err := strconv.Atoi(fields[2])
			if err != nil || w <= 0 {
				return fmt.Errorf("line %d: invalid weight %q (must be a positive integer)", lineNum, fields[2])
			}
			t.Weight = w
		}
		cfg.Targets = append(cfg.Targets, t)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %q: %w", cfg.TargetsFile, err)
	}
	return nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.API.BaseURL != "" {
		if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("api.base_url must be an absolute URL, got %q", cfg.API.BaseURL))
		}
	}
	if cfg.API.TimeoutS <= 0 {
		errs = append(errs, "api.timeout_s must be > 0")
	}

	s := cfg.Scheduler
	if strings.TrimSpace(s.Scope) == "" {
		errs = append(errs, "scheduler.scope must not be empty")
	}
	if s.InterRequestMs < 0 {
		errs = append(errs, "scheduler.inter_request_ms must be >= 0")
	}
	if s.InterBatchMs < 0 {
		errs = append(errs, "scheduler.inter_batch_ms must be >= 0")
	}
	if s.IdleMs <= 0 {
		errs = append(errs, "scheduler.idle_ms must be > 0")
	}
	if s.DiscoveryBatch <= 0 {
		errs = append(errs, "scheduler.discovery_batch must be > 0")
	}
	if s.MaxRPS < 0 {
		errs = append(errs, "scheduler.max_rps must be >= 0")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for i, w := range s.Windows {
		if _, err := parser.Parse(w.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("scheduler.windows[%d].cron %q: %v", i, w.Cron, err))
		}
		if w.DurationMinutes <= 0 {
			errs = append(errs, fmt.Sprintf("scheduler.windows[%d].duration_minutes must be > 0", i))
		}
	}

	for i, sr := range cfg.RateLimits.Seed {
		if strings.TrimSpace(sr.Scope) == "" {
			errs = append(errs, fmt.Sprintf("rate_limits.seed[%d].scope must not be empty", i))
		}
		seen := make(map[string]bool, len(sr.Rules))
		for j, r := range sr.Rules {
			if _, err := ratelimit.ParseRule(r); err != nil {
				errs = append(errs, fmt.Sprintf("rate_limits.seed[%d].rules[%d]: %v", i, j, err))
				continue
			}
			if seen[r] {
				errs = append(errs, fmt.Sprintf("rate_limits.seed[%d].rules[%d]: duplicate rule %q", i, j, r))
			}
			seen[r] = true
		}
	}

	if cfg.Store.Path != "" && cfg.Store.FlushMs <= 0 {
		errs = append(errs, "store.flush_ms must be > 0")
	}

	if len(cfg.Targets) == 0 {
		errs = append(errs, "at least one target is required (targets or targets_file)")
	}
	if cfg.Requests < 0 {
		errs = append(errs, "requests must be >= 0")
	}
	for i, t := range cfg.Targets {
		if t.URL == "" {
			errs = append(errs, fmt.Sprintf("targets[%d].url must not be empty", i))
		} else if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") && cfg.API.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("targets[%d].url %q is relative but api.base_url is not set", i, t.URL))
		}
		if t.Weight < 0 {
			errs = append(errs, fmt.Sprintf("targets[%d].weight must be >= 0", i))
		}
	}

	if cfg.Output.Enabled {
		if cfg.Output.File == "" {
			errs = append(errs, "output.file must be set when output is enabled")
		}
		if cfg.Output.Format != "jsonl" && cfg.Output.Format != "csv" {
			errs = append(errs, fmt.Sprintf("output.format must be jsonl|csv, got %q", cfg.Output.Format))
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Daemon.LogLevel] {
		errs = append(errs, fmt.Sprintf("daemon.log_level must be one of debug|info|warn|error, got %q", cfg.Daemon.LogLevel))
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[cfg.Daemon.LogFormat] {
		errs = append(errs, fmt.Sprintf("daemon.log_format must be text|json, got %q", cfg.Daemon.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// SeedRules parses the configured seed rules, keyed by scope in
// configuration order.
func (c *Config) SeedRules() (scopes []string, rules map[string][]*ratelimit.Rule, err error) {
	rules = make(map[string][]*ratelimit.Rule, len(c.RateLimits.Seed))
	for _, sr := range c.RateLimits.Seed {
		if _, ok := rules[sr.Scope]; !ok {
			scopes = append(scopes, sr.Scope)
		}
		for _, s := range sr.Rules {
			r, err := ratelimit.ParseRule(s)
			if err != nil {
				return nil, nil, fmt.Errorf("seed %s: %w", sr.Scope, err)
			}
			rules[sr.Scope] = append(rules[sr.Scope], r)
		}
	}
	return scopes, rules, nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid marks a missing or out-of-range configuration value.
var ErrInvalid = errors.New("configuration error")

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool
	// UpstreamURL, when set, is reverse-proxied behind the admission middleware.
	UpstreamURL string

	Security  SecurityConfig
	RateLimit RateLimitConfig
	Lifecycle LifecycleConfig
	Flood     FloodConfig
	Abuse     AbuseConfig
	Alerts    AlertConfig
	Notify    NotifyConfig
}

// SecurityConfig holds request-path policy and operator API settings.
type SecurityConfig struct {
	// FailOpen admits requests when the store is unavailable. Default is fail-closed.
	FailOpen      bool
	StoreTimeout  time.Duration
	CountryHeader string
	APIKeyHeader  string
	JWTSecret     string
	JWTIssuer     string
	// EventRetention bounds how long request events are kept.
	EventRetention time.Duration
	// EndpointScoped lists path prefixes rate-limited per endpoint and client
	// instead of per IP.
	EndpointScoped []string
	// TrustedProxies lists peers whose forwarding headers set the client IP.
	// Empty trusts none.
	TrustedProxies []string
}

// Limits is one identifier class's minute/hour/day quota. Zero disables a tier.
type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	PerIP       Limits
	PerKey      Limits
	PerEndpoint Limits
	BurstSize   int
	BurstWindow time.Duration
}

// LifecycleConfig configures temp-block escalation.
type LifecycleConfig struct {
	// BlockLadder holds temp-block durations per violation; past the end the
	// subject is blacklisted.
	BlockLadder     []time.Duration
	CleanupInterval time.Duration
}

// FloodConfig configures DDoS detection.
type FloodConfig struct {
	DetectionWindow            time.Duration
	RequestsPerSecondThreshold int
	ConcurrentThreshold        int
	AutoBlockDuration          time.Duration
	SweepInterval              time.Duration
	BlockedCountries           []string
	AllowedCountries           []string
}

// AbuseConfig configures the pattern analyzer.
type AbuseConfig struct {
	Window                  time.Duration
	RapidThreshold          time.Duration
	MinRequests             int
	ErrorRateThreshold      float64
	ExcessiveThreshold      int
	SingleEndpointThreshold int
	ActionThreshold         float64
	SweepInterval           time.Duration
}

// EscalationLevel is one rung of the escalation policy.
type EscalationLevel struct {
	Delay      time.Duration
	Recipients []string
}

// AlertConfig configures dedup, aggregation and escalation.
type AlertConfig struct {
	DedupWindow        time.Duration
	AggregationWindow  time.Duration
	StaleAfter         time.Duration
	Escalation         [3]EscalationLevel
	EscalationInterval time.Duration
}

// NotifyConfig throttles outbound notifications per destination.
type NotifyConfig struct {
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg, err := build(os.Getenv)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// Default returns the zero-environment configuration without touching the filesystem.
func Default() Config {
	cfg, _ := build(func(string) string { return "" })
	return cfg
}

func build(lookup func(string) string) (Config, error) {
	p := &parser{lookup: lookup}
	cfg := Config{
		Environment:  p.str("WARDEN_ENV", "development"),
		HTTPPort:     p.str("WARDEN_HTTP_PORT", "8080"),
		DatabasePath: p.str("WARDEN_DB_PATH", filepath.Join("data", "warden.db")),
		LogDir:       p.str("WARDEN_LOG_DIR", filepath.Join("data", "logs")),
		Debug:        p.bool("WARDEN_DEBUG", false),
		UpstreamURL:  p.str("WARDEN_UPSTREAM_URL", ""),
		Security: SecurityConfig{
			FailOpen:       p.bool("WARDEN_FAIL_OPEN", false),
			StoreTimeout:   p.millis("WARDEN_STORE_TIMEOUT_MS", 250*time.Millisecond),
			CountryHeader:  p.str("WARDEN_COUNTRY_HEADER", "CF-IPCountry"),
			APIKeyHeader:   p.str("WARDEN_API_KEY_HEADER", "X-API-Key"),
			EndpointScoped: p.list("WARDEN_ENDPOINT_SCOPED_PATHS"),
			TrustedProxies: p.list("WARDEN_TRUSTED_PROXIES"),
			JWTSecret:      p.str("WARDEN_JWT_SECRET", ""),
			JWTIssuer:      p.str("WARDEN_JWT_ISSUER", "warden"),
			EventRetention: p.hours("WARDEN_EVENT_RETENTION_HOURS", 48*time.Hour),
		},
		RateLimit: RateLimitConfig{
			PerIP: Limits{
				PerMinute: p.int("WARDEN_RATE_LIMIT_PER_IP_PER_MINUTE", 60),
				PerHour:   p.int("WARDEN_RATE_LIMIT_PER_IP_PER_HOUR", 1000),
				PerDay:    p.int("WARDEN_RATE_LIMIT_PER_IP_PER_DAY", 10000),
			},
			PerKey: Limits{
				PerMinute: p.int("WARDEN_RATE_LIMIT_PER_KEY_PER_MINUTE", 300),
				PerHour:   p.int("WARDEN_RATE_LIMIT_PER_KEY_PER_HOUR", 10000),
				PerDay:    p.int("WARDEN_RATE_LIMIT_PER_KEY_PER_DAY", 100000),
			},
			PerEndpoint: Limits{
				PerMinute: p.int("WARDEN_RATE_LIMIT_PER_ENDPOINT_PER_MINUTE", 120),
				PerHour:   p.int("WARDEN_RATE_LIMIT_PER_ENDPOINT_PER_HOUR", 2000),
				PerDay:    p.int("WARDEN_RATE_LIMIT_PER_ENDPOINT_PER_DAY", 20000),
			},
			BurstSize:   p.int("WARDEN_BURST_SIZE", 10),
			BurstWindow: p.seconds("WARDEN_BURST_WINDOW_SECONDS", 5*time.Second),
		},
		Lifecycle: LifecycleConfig{
			BlockLadder:     p.durations("WARDEN_BLOCK_LADDER", []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour}),
			CleanupInterval: p.minutes("WARDEN_CLEANUP_INTERVAL_MINUTES", 5*time.Minute),
		},
		Flood: FloodConfig{
			DetectionWindow:            p.seconds("WARDEN_DDOS_DETECTION_WINDOW_SECONDS", 60*time.Second),
			RequestsPerSecondThreshold: p.int("WARDEN_DDOS_REQUESTS_PER_SECOND_THRESHOLD", 100),
			ConcurrentThreshold:        p.int("WARDEN_DDOS_CONCURRENT_THRESHOLD", 500),
			AutoBlockDuration:          p.minutes("WARDEN_DDOS_AUTO_BLOCK_MINUTES", 15*time.Minute),
			SweepInterval:              p.seconds("WARDEN_DDOS_SWEEP_SECONDS", 10*time.Second),
			BlockedCountries:           p.list("WARDEN_BLOCKED_COUNTRIES"),
			AllowedCountries:           p.list("WARDEN_ALLOWED_COUNTRIES"),
		},
		Abuse: AbuseConfig{
			Window:                  p.minutes("WARDEN_ABUSE_WINDOW_MINUTES", 5*time.Minute),
			RapidThreshold:          p.millis("WARDEN_ABUSE_RAPID_THRESHOLD_MS", 100*time.Millisecond),
			MinRequests:             p.int("WARDEN_ABUSE_MIN_REQUESTS", 10),
			ErrorRateThreshold:      p.float("WARDEN_ABUSE_ERROR_RATE_THRESHOLD", 0.5),
			ExcessiveThreshold:      p.int("WARDEN_ABUSE_EXCESSIVE_THRESHOLD", 1000),
			SingleEndpointThreshold: p.int("WARDEN_ABUSE_SINGLE_ENDPOINT_THRESHOLD", 500),
			ActionThreshold:         p.float("WARDEN_ABUSE_ACTION_THRESHOLD", 50),
			SweepInterval:           p.seconds("WARDEN_ABUSE_SWEEP_SECONDS", 60*time.Second),
		},
		Alerts: AlertConfig{
			DedupWindow:       p.minutes("WARDEN_DEDUP_WINDOW_MINUTES", 60*time.Minute),
			AggregationWindow: p.minutes("WARDEN_AGGREGATION_WINDOW_MINUTES", 15*time.Minute),
			StaleAfter:        p.hours("WARDEN_ALERT_STALE_HOURS", 24*time.Hour),
			Escalation: [3]EscalationLevel{
				{Delay: p.minutes("WARDEN_ESCALATION_LEVEL1_MINUTES", 15*time.Minute), Recipients: p.list("WARDEN_ESCALATION_LEVEL1_RECIPIENTS")},
				{Delay: p.minutes("WARDEN_ESCALATION_LEVEL2_MINUTES", 30*time.Minute), Recipients: p.list("WARDEN_ESCALATION_LEVEL2_RECIPIENTS")},
				{Delay: p.minutes("WARDEN_ESCALATION_LEVEL3_MINUTES", 60*time.Minute), Recipients: p.list("WARDEN_ESCALATION_LEVEL3_RECIPIENTS")},
			},
			EscalationInterval: p.seconds("WARDEN_ESCALATION_SWEEP_SECONDS", 60*time.Second),
		},
		Notify: NotifyConfig{
			RatePerSecond: p.float("WARDEN_NOTIFY_RATE_PER_SECOND", 1),
			Burst:         p.int("WARDEN_NOTIFY_BURST", 5),
			Timeout:       p.seconds("WARDEN_NOTIFY_TIMEOUT_SECONDS", 10*time.Second),
		},
	}
	return cfg, errors.Join(p.errs...)
}

// Validate checks thresholds for values the engine cannot operate with.
func (c Config) Validate() error {
	var errs []error
	bad := func(name, why string) {
		errs = append(errs, fmt.Errorf("%w: %s %s", ErrInvalid, name, why))
	}

	for name, l := range map[string]Limits{"per_ip": c.RateLimit.PerIP, "per_key": c.RateLimit.PerKey, "per_endpoint": c.RateLimit.PerEndpoint} {
		if l.PerMinute < 0 || l.PerHour < 0 || l.PerDay < 0 {
			bad("rate_limit_"+name, "must not be negative")
		}
	}
	if c.RateLimit.BurstSize < 0 {
		bad("burst_size", "must not be negative")
	}
	if c.RateLimit.BurstSize > 0 && c.RateLimit.BurstWindow <= 0 {
		bad("burst_window", "must be positive when burst_size is set")
	}
	if len(c.Lifecycle.BlockLadder) == 0 {
		bad("block_ladder", "needs at least one rung")
	}
	for i, d := range c.Lifecycle.BlockLadder {
		if d <= 0 {
			bad("block_ladder", fmt.Sprintf("rung %d must be positive", i+1))
		}
	}
	if c.Flood.DetectionWindow <= 0 {
		bad("ddos_detection_window", "must be positive")
	}
	if c.Flood.RequestsPerSecondThreshold <= 0 || c.Flood.ConcurrentThreshold <= 0 {
		bad("ddos_thresholds", "must be positive")
	}
	if c.Abuse.Window <= 0 {
		bad("abuse_window", "must be positive")
	}
	if c.Abuse.ErrorRateThreshold < 0 || c.Abuse.ErrorRateThreshold > 1 {
		bad("abuse_error_rate_threshold", "must be within [0,1]")
	}
	if c.Abuse.ActionThreshold < 0 || c.Abuse.ActionThreshold > 100 {
		bad("abuse_action_threshold", "must be within [0,100]")
	}
	if c.Alerts.DedupWindow <= 0 {
		bad("dedup_window", "must be positive")
	}
	prev := time.Duration(0)
	for i, lvl := range c.Alerts.Escalation {
		if lvl.Delay <= prev {
			bad(fmt.Sprintf("escalation_level%d", i+1), "delay must increase with level")
		}
		prev = lvl.Delay
	}
	if c.Security.StoreTimeout <= 0 {
		bad("store_timeout", "must be positive")
	}
	return errors.Join(errs...)
}

// Ladder returns the temp-block duration for the given violation number and
// whether the subject should be promoted to the blacklist instead.
func (l LifecycleConfig) Ladder(violation int) (time.Duration, bool) {
	if violation < 1 {
		violation = 1
	}
	if violation > len(l.BlockLadder) {
		return 0, true
	}
	return l.BlockLadder[violation-1], false
}

// parser accumulates conversion errors so Load reports every bad value at once.
type parser struct {
	lookup func(string) string
	errs   []error
}

func (p *parser) str(key, fallback string) string {
	if val := p.lookup(key); val != "" {
		return val
	}

	return fallback
}

func (p *parser) list(key string) []string {
	raw := p.lookup(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) fail(key, raw string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, raw, err))
}

func (p *parser) int(key string, fallback int) int {
	raw := p.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	raw := p.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := p.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return v
}

func (p *parser) scaled(key string, fallback, unit time.Duration) time.Duration {
	raw := p.lookup(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		p.fail(key, raw, err)
		return fallback
	}
	return time.Duration(v * float64(unit))
}

func (p *parser) millis(key string, fallback time.Duration) time.Duration {
	return p.scaled(key, fallback, time.Millisecond)
}

func (p *parser) seconds(key string, fallback time.Duration) time.Duration {
	return p.scaled(key, fallback, time.Second)
}

func (p *parser) minutes(key string, fallback time.Duration) time.Duration {
	return p.scaled(key, fallback, time.Minute)
}

func (p *parser) hours(key string, fallback time.Duration) time.Duration {
	return p.scaled(key, fallback, time.Hour)
}

// durations parses a comma-separated list of Go durations, e.g. "15m,1h,24h".
func (p *parser) durations(key string, fallback []time.Duration) []time.Duration {
	raw := p.lookup(key)
	if raw == "" {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			p.fail(key, raw, err)
			return fallback
		}
		out = append(out, d)
	}
	return out
}

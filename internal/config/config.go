package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/city-weather-service/internal/retry"
)

// Cache backends accepted in cache.backend / CACHE_BACKEND.
const (
	BackendInMemory  = "in_memory"
	BackendMemcached = "memcached"
	BackendRedis     = "redis"
	BackendSQLite    = "sqlite"
)

// Config holds service configuration loaded from YAML, secrets and env.
type Config struct {
	ServerPort string

	APITokens []string

	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	CacheTTL     time.Duration
	CacheBackend string

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	SQLitePath string

	WarmCities   []string
	WarmInterval time.Duration

	RetryMaxAttempts int
	RetryDelays      []time.Duration

	UpstreamFailureRate float64
	UpstreamLatency     time.Duration
	UpstreamSeed        int64

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerTimeout          time.Duration
	CircuitBreakerHalfOpenRequests int

	RateLimitRPS   int
	RateLimitBurst int

	DegradedWindow   time.Duration
	DegradedErrorPct int

	CityMinLength int
	CityMaxLength int

	TrackedCities []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Timeout string `yaml:"timeout"`
		} `yaml:"redis"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		WarmCities   []string `yaml:"warm_cities"`
		WarmInterval string   `yaml:"warm_interval"`
	} `yaml:"cache"`

	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		Delays      []string `yaml:"delays"`
	} `yaml:"retry"`

	Upstream struct {
		FailureRate *float64 `yaml:"failure_rate"`
		Latency     string   `yaml:"latency"`
		Seed        int64    `yaml:"seed"`
	} `yaml:"upstream"`

	CircuitBreaker struct {
		Enabled          bool   `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		Timeout          string `yaml:"timeout"`
		HalfOpenRequests int    `yaml:"half_open_requests"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Validation struct {
		CityMinLength int `yaml:"city_min_length"`
		CityMaxLength int `yaml:"city_max_length"`
	} `yaml:"validation"`

	Metrics struct {
		TrackedCities []string `yaml:"tracked_cities"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	APITokens     []string `yaml:"api_tokens"`
	RedisPassword string   `yaml:"redis_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml, after loading an optional .env file. Environment variables
// win over both files. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")

	cfg.APITokens = splitList(os.Getenv("API_TOKENS"))
	if len(cfg.APITokens) == 0 {
		cfg.APITokens = sec.APITokens
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Minute)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, BackendInMemory))

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), sec.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, time.Second)

	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Cache.SQLite.Path, "weather-cache.db")

	cfg.WarmCities = fc.Cache.WarmCities
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.RetryMaxAttempts = fc.Retry.MaxAttempts
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = retry.DefaultMaxAttempts
	}
	cfg.RetryDelays, err = parseDelays(fc.Retry.Delays)
	if err != nil {
		return nil, err
	}

	cfg.UpstreamFailureRate = 0.2
	if fc.Upstream.FailureRate != nil {
		cfg.UpstreamFailureRate = *fc.Upstream.FailureRate
	}
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_FAILURE_RATE")); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("UPSTREAM_FAILURE_RATE: %w", err)
		}
		cfg.UpstreamFailureRate = rate
	}
	cfg.UpstreamLatency = parseDurationOrZero(fc.Upstream.Latency, 0)
	cfg.UpstreamSeed = fc.Upstream.Seed

	cfg.CircuitBreakerEnabled = fc.CircuitBreaker.Enabled
	cfg.CircuitBreakerFailureThreshold = fc.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)
	cfg.CircuitBreakerHalfOpenRequests = fc.CircuitBreaker.HalfOpenRequests
	if cfg.CircuitBreakerHalfOpenRequests <= 0 {
		cfg.CircuitBreakerHalfOpenRequests = 1
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}

	cfg.CityMinLength = fc.Validation.CityMinLength
	if cfg.CityMinLength <= 0 {
		cfg.CityMinLength = 1
	}
	cfg.CityMaxLength = fc.Validation.CityMaxLength
	if cfg.CityMaxLength <= 0 {
		cfg.CityMaxLength = 100
	}

	cfg.TrackedCities = fc.Metrics.TrackedCities

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RetryPolicy returns the fetch retry policy described by the config.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.RetryMaxAttempts,
		Delays:      append([]time.Duration(nil), c.RetryDelays...),
	}
}

// worstCaseRetryWait sums every delay one fully failing fetch sleeps through.
func (c *Config) worstCaseRetryWait() time.Duration {
	p := c.RetryPolicy()
	var total time.Duration
	for attempt := 0; ; attempt++ {
		d, ok := p.NextDelay(attempt)
		if !ok {
			return total
		}
		total += d
	}
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// parseDelays parses the retry schedule. An empty list yields the default schedule.
func parseDelays(raw []string) ([]time.Duration, error) {
	if len(raw) == 0 {
		return append([]time.Duration(nil), retry.DefaultDelays...), nil
	}
	out := make([]time.Duration, 0, len(raw))
	for i, s := range raw {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("retry.delays[%d]: %w", i, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("retry.delays[%d] must not be negative, got %s", i, d)
		}
		out = append(out, d)
	}
	return out, nil
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate performs post-load validation of configuration values. RequestTimeout is
// raised when it could not cover a fully failing fetch, so exhausted retries still
// answer with the unavailable message instead of a timeout.
func validate(cfg *Config) error {
	if len(cfg.APITokens) == 0 {
		return fmt.Errorf("API_TOKENS required (set env or config/secrets.yaml api_tokens)")
	}
	switch cfg.CacheBackend {
	case BackendInMemory, BackendMemcached, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("cache.backend must be one of in_memory, memcached, redis, sqlite; got %q", cfg.CacheBackend)
	}
	if cfg.UpstreamFailureRate < 0 || cfg.UpstreamFailureRate > 1 {
		return fmt.Errorf("upstream.failure_rate must be within [0, 1], got %v", cfg.UpstreamFailureRate)
	}
	if cfg.CityMinLength > cfg.CityMaxLength {
		return fmt.Errorf("validation.city_min_length (%d) exceeds city_max_length (%d)", cfg.CityMinLength, cfg.CityMaxLength)
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warm_interval must not be negative, got %s", cfg.WarmInterval)
	}
	if wait := cfg.worstCaseRetryWait(); cfg.RequestTimeout <= wait {
		cfg.RequestTimeout = wait + 30*time.Second
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Source roles. Primary sources are listed in preference order and include
// any METAR feed; backup sources are aggregated separately and merged in
// per field.
const (
	RolePrimary = "primary"
	RoleBackup  = "backup"
)

// Source kinds.
const (
	KindGeneric = "generic"
	KindMetar   = "metar"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	RequestTimeout time.Duration
	CacheTTL       time.Duration // serve cached observations younger than this without refreshing
	CacheRetention time.Duration // backend TTL; bounds how long an observation stays available as fallback
	CacheBackend   string        // "in_memory", "memcached" or "redis"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTimeout  time.Duration

	SourceTimeout  time.Duration
	FetchTimeout   time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	RefreshInterval time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	// HealthErrorWindow and HealthDegradedErrorPct mark the service degraded
	// when a source's fetch error rate over the window reaches the percentage.
	HealthErrorWindow      time.Duration
	HealthDegradedErrorPct int

	ShutdownTimeout time.Duration

	Airports []Airport
}

// Airport is one tracked airport and its sources.
type Airport struct {
	ID      string
	Sources []Source
}

// Source is one configured observation feed.
type Source struct {
	ID             string
	Kind           string
	Role           string
	URL            string
	APIKey         string
	UpdateInterval time.Duration
}

// Primary returns the airport's primary sources in configured order.
func (a Airport) Primary() []Source { return a.byRole(RolePrimary) }

// Backup returns the airport's backup sources in configured order.
func (a Airport) Backup() []Source { return a.byRole(RoleBackup) }

func (a Airport) byRole(role string) []Source {
	var out []Source
	for _, s := range a.Sources {
		if s.Role == role {
			out = append(out, s)
		}
	}
	return out
}

// AirportIDs returns the configured airport ids in file order.
func (c *Config) AirportIDs() []string {
	ids := make([]string, len(c.Airports))
	for i, a := range c.Airports {
		ids[i] = a.ID
	}
	return ids
}

// Airport looks up an airport by id, case-insensitively.
func (c *Config) Airport(id string) (Airport, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, a := range c.Airports {
		if a.ID == id {
			return a, true
		}
	}
	return Airport{}, false
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Retention string `yaml:"retention"`
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
	} `yaml:"cache"`

	Fetch struct {
		SourceTimeout   string `yaml:"source_timeout"`
		RoundTimeout    string `yaml:"round_timeout"`
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"fetch"`

	Reliability struct {
		RetryMaxAttempts        int    `yaml:"retry_max_attempts"`
		RetryBaseDelay          string `yaml:"retry_base_delay"`
		RetryMaxDelay           string `yaml:"retry_max_delay"`
		RateLimitRPS            int    `yaml:"rate_limit_rps"`
		RateLimitBurst          int    `yaml:"rate_limit_burst"`
		BreakerFailureThreshold int    `yaml:"breaker_failure_threshold"`
		BreakerSuccessThreshold int    `yaml:"breaker_success_threshold"`
		BreakerTimeout          string `yaml:"breaker_timeout"`
	} `yaml:"reliability"`

	Health struct {
		ErrorWindow      string `yaml:"error_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct" validate:"omitempty,min=1,max=100"`
	} `yaml:"health"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Airports []fileAirport `yaml:"airports" validate:"required,min=1,dive"`
}

type fileAirport struct {
	ID      string       `yaml:"id" validate:"required,alphanum,min=3,max=4"`
	Sources []fileSource `yaml:"sources" validate:"required,min=1,dive"`
}

type fileSource struct {
	ID             string `yaml:"id" validate:"required"`
	Kind           string `yaml:"kind" validate:"omitempty,oneof=generic metar"`
	Role           string `yaml:"role" validate:"omitempty,oneof=primary backup"`
	URL            string `yaml:"url" validate:"required,url"`
	UpdateInterval string `yaml:"update_interval"`
}

type secretsFile struct {
	RedisPassword string            `yaml:"redis_password"`
	APIKeys       map[string]string `yaml:"api_keys"`
}

var validate = validator.New()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and the
// optional config/secrets.yaml. A .env file in the working directory, if
// present, seeds the environment first. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
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
	if err := validate.Struct(fc); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	secrets, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(os.Getenv("SERVER_PORT"), fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheRetention = parseDuration(fc.Cache.Retention, 6*time.Hour)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = firstNonEmpty(os.Getenv("REDIS_PASSWORD"), secrets.RedisPassword)
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.SourceTimeout = parseDuration(fc.Fetch.SourceTimeout, 2*time.Second)
	cfg.FetchTimeout = parseDuration(fc.Fetch.RoundTimeout, 10*time.Second)
	cfg.RefreshInterval = parseDuration(fc.Fetch.RefreshInterval, time.Minute)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.BreakerFailureThreshold = fc.Reliability.BreakerFailureThreshold
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 3
	}
	cfg.BreakerSuccessThreshold = fc.Reliability.BreakerSuccessThreshold
	if cfg.BreakerSuccessThreshold <= 0 {
		cfg.BreakerSuccessThreshold = 2
	}
	cfg.BreakerTimeout = parseDuration(fc.Reliability.BreakerTimeout, 2*time.Minute)

	cfg.HealthErrorWindow = parseDuration(fc.Health.ErrorWindow, 5*time.Minute)
	cfg.HealthDegradedErrorPct = fc.Health.DegradedErrorPct
	if cfg.HealthDegradedErrorPct <= 0 {
		cfg.HealthDegradedErrorPct = 50
	}

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	for _, fa := range fc.Airports {
		a := Airport{ID: strings.ToUpper(fa.ID)}
		for _, src := range fa.Sources {
			a.Sources = append(a.Sources, Source{
				ID:             src.ID,
				Kind:           firstNonEmpty(src.Kind, KindGeneric),
				Role:           firstNonEmpty(src.Role, RolePrimary),
				URL:            src.URL,
				APIKey:         apiKey(src.ID, secrets),
				UpdateInterval: parseDurationOrZero(src.UpdateInterval, 0),
			})
		}
		cfg.Airports = append(cfg.Airports, a)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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

// apiKey resolves a source's key from SOURCE_API_KEY_<ID> (upper-cased,
// dashes as underscores) or the secrets file's api_keys map. Sources may run
// without a key.
func apiKey(sourceID string, sec secretsFile) string {
	envName := "SOURCE_API_KEY_" + strings.ToUpper(strings.ReplaceAll(sourceID, "-", "_"))
	if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
		return v
	}
	return sec.APIKeys[sourceID]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
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

// validateConfig performs post-load checks the struct tags cannot express.
// The fetch round must fit inside the request timeout so a cold GET can be
// served; RequestTimeout is raised when it does not.
func validateConfig(cfg *Config) error {
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached or redis, got %q", cfg.CacheBackend)
	}
	if cfg.CacheRetention < cfg.CacheTTL {
		cfg.CacheRetention = cfg.CacheTTL
	}
	if cfg.RequestTimeout <= cfg.FetchTimeout {
		cfg.RequestTimeout = cfg.FetchTimeout + time.Second
	}

	airports := make(map[string]bool)
	sources := make(map[string]string)
	for _, a := range cfg.Airports {
		if airports[a.ID] {
			return fmt.Errorf("airport %s configured twice", a.ID)
		}
		airports[a.ID] = true
		if len(a.Primary()) == 0 {
			return fmt.Errorf("airport %s has no primary source", a.ID)
		}
		for _, s := range a.Sources {
			if owner, dup := sources[s.ID]; dup {
				return fmt.Errorf("source id %q used by %s and %s", s.ID, owner, a.ID)
			}
			sources[s.ID] = a.ID
		}
	}
	return nil
}

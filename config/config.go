// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Body size limits accepted by ValidateBodySizeLimit.
const (
	MinBodySizeLimit = 1 << 10
	MaxBodySizeLimit = 100 << 20
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig  `mapstructure:"server"`
	Loader    LoaderConfig  `mapstructure:"loader"`
	HTTP      HTTPConfig    `mapstructure:"http"`
	Cache     CacheConfig   `mapstructure:"cache"`
	Memory    MemoryConfig  `mapstructure:"memory"`
	Assets    DirConfig     `mapstructure:"assets"`
	Resources DirConfig     `mapstructure:"resources"`
	Icons     DirConfig     `mapstructure:"icons"`
	Video     VideoConfig   `mapstructure:"video"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Logging   LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`

	// MasterKey protects /v1 routes with a bearer token when non-empty
	MasterKey string `mapstructure:"master_key"`

	// BodySizeLimit caps request bodies, e.g. "1M"
	BodySizeLimit string `mapstructure:"body_size_limit"`
}

// LoaderConfig holds dispatcher settings
type LoaderConfig struct {
	Workers      int `mapstructure:"workers"`
	MinDimension int `mapstructure:"min_dimension"`

	// TaskTimeout is in seconds
	TaskTimeout int `mapstructure:"task_timeout"`
}

// HTTPConfig configures the client used by the URL fetcher. Timeouts are in seconds.
type HTTPConfig struct {
	Timeout               int    `mapstructure:"timeout"`
	DialTimeout           int    `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout int    `mapstructure:"response_header_timeout"`
	MaxRedirects          int    `mapstructure:"max_redirects"`
	MaxBodySize           string `mapstructure:"max_body_size"`
}

// CacheConfig selects the file cache backend
type CacheConfig struct {
	// Type is "local" or "redis"
	Type  string           `mapstructure:"type"`
	Local LocalCacheConfig `mapstructure:"local"`
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// LocalCacheConfig holds the disk cache settings
type LocalCacheConfig struct {
	Dir     string `mapstructure:"dir"`
	MaxSize string `mapstructure:"max_size"`
}

// RedisCacheConfig holds the Redis cache settings
type RedisCacheConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`

	// TTL is in seconds
	TTL int `mapstructure:"ttl"`
}

// MemoryConfig bounds decoded images held in process
type MemoryConfig struct {
	MaxSize         string  `mapstructure:"max_size"`
	MaxPixels       int64   `mapstructure:"max_pixels"`
	PressurePercent float64 `mapstructure:"pressure_percent"`

	// PollInterval is in seconds
	PollInterval int `mapstructure:"poll_interval"`

	// HeapLimit also trims the memory cache when the Go heap in use exceeds it. Empty disables.
	HeapLimit string `mapstructure:"heap_limit"`
}

// DirConfig points a fetcher at a local directory. Empty disables the fetcher.
type DirConfig struct {
	Dir string `mapstructure:"dir"`
}

// VideoConfig configures thumbnail extraction
type VideoConfig struct {
	FFmpeg string `mapstructure:"ffmpeg"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// buildDefaultConfig returns the configuration used when nothing else is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "1M",
		},
		Loader: LoaderConfig{
			Workers:      5,
			MinDimension: 70,
			TaskTimeout:  120,
		},
		HTTP: HTTPConfig{
			Timeout:               60,
			DialTimeout:           30,
			ResponseHeaderTimeout: 60,
			MaxRedirects:          10,
			MaxBodySize:           "20MB",
		},
		Cache: CacheConfig{
			Type: "local",
			Local: LocalCacheConfig{
				Dir:     ".cache/images",
				MaxSize: "50MB",
			},
			Redis: RedisCacheConfig{
				Prefix: "catimage:img",
				TTL:    86400,
			},
		},
		Memory: MemoryConfig{
			MaxSize:         "64MB",
			MaxPixels:       40_000_000,
			PressurePercent: 90,
			PollInterval:    10,
		},
		Video: VideoConfig{
			FFmpeg: "ffmpeg",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
	}
}

// Load reads configuration from .env, an optional YAML file and the environment.
// Precedence, lowest first: defaults, config.yaml, environment variables.
func Load() (*Config, error) {
	// .env never overrides variables already set in the process environment
	_ = godotenv.Load()

	cfg := buildDefaultConfig()

	raw, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if raw != nil {
		var m map[string]any
		if err := yaml.Unmarshal([]byte(expandString(string(raw))), &m); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		v := viper.New()
		if err := v.MergeConfigMap(m); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
		if err := v.Unmarshal(cfg, snakeCaseMatchName()); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readConfigFile returns the first config file found, or nil when there is none.
// CATIMAGE_CONFIG names an explicit file, which must exist.
func readConfigFile() ([]byte, error) {
	if path := os.Getenv("CATIMAGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return data, nil
	}

	for _, path := range []string{"config.yaml", "config/config.yaml"} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return data, nil
	}
	return nil, nil
}

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandString replaces ${VAR} and ${VAR:-default} with environment values.
// Placeholders that resolve to nothing and carry no default are left in place.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		name, def, hasDefault := strings.Cut(inner, ":-")
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// snakeCaseMatchName lets snake_case YAML keys match either the mapstructure tag
// or the PascalCase field name.
func snakeCaseMatchName() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.MatchName = func(mapKey, fieldName string) bool {
			if strings.EqualFold(mapKey, fieldName) {
				return true
			}
			if strings.HasPrefix(mapKey, "_") || strings.HasSuffix(mapKey, "_") || strings.Contains(mapKey, "__") {
				return false
			}
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), fieldName)
		}
	}
}

// applyEnvOverrides applies well-known environment variables on top of cfg.
func applyEnvOverrides(cfg *Config) error {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.MasterKey, "CATIMAGE_MASTER_KEY")
	setString(&cfg.Server.BodySizeLimit, "BODY_SIZE_LIMIT")

	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.Local.Dir, "CATIMAGE_CACHE_DIR")
	setString(&cfg.Cache.Redis.URL, "REDIS_URL")

	setString(&cfg.Assets.Dir, "CATIMAGE_ASSETS_DIR")
	setString(&cfg.Resources.Dir, "CATIMAGE_RESOURCES_DIR")
	setString(&cfg.Icons.Dir, "CATIMAGE_ICONS_DIR")
	setString(&cfg.Video.FFmpeg, "FFMPEG_PATH")
	setString(&cfg.Memory.HeapLimit, "CATIMAGE_HEAP_LIMIT")

	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Loader.Workers, "LOADER_WORKERS"},
		{&cfg.HTTP.Timeout, "HTTP_TIMEOUT"},
		{&cfg.HTTP.DialTimeout, "HTTP_DIAL_TIMEOUT"},
		{&cfg.HTTP.ResponseHeaderTimeout, "HTTP_RESPONSE_HEADER_TIMEOUT"},
	}
	for _, o := range ints {
		if err := setInt(o.dst, o.key); err != nil {
			return err
		}
	}

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_ENABLED %q: %w", v, err)
		}
		cfg.Metrics.Enabled = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// Validate checks ranges and byte-size strings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must not be empty"))
	}
	if err := ValidateBodySizeLimit(c.Server.BodySizeLimit); err != nil {
		errs = append(errs, fmt.Errorf("server.body_size_limit: %w", err))
	}
	if c.Loader.Workers < 1 {
		errs = append(errs, fmt.Errorf("loader.workers must be at least 1, got %d", c.Loader.Workers))
	}
	if c.Loader.MinDimension < 1 {
		errs = append(errs, fmt.Errorf("loader.min_dimension must be at least 1, got %d", c.Loader.MinDimension))
	}
	if c.HTTP.MaxRedirects < 0 {
		errs = append(errs, fmt.Errorf("http.max_redirects must not be negative, got %d", c.HTTP.MaxRedirects))
	}

	sizes := []struct {
		name, value string
	}{
		{"http.max_body_size", c.HTTP.MaxBodySize},
		{"cache.local.max_size", c.Cache.Local.MaxSize},
		{"memory.max_size", c.Memory.MaxSize},
	}
	for _, s := range sizes {
		if _, err := ParseSize(s.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	switch c.Cache.Type {
	case "local":
		if c.Cache.Local.Dir == "" {
			errs = append(errs, errors.New("cache.local.dir must be set for the local cache"))
		}
	case "redis":
		if c.Cache.Redis.URL == "" {
			errs = append(errs, errors.New("cache.redis.url must be set for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.type must be local or redis, got %q", c.Cache.Type))
	}

	if c.Memory.PressurePercent <= 0 || c.Memory.PressurePercent > 100 {
		errs = append(errs, fmt.Errorf("memory.pressure_percent must be in (0, 100], got %g", c.Memory.PressurePercent))
	}
	if c.Memory.HeapLimit != "" {
		if _, err := ParseSize(c.Memory.HeapLimit); err != nil {
			errs = append(errs, fmt.Errorf("memory.heap_limit: %w", err))
		}
	}

	return errors.Join(errs...)
}

// ParseSize parses a human byte size such as "50MB" or "64MiB".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("size must not be empty")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}

// MustSize parses a size already checked by Validate.
func MustSize(s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		panic(err)
	}
	return n
}

// ValidateBodySizeLimit checks a request body limit. Empty means the default.
func ValidateBodySizeLimit(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := ParseSize(s)
	if err != nil {
		return err
	}
	if n < MinBodySizeLimit || n > MaxBodySizeLimit {
		return fmt.Errorf("body size limit %q must be between %s and %s",
			s, humanize.IBytes(MinBodySizeLimit), humanize.IBytes(MaxBodySizeLimit))
	}
	return nil
}

// Duration converts a seconds setting to a time.Duration.
func Duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Streams struct {
		OutputDir          string        `yaml:"output_dir"`
		MaxConcurrent      int           `yaml:"max_concurrent"`
		StartupTimeout     time.Duration `yaml:"startup_timeout"`
		PollInterval       time.Duration `yaml:"poll_interval"`
		KeepAliveDefault   time.Duration `yaml:"keep_alive_default"`
		ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
		ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
		MaxRetries         int           `yaml:"max_retries"`
		SustainReset       time.Duration `yaml:"sustain_reset"`
		TerminateGrace     time.Duration `yaml:"terminate_grace"`
	} `yaml:"streams"`

	HLS struct {
		FFmpegPath     string `yaml:"ffmpeg_path"`
		SegmentSeconds int    `yaml:"segment_seconds"`
		PlaylistSize   int    `yaml:"playlist_size"`
	} `yaml:"hls"`

	Smart struct {
		PromoteSessions int           `yaml:"promote_sessions"`
		ObserveWindow   time.Duration `yaml:"observe_window"`
		DemoteSessions  int           `yaml:"demote_sessions"`
		DemoteWindow    time.Duration `yaml:"demote_window"`
	} `yaml:"smart"`

	Viewers struct {
		LivenessWindow time.Duration `yaml:"liveness_window"`
	} `yaml:"viewers"`

	Janitor struct {
		Interval     time.Duration `yaml:"interval"`
		MaxAge       time.Duration `yaml:"max_age"`
		KeepSegments int           `yaml:"keep_segments"`
	} `yaml:"janitor"`

	Auth struct {
		JWTSecret        string        `yaml:"jwt_secret"`
		APIKey           string        `yaml:"api_key"`
		PlaybackTokenTTL time.Duration `yaml:"playback_token_ttl"`
	} `yaml:"auth"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		ServiceName    string  `yaml:"service_name"`
		SampleRatio    float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Streams.OutputDir == "" {
		return fmt.Errorf("streams.output_dir must not be empty")
	}
	if c.Streams.MaxConcurrent <= 0 {
		return fmt.Errorf("streams.max_concurrent must be > 0")
	}
	if c.Streams.StartupTimeout <= 0 {
		return fmt.Errorf("streams.startup_timeout must be > 0")
	}
	if c.Streams.PollInterval <= 0 {
		return fmt.Errorf("streams.poll_interval must be > 0")
	}
	if c.Streams.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("streams.reconnect_base_delay must be > 0")
	}
	if c.Streams.ReconnectMaxDelay < c.Streams.ReconnectBaseDelay {
		return fmt.Errorf("streams.reconnect_max_delay must be >= reconnect_base_delay")
	}
	if c.Streams.MaxRetries < 0 {
		return fmt.Errorf("streams.max_retries must be >= 0")
	}
	if c.Streams.TerminateGrace <= 0 {
		return fmt.Errorf("streams.terminate_grace must be > 0")
	}

	if c.HLS.FFmpegPath == "" {
		return fmt.Errorf("hls.ffmpeg_path must not be empty")
	}
	if c.HLS.SegmentSeconds <= 0 {
		return fmt.Errorf("hls.segment_seconds must be > 0")
	}
	if c.HLS.PlaylistSize <= 0 {
		return fmt.Errorf("hls.playlist_size must be > 0")
	}

	if c.Smart.PromoteSessions <= 0 {
		return fmt.Errorf("smart.promote_sessions must be > 0")
	}
	if c.Smart.ObserveWindow <= 0 {
		return fmt.Errorf("smart.observe_window must be > 0")
	}
	if c.Smart.DemoteWindow <= 0 {
		return fmt.Errorf("smart.demote_window must be > 0")
	}

	if c.Viewers.LivenessWindow <= 0 {
		return fmt.Errorf("viewers.liveness_window must be > 0")
	}

	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be > 0")
	}
	if c.Janitor.MaxAge <= 0 {
		return fmt.Errorf("janitor.max_age must be > 0")
	}
	if c.Janitor.KeepSegments <= 0 {
		return fmt.Errorf("janitor.keep_segments must be > 0")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.PlaybackTokenTTL <= 0 {
		return fmt.Errorf("auth.playback_token_ttl must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be in [0,1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Streams.OutputDir = "./streams"
	cfg.Streams.MaxConcurrent = 50
	cfg.Streams.StartupTimeout = 15 * time.Second
	cfg.Streams.PollInterval = 2 * time.Second
	cfg.Streams.KeepAliveDefault = 60 * time.Second
	cfg.Streams.ReconnectBaseDelay = 5 * time.Second
	cfg.Streams.ReconnectMaxDelay = 60 * time.Second
	cfg.Streams.MaxRetries = 3
	cfg.Streams.SustainReset = 60 * time.Second
	cfg.Streams.TerminateGrace = 5 * time.Second

	cfg.HLS.FFmpegPath = "ffmpeg"
	cfg.HLS.SegmentSeconds = 3
	cfg.HLS.PlaylistSize = 8

	cfg.Smart.PromoteSessions = 5
	cfg.Smart.ObserveWindow = 30 * time.Minute
	cfg.Smart.DemoteSessions = 1
	cfg.Smart.DemoteWindow = 2 * time.Hour

	cfg.Viewers.LivenessWindow = 20 * time.Second

	cfg.Janitor.Interval = 5 * time.Minute
	cfg.Janitor.MaxAge = time.Hour
	cfg.Janitor.KeepSegments = 24

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.PlaybackTokenTTL = 24 * time.Hour

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.ServiceName = "camrelay"
	cfg.Tracing.SampleRatio = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CAMRELAY_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if dir := os.Getenv("CAMRELAY_OUTPUT_DIR"); dir != "" {
		c.Streams.OutputDir = dir
	}
	if v := os.Getenv("CAMRELAY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Streams.MaxConcurrent = n
		}
	}
	if p := os.Getenv("CAMRELAY_FFMPEG_PATH"); p != "" {
		c.HLS.FFmpegPath = p
	}
	if level := os.Getenv("CAMRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("CAMRELAY_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("CAMRELAY_API_KEY"); key != "" {
		c.Auth.APIKey = key
	}
}

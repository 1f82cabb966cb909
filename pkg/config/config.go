package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer is a STUN/TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Identity struct {
		// Contact is the phone number or email the local PeerID is derived from.
		Contact     string `yaml:"contact"`
		Name        string `yaml:"name"`
		ProfilePath string `yaml:"profile_path"`
	} `yaml:"identity"`

	Signal struct {
		URL               string        `yaml:"url"`
		Address           string        `yaml:"address"`
		PingInterval      time.Duration `yaml:"ping_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		RegisterTimeout   time.Duration `yaml:"register_timeout"`
		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
		Reconnect         struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Media struct {
		AllowAudio bool `yaml:"allow_audio"`
		AllowVideo bool `yaml:"allow_video"`
	} `yaml:"media"`

	Storage struct {
		Backend     string `yaml:"backend"` // memory | redis | sqlite
		QuotaBytes  int64  `yaml:"quota_bytes"`
		MaxMessages int    `yaml:"max_messages"`
		SQLitePath  string `yaml:"sqlite_path"`
		KeyPrefix   string `yaml:"key_prefix"`
		ArchiveDir  string `yaml:"archive_dir"`
		Redis       struct {
			Address  string `yaml:"address"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	AI struct {
		Enabled    bool          `yaml:"enabled"`
		BaseURL    string        `yaml:"base_url"`
		Model      string        `yaml:"model"`
		ImageModel string        `yaml:"image_model"`
		VideoModel string        `yaml:"video_model"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout"`
		History    int           `yaml:"history"`
	} `yaml:"ai"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		// ClientAddress serves the client's /metrics when set.
		ClientAddress     string `yaml:"client_address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
		Environment    string `yaml:"environment"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signal
	if c.Signal.URL == "" {
		return fmt.Errorf("signal.url must not be empty")
	}
	if !strings.HasPrefix(c.Signal.URL, "ws://") && !strings.HasPrefix(c.Signal.URL, "wss://") {
		return fmt.Errorf("signal.url must use ws:// or wss://")
	}
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.RegisterTimeout <= 0 {
		return fmt.Errorf("signal.register_timeout must be > 0")
	}
	if c.Signal.ConnectTimeout <= 0 {
		return fmt.Errorf("signal.connect_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("signal.reconnect.max_attempts must be >= 0")
	}
	if c.Signal.Reconnect.InitialDelay <= 0 || c.Signal.Reconnect.MaxDelay < c.Signal.Reconnect.InitialDelay {
		return fmt.Errorf("signal.reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	for i, s := range c.WebRTC.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Storage
	switch c.Storage.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend must be one of memory, redis, sqlite (got %q)", c.Storage.Backend)
	}
	if c.Storage.QuotaBytes < 0 {
		return fmt.Errorf("storage.quota_bytes must be >= 0")
	}
	if c.Storage.MaxMessages < 0 {
		return fmt.Errorf("storage.max_messages must be >= 0")
	}
	if c.Storage.Backend == "sqlite" && c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path must not be empty when storage.backend=sqlite")
	}
	if c.Storage.Backend == "redis" {
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage.redis.address must not be empty when storage.backend=redis")
		}
		if c.Storage.Redis.PoolSize <= 0 {
			return fmt.Errorf("storage.redis.pool_size must be > 0 when storage.backend=redis")
		}
	}

	// AI
	if c.AI.Enabled {
		if c.AI.BaseURL == "" {
			return fmt.Errorf("ai.base_url must not be empty when ai.enabled=true")
		}
		if c.AI.Model == "" {
			return fmt.Errorf("ai.model must not be empty when ai.enabled=true")
		}
		if c.AI.Timeout <= 0 {
			return fmt.Errorf("ai.timeout must be > 0 when ai.enabled=true")
		}
	}
	if c.AI.History < 0 {
		return fmt.Errorf("ai.history must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
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
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
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

// SearchPaths are the locations the binaries try, in order.
var SearchPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/chatnest/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first existing file from paths, or defaults when none exists.
// It returns the path that was used ("" for defaults).
func LoadFirst(paths []string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	cfg, err := Load("")
	return cfg, "", err
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Identity.ProfilePath = "profile.json"

	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.HeartbeatInterval = 20 * time.Second
	cfg.Signal.RegisterTimeout = 10 * time.Second
	cfg.Signal.ConnectTimeout = 15 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.Reconnect.MaxAttempts = 0 // unlimited
	cfg.Signal.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Signal.Reconnect.MaxDelay = 30 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Media.AllowAudio = true
	cfg.Media.AllowVideo = true

	cfg.Storage.Backend = "memory"
	cfg.Storage.QuotaBytes = 5 * 1024 * 1024
	cfg.Storage.MaxMessages = 0
	cfg.Storage.SQLitePath = "chatnest.db"
	cfg.Storage.KeyPrefix = "chatnest"
	cfg.Storage.ArchiveDir = "archives"
	cfg.Storage.Redis.Address = "localhost:6379"
	cfg.Storage.Redis.PoolSize = 10

	cfg.AI.Enabled = true
	cfg.AI.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	cfg.AI.Model = "gemini-2.5-flash"
	cfg.AI.ImageModel = "gemini-2.5-flash-image"
	cfg.AI.VideoModel = "veo-3.1-fast-generate-preview"
	cfg.AI.Timeout = 60 * time.Second
	cfg.AI.History = 5

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 2 * 1024 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATNEST_SIGNAL_URL"); v != "" {
		c.Signal.URL = v
	}
	if v := os.Getenv("CHATNEST_SIGNAL_ADDRESS"); v != "" {
		c.Signal.Address = v
	}
	if v := os.Getenv("CHATNEST_CONTACT"); v != "" {
		c.Identity.Contact = v
	}
	if v := os.Getenv("CHATNEST_NAME"); v != "" {
		c.Identity.Name = v
	}
	if v := os.Getenv("CHATNEST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHATNEST_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("CHATNEST_REDIS_ADDRESS"); v != "" {
		c.Storage.Redis.Address = v
	}
	if v := os.Getenv("CHATNEST_ARCHIVE_DIR"); v != "" {
		c.Storage.ArchiveDir = v
	}
	if v := os.Getenv("CHATNEST_QUOTA_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Storage.QuotaBytes = n
		}
	}
	if v := os.Getenv("CHATNEST_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.AI.APIKey = v
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"castwave/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type RtcpFeedback struct {
	Type      string `yaml:"type"`
	Parameter string `yaml:"parameter,omitempty"`
}

// Codec is one entry of the router's codec list.
type Codec struct {
	Kind         string            `yaml:"kind"`
	MimeType     string            `yaml:"mime_type"`
	PayloadType  uint8             `yaml:"payload_type"`
	ClockRate    uint32            `yaml:"clock_rate"`
	Channels     uint16            `yaml:"channels,omitempty"`
	Parameters   map[string]string `yaml:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback    `yaml:"rtcp_feedback,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Path         string        `yaml:"path"`
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Engine struct {
		ListenIP    string      `yaml:"listen_ip"`
		AnnouncedIP string      `yaml:"announced_ip"`
		ICELite     bool        `yaml:"ice_lite"`
		ICEServers  []ICEServer `yaml:"ice_servers"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout    time.Duration `yaml:"gather_timeout"`
		CallTimeout      time.Duration `yaml:"call_timeout"`
		DeathGracePeriod time.Duration `yaml:"death_grace_period"`
		Codecs           []Codec       `yaml:"codecs"`
	} `yaml:"engine"`

	Session struct {
		BroadcasterPolicy string        `yaml:"broadcaster_policy"`
		DiscoveryMode     string        `yaml:"discovery_mode"`
		PublishInterval   time.Duration `yaml:"publish_interval"`
	} `yaml:"session"`

	Monitoring struct {
		PrometheusEnabled bool          `yaml:"prometheus_enabled"`
		MetricsInterval   time.Duration `yaml:"metrics_interval"`
	} `yaml:"monitoring"`

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
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
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

	// Signal
	if !strings.HasPrefix(c.Signal.Path, "/") {
		return fmt.Errorf("signal.path must start with /")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}

	// Engine
	if c.Engine.PortRange.Min > 0 || c.Engine.PortRange.Max > 0 {
		if c.Engine.PortRange.Min == 0 || c.Engine.PortRange.Max == 0 {
			return fmt.Errorf("engine.port_range.min and max must both be set when one is set")
		}
		if c.Engine.PortRange.Min >= c.Engine.PortRange.Max {
			return fmt.Errorf("engine.port_range.min must be < max")
		}
	}
	if c.Engine.CallTimeout <= 0 {
		return fmt.Errorf("engine.call_timeout must be > 0")
	}
	if c.Engine.GatherTimeout <= 0 {
		return fmt.Errorf("engine.gather_timeout must be > 0")
	}
	if c.Engine.DeathGracePeriod < 0 {
		return fmt.Errorf("engine.death_grace_period must be >= 0")
	}
	if len(c.Engine.Codecs) == 0 {
		return fmt.Errorf("engine.codecs must not be empty")
	}
	for i, codec := range c.Engine.Codecs {
		if codec.Kind != "audio" && codec.Kind != "video" {
			return fmt.Errorf("engine.codecs[%d].kind must be audio or video", i)
		}
		if !strings.HasPrefix(strings.ToLower(codec.MimeType), codec.Kind+"/") {
			return fmt.Errorf("engine.codecs[%d].mime_type must start with %s/", i, codec.Kind)
		}
		if codec.ClockRate == 0 {
			return fmt.Errorf("engine.codecs[%d].clock_rate must be > 0", i)
		}
		if codec.PayloadType < 96 || codec.PayloadType > 127 {
			return fmt.Errorf("engine.codecs[%d].payload_type must be in the dynamic range 96-127", i)
		}
	}

	// Session
	switch c.Session.BroadcasterPolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("session.broadcaster_policy must be replace or reject")
	}
	switch c.Session.DiscoveryMode {
	case "broadcast", "all":
	default:
		return fmt.Errorf("session.discovery_mode must be broadcast or all")
	}
	if c.Session.PublishInterval <= 0 {
		return fmt.Errorf("session.publish_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.MetricsInterval <= 0 {
		return fmt.Errorf("monitoring.metrics_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
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
	}
	if c.RateLimiting.HTTP.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0")
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	for _, origin := range c.CORS.AllowedOrigins {
		if err := validation.ValidateOrigin(origin); err != nil {
			return fmt.Errorf("cors.allowed_origins: %q: %w", origin, err)
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// fall back to defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		// An explicit codec list replaces the defaults instead of merging.
		cfg.Engine.Codecs = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
		if len(cfg.Engine.Codecs) == 0 {
			cfg.Engine.Codecs = DefaultCodecs()
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultCodecs is the router codec list: opus for audio and VP8 for video.
func DefaultCodecs() []Codec {
	return []Codec{
		{
			Kind:        "audio",
			MimeType:    "audio/opus",
			PayloadType: 96,
			ClockRate:   48000,
			Channels:    2,
			RtcpFeedback: []RtcpFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
			},
		},
		{
			Kind:        "video",
			MimeType:    "video/VP8",
			PayloadType: 97,
			ClockRate:   90000,
			Parameters: map[string]string{
				"x-google-start-bitrate": "1000",
			},
			RtcpFeedback: []RtcpFeedback{
				{Type: "nack"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		},
	}
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":3000"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Path = "/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second

	cfg.Engine.ListenIP = "0.0.0.0"
	cfg.Engine.PortRange.Min = 2000
	cfg.Engine.PortRange.Max = 2020
	cfg.Engine.GatherTimeout = 5 * time.Second
	cfg.Engine.CallTimeout = 10 * time.Second
	cfg.Engine.DeathGracePeriod = 2 * time.Second
	cfg.Engine.Codecs = DefaultCodecs()

	cfg.Session.BroadcasterPolicy = "replace"
	cfg.Session.DiscoveryMode = "broadcast"
	cfg.Session.PublishInterval = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsInterval = 15 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "castwave:events"

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "castwave"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.CORS.AllowedOrigins = []string{"*"}

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("CASTWAVE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("CASTWAVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("CASTWAVE_ANNOUNCED_IP"); ip != "" {
		c.Engine.AnnouncedIP = ip
	}
	if policy := os.Getenv("CASTWAVE_BROADCASTER_POLICY"); policy != "" {
		c.Session.BroadcasterPolicy = policy
	}
	if addr := os.Getenv("CASTWAVE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if origins := os.Getenv("CASTWAVE_ALLOWED_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = strings.Split(origins, ",")
	}
	if v := os.Getenv("CASTWAVE_RTC_MIN_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("CASTWAVE_RTC_MIN_PORT: %w", err)
		}
		c.Engine.PortRange.Min = uint16(port)
	}
	if v := os.Getenv("CASTWAVE_RTC_MAX_PORT"); v != "" {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("CASTWAVE_RTC_MAX_PORT: %w", err)
		}
		c.Engine.PortRange.Max = uint16(port)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"peercall/pkg/retry"
	"peercall/pkg/tracing"
	"peercall/pkg/validation"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Signaling struct {
		URL          string        `yaml:"url"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		Reconnect    retry.Config  `yaml:"reconnect"`
	} `yaml:"signaling"`

	Relay struct {
		Address         string        `yaml:"address"`
		MaxParties      int           `yaml:"max_parties"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendQueue       int           `yaml:"send_queue"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			UpgradesPerSecond float64 `yaml:"upgrades_per_second"`
			UpgradeBurst      int     `yaml:"upgrade_burst"`
		} `yaml:"rate_limit"`
	} `yaml:"relay"`

	Session struct {
		Role         string `yaml:"role"`
		ChannelLabel string `yaml:"channel_label"`
		DisplayName  string `yaml:"display_name"`
		EventBuffer  int    `yaml:"event_buffer"`
	} `yaml:"session"`

	Negotiation struct {
		Timeout       time.Duration `yaml:"timeout"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"negotiation"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		PLIInterval time.Duration `yaml:"pli_interval"`
	} `yaml:"webrtc"`

	Media struct {
		StartCamera    bool          `yaml:"start_camera"`
		StartScreen    bool          `yaml:"start_screen"`
		Camera         string        `yaml:"camera"`
		Microphone     string        `yaml:"microphone"`
		Screen         string        `yaml:"screen"`
		PacketInterval time.Duration `yaml:"packet_interval"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		MetricsAddress    string `yaml:"metrics_address"`
	} `yaml:"monitoring"`

	Tracing tracing.Config `yaml:"tracing"`

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
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Signaling
	if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.DialTimeout <= 0 {
		return fmt.Errorf("signaling.dial_timeout must be > 0")
	}
	if c.Signaling.WriteTimeout <= 0 {
		return fmt.Errorf("signaling.write_timeout must be > 0")
	}
	if c.Signaling.Reconnect.Enabled {
		if c.Signaling.Reconnect.MaxAttempts <= 0 {
			return fmt.Errorf("signaling.reconnect.max_attempts must be > 0 when reconnect is enabled")
		}
		if c.Signaling.Reconnect.InitialDelay <= 0 {
			return fmt.Errorf("signaling.reconnect.initial_delay must be > 0 when reconnect is enabled")
		}
	}

	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.MaxParties < 2 {
		return fmt.Errorf("relay.max_parties must be >= 2")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be > 0")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be greater than relay.ping_interval")
	}
	if c.Relay.WriteTimeout <= 0 {
		return fmt.Errorf("relay.write_timeout must be > 0")
	}
	if c.Relay.SendQueue <= 0 {
		return fmt.Errorf("relay.send_queue must be > 0")
	}
	if c.Relay.ShutdownTimeout <= 0 {
		return fmt.Errorf("relay.shutdown_timeout must be > 0")
	}
	if c.Relay.RateLimit.Enabled {
		if c.Relay.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("relay.rate_limit.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Relay.RateLimit.Burst <= 0 {
			return fmt.Errorf("relay.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
		if c.Relay.RateLimit.UpgradesPerSecond <= 0 {
			return fmt.Errorf("relay.rate_limit.upgrades_per_second must be > 0 when rate limiting is enabled")
		}
		if c.Relay.RateLimit.UpgradeBurst <= 0 {
			return fmt.Errorf("relay.rate_limit.upgrade_burst must be > 0 when rate limiting is enabled")
		}
	}

	// Session
	if c.Session.Role != "offerer" && c.Session.Role != "answerer" {
		return fmt.Errorf("session.role must be offerer or answerer, got %q", c.Session.Role)
	}
	if err := validation.ValidateNonEmptyString(c.Session.ChannelLabel, "session.channel_label"); err != nil {
		return err
	}
	if c.Session.EventBuffer <= 0 {
		return fmt.Errorf("session.event_buffer must be > 0")
	}

	// Negotiation
	if c.Negotiation.Timeout < 0 {
		return fmt.Errorf("negotiation.timeout must be >= 0")
	}
	if c.Negotiation.RetryInterval < 0 {
		return fmt.Errorf("negotiation.retry_interval must be >= 0")
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
		for _, u := range s.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.PLIInterval <= 0 {
		return fmt.Errorf("webrtc.pli_interval must be > 0")
	}

	// Media
	if c.Media.PacketInterval <= 0 {
		return fmt.Errorf("media.packet_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.MetricsAddress == "" {
		return fmt.Errorf("monitoring.metrics_address must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
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

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signaling.URL = "ws://localhost:8080/ws"
	cfg.Signaling.DialTimeout = 10 * time.Second
	cfg.Signaling.WriteTimeout = 10 * time.Second
	cfg.Signaling.Reconnect = retry.DefaultConfig()
	// a dropped relay leaves the session inert unless reconnect is switched on
	cfg.Signaling.Reconnect.Enabled = false

	cfg.Relay.Address = ":8080"
	cfg.Relay.MaxParties = 2
	cfg.Relay.MaxMessageBytes = 64 * 1024
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.SendQueue = 64
	cfg.Relay.ShutdownTimeout = 15 * time.Second
	cfg.Relay.AllowedOrigins = []string{"*"}

	cfg.Relay.RateLimit.Enabled = true
	cfg.Relay.RateLimit.MessagesPerSecond = 100
	cfg.Relay.RateLimit.Burst = 200
	cfg.Relay.RateLimit.UpgradesPerSecond = 5
	cfg.Relay.RateLimit.UpgradeBurst = 10

	cfg.Session.Role = "offerer"
	cfg.Session.ChannelLabel = "chat"
	cfg.Session.DisplayName = "peer"
	cfg.Session.EventBuffer = 256

	cfg.Negotiation.Timeout = 15 * time.Second
	cfg.Negotiation.RetryInterval = 5 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.PLIInterval = 3 * time.Second

	cfg.Media.Camera = "Synthetic camera"
	cfg.Media.Microphone = "Synthetic microphone"
	cfg.Media.Screen = "Synthetic display"
	cfg.Media.PacketInterval = 20 * time.Millisecond

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsAddress = ":9090"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "peercall:relay"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("PEERCALL_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if addr := os.Getenv("PEERCALL_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if role := os.Getenv("PEERCALL_SESSION_ROLE"); role != "" {
		c.Session.Role = role
	}
	if level := os.Getenv("PEERCALL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("PEERCALL_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if enabled := os.Getenv("PEERCALL_REDIS_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Redis.Enabled = v
		}
	}
	if timeout := os.Getenv("PEERCALL_NEGOTIATION_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Negotiation.Timeout = d
		}
	}
}

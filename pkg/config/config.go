package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTP struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"http"`

	Signal struct {
		PingInterval        time.Duration `yaml:"ping_interval"`
		PongTimeout         time.Duration `yaml:"pong_timeout"`
		WriteTimeout        time.Duration `yaml:"write_timeout"`
		MaxMessageSizeBytes int64         `yaml:"max_message_size_bytes"`
		MessagesPerSecond   float64       `yaml:"messages_per_second"`
		Burst               int           `yaml:"burst"`
		// HandshakeSecret enables token verification at the websocket
		// upgrade when non-empty. Identity is otherwise assumed to be
		// validated upstream.
		HandshakeSecret string `yaml:"handshake_secret"`
	} `yaml:"signal"`

	WebRTC struct {
		ListenIP    string `yaml:"listen_ip"`
		AnnouncedIP string `yaml:"announced_ip"`
		PortRange   struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		InitialAvailableOutgoingBitrate int           `yaml:"initial_available_outgoing_bitrate"`
		MinimumAvailableOutgoingBitrate int           `yaml:"minimum_available_outgoing_bitrate"`
		MaxIncomingBitrate              int           `yaml:"max_incoming_bitrate"`
		ConnectTimeout                  time.Duration `yaml:"connect_timeout"`
	} `yaml:"webrtc"`

	Quality struct {
		CheckInterval       time.Duration `yaml:"check_interval"`
		PacketLossThreshold float64       `yaml:"packet_loss_threshold"`
		BitrateFloorKbps    float64       `yaml:"bitrate_floor_kbps"`
		LatencyThreshold    time.Duration `yaml:"latency_threshold"`
	} `yaml:"quality"`

	Rooms struct {
		IdleTTL      time.Duration `yaml:"idle_ttl"`
		ReapInterval time.Duration `yaml:"reap_interval"`
	} `yaml:"rooms"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
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
	} `yaml:"redis"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address must not be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("http.read_timeout must be > 0")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http.write_timeout must be > 0")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("http.shutdown_timeout must be > 0")
	}

	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("signal.max_message_size_bytes must be >= 0")
	}
	if c.Signal.MessagesPerSecond <= 0 {
		return fmt.Errorf("signal.messages_per_second must be > 0")
	}
	if c.Signal.Burst <= 0 {
		return fmt.Errorf("signal.burst must be > 0")
	}

	if c.WebRTC.ListenIP == "" {
		return fmt.Errorf("webrtc.listen_ip must not be empty")
	}
	if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
		return fmt.Errorf("webrtc.port_range.min and max must both be set")
	}
	if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
		return fmt.Errorf("webrtc.port_range.min must be < max")
	}
	if c.WebRTC.ConnectTimeout <= 0 {
		return fmt.Errorf("webrtc.connect_timeout must be > 0")
	}

	if c.Quality.CheckInterval <= 0 {
		return fmt.Errorf("quality.check_interval must be > 0")
	}
	if c.Quality.PacketLossThreshold <= 0 || c.Quality.PacketLossThreshold >= 1 {
		return fmt.Errorf("quality.packet_loss_threshold must be in (0, 1)")
	}
	if c.Quality.BitrateFloorKbps <= 0 {
		return fmt.Errorf("quality.bitrate_floor_kbps must be > 0")
	}
	if c.Quality.LatencyThreshold <= 0 {
		return fmt.Errorf("quality.latency_threshold must be > 0")
	}

	if c.Rooms.IdleTTL <= 0 {
		return fmt.Errorf("rooms.idle_ttl must be > 0")
	}
	if c.Rooms.ReapInterval <= 0 {
		return fmt.Errorf("rooms.reap_interval must be > 0")
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

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
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

	cfg.HTTP.Address = ":8080"
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageSizeBytes = 64 * 1024
	cfg.Signal.MessagesPerSecond = 100
	cfg.Signal.Burst = 200

	cfg.WebRTC.ListenIP = "0.0.0.0"
	cfg.WebRTC.PortRange.Min = 10000
	cfg.WebRTC.PortRange.Max = 10100
	cfg.WebRTC.InitialAvailableOutgoingBitrate = 1_000_000
	cfg.WebRTC.MinimumAvailableOutgoingBitrate = 600_000
	cfg.WebRTC.MaxIncomingBitrate = 1_500_000
	cfg.WebRTC.ConnectTimeout = 10 * time.Second

	cfg.Quality.CheckInterval = 5 * time.Second
	cfg.Quality.PacketLossThreshold = 0.1
	cfg.Quality.BitrateFloorKbps = 500
	cfg.Quality.LatencyThreshold = 150 * time.Millisecond

	cfg.Rooms.IdleTTL = 5 * time.Minute
	cfg.Rooms.ReapInterval = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("ROOMCAST_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("ROOMCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if ip := os.Getenv("ROOMCAST_LISTEN_IP"); ip != "" {
		c.WebRTC.ListenIP = ip
	}
	if ip := os.Getenv("ROOMCAST_ANNOUNCED_IP"); ip != "" {
		c.WebRTC.AnnouncedIP = ip
	}
	if secret := os.Getenv("ROOMCAST_HANDSHAKE_SECRET"); secret != "" {
		c.Signal.HandshakeSecret = secret
	}
}

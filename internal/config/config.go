package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

func (a AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type JWTConfig struct {
	Alg           string `mapstructure:"alg"`
	HSSecret      string `mapstructure:"hs_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	LeewaySeconds int    `mapstructure:"leeway_seconds"`
}

type MongoConfig struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type StorageConfig struct {
	Driver         string      `mapstructure:"driver"`
	Mongo          MongoConfig `mapstructure:"mongo"`
	TimeoutSeconds int         `mapstructure:"timeout_seconds"`
}

type RedisConfig struct {
	Addr                string `mapstructure:"addr"`
	Password            string `mapstructure:"password"`
	DB                  int    `mapstructure:"db"`
	Prefix              string `mapstructure:"prefix"`
	UserCacheTTLSeconds int    `mapstructure:"user_cache_ttl_seconds"`
	// RESTRatePerMinute caps REST calls per user when Redis is configured.
	RESTRatePerMinute   int    `mapstructure:"rest_rate_per_minute"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type BreakerConfig struct {
	MaxFailures    int `mapstructure:"max_failures"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type EventsConfig struct {
	Driver  string        `mapstructure:"driver"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	PongWaitSeconds      int   `mapstructure:"pong_wait_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	SendBuffer           int   `mapstructure:"send_buffer"`
	RateLimitPerSec      int   `mapstructure:"rate_limit_per_sec"`
	RateBurst            int   `mapstructure:"rate_burst"`
	MaxContentLength     int   `mapstructure:"max_content_length"`
}

type DiscoveryConfig struct {
	ConsulAddr      string   `mapstructure:"consul_addr"`
	ServiceName     string   `mapstructure:"service_name"`
	Register        bool     `mapstructure:"register"`
	StaticEndpoints []string `mapstructure:"static_endpoints"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type CallConfig struct {
	RingTimeoutSeconds    int `mapstructure:"ring_timeout_seconds"`
	AttemptTimeoutSeconds int `mapstructure:"attempt_timeout_seconds"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	WS        WSConfig        `mapstructure:"ws"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Call      CallConfig      `mapstructure:"call"`

	// derived
	ShutdownTimeout time.Duration `mapstructure:"-"`
	StorageTimeout  time.Duration `mapstructure:"-"`
	JWTLeeway       time.Duration `mapstructure:"-"`
	UserCacheTTL    time.Duration `mapstructure:"-"`
	BreakerTimeout  time.Duration `mapstructure:"-"`
	PingInterval    time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	RingTimeout     time.Duration `mapstructure:"-"`
	AttemptTimeout  time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.shutdown_timeout_seconds", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)

	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("jwt.hs_secret", "")
	v.SetDefault("jwt.public_key_path", "")
	v.SetDefault("jwt.leeway_seconds", 5)

	v.SetDefault("storage.driver", "mongo")
	v.SetDefault("storage.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("storage.mongo.db", "moodfeed")
	v.SetDefault("storage.timeout_seconds", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "relay")
	v.SetDefault("redis.user_cache_ttl_seconds", 300)
	v.SetDefault("redis.rest_rate_per_minute", 120)

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.kafka.brokers", []string{})
	v.SetDefault("events.kafka.topic", "chat.events")
	v.SetDefault("events.nats.url", "nats://localhost:4222")
	v.SetDefault("events.nats.subject_prefix", "chat")
	v.SetDefault("events.breaker.max_failures", 5)
	v.SetDefault("events.breaker.timeout_seconds", 30)

	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.send_buffer", 256)
	v.SetDefault("ws.rate_limit_per_sec", 20)
	v.SetDefault("ws.rate_burst", 40)
	v.SetDefault("ws.max_content_length", 4000)

	v.SetDefault("discovery.consul_addr", "")
	v.SetDefault("discovery.service_name", "realtime-relay")
	v.SetDefault("discovery.register", false)
	v.SetDefault("discovery.static_endpoints", []string{})

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("call.ring_timeout_seconds", 30)
	v.SetDefault("call.attempt_timeout_seconds", 5)
}

// Load reads an optional YAML file at path, then lets RELAY_* environment
// variables override any key (RELAY_JWT_HS_SECRET -> jwt.hs_secret).
func Load(path string) (*Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadClient is Load for tools that only dial the relay: server-side settings
// such as the JWT secret are not required.
func LoadClient(path string) (*Config, error) {
	c, err := load(path)
	if err != nil {
		return nil, err
	}
	if c.RingTimeout <= 0 || c.AttemptTimeout <= 0 {
		return nil, errors.New("call timeouts must be positive")
	}
	return c, nil
}

func load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// comma separated lists from env are not split by viper
	c.Events.Kafka.Brokers = splitList(c.Events.Kafka.Brokers)
	c.Discovery.StaticEndpoints = splitList(c.Discovery.StaticEndpoints)

	c.derive()
	return &c, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) derive() {
	c.ShutdownTimeout = seconds(c.App.ShutdownTimeoutSeconds)
	c.StorageTimeout = seconds(c.Storage.TimeoutSeconds)
	c.JWTLeeway = seconds(c.JWT.LeewaySeconds)
	c.UserCacheTTL = seconds(c.Redis.UserCacheTTLSeconds)
	c.BreakerTimeout = seconds(c.Events.Breaker.TimeoutSeconds)
	c.PingInterval = seconds(c.WS.PingIntervalSeconds)
	c.PongWait = seconds(c.WS.PongWaitSeconds)
	c.WriteDeadline = seconds(c.WS.WriteDeadlineSeconds)
	c.RingTimeout = seconds(c.Call.RingTimeoutSeconds)
	c.AttemptTimeout = seconds(c.Call.AttemptTimeoutSeconds)
}

func (c *Config) validate() error {
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port invalid: %d", c.App.Port)
	}

	switch strings.ToUpper(c.JWT.Alg) {
	case "HS256":
		if c.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	case "RS256":
		if c.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	default:
		return errors.New("invalid jwt.alg (use RS256 or HS256)")
	}

	switch c.Storage.Driver {
	case "mongo":
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.DB == "" {
			return errors.New("storage.mongo.uri and storage.mongo.db required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage.driver %q (use mongo or memory)", c.Storage.Driver)
	}

	switch c.Events.Driver {
	case "none":
	case "kafka":
		if len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "" {
			return errors.New("events.kafka.brokers and events.kafka.topic required")
		}
	case "nats":
		if c.Events.NATS.URL == "" {
			return errors.New("events.nats.url required")
		}
	default:
		return fmt.Errorf("invalid events.driver %q (use none, kafka or nats)", c.Events.Driver)
	}

	if c.PongWait <= c.PingInterval {
		return errors.New("ws.pong_wait_seconds must exceed ws.ping_interval_seconds")
	}
	if c.WS.SendBuffer <= 0 || c.WS.RateLimitPerSec <= 0 || c.WS.MaxContentLength <= 0 {
		return errors.New("ws.send_buffer, ws.rate_limit_per_sec and ws.max_content_length must be positive")
	}
	if c.RingTimeout <= 0 || c.AttemptTimeout <= 0 {
		return errors.New("call timeouts must be positive")
	}
	if c.Discovery.Register && c.Discovery.ConsulAddr == "" {
		return errors.New("discovery.register requires discovery.consul_addr")
	}
	return nil
}

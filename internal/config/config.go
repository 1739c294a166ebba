package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Services ServicesConfig `yaml:"services"`
	Matching MatchingConfig `yaml:"matching"`
	Presence PresenceConfig `yaml:"presence"`
	Instance InstanceConfig `yaml:"instance"`
	Broker   BrokerConfig   `yaml:"broker"`
}

type ServerConfig struct {
	Port           int    `yaml:"port"`
	BasePath       string `yaml:"base_path"`
	Env            string `yaml:"env"`
	LogLevel       string `yaml:"log_level"`
	AllowedOrigins string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type AuthConfig struct {
	ServiceURL string `yaml:"service_url"`
	SecretKey  string `yaml:"secret_key"`
}

type ServicesConfig struct {
	UserServiceURL string `yaml:"user_service_url"`
}

type MatchingConfig struct {
	TickIntervalMs int  `yaml:"tick_interval_ms"`
	LockTTLMs      int  `yaml:"lock_ttl_ms"`
	QueueMaxAgeSec int  `yaml:"queue_max_age_sec"`
	SessionMaxMin  int  `yaml:"session_max_age_min"`
	RequeueFront   bool `yaml:"requeue_front"`
}

func (m MatchingConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalMs) * time.Millisecond
}

func (m MatchingConfig) LockTTL() time.Duration {
	return time.Duration(m.LockTTLMs) * time.Millisecond
}

func (m MatchingConfig) QueueMaxAge() time.Duration {
	return time.Duration(m.QueueMaxAgeSec) * time.Second
}

func (m MatchingConfig) SessionMaxAge() time.Duration {
	return time.Duration(m.SessionMaxMin) * time.Minute
}

type PresenceConfig struct {
	HeartbeatSec  int `yaml:"heartbeat_sec"`
	TTLMultiplier int `yaml:"ttl_multiplier"`
}

func (p PresenceConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatSec) * time.Second
}

// TTL is the presence record expiry: heartbeat interval times a safety
// margin, so transient network jitter does not flap online/offline.
func (p PresenceConfig) TTL() time.Duration {
	return p.HeartbeatInterval() * time.Duration(p.TTLMultiplier)
}

type InstanceConfig struct {
	HeartbeatSec int `yaml:"heartbeat_sec"`
	TTLSec       int `yaml:"ttl_sec"`
}

func (i InstanceConfig) HeartbeatInterval() time.Duration {
	return time.Duration(i.HeartbeatSec) * time.Second
}

func (i InstanceConfig) TTL() time.Duration {
	return time.Duration(i.TTLSec) * time.Second
}

type BrokerConfig struct {
	Type  string      `yaml:"type"` // redis | kafka
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           8004,
			BasePath:       "/api/match",
			Env:            "dev",
			LogLevel:       "debug",
			AllowedOrigins: "*",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 50,
		},
		Matching: MatchingConfig{
			TickIntervalMs: 1500,
			LockTTLMs:      1500,
			QueueMaxAgeSec: 120,
			SessionMaxMin:  60,
			RequeueFront:   true,
		},
		Presence: PresenceConfig{
			HeartbeatSec:  10,
			TTLMultiplier: 5,
		},
		Instance: InstanceConfig{
			HeartbeatSec: 15,
			TTLSec:       45,
		},
		Broker: BrokerConfig{
			Type: "redis",
		},
	}

	// Load from yaml file if exists
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override with environment variables
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		cfg.Server.BasePath = basePath
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = origins
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if redisDB := os.Getenv("REDIS_DB"); redisDB != "" {
		if db, err := strconv.Atoi(redisDB); err == nil {
			cfg.Redis.DB = db
		}
	}
	if authURL := os.Getenv("AUTH_SERVICE_URL"); authURL != "" {
		cfg.Auth.ServiceURL = authURL
	}
	if secretKey := os.Getenv("SECRET_KEY"); secretKey != "" {
		cfg.Auth.SecretKey = secretKey
	}
	if userURL := os.Getenv("USER_SERVICE_URL"); userURL != "" {
		cfg.Services.UserServiceURL = userURL
	}
	if brokerType := os.Getenv("BROKER_TYPE"); brokerType != "" {
		cfg.Broker.Type = brokerType
	}
	if tick := os.Getenv("MATCH_TICK_INTERVAL_MS"); tick != "" {
		if t, err := strconv.Atoi(tick); err == nil {
			cfg.Matching.TickIntervalMs = t
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Matching.TickIntervalMs <= 0 {
		return fmt.Errorf("matching.tick_interval_ms must be positive, got %d", c.Matching.TickIntervalMs)
	}
	// A crashed lock holder must never stall pairing for more than one tick.
	if c.Matching.LockTTLMs <= 0 || c.Matching.LockTTLMs > c.Matching.TickIntervalMs {
		c.Matching.LockTTLMs = c.Matching.TickIntervalMs
	}
	if c.Presence.HeartbeatSec <= 0 {
		return fmt.Errorf("presence.heartbeat_sec must be positive, got %d", c.Presence.HeartbeatSec)
	}
	if c.Presence.TTLMultiplier < 2 {
		return fmt.Errorf("presence.ttl_multiplier must be at least 2, got %d", c.Presence.TTLMultiplier)
	}
	switch c.Broker.Type {
	case "redis":
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers required when broker.type is kafka")
		}
	default:
		return fmt.Errorf("invalid broker type: %s", c.Broker.Type)
	}
	return nil
}

package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "RSD"

type Config struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"database"`
	} `mapstructure:"database"`
	RabbitMQ struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
	} `mapstructure:"rabbitmq"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`
	Services struct {
		RealtimeServicePort int `mapstructure:"realtime_service"`
	} `mapstructure:"services"`
	JWT struct {
		SecretKey string        `mapstructure:"secret_key"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"jwt"`
	Dispatch struct {
		OfferTimeout   time.Duration `mapstructure:"offer_timeout"`
		PendingTTL     time.Duration `mapstructure:"pending_ttl"`
		SearchRadiusKM float64       `mapstructure:"search_radius_km"`
		MaxCandidates  int           `mapstructure:"max_candidates"`
		SkipOffline    bool          `mapstructure:"skip_offline"`
	} `mapstructure:"dispatch"`
	Call struct {
		NegotiationGrace time.Duration `mapstructure:"negotiation_grace"`
		RingTimeout      time.Duration `mapstructure:"ring_timeout"`
		ICEServers       []ICEServer   `mapstructure:"ice_servers"`
	} `mapstructure:"call"`
	Tracking struct {
		MinInterval time.Duration `mapstructure:"min_interval"`
		LatestTTL   time.Duration `mapstructure:"latest_ttl"`
	} `mapstructure:"tracking"`
	WebSocket struct {
		SendBuffer int `mapstructure:"send_buffer"`
	} `mapstructure:"websocket"`
	Booking struct {
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"booking"`
}

// ICEServer is one STUN/TURN entry handed to call parties.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// LoadFromFile reads a YAML file, overlays RSD_* environment variables
// (RSD_DISPATCH_OFFER_TIMEOUT overrides dispatch.offer_timeout), applies
// defaults and validates.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v)
}

// LoadFromEnv builds a config from defaults and RSD_* variables only.
func LoadFromEnv() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so env overrides resolve even when the
// file omits a section.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "")

	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "")
	v.SetDefault("rabbitmq.password", "")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "roadside")

	v.SetDefault("services.realtime_service", 3000)

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.access_ttl", "24h")

	v.SetDefault("dispatch.offer_timeout", "5s")
	v.SetDefault("dispatch.pending_ttl", "0s")
	v.SetDefault("dispatch.search_radius_km", 10.0)
	v.SetDefault("dispatch.max_candidates", 10)
	v.SetDefault("dispatch.skip_offline", true)

	v.SetDefault("call.negotiation_grace", "2s")
	v.SetDefault("call.ring_timeout", "30s")

	v.SetDefault("tracking.min_interval", "1s")
	v.SetDefault("tracking.latest_ttl", "10m")

	v.SetDefault("websocket.send_buffer", 64)

	v.SetDefault("booking.retention", "30m")
}

// applyDefaults fills values that cannot be expressed as static defaults or
// that were explicitly zeroed.
func applyDefaults(cfg *Config) {
	if cfg.JWT.SecretKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			key = []byte(fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		cfg.JWT.SecretKey = base64.StdEncoding.EncodeToString(key)
	}
	if cfg.JWT.AccessTTL <= 0 {
		cfg.JWT.AccessTTL = 24 * time.Hour
	}
	if cfg.WebSocket.SendBuffer <= 0 {
		cfg.WebSocket.SendBuffer = 64
	}
	if cfg.Call.RingTimeout <= 0 {
		cfg.Call.RingTimeout = 30 * time.Second
	}
	if cfg.Booking.Retention <= 0 {
		cfg.Booking.Retention = 30 * time.Minute
	}
}

// validate checks required fields and basic ranges.
func (c *Config) validate() error {
	var problems []string

	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		problems = append(problems, "database.port must be in 1..65535")
	}
	if c.Database.User == "" {
		problems = append(problems, "database.user is required")
	}
	if c.Database.Password == "" {
		problems = append(problems, "database.password is required")
	}
	if c.Database.Name == "" {
		problems = append(problems, "database.database is required")
	}

	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		problems = append(problems, "rabbitmq.port must be in 1..65535")
	}
	if c.RabbitMQ.User == "" {
		problems = append(problems, "rabbitmq.user is required")
	}
	if c.RabbitMQ.Password == "" {
		problems = append(problems, "rabbitmq.password is required")
	}

	if c.Redis.Addr == "" {
		problems = append(problems, "redis.addr is required")
	}
	if c.Mongo.URI == "" {
		problems = append(problems, "mongo.uri is required")
	}

	if c.Services.RealtimeServicePort <= 0 || c.Services.RealtimeServicePort > 65535 {
		problems = append(problems, "services.realtime_service must be in 1..65535")
	}

	if c.Dispatch.OfferTimeout <= 0 {
		problems = append(problems, "dispatch.offer_timeout must be positive")
	}
	if c.Dispatch.PendingTTL < 0 {
		problems = append(problems, "dispatch.pending_ttl must not be negative")
	}
	if c.Dispatch.SearchRadiusKM <= 0 {
		problems = append(problems, "dispatch.search_radius_km must be positive")
	}
	if c.Dispatch.MaxCandidates <= 0 {
		problems = append(problems, "dispatch.max_candidates must be positive")
	}

	if c.Call.NegotiationGrace < 0 {
		problems = append(problems, "call.negotiation_grace must not be negative")
	}
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			problems = append(problems, fmt.Sprintf("call.ice_servers[%d].urls is required", i))
		}
	}

	if c.Tracking.MinInterval < 0 {
		problems = append(problems, "tracking.min_interval must not be negative")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

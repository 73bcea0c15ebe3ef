package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
	"github.com/weiawesome/wes-io-live/realtime/internal/connection"
	"github.com/weiawesome/wes-io-live/realtime/internal/credential"
	"github.com/weiawesome/wes-io-live/realtime/internal/transport"
	pkgconfig "github.com/weiawesome/wes-io-live/realtime/pkg/config"
	pkglog "github.com/weiawesome/wes-io-live/realtime/pkg/log"
)

type Config struct {
	Server     ServerConfig
	Realtime   connection.Config
	WebSocket  transport.WebSocketConfig
	Credential CredentialConfig
	Redis      credential.RedisConfig
	Feed       FeedConfig
	Stream     StreamConfig
	Log        pkglog.Config
}

type ServerConfig struct {
	Host string
	Port int
}

// CredentialConfig selects where the session token comes from.
type CredentialConfig struct {
	Driver  string // static, file or redis
	Token   string
	File    string
	Subject string
}

type FeedConfig struct {
	Capacity     int
	ChatCapacity int `mapstructure:"chat_capacity"`
}

type StreamConfig struct {
	ID string
}

const (
	DriverStatic = "static"
	DriverFile   = "file"
	DriverRedis  = "redis"
)

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8095)
	v.SetDefault("realtime.endpoint", "ws://localhost:8088/ws")
	v.SetDefault("realtime.base_delay", "1s")
	v.SetDefault("realtime.max_attempts", connection.DefaultMaxAttempts)
	v.SetDefault("realtime.dial_timeout", "10s")
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("credential.driver", DriverStatic)
	v.SetDefault("credential.token", "")
	v.SetDefault("credential.file", "")
	v.SetDefault("credential.subject", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "realtime:credential")
	v.SetDefault("feed.capacity", 100)
	v.SetDefault("feed.chat_capacity", 50)
	v.SetDefault("stream.id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "live-tail")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("realtime.endpoint", "REALTIME_ENDPOINT")
	v.BindEnv("realtime.base_delay", "REALTIME_BASE_DELAY")
	v.BindEnv("realtime.max_attempts", "REALTIME_MAX_ATTEMPTS")
	v.BindEnv("realtime.dial_timeout", "REALTIME_DIAL_TIMEOUT")
	v.BindEnv("credential.driver", "CREDENTIAL_DRIVER")
	v.BindEnv("credential.token", "AUTH_TOKEN")
	v.BindEnv("credential.file", "CREDENTIAL_FILE")
	v.BindEnv("credential.subject", "CREDENTIAL_SUBJECT")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("stream.id", "STREAM_ID")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Realtime.BaseDelay = parseDuration(v, "realtime.base_delay", connection.DefaultBaseDelay)
	cfg.Realtime.DialTimeout = parseDuration(v, "realtime.dial_timeout", 10*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)

	switch cfg.Credential.Driver {
	case DriverStatic, DriverFile, DriverRedis:
	default:
		return nil, fmt.Errorf("unknown credential driver %q", cfg.Credential.Driver)
	}

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

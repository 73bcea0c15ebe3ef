package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(newViper())
	require.NoError(t, err)

	require.Equal(t, "ws://localhost:8088/ws", cfg.Realtime.Endpoint)
	require.Equal(t, time.Second, cfg.Realtime.BaseDelay)
	require.Equal(t, 5, cfg.Realtime.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Realtime.DialTimeout)
	require.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
	require.Equal(t, int64(65536), cfg.WebSocket.MaxMessageSize)
	require.Equal(t, 256, cfg.WebSocket.SendBuffer)
	require.Equal(t, DriverStatic, cfg.Credential.Driver)
	require.Equal(t, "realtime:credential", cfg.Redis.KeyPrefix)
	require.Equal(t, 100, cfg.Feed.Capacity)
	require.Equal(t, 50, cfg.Feed.ChatCapacity)
	require.Equal(t, 8095, cfg.Server.Port)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REALTIME_ENDPOINT", "wss://events.example.com/ws")
	t.Setenv("REALTIME_BASE_DELAY", "250ms")
	t.Setenv("REALTIME_MAX_ATTEMPTS", "8")
	t.Setenv("CREDENTIAL_DRIVER", "redis")
	t.Setenv("CREDENTIAL_SUBJECT", "user-1")
	t.Setenv("STREAM_ID", "s1")
	t.Setenv("PORT", "9000")

	cfg, err := load(newViper())
	require.NoError(t, err)

	require.Equal(t, "wss://events.example.com/ws", cfg.Realtime.Endpoint)
	require.Equal(t, 250*time.Millisecond, cfg.Realtime.BaseDelay)
	require.Equal(t, 8, cfg.Realtime.MaxAttempts)
	require.Equal(t, DriverRedis, cfg.Credential.Driver)
	require.Equal(t, "user-1", cfg.Credential.Subject)
	require.Equal(t, "s1", cfg.Stream.ID)
	require.Equal(t, 9000, cfg.Server.Port)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
realtime:
  endpoint: ws://yaml.example/ws
  base_delay: 2s
feed:
  chat_capacity: 20
credential:
  driver: file
  file: /tmp/token
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	v := newViper()
	v.SetConfigFile(filepath.Join(dir, "config.yaml"))
	require.NoError(t, v.ReadInConfig())

	cfg, err := load(v)
	require.NoError(t, err)
	require.Equal(t, "ws://yaml.example/ws", cfg.Realtime.Endpoint)
	require.Equal(t, 2*time.Second, cfg.Realtime.BaseDelay)
	require.Equal(t, 20, cfg.Feed.ChatCapacity)
	require.Equal(t, DriverFile, cfg.Credential.Driver)
	require.Equal(t, "/tmp/token", cfg.Credential.File)
}

func TestLoad_UnknownDriver(t *testing.T) {
	t.Setenv("CREDENTIAL_DRIVER", "vault")

	_, err := load(newViper())
	require.Error(t, err)
}

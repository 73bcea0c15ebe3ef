package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisConfig holds the connection settings of the credential store.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisStore keeps session tokens in Redis, keyed by subject (usually the user or device).
type RedisStore struct {
	client  *redis.Client
	prefix  string
	subject string
	sf      singleflight.Group
}

// NewRedisStore connects to Redis and returns a store that serves the token of subject.
func NewRedisStore(cfg RedisConfig, subject string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, subject), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix, subject string) *RedisStore {
	if prefix == "" {
		prefix = "realtime:credential"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		subject: subject,
	}
}

func (s *RedisStore) keyFor(subject string) string {
	return fmt.Sprintf("%s:%s", s.prefix, subject)
}

// Token returns the stored token. Concurrent lookups share one round trip.
func (s *RedisStore) Token(ctx context.Context) (string, error) {
	v, err, _ := s.sf.Do(s.subject, func() (interface{}, error) {
		token, err := s.client.Get(ctx, s.keyFor(s.subject)).Result()
		if errors.Is(err, redis.Nil) {
			return "", ErrNoCredential
		}
		if err != nil {
			return "", fmt.Errorf("failed to read credential: %w", err)
		}
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

package artifact

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "docrisk:model:"

// RedisStore keeps model artifacts in Redis so every engine instance
// restores the same fitted state.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Save(ctx context.Context, component string, blob []byte) error {
	if err := s.client.Set(ctx, keyPrefix+component, blob, 0).Err(); err != nil {
		return fmt.Errorf("saving artifact %s: %w", component, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, component string) ([]byte, error) {
	blob, err := s.client.Get(ctx, keyPrefix+component).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading artifact %s: %w", component, err)
	}
	return blob, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

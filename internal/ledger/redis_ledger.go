package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const DefaultKeyPrefix = "uploader:ledger:"

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL of an entry. Zero keeps entries forever.
	TTL time.Duration
}

type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(ctx context.Context, config RedisConfig) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	log.Info().Str("addr", config.Addr).Str("prefix", prefix).Msg("[LEDGER] Connected to redis")
	return &RedisLedger{client: client, prefix: prefix, ttl: config.TTL}, nil
}

func (l *RedisLedger) key(key Key) string {
	return l.prefix + key.Hash()
}

func (l *RedisLedger) Seen(ctx context.Context, key Key) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", key.Path, err)
	}
	return n > 0, nil
}

func (l *RedisLedger) Record(ctx context.Context, key Key, videoID string) error {
	data, err := json.Marshal(Entry{
		Path:       key.Path,
		Size:       key.Size,
		VideoID:    videoID,
		UploadedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	if err := l.client.Set(ctx, l.key(key), data, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record %s: %w", key.Path, err)
	}
	return nil
}

// Lookup returns the entry for key, or nil when the file was never recorded.
func (l *RedisLedger) Lookup(ctx context.Context, key Key) (*Entry, error) {
	data, err := l.client.Get(ctx, l.key(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key.Path, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	return &entry, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

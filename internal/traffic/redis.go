package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"promptfw/internal/firewall"
)

// RedisConfig holds Redis connection configuration for the shared
// traffic log.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RedisLog implements Store on a Redis list, newest entries at the head.
// It lets multiple firewall instances share one traffic view.
type RedisLog struct {
	client   *redis.Client
	key      string
	capacity int
}

// NewRedisLog connects to Redis and verifies the connection.
func NewRedisLog(cfg RedisConfig, capacity int) (*RedisLog, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "promptfw:traffic"
	}

	slog.Info("Redis traffic log initialized", "addr", cfg.Addr, "key", key)
	return &RedisLog{client: client, key: key, capacity: capacity}, nil
}

func (l *RedisLog) Append(entry firewall.TrafficEntry) {
	ctx := context.Background()
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Error("Failed to marshal traffic entry", "entry_id", entry.ID, "error", err)
		return
	}
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, l.key, data)
	pipe.LTrim(ctx, l.key, 0, int64(l.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Redis traffic append failed", "entry_id", entry.ID, "error", err)
	}
}

// rangeEntries reads list items [start, stop] and returns them oldest
// first.
func (l *RedisLog) rangeEntries(start, stop int64) []firewall.TrafficEntry {
	ctx := context.Background()
	items, err := l.client.LRange(ctx, l.key, start, stop).Result()
	if err != nil {
		slog.Error("Redis LRange error", "error", err)
		return nil
	}
	out := make([]firewall.TrafficEntry, 0, len(items))
	// List is newest-first; walk backwards for chronological order.
	for i := len(items) - 1; i >= 0; i-- {
		var e firewall.TrafficEntry
		if err := json.Unmarshal([]byte(items[i]), &e); err != nil {
			slog.Error("Failed to unmarshal traffic entry", "error", err)
			continue
		}
		out = append(out, e)
	}
	return out
}

func (l *RedisLog) Recent(limit int) []firewall.TrafficEntry {
	if limit <= 0 {
		limit = l.capacity
	}
	return l.rangeEntries(0, int64(limit-1))
}

func (l *RedisLog) Snapshot() []firewall.TrafficEntry {
	return l.rangeEntries(0, -1)
}

func (l *RedisLog) Find(id string) (firewall.TrafficEntry, bool) {
	for _, e := range l.Snapshot() {
		if e.ID == id {
			return e, true
		}
	}
	return firewall.TrafficEntry{}, false
}

func (l *RedisLog) Len() int {
	n, err := l.client.LLen(context.Background(), l.key).Result()
	if err != nil {
		slog.Error("Redis LLen error", "error", err)
		return 0
	}
	return int(n)
}

func (l *RedisLog) Close() error {
	return l.client.Close()
}

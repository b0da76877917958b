package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"drip/models"

	"github.com/go-redis/redis/v8"
)

const ledgerKeyPrefix = "drip:delivery:"

// RedisLedger keeps accepted idempotency keys in redis with a retention TTL.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, ledgerKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	return n > 0, nil
}

// Record stores the delivery unless the key is already present.
func (l *RedisLedger) Record(ctx context.Context, entry models.DeliveryLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.client.SetNX(ctx, ledgerKeyPrefix+entry.IdempotencyKey, payload, l.ttl).Err(); err != nil {
		return fmt.Errorf("ledger record %s: %w", entry.IdempotencyKey, err)
	}
	return nil
}

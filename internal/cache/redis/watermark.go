package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// WatermarkStore keeps named high-water marks, such as the insertion
// sequence of the last exported history record.
type WatermarkStore struct {
	rdb *redis.Client
}

// NewWatermarkStore creates a WatermarkStore.
func NewWatermarkStore(c *Client) *WatermarkStore {
	return &WatermarkStore{rdb: c.rdb}
}

func watermarkKey(name string) string {
	return "watermark:" + name
}

// Get returns the stored mark. ok is false when none was set.
func (w *WatermarkStore) Get(ctx context.Context, name string) (seq int64, ok bool, err error) {
	seq, err = w.rdb.Get(ctx, watermarkKey(name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis: get watermark %s: %w", name, err)
	}
	return seq, true, nil
}

// Set stores seq for name.
func (w *WatermarkStore) Set(ctx context.Context, name string, seq int64) error {
	if err := w.rdb.Set(ctx, watermarkKey(name), seq, 0).Err(); err != nil {
		return fmt.Errorf("redis: set watermark %s: %w", name, err)
	}
	return nil
}

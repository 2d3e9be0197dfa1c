package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

const taskRegistryKey = "scheduler:tasks"

// TaskRegistry stores scheduler snapshots in a single hash keyed by task id.
type TaskRegistry struct {
	rdb *redis.Client
	key string
}

// NewTaskRegistry creates a TaskRegistry backed by the given Client.
func NewTaskRegistry(c *Client) *TaskRegistry {
	return &TaskRegistry{rdb: c.rdb, key: taskRegistryKey}
}

// Save replaces the stored snapshot atomically.
func (r *TaskRegistry) Save(ctx context.Context, tasks []domain.TaskRecord) error {
	fields := make(map[string]any, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("redis: marshal task %s: %w", t.ID, err)
		}
		fields[t.ID] = b
	}

	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, r.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save task registry: %w", err)
	}
	return nil
}

// Load returns the stored snapshot ordered by task name.
func (r *TaskRegistry) Load(ctx context.Context) ([]domain.TaskRecord, error) {
	raw, err := r.rdb.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load task registry: %w", err)
	}

	out := make([]domain.TaskRecord, 0, len(raw))
	for id, v := range raw {
		var rec domain.TaskRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("redis: decode task %s: %w", id, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ domain.TaskRegistry = (*TaskRegistry)(nil)

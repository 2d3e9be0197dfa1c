package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// WalletDirectory maps owning wallets to notification destinations.
type WalletDirectory interface {
	DestinationsForWallet(ctx context.Context, wallet string) ([]string, error)
	Link(ctx context.Context, wallet, destination string) error
	Unlink(ctx context.Context, wallet, destination string) error
}

// TaskRecord is the persisted, callback-free view of a scheduled task.
type TaskRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Interval      string     `json:"interval"`
	Enabled       bool       `json:"enabled"`
	Running       bool       `json:"running"`
	RetryAttempts int        `json:"retryAttempts"`
	MaxRetries    int        `json:"maxRetries"`
	RetryDelay    string     `json:"retryDelay"`
	Timeout       string     `json:"timeout,omitempty"`
	LastRunTime   *time.Time `json:"lastRunTime,omitempty"`
	NextRunTime   *time.Time `json:"nextRunTime,omitempty"`
}

// TaskRegistry snapshots the scheduler's task table for observability.
// Callbacks are never persisted, so the snapshot cannot restore tasks.
type TaskRegistry interface {
	Save(ctx context.Context, tasks []TaskRecord) error
	Load(ctx context.Context) ([]TaskRecord, error)
}

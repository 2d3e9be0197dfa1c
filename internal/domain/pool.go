package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Bin is one discretized price interval of a pool.
type Bin struct {
	ID            int
	PricePerToken decimal.Decimal
}

// Pool is a handle to a single liquidity pool. Every call may fail on
// network errors; callers treat failures as transient.
type Pool interface {
	Address() string
	ActiveBin(ctx context.Context) (Bin, error)
	// BinsInRange returns bins in [lower, upper] ordered ascending by id.
	BinsInRange(ctx context.Context, lower, upper int) ([]Bin, error)
	UserPositions(ctx context.Context, wallet string) ([]OnChainPosition, error)
}

// PoolClient resolves pool handles by address.
type PoolClient interface {
	Open(ctx context.Context, address string) (Pool, error)
}

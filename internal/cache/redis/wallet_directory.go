package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// WalletDirectory maps wallets to notification destinations with one Redis
// set per wallet.
type WalletDirectory struct {
	rdb *redis.Client
}

// NewWalletDirectory creates a WalletDirectory backed by the given Client.
func NewWalletDirectory(c *Client) *WalletDirectory {
	return &WalletDirectory{rdb: c.rdb}
}

func walletKey(wallet string) string {
	return "wallet:destinations:" + wallet
}

// DestinationsForWallet returns the wallet's destinations in sorted order,
// or an empty slice when none are linked.
func (d *WalletDirectory) DestinationsForWallet(ctx context.Context, wallet string) ([]string, error) {
	members, err := d.rdb.SMembers(ctx, walletKey(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: destinations for %s: %w", wallet, err)
	}
	sort.Strings(members)
	return members, nil
}

// Link associates destination with wallet.
func (d *WalletDirectory) Link(ctx context.Context, wallet, destination string) error {
	if err := d.rdb.SAdd(ctx, walletKey(wallet), destination).Err(); err != nil {
		return fmt.Errorf("redis: link %s: %w", wallet, err)
	}
	return nil
}

// Unlink removes destination from wallet.
func (d *WalletDirectory) Unlink(ctx context.Context, wallet, destination string) error {
	if err := d.rdb.SRem(ctx, walletKey(wallet), destination).Err(); err != nil {
		return fmt.Errorf("redis: unlink %s: %w", wallet, err)
	}
	return nil
}

var _ domain.WalletDirectory = (*WalletDirectory)(nil)

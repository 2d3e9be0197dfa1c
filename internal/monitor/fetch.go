package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// fetchStatus builds a fresh snapshot. Failing to reach the pool or read the
// active bin is fatal. Enrichment failures degrade to a minimal snapshot
// carrying the error text.
func (e *Engine) fetchStatus(ctx context.Context, p domain.Position) (domain.StatusSnapshot, error) {
	pool, err := e.pools.Open(ctx, p.PoolAddress)
	if err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("open pool %s: %w", p.PoolAddress, err)
	}
	active, err := pool.ActiveBin(ctx)
	if err != nil {
		return domain.StatusSnapshot{}, fmt.Errorf("active bin %s: %w", p.PoolAddress, err)
	}

	price, _ := active.PricePerToken.Float64()
	snap := domain.StatusSnapshot{
		ActiveBin:    active.ID,
		CurrentPrice: price,
		BinInRange:   p.InRange(active.ID),
		Timestamp:    e.now().UTC(),
	}

	enriched, err := e.enrich(ctx, pool, p, snap)
	if err != nil {
		e.logger.WarnContext(ctx, "status enrichment failed, saving minimal snapshot",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
		snap.Error = err.Error()
		return snap, nil
	}
	return enriched, nil
}

func (e *Engine) enrich(ctx context.Context, pool domain.Pool, p domain.Position, snap domain.StatusSnapshot) (domain.StatusSnapshot, error) {
	onChain, err := e.matchOnChain(ctx, pool, p)
	if err != nil {
		return snap, err
	}
	if onChain != nil {
		snap.OnChain = onChain
		snap.LastUpdatedAt = onChain.LastUpdatedAt
	}

	lower, upper, err := RangePrices(ctx, pool, p.LowerBinID, p.UpperBinID, e.cfg.RangeStep)
	if err != nil {
		return snap, err
	}
	snap.CurrentLowerPrice = &lower
	snap.CurrentUpperPrice = &upper
	snap.PriceRangeChanged = math.Abs(lower-p.LowerPriceLimit) > e.cfg.DriftThreshold ||
		math.Abs(upper-p.UpperPriceLimit) > e.cfg.DriftThreshold
	return snap, nil
}

// matchOnChain returns the wallet's on-chain record with exactly the
// position's bin range, or nil when there is none.
func (e *Engine) matchOnChain(ctx context.Context, pool domain.Pool, p domain.Position) (*domain.OnChainPosition, error) {
	records, err := pool.UserPositions(ctx, p.UserWallet)
	if err != nil {
		return nil, fmt.Errorf("user positions: %w", err)
	}
	for _, r := range records {
		if r.LowerBinID == p.LowerBinID && r.UpperBinID == p.UpperBinID {
			match := r
			return &match, nil
		}
	}
	e.logger.WarnContext(ctx, "no on-chain position matches bin range",
		slog.String("position_id", p.ID),
		slog.Int("lower_bin", p.LowerBinID),
		slog.Int("upper_bin", p.UpperBinID),
		slog.Int("candidates", len(records)),
	)
	return nil, nil
}

// RangePrices returns the prices at the two edges of [lower, upper]. Bins
// are fetched in windows of at most step bins from each end, so wide ranges
// never need one oversized request.
func RangePrices(ctx context.Context, pool domain.Pool, lower, upper, step int) (float64, float64, error) {
	if step <= 0 {
		step = DefaultRangeStep
	}

	lowBins, err := pool.BinsInRange(ctx, lower, min(lower+step-1, upper))
	if err != nil {
		return 0, 0, fmt.Errorf("lower bins: %w", err)
	}
	if len(lowBins) == 0 {
		return 0, 0, fmt.Errorf("lower bins: no bins returned from %d", lower)
	}

	highBins, err := pool.BinsInRange(ctx, max(upper-step+1, lower), upper)
	if err != nil {
		return 0, 0, fmt.Errorf("upper bins: %w", err)
	}
	if len(highBins) == 0 {
		return 0, 0, fmt.Errorf("upper bins: no bins returned up to %d", upper)
	}

	lowPrice, _ := lowBins[0].PricePerToken.Float64()
	highPrice, _ := highBins[len(highBins)-1].PricePerToken.Float64()
	return lowPrice, highPrice, nil
}

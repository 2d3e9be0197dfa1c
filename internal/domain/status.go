package domain

import "time"

// OnChainPosition is the user's liquidity record as reported by the pool,
// matched to a tracked Position by exact bin range.
type OnChainPosition struct {
	LowerBinID       int        `json:"lowerBinId"`
	UpperBinID       int        `json:"upperBinId"`
	TotalXAmount     Amount     `json:"totalXAmount"`
	TotalYAmount     Amount     `json:"totalYAmount"`
	FeeX             Amount     `json:"feeX"`
	FeeY             Amount     `json:"feeY"`
	TotalClaimedFeeX Amount     `json:"totalClaimedFeeX"`
	TotalClaimedFeeY Amount     `json:"totalClaimedFeeY"`
	RewardOne        Amount     `json:"rewardOne"`
	RewardTwo        Amount     `json:"rewardTwo"`
	LastUpdatedAt    *time.Time `json:"lastUpdatedAt,omitempty"`
}

// OnChainDelta lists which categories differ between two on-chain records.
type OnChainDelta struct {
	Liquidity   bool
	Fees        bool
	ClaimedFees bool
	Rewards     bool
}

// Any reports whether any category changed.
func (d OnChainDelta) Any() bool {
	return d.Liquidity || d.Fees || d.ClaimedFees || d.Rewards
}

// Diff compares o against prev.
func (o OnChainPosition) Diff(prev OnChainPosition) OnChainDelta {
	return OnChainDelta{
		Liquidity:   !o.TotalXAmount.Equal(prev.TotalXAmount) || !o.TotalYAmount.Equal(prev.TotalYAmount),
		Fees:        !o.FeeX.Equal(prev.FeeX) || !o.FeeY.Equal(prev.FeeY),
		ClaimedFees: !o.TotalClaimedFeeX.Equal(prev.TotalClaimedFeeX) || !o.TotalClaimedFeeY.Equal(prev.TotalClaimedFeeY),
		Rewards:     !o.RewardOne.Equal(prev.RewardOne) || !o.RewardTwo.Equal(prev.RewardTwo),
	}
}

// StatusSnapshot is the result of one reconciliation. Enrichment fields are
// nil when the corresponding fetch was skipped or failed; Error carries the
// enrichment failure, if any.
type StatusSnapshot struct {
	ActiveBin         int              `json:"activeBin"`
	CurrentPrice      float64          `json:"currentPrice"`
	BinInRange        bool             `json:"binInRange"`
	Timestamp         time.Time        `json:"timestamp"`
	CurrentLowerPrice *float64         `json:"currentLowerPrice,omitempty"`
	CurrentUpperPrice *float64         `json:"currentUpperPrice,omitempty"`
	PriceRangeChanged bool             `json:"priceRangeChanged,omitempty"`
	OnChain           *OnChainPosition `json:"onChain,omitempty"`
	LastUpdatedAt     *time.Time       `json:"lastUpdatedAt,omitempty"`
	Error             string           `json:"error,omitempty"`
}

package domain

import "time"

// History event types.
const (
	HistoryEventCreated     = "created"
	HistoryEventUpdated     = "updated"
	HistoryEventStatusCheck = "status_check"
	HistoryEventDeleted     = "deleted"
)

// PositionHistory is an immutable audit record for a position.
type PositionHistory struct {
	// Seq is the store's insertion sequence. It is zero until the record
	// is read back.
	Seq          int64            `json:"seq,omitempty"`
	ID           string           `json:"id"`
	PositionID   string           `json:"positionId"`
	Timestamp    time.Time        `json:"timestamp"`
	EventType    string           `json:"eventType"`
	LiquidityA   *Amount          `json:"liquidityA,omitempty"`
	LiquidityB   *Amount          `json:"liquidityB,omitempty"`
	ValueUSD     *float64         `json:"valueUSD,omitempty"`
	PriceAtEvent *float64         `json:"priceAtEvent,omitempty"`
	Metadata     *HistoryMetadata `json:"metadata,omitempty"`
}

// HistoryMetadata holds the optional context attached to a history record.
type HistoryMetadata struct {
	ActiveBin         *int             `json:"activeBin,omitempty"`
	BinInRange        *bool            `json:"binInRange,omitempty"`
	CurrentLowerPrice *float64         `json:"currentLowerPrice,omitempty"`
	CurrentUpperPrice *float64         `json:"currentUpperPrice,omitempty"`
	PriceRangeChanged *bool            `json:"priceRangeChanged,omitempty"`
	OnChain           *OnChainPosition `json:"onChain,omitempty"`
	Status            PositionStatus   `json:"status,omitempty"`
	PreviousStatus    PositionStatus   `json:"previousStatus,omitempty"`
	Error             string           `json:"error,omitempty"`
}

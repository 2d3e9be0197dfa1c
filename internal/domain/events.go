package domain

import "time"

// Event bus channels.
const (
	ChannelPositions       = "positions"
	ChannelSchedulerEvents = "scheduler_events"
)

// Position event types published on ChannelPositions.
const (
	PositionEventCreated = "position_created"
	PositionEventChecked = "position_checked"
	PositionEventClosed  = "position_closed"
	PositionEventDeleted = "position_deleted"
)

// PositionEvent is the JSON payload published on ChannelPositions.
type PositionEvent struct {
	Type       string          `json:"type"`
	PositionID string          `json:"positionId"`
	Wallet     string          `json:"wallet,omitempty"`
	Status     *StatusSnapshot `json:"status,omitempty"`
	Time       time.Time       `json:"time"`
}

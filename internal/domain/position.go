package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	PositionStatusActive  PositionStatus = "ACTIVE"
	PositionStatusClosed  PositionStatus = "CLOSED"
	PositionStatusPending PositionStatus = "PENDING"
	PositionStatusError   PositionStatus = "ERROR"
)

// Valid reports whether s is a known status.
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionStatusActive, PositionStatusClosed, PositionStatusPending, PositionStatusError:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed. Status
// only moves forward, except that ERROR may recover to ACTIVE.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusActive || next == PositionStatusClosed || next == PositionStatusError
	case PositionStatusActive:
		return next == PositionStatusClosed || next == PositionStatusError
	case PositionStatusError:
		return next == PositionStatusActive || next == PositionStatusClosed
	default:
		return false
	}
}

// TokenInfo identifies one side of a pool.
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Mint     string `json:"mint"`
	Decimals int    `json:"decimals"`
}

// TokenPair is the X/Y token pair of a liquidity pool.
type TokenPair struct {
	X TokenInfo `json:"x"`
	Y TokenInfo `json:"y"`
}

// TradeIntent records what the owner meant to sell and buy when the position
// was opened. All fields are optional.
type TradeIntent struct {
	SellTokenMint    string           `json:"sellTokenMint,omitempty"`
	SellTokenSymbol  string           `json:"sellTokenSymbol,omitempty"`
	SellTokenAmount  *decimal.Decimal `json:"sellTokenAmount,omitempty"`
	BuyTokenMint     string           `json:"buyTokenMint,omitempty"`
	BuyTokenSymbol   string           `json:"buyTokenSymbol,omitempty"`
	BuyTokenExpected *decimal.Decimal `json:"expectedAmount,omitempty"`
	EntryPrice       *float64         `json:"entryPrice,omitempty"`
}

// Position is a tracked price range in a discretized liquidity pool.
type Position struct {
	ID              string          `json:"id"`
	PoolAddress     string          `json:"poolAddress"`
	TokenPair       TokenPair       `json:"tokenPair"`
	LowerBinID      int             `json:"lowerBinId"`
	UpperBinID      int             `json:"upperBinId"`
	LowerPriceLimit float64         `json:"lowerPriceLimit"`
	UpperPriceLimit float64         `json:"upperPriceLimit"`
	UserWallet      string          `json:"userWallet"`
	ChatID          string          `json:"chatId,omitempty"`
	TradeIntent     *TradeIntent    `json:"tradeIntent,omitempty"`
	Status          PositionStatus  `json:"status"`
	LastStatus      *StatusSnapshot `json:"lastStatus,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	ClosedAt        *time.Time      `json:"closedAt,omitempty"`
}

// InRange reports whether binID lies inside the position's bin range,
// inclusive at both ends.
func (p Position) InRange(binID int) bool {
	return p.LowerBinID <= binID && binID <= p.UpperBinID
}

// CreatePositionParams carries the attributes supplied by the creation
// workflow. Amount fields arrive as strings and are validated here.
type CreatePositionParams struct {
	PoolAddress     string
	TokenPair       TokenPair
	LowerBinID      *int
	UpperBinID      *int
	LowerPriceLimit float64
	UpperPriceLimit float64
	UserWallet      string
	ChatID          string
	Status          PositionStatus

	SellTokenMint   string
	SellTokenSymbol string
	SellTokenAmount string
	BuyTokenMint    string
	BuyTokenSymbol  string
	ExpectedAmount  string
	EntryPrice      *float64
}

// Validate checks required fields and range ordering and parses the optional
// trade amounts. The returned TradeIntent is nil when no intent was supplied.
func (p CreatePositionParams) Validate() (*TradeIntent, error) {
	var missing []string
	if strings.TrimSpace(p.PoolAddress) == "" {
		missing = append(missing, "poolAddress")
	}
	if p.TokenPair.X.Mint == "" || p.TokenPair.Y.Mint == "" {
		missing = append(missing, "tokenPair")
	}
	if p.LowerBinID == nil || p.UpperBinID == nil {
		missing = append(missing, "binRange")
	}
	if strings.TrimSpace(p.UserWallet) == "" {
		missing = append(missing, "userWallet")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing required fields: %s", ErrValidation, strings.Join(missing, ", "))
	}
	if *p.LowerBinID > *p.UpperBinID {
		return nil, fmt.Errorf("%w: lowerBinId %d exceeds upperBinId %d", ErrValidation, *p.LowerBinID, *p.UpperBinID)
	}
	if p.LowerPriceLimit > p.UpperPriceLimit {
		return nil, fmt.Errorf("%w: lowerPriceLimit %v exceeds upperPriceLimit %v", ErrValidation, p.LowerPriceLimit, p.UpperPriceLimit)
	}
	if p.Status != "" && !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, p.Status)
	}

	intent := TradeIntent{
		SellTokenMint:   p.SellTokenMint,
		SellTokenSymbol: p.SellTokenSymbol,
		BuyTokenMint:    p.BuyTokenMint,
		BuyTokenSymbol:  p.BuyTokenSymbol,
		EntryPrice:      p.EntryPrice,
	}
	var err error
	if intent.SellTokenAmount, err = parseOptionalDecimal("sellTokenAmount", p.SellTokenAmount); err != nil {
		return nil, err
	}
	if intent.BuyTokenExpected, err = parseOptionalDecimal("expectedAmount", p.ExpectedAmount); err != nil {
		return nil, err
	}
	if intent == (TradeIntent{}) {
		return nil, nil
	}
	return &intent, nil
}

func parseOptionalDecimal(field, s string) (*decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q is not numeric", ErrValidation, field, s)
	}
	return &d, nil
}

// NewPosition builds a Position from validated params, stamping the id and
// creation timestamps. Status defaults to ACTIVE.
func NewPosition(id string, p CreatePositionParams, now time.Time) (Position, error) {
	intent, err := p.Validate()
	if err != nil {
		return Position{}, err
	}
	status := p.Status
	if status == "" {
		status = PositionStatusActive
	}
	now = now.UTC()
	return Position{
		ID:              id,
		PoolAddress:     p.PoolAddress,
		TokenPair:       p.TokenPair,
		LowerBinID:      *p.LowerBinID,
		UpperBinID:      *p.UpperBinID,
		LowerPriceLimit: p.LowerPriceLimit,
		UpperPriceLimit: p.UpperPriceLimit,
		UserWallet:      p.UserWallet,
		ChatID:          p.ChatID,
		TradeIntent:     intent,
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// PositionUpdate is a partial update; nil fields are left untouched.
// LastStatus replaces the stored snapshot wholesale.
type PositionUpdate struct {
	Status     *PositionStatus
	LastStatus *StatusSnapshot
	ChatID     *string
	ClosedAt   *time.Time

	// IfStatus makes the update conditional on the stored status. On a
	// mismatch nothing is written and the store returns ErrInvalidTransition.
	IfStatus *PositionStatus
}

// Apply merges u into p and bumps UpdatedAt.
func (u PositionUpdate) Apply(p *Position, now time.Time) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.LastStatus != nil {
		snap := *u.LastStatus
		p.LastStatus = &snap
	}
	if u.ChatID != nil {
		p.ChatID = *u.ChatID
	}
	if u.ClosedAt != nil {
		t := u.ClosedAt.UTC()
		p.ClosedAt = &t
	}
	p.UpdatedAt = now.UTC()
}

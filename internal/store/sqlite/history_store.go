package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// HistoryStore implements domain.HistoryStore on SQLite. Triggers reject
// UPDATE and DELETE on the table.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a HistoryStore on the client's database.
func NewHistoryStore(c *Client) *HistoryStore {
	return &HistoryStore{db: c.DB()}
}

const historyCols = `id, position_id, timestamp, event_type, liquidity_a, liquidity_b,
	value_usd, price_at_event, metadata`

// Append inserts h, assigning an id and timestamp when they are empty.
func (s *HistoryStore) Append(ctx context.Context, h domain.PositionHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}

	var meta sql.NullString
	if h.Metadata != nil {
		b, err := json.Marshal(h.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: append history %s: encode metadata: %w", h.PositionID, err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO position_history (`+historyCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.PositionID, formatTime(h.Timestamp), h.EventType,
		nullAmount(h.LiquidityA), nullAmount(h.LiquidityB),
		nullFloat(h.ValueUSD), nullFloat(h.PriceAtEvent), meta,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append history %s: %w", h.PositionID, err)
	}
	return nil
}

// ListByPosition returns a position's history ascending by timestamp, with
// insertion order breaking ties.
func (s *HistoryStore) ListByPosition(ctx context.Context, positionID string) ([]domain.PositionHistory, error) {
	out, err := s.query(ctx,
		`SELECT seq, `+historyCols+` FROM position_history WHERE position_id = ? ORDER BY timestamp ASC, seq ASC`,
		positionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list history %s: %w", positionID, err)
	}
	return out, nil
}

// ListAfter returns history appended after afterSeq across all positions.
// SQLite serialises writers, so seq order is commit order.
func (s *HistoryStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]domain.PositionHistory, error) {
	if limit <= 0 {
		limit = -1
	}
	out, err := s.query(ctx,
		`SELECT seq, `+historyCols+` FROM position_history WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list history after %d: %w", afterSeq, err)
	}
	return out, nil
}

func (s *HistoryStore) query(ctx context.Context, query string, args ...any) ([]domain.PositionHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PositionHistory
	for rows.Next() {
		var (
			h                      domain.PositionHistory
			ts                     string
			liqA, liqB, meta       sql.NullString
			valueUSD, priceAtEvent sql.NullFloat64
		)
		if err := rows.Scan(&h.Seq, &h.ID, &h.PositionID, &ts, &h.EventType, &liqA, &liqB,
			&valueUSD, &priceAtEvent, &meta); err != nil {
			return nil, err
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("decode timestamp: %w", err)
		}
		if h.LiquidityA, err = scanAmount(liqA); err != nil {
			return nil, err
		}
		if h.LiquidityB, err = scanAmount(liqB); err != nil {
			return nil, err
		}
		if valueUSD.Valid {
			v := valueUSD.Float64
			h.ValueUSD = &v
		}
		if priceAtEvent.Valid {
			v := priceAtEvent.Float64
			h.PriceAtEvent = &v
		}
		if meta.Valid {
			h.Metadata = &domain.HistoryMetadata{}
			if err := json.Unmarshal([]byte(meta.String), h.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullAmount(a *domain.Amount) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.String(), Valid: true}
}

func scanAmount(ns sql.NullString) (*domain.Amount, error) {
	if !ns.Valid {
		return nil, nil
	}
	a, err := domain.ParseAmount(ns.String)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	return &a, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

var _ domain.HistoryStore = (*HistoryStore)(nil)

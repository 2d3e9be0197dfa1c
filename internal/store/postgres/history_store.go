package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. A trigger
// rejects UPDATE and DELETE on the table.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a new HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// historyAppendLock serialises appends so that seq order matches commit
// order, which the exporter's ListAfter cursor relies on.
const historyAppendLock = 0x72770001

const historySelectCols = `seq, id, position_id, ts, event_type, liquidity_a, liquidity_b,
	value_usd, price_at_event, metadata`

// Append inserts a history record. The metadata struct is stored as JSONB.
func (s *HistoryStore) Append(ctx context.Context, h domain.PositionHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now()
	}

	var metaJSON []byte
	if h.Metadata != nil {
		var err error
		if metaJSON, err = json.Marshal(h.Metadata); err != nil {
			return fmt.Errorf("postgres: marshal history metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO position_history (
			id, position_id, ts, event_type, liquidity_a, liquidity_b,
			value_usd, price_at_event, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(historyAppendLock)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, query,
			h.ID, h.PositionID, h.Timestamp.UTC(), h.EventType,
			amountText(h.LiquidityA), amountText(h.LiquidityB),
			h.ValueUSD, h.PriceAtEvent, metaJSON,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: append history %s: %w", h.PositionID, err)
	}
	return nil
}

// ListByPosition returns a position's history ascending by timestamp.
func (s *HistoryStore) ListByPosition(ctx context.Context, positionID string) ([]domain.PositionHistory, error) {
	return s.query(ctx, historyFilter{positionID: positionID})
}

// ListAfter returns history appended after afterSeq across all positions,
// in insertion order.
func (s *HistoryStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]domain.PositionHistory, error) {
	return s.query(ctx, historyFilter{afterSeq: &afterSeq, limit: limit})
}

type historyFilter struct {
	positionID string
	afterSeq   *int64
	limit      int
}

func (s *HistoryStore) query(ctx context.Context, f historyFilter) ([]domain.PositionHistory, error) {
	query := `SELECT ` + historySelectCols + ` FROM position_history WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.positionID != "" {
		query += fmt.Sprintf(" AND position_id = $%d", argIdx)
		args = append(args, f.positionID)
		argIdx++
	}
	if f.afterSeq != nil {
		query += fmt.Sprintf(" AND seq > $%d ORDER BY seq ASC", argIdx)
		args = append(args, *f.afterSeq)
		argIdx++
		if f.limit > 0 {
			query += fmt.Sprintf(" LIMIT $%d", argIdx)
			args = append(args, f.limit)
		}
	} else {
		query += " ORDER BY ts ASC, seq ASC"
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.PositionHistory
	for rows.Next() {
		h, err := scanHistoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func scanHistoryRow(row pgx.Row) (domain.PositionHistory, error) {
	var (
		h          domain.PositionHistory
		liqA, liqB *string
		metaJSON   []byte
	)
	if err := row.Scan(&h.Seq, &h.ID, &h.PositionID, &h.Timestamp, &h.EventType, &liqA, &liqB,
		&h.ValueUSD, &h.PriceAtEvent, &metaJSON); err != nil {
		return domain.PositionHistory{}, err
	}

	var err error
	if h.LiquidityA, err = parseAmountText(liqA); err != nil {
		return domain.PositionHistory{}, err
	}
	if h.LiquidityB, err = parseAmountText(liqB); err != nil {
		return domain.PositionHistory{}, err
	}
	if metaJSON != nil {
		h.Metadata = &domain.HistoryMetadata{}
		if err := json.Unmarshal(metaJSON, h.Metadata); err != nil {
			return domain.PositionHistory{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return h, nil
}

func amountText(a *domain.Amount) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func parseAmountText(s *string) (*domain.Amount, error) {
	if s == nil {
		return nil, nil
	}
	a, err := domain.ParseAmount(*s)
	if err != nil {
		return nil, fmt.Errorf("decode amount: %w", err)
	}
	return &a, nil
}

var _ domain.HistoryStore = (*HistoryStore)(nil)

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{
		pool: pool,
		now:  func() time.Time { return time.Now().Truncate(time.Microsecond) },
	}
}

const positionSelectCols = `id, pool_address, token_pair, lower_bin_id, upper_bin_id,
	lower_price_limit, upper_price_limit, user_wallet, chat_id, trade_intent,
	status, last_status, created_at, updated_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var (
		p                             domain.Position
		status                        string
		tokenPair, intent, lastStatus []byte
	)
	err := row.Scan(
		&p.ID, &p.PoolAddress, &tokenPair, &p.LowerBinID, &p.UpperBinID,
		&p.LowerPriceLimit, &p.UpperPriceLimit, &p.UserWallet, &p.ChatID, &intent,
		&status, &lastStatus, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)

	if err := json.Unmarshal(tokenPair, &p.TokenPair); err != nil {
		return domain.Position{}, fmt.Errorf("decode token_pair: %w", err)
	}
	if intent != nil {
		p.TradeIntent = &domain.TradeIntent{}
		if err := json.Unmarshal(intent, p.TradeIntent); err != nil {
			return domain.Position{}, fmt.Errorf("decode trade_intent: %w", err)
		}
	}
	if lastStatus != nil {
		p.LastStatus = &domain.StatusSnapshot{}
		if err := json.Unmarshal(lastStatus, p.LastStatus); err != nil {
			return domain.Position{}, fmt.Errorf("decode last_status: %w", err)
		}
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create validates params and inserts a new position.
func (s *PositionStore) Create(ctx context.Context, params domain.CreatePositionParams) (domain.Position, error) {
	p, err := domain.NewPosition(uuid.NewString(), params, s.now())
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: create position: %w", err)
	}

	tokenPair, err := json.Marshal(p.TokenPair)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: marshal token pair: %w", err)
	}
	var intent []byte
	if p.TradeIntent != nil {
		if intent, err = json.Marshal(p.TradeIntent); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: marshal trade intent: %w", err)
		}
	}

	const query = `
		INSERT INTO positions (
			id, pool_address, token_pair, lower_bin_id, upper_bin_id,
			lower_price_limit, upper_price_limit, user_wallet, chat_id, trade_intent,
			status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.PoolAddress, tokenPair, p.LowerBinID, p.UpperBinID,
		p.LowerPriceLimit, p.UpperPriceLimit, p.UserWallet, p.ChatID, intent,
		string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return p, nil
}

// GetByID returns a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// List returns all positions ordered by creation time.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx, "", nil)
}

// ListByWallet returns positions owned by wallet.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error) {
	return s.list(ctx, "user_wallet", wallet)
}

// ListByChatID returns positions that notify chatID.
func (s *PositionStore) ListByChatID(ctx context.Context, chatID string) ([]domain.Position, error) {
	return s.list(ctx, "chat_id", chatID)
}

func (s *PositionStore) list(ctx context.Context, column string, value any) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions`
	var args []any
	if column != "" {
		query += fmt.Sprintf(" WHERE %s = $1", column)
		args = append(args, value)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// Update applies the non-nil fields of upd and bumps updated_at. A new
// last_status replaces the stored snapshot entirely.
func (s *PositionStore) Update(ctx context.Context, id string, upd domain.PositionUpdate) error {
	var (
		status     *string
		lastStatus *string
		closedAt   *time.Time
		ifStatus   *string
	)
	if upd.IfStatus != nil {
		v := string(*upd.IfStatus)
		ifStatus = &v
	}
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	if upd.LastStatus != nil {
		b, err := json.Marshal(upd.LastStatus)
		if err != nil {
			return fmt.Errorf("postgres: marshal last status: %w", err)
		}
		v := string(b)
		lastStatus = &v
	}
	if upd.ClosedAt != nil {
		v := upd.ClosedAt.UTC()
		closedAt = &v
	}

	const query = `
		UPDATE positions SET
			status      = COALESCE($2, status),
			last_status = COALESCE($3::jsonb, last_status),
			chat_id     = COALESCE($4, chat_id),
			closed_at   = COALESCE($5, closed_at),
			updated_at  = $6
		WHERE id = $1 AND ($7::text IS NULL OR status = $7)`

	tag, err := s.pool.Exec(ctx, query, id, status, lastStatus, upd.ChatID, closedAt, s.now(), ifStatus)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if ifStatus != nil {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&current)
		if err == nil {
			return fmt.Errorf("postgres: update position %s: status is %s, not %s: %w",
				id, current, *ifStatus, domain.ErrInvalidTransition)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres: update position %s: %w", id, err)
		}
	}
	return fmt.Errorf("postgres: update position %s: %w", id, domain.ErrNotFound)
}

// Delete removes a position. Its history is retained.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

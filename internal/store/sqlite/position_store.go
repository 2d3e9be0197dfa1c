package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

// PositionStore implements domain.PositionStore on SQLite.
type PositionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPositionStore creates a PositionStore on the client's database.
func NewPositionStore(c *Client) *PositionStore {
	return &PositionStore{db: c.DB(), now: time.Now}
}

const positionCols = `id, pool_address, token_pair, lower_bin_id, upper_bin_id,
	lower_price_limit, upper_price_limit, user_wallet, chat_id, trade_intent,
	status, last_status, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                            domain.Position
		tokenPair, status            string
		createdAt, updatedAt         string
		intent, lastStatus, closedAt sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.PoolAddress, &tokenPair, &p.LowerBinID, &p.UpperBinID,
		&p.LowerPriceLimit, &p.UpperPriceLimit, &p.UserWallet, &p.ChatID, &intent,
		&status, &lastStatus, &createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Status = domain.PositionStatus(status)

	if err := json.Unmarshal([]byte(tokenPair), &p.TokenPair); err != nil {
		return domain.Position{}, fmt.Errorf("decode token_pair: %w", err)
	}
	if intent.Valid {
		p.TradeIntent = &domain.TradeIntent{}
		if err := json.Unmarshal([]byte(intent.String), p.TradeIntent); err != nil {
			return domain.Position{}, fmt.Errorf("decode trade_intent: %w", err)
		}
	}
	if lastStatus.Valid {
		p.LastStatus = &domain.StatusSnapshot{}
		if err := json.Unmarshal([]byte(lastStatus.String), p.LastStatus); err != nil {
			return domain.Position{}, fmt.Errorf("decode last_status: %w", err)
		}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Position{}, fmt.Errorf("decode created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Position{}, fmt.Errorf("decode updated_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return domain.Position{}, fmt.Errorf("decode closed_at: %w", err)
		}
		p.ClosedAt = &t
	}
	return p, nil
}

func (s *PositionStore) queryPositions(ctx context.Context, where string, args ...any) ([]domain.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Create validates params and inserts a new ACTIVE (by default) position.
func (s *PositionStore) Create(ctx context.Context, params domain.CreatePositionParams) (domain.Position, error) {
	p, err := domain.NewPosition(uuid.NewString(), params, s.now())
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: create position: %w", err)
	}

	tokenPair, err := encodeJSON(p.TokenPair)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: create position: encode token_pair: %w", err)
	}
	var intent sql.NullString
	if p.TradeIntent != nil {
		if intent, err = encodeJSON(p.TradeIntent); err != nil {
			return domain.Position{}, fmt.Errorf("sqlite: create position: encode trade_intent: %w", err)
		}
	}

	const query = `INSERT INTO positions (` + positionCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.PoolAddress, tokenPair.String, p.LowerBinID, p.UpperBinID,
		p.LowerPriceLimit, p.UpperPriceLimit, p.UserWallet, p.ChatID, intent,
		string(p.Status), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: create position %s: %w", p.ID, err)
	}
	return p, nil
}

// GetByID returns domain.ErrNotFound when id is unknown.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// List returns every position.
func (s *PositionStore) List(ctx context.Context) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions: %w", err)
	}
	return out, nil
}

// ListByWallet returns positions owned by wallet.
func (s *PositionStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx, "WHERE user_wallet = ?", wallet)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions for wallet %s: %w", wallet, err)
	}
	return out, nil
}

// ListByChatID returns positions that notify chatID.
func (s *PositionStore) ListByChatID(ctx context.Context, chatID string) ([]domain.Position, error) {
	out, err := s.queryPositions(ctx, "WHERE chat_id = ?", chatID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list positions for chat %s: %w", chatID, err)
	}
	return out, nil
}

// Update merges upd into the stored row inside a transaction.
func (s *PositionStore) Update(ctx context.Context, id string, upd domain.PositionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: update position %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	p, err := scanPosition(tx.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: update position %s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("sqlite: update position %s: %w", id, err)
	}

	if upd.IfStatus != nil && p.Status != *upd.IfStatus {
		return fmt.Errorf("sqlite: update position %s: status is %s, not %s: %w",
			id, p.Status, *upd.IfStatus, domain.ErrInvalidTransition)
	}
	prevStatus := p.Status
	upd.Apply(&p, s.now())

	var lastStatus sql.NullString
	if p.LastStatus != nil {
		if lastStatus, err = encodeJSON(p.LastStatus); err != nil {
			return fmt.Errorf("sqlite: update position %s: encode last_status: %w", id, err)
		}
	}

	const query = `UPDATE positions SET
		status      = ?,
		last_status = ?,
		chat_id     = ?,
		closed_at   = ?,
		updated_at  = ?
	WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, query,
		string(p.Status), lastStatus, p.ChatID, nullTime(p.ClosedAt), formatTime(p.UpdatedAt), id, string(prevStatus),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update position %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: update position %s: status changed concurrently: %w", id, domain.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: update position %s: commit: %w", id, err)
	}
	return nil
}

// Delete removes a position. History rows are kept.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete position %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: delete position %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: delete position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

var _ domain.PositionStore = (*PositionStore)(nil)

// Package service holds the position lifecycle workflow: creating, closing
// and deleting tracked positions, with the matching history records, event
// publication and the immediate first reconciliation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

const firstCheckTimeout = 2 * time.Minute

// FirstChecker runs the immediate reconciliation of a new position.
type FirstChecker interface {
	CheckNewPosition(ctx context.Context, id string) error
}

// ListFilter narrows List. Wallet takes precedence over ChatID.
type ListFilter struct {
	Wallet string
	ChatID string
}

// PositionService manages the lifecycle of tracked positions. Wallets, bus
// and checker are optional.
type PositionService struct {
	positions domain.PositionStore
	history   domain.HistoryStore
	wallets   domain.WalletDirectory
	bus       domain.SignalBus
	checker   FirstChecker
	now       func() time.Time
	logger    *slog.Logger

	background sync.WaitGroup
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	history domain.HistoryStore,
	wallets domain.WalletDirectory,
	bus domain.SignalBus,
	checker FirstChecker,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		history:   history,
		wallets:   wallets,
		bus:       bus,
		checker:   checker,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Create stores a new position, records its creation and schedules the first
// reconciliation in the background.
func (s *PositionService) Create(ctx context.Context, params domain.CreatePositionParams) (domain.Position, error) {
	pos, err := s.positions.Create(ctx, params)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create: %w", err)
	}

	if err := s.appendHistory(ctx, pos, domain.HistoryEventCreated, nil); err != nil {
		return pos, err
	}

	if s.wallets != nil && pos.ChatID != "" {
		if err := s.wallets.Link(ctx, pos.UserWallet, pos.ChatID); err != nil {
			s.logger.WarnContext(ctx, "position_service: link wallet destination failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, domain.PositionEventCreated, pos)

	s.logger.InfoContext(ctx, "position_service: position created",
		slog.String("position_id", pos.ID),
		slog.String("pool", pos.PoolAddress),
		slog.String("wallet", pos.UserWallet),
		slog.Int("lower_bin", pos.LowerBinID),
		slog.Int("upper_bin", pos.UpperBinID),
	)

	if s.checker != nil {
		s.runFirstCheck(ctx, pos.ID)
	}
	return pos, nil
}

func (s *PositionService) runFirstCheck(ctx context.Context, id string) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), firstCheckTimeout)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer cancel()
		if err := s.checker.CheckNewPosition(checkCtx, id); err != nil {
			s.logger.ErrorContext(checkCtx, "position_service: first check failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Wait blocks until background first checks have finished.
func (s *PositionService) Wait() {
	s.background.Wait()
}

// Get returns one position.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// List returns positions matching f, or all positions for a zero filter.
func (s *PositionService) List(ctx context.Context, f ListFilter) ([]domain.Position, error) {
	var (
		out []domain.Position
		err error
	)
	switch {
	case f.Wallet != "":
		out, err = s.positions.ListByWallet(ctx, f.Wallet)
	case f.ChatID != "":
		out, err = s.positions.ListByChatID(ctx, f.ChatID)
	default:
		out, err = s.positions.List(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("position_service: list: %w", err)
	}
	return out, nil
}

// Close moves the position to CLOSED and stamps closedAt.
func (s *PositionService) Close(ctx context.Context, id string) error {
	closedAt := s.now().UTC()
	pos, err := s.transition(ctx, id, domain.PositionStatusClosed, &closedAt)
	if err != nil {
		return err
	}
	s.publish(ctx, domain.PositionEventClosed, pos)
	return nil
}

// SetStatus applies a validated status transition.
func (s *PositionService) SetStatus(ctx context.Context, id string, status domain.PositionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("position_service: set status: %w: unknown status %q", domain.ErrValidation, status)
	}
	if status == domain.PositionStatusClosed {
		return s.Close(ctx, id)
	}
	_, err := s.transition(ctx, id, status, nil)
	return err
}

func (s *PositionService) transition(ctx context.Context, id string, next domain.PositionStatus, closedAt *time.Time) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	prev := pos.Status
	if !prev.CanTransitionTo(next) {
		return domain.Position{}, fmt.Errorf("position_service: %s -> %s: %w", prev, next, domain.ErrInvalidTransition)
	}

	upd := domain.PositionUpdate{Status: &next, ClosedAt: closedAt, IfStatus: &prev}
	if err := s.positions.Update(ctx, id, upd); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: update %q: %w", id, err)
	}
	pos.Status = next

	if err := s.appendHistory(ctx, pos, domain.HistoryEventUpdated, &domain.HistoryMetadata{
		Status:         next,
		PreviousStatus: prev,
	}); err != nil {
		return pos, err
	}

	s.logger.InfoContext(ctx, "position_service: status changed",
		slog.String("position_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
	)
	return pos, nil
}

// Delete records a deleted event and removes the position. History is kept.
func (s *PositionService) Delete(ctx context.Context, id string) error {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("position_service: get %q: %w", id, err)
	}
	if err := s.appendHistory(ctx, pos, domain.HistoryEventDeleted, &domain.HistoryMetadata{
		PreviousStatus: pos.Status,
	}); err != nil {
		return err
	}
	if err := s.positions.Delete(ctx, id); err != nil {
		return fmt.Errorf("position_service: delete %q: %w", id, err)
	}

	if s.wallets != nil && pos.ChatID != "" {
		remaining, err := s.positions.ListByWallet(ctx, pos.UserWallet)
		if err == nil && !anyWithChat(remaining, pos.ChatID) {
			if err := s.wallets.Unlink(ctx, pos.UserWallet, pos.ChatID); err != nil {
				s.logger.WarnContext(ctx, "position_service: unlink wallet destination failed",
					slog.String("position_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	s.publish(ctx, domain.PositionEventDeleted, pos)
	s.logger.InfoContext(ctx, "position_service: position deleted", slog.String("position_id", id))
	return nil
}

func anyWithChat(positions []domain.Position, chatID string) bool {
	for _, p := range positions {
		if p.ChatID == chatID {
			return true
		}
	}
	return false
}

// History returns the position's history, oldest first. It works for
// deleted positions too.
func (s *PositionService) History(ctx context.Context, id string) ([]domain.PositionHistory, error) {
	out, err := s.history.ListByPosition(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("position_service: history %q: %w", id, err)
	}
	return out, nil
}

func (s *PositionService) appendHistory(ctx context.Context, pos domain.Position, event string, md *domain.HistoryMetadata) error {
	if md == nil {
		md = &domain.HistoryMetadata{Status: pos.Status}
	}
	err := s.history.Append(ctx, domain.PositionHistory{
		PositionID: pos.ID,
		Timestamp:  s.now().UTC(),
		EventType:  event,
		Metadata:   md,
	})
	if err != nil {
		return fmt.Errorf("position_service: append %s history: %w", event, err)
	}
	return nil
}

func (s *PositionService) publish(ctx context.Context, event string, pos domain.Position) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.PositionEvent{
		Type:       event,
		PositionID: pos.ID,
		Wallet:     pos.UserWallet,
		Time:       s.now().UTC(),
	})
	if err != nil {
		return
	}
	if pubErr := s.bus.Publish(ctx, domain.ChannelPositions, payload); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("position_id", pos.ID),
			slog.String("event", event),
			slog.String("error", pubErr.Error()),
		)
	}
}

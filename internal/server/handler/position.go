package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Create(ctx context.Context, params domain.CreatePositionParams) (domain.Position, error)
	Get(ctx context.Context, id string) (domain.Position, error)
	List(ctx context.Context, f service.ListFilter) ([]domain.Position, error)
	History(ctx context.Context, id string) ([]domain.PositionHistory, error)
	Close(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status domain.PositionStatus) error
	Delete(ctx context.Context, id string) error
}

// StatusChecker runs one immediate reconciliation.
type StatusChecker interface {
	CheckPositionStatus(ctx context.Context, p domain.Position) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	checker   StatusChecker
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. checker may be nil when the
// process does not run the reconciliation engine.
func NewPositionHandler(positions PositionService, checker StatusChecker, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		checker:   checker,
		logger:    logger.With(slog.String("handler", "positions")),
	}
}

type createPositionRequest struct {
	PoolAddress     string                `json:"poolAddress"`
	TokenPair       domain.TokenPair      `json:"tokenPair"`
	LowerBinID      *int                  `json:"lowerBinId"`
	UpperBinID      *int                  `json:"upperBinId"`
	LowerPriceLimit float64               `json:"lowerPriceLimit"`
	UpperPriceLimit float64               `json:"upperPriceLimit"`
	UserWallet      string                `json:"userWallet"`
	ChatID          string                `json:"chatId"`
	Status          domain.PositionStatus `json:"status"`
	SellTokenMint   string                `json:"sellTokenMint"`
	SellTokenSymbol string                `json:"sellTokenSymbol"`
	SellTokenAmount string                `json:"sellTokenAmount"`
	BuyTokenMint    string                `json:"buyTokenMint"`
	BuyTokenSymbol  string                `json:"buyTokenSymbol"`
	ExpectedAmount  string                `json:"expectedAmount"`
	EntryPrice      *float64              `json:"entryPrice"`
}

func (r createPositionRequest) params() domain.CreatePositionParams {
	return domain.CreatePositionParams{
		PoolAddress:     r.PoolAddress,
		TokenPair:       r.TokenPair,
		LowerBinID:      r.LowerBinID,
		UpperBinID:      r.UpperBinID,
		LowerPriceLimit: r.LowerPriceLimit,
		UpperPriceLimit: r.UpperPriceLimit,
		UserWallet:      r.UserWallet,
		ChatID:          r.ChatID,
		Status:          r.Status,
		SellTokenMint:   r.SellTokenMint,
		SellTokenSymbol: r.SellTokenSymbol,
		SellTokenAmount: r.SellTokenAmount,
		BuyTokenMint:    r.BuyTokenMint,
		BuyTokenSymbol:  r.BuyTokenSymbol,
		ExpectedAmount:  r.ExpectedAmount,
		EntryPrice:      r.EntryPrice,
	}
}

type setStatusRequest struct {
	Status domain.PositionStatus `json:"status"`
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

type historyResponse struct {
	History []domain.PositionHistory `json:"history"`
}

// ListPositions returns positions, optionally filtered by owner or chat.
// GET /api/positions?wallet=...&chat_id=...
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	positions, err := h.positions.List(r.Context(), service.ListFilter{
		Wallet: q.Get("wallet"),
		ChatID: q.Get("chat_id"),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// CreatePosition registers a new position. Its first reconciliation runs in
// the background.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := h.positions.Create(r.Context(), req.params())
	if err != nil {
		h.writeMutationError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ClosePosition marks the position CLOSED.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.positions.Close(r.Context(), id); err != nil {
		h.writeMutationError(w, r, id, err)
		return
	}
	h.GetPosition(w, r)
}

// SetStatus moves the position to another lifecycle status.
// PUT /api/positions/{id}/status
func (h *PositionHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.positions.SetStatus(r.Context(), id, req.Status); err != nil {
		h.writeMutationError(w, r, id, err)
		return
	}
	h.GetPosition(w, r)
}

// DeletePosition removes the position. Its history is kept.
// DELETE /api/positions/{id}
func (h *PositionHandler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.positions.Delete(r.Context(), id); err != nil {
		h.writeMutationError(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PositionHandler) writeMutationError(w http.ResponseWriter, r *http.Request, id string, err error) {
	status, ok := domainStatus(err)
	switch {
	case status == http.StatusNotFound:
		writeError(w, status, "position not found")
	case ok:
		writeError(w, status, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "handler: position mutation failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update position")
	}
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetHistory returns the position's history, oldest first.
// GET /api/positions/{id}/history
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	hist, err := h.positions.History(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list history failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	if hist == nil {
		hist = []domain.PositionHistory{}
	}
	writeJSON(w, http.StatusOK, historyResponse{History: hist})
}

// CheckPosition reconciles the position now. A failed check returns the
// failure text unchanged.
// POST /api/positions/{id}/check
func (h *PositionHandler) CheckPosition(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeError(w, http.StatusServiceUnavailable, "position monitoring is not running in this process")
		return
	}
	pos, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.checker.CheckPositionStatus(r.Context(), pos); err != nil {
		h.logger.WarnContext(r.Context(), "handler: immediate check failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		status := http.StatusBadGateway
		if errors.Is(err, domain.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}

	updated, err := h.positions.Get(r.Context(), pos.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *PositionHandler) load(w http.ResponseWriter, r *http.Request) (domain.Position, bool) {
	id := r.PathValue("id")
	pos, err := h.positions.Get(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return domain.Position{}, false
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return domain.Position{}, false
	}
	return pos, true
}

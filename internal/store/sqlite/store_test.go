package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rangewatch/internal/domain"
)

func setupTestDB(t *testing.T) *Client {
	t.Helper()

	c, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func intPtr(v int) *int { return &v }

func validParams() domain.CreatePositionParams {
	return domain.CreatePositionParams{
		PoolAddress: "5rCf1DM8LjKTw4YqhnoLcngyZYeNnQqztScTogYHAS6",
		TokenPair: domain.TokenPair{
			X: domain.TokenInfo{Symbol: "SOL", Mint: "So11111111111111111111111111111111111111112", Decimals: 9},
			Y: domain.TokenInfo{Symbol: "USDC", Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Decimals: 6},
		},
		LowerBinID:      intPtr(100),
		UpperBinID:      intPtr(200),
		LowerPriceLimit: 120.5,
		UpperPriceLimit: 180.25,
		UserWallet:      "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		ChatID:          "42",
		SellTokenSymbol: "SOL",
		SellTokenAmount: "1.5",
	}
}

func TestPositionStore_CreateAndGet(t *testing.T) {
	tests := []struct {
		name    string
		params  func() domain.CreatePositionParams
		wantErr error
	}{
		{
			name:   "valid position",
			params: validParams,
		},
		{
			name: "missing wallet",
			params: func() domain.CreatePositionParams {
				p := validParams()
				p.UserWallet = ""
				return p
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "missing bin range",
			params: func() domain.CreatePositionParams {
				p := validParams()
				p.UpperBinID = nil
				return p
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "non-numeric amount",
			params: func() domain.CreatePositionParams {
				p := validParams()
				p.SellTokenAmount = "lots"
				return p
			},
			wantErr: domain.ErrValidation,
		},
		{
			name: "inverted range",
			params: func() domain.CreatePositionParams {
				p := validParams()
				p.LowerBinID = intPtr(300)
				return p
			},
			wantErr: domain.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewPositionStore(setupTestDB(t))
			ctx := context.Background()

			created, err := store.Create(ctx, tt.params())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, created.ID)
			assert.Equal(t, domain.PositionStatusActive, created.Status)
			assert.Nil(t, created.LastStatus)

			got, err := store.GetByID(ctx, created.ID)
			require.NoError(t, err)
			assert.Equal(t, created.PoolAddress, got.PoolAddress)
			assert.Equal(t, created.TokenPair, got.TokenPair)
			assert.Equal(t, 100, got.LowerBinID)
			assert.Equal(t, 200, got.UpperBinID)
			assert.Equal(t, "42", got.ChatID)
			require.NotNil(t, got.TradeIntent)
			assert.Equal(t, "1.5", got.TradeIntent.SellTokenAmount.String())
			assert.True(t, created.CreatedAt.Equal(got.CreatedAt))
		})
	}
}

func TestPositionStore_GetMissing(t *testing.T) {
	store := NewPositionStore(setupTestDB(t))
	_, err := store.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_SecondaryLookups(t *testing.T) {
	store := NewPositionStore(setupTestDB(t))
	ctx := context.Background()

	a := validParams()
	b := validParams()
	b.ChatID = "77"
	c := validParams()
	c.UserWallet = "otherWallet1111111111111111111111111111111"
	c.ChatID = ""

	for _, p := range []domain.CreatePositionParams{a, b, c} {
		_, err := store.Create(ctx, p)
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byWallet, err := store.ListByWallet(ctx, a.UserWallet)
	require.NoError(t, err)
	assert.Len(t, byWallet, 2)

	byChat, err := store.ListByChatID(ctx, "77")
	require.NoError(t, err)
	require.Len(t, byChat, 1)
	assert.Equal(t, "77", byChat[0].ChatID)
}

func TestPositionStore_Update(t *testing.T) {
	store := NewPositionStore(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	created, err := store.Create(ctx, validParams())
	require.NoError(t, err)

	lower := 121.0
	snap := domain.StatusSnapshot{
		ActiveBin:         150,
		CurrentPrice:      150.75,
		BinInRange:        true,
		Timestamp:         base.Add(time.Minute),
		CurrentLowerPrice: &lower,
		OnChain: &domain.OnChainPosition{
			LowerBinID:   100,
			UpperBinID:   200,
			TotalXAmount: mustAmount(t, "123456789012345678901234567890"),
			FeeY:         domain.NewAmount(17),
		},
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, store.Update(ctx, created.ID, domain.PositionUpdate{LastStatus: &snap}))

	got, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastStatus)
	assert.Equal(t, 150, got.LastStatus.ActiveBin)
	assert.True(t, got.LastStatus.BinInRange)
	require.NotNil(t, got.LastStatus.OnChain)
	assert.Equal(t, "123456789012345678901234567890", got.LastStatus.OnChain.TotalXAmount.String())
	assert.Equal(t, "17", got.LastStatus.OnChain.FeeY.String())
	assert.Equal(t, domain.PositionStatusActive, got.Status, "untouched fields are kept")
	assert.True(t, got.UpdatedAt.Equal(base.Add(2*time.Minute)))

	closed := domain.PositionStatusClosed
	closedAt := base.Add(time.Hour)
	require.NoError(t, store.Update(ctx, created.ID, domain.PositionUpdate{Status: &closed, ClosedAt: &closedAt}))
	got, err = store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))
	require.NotNil(t, got.LastStatus, "status snapshot survives unrelated updates")

	err = store.Update(ctx, "missing", domain.PositionUpdate{Status: &closed})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_ConditionalUpdate(t *testing.T) {
	store := NewPositionStore(setupTestDB(t))
	ctx := context.Background()

	created, err := store.Create(ctx, validParams())
	require.NoError(t, err)

	active, errored, closed := domain.PositionStatusActive, domain.PositionStatusError, domain.PositionStatusClosed
	require.NoError(t, store.Update(ctx, created.ID, domain.PositionUpdate{Status: &closed, IfStatus: &active}))

	err = store.Update(ctx, created.ID, domain.PositionUpdate{Status: &errored, IfStatus: &active})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, got.Status, "stale expectation writes nothing")

	err = store.Update(ctx, "missing", domain.PositionUpdate{Status: &closed, IfStatus: &active})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_Delete(t *testing.T) {
	store := NewPositionStore(setupTestDB(t))
	ctx := context.Background()

	created, err := store.Create(ctx, validParams())
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, created.ID), domain.ErrNotFound)
}

func TestHistoryStore_AppendAndList(t *testing.T) {
	c := setupTestDB(t)
	store := NewHistoryStore(c)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	price := 150.5
	liq := mustAmount(t, "99999999999999999999")
	inRange := true

	entries := []domain.PositionHistory{
		{PositionID: "p1", Timestamp: base.Add(2 * time.Minute), EventType: domain.HistoryEventStatusCheck, PriceAtEvent: &price, LiquidityA: &liq,
			Metadata: &domain.HistoryMetadata{BinInRange: &inRange}},
		{PositionID: "p1", Timestamp: base, EventType: domain.HistoryEventCreated},
		{PositionID: "p2", Timestamp: base.Add(time.Minute), EventType: domain.HistoryEventCreated},
		{PositionID: "p1", Timestamp: base.Add(2 * time.Minute), EventType: domain.HistoryEventUpdated},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}

	got, err := store.ListByPosition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, domain.HistoryEventCreated, got[0].EventType)
	assert.Equal(t, domain.HistoryEventStatusCheck, got[1].EventType, "ties keep insertion order")
	assert.Equal(t, domain.HistoryEventUpdated, got[2].EventType)
	require.NotNil(t, got[1].PriceAtEvent)
	assert.Equal(t, 150.5, *got[1].PriceAtEvent)
	require.NotNil(t, got[1].LiquidityA)
	assert.Equal(t, "99999999999999999999", got[1].LiquidityA.String())
	require.NotNil(t, got[1].Metadata)
	require.NotNil(t, got[1].Metadata.BinInRange)
	assert.True(t, *got[1].Metadata.BinInRange)
	assert.NotEmpty(t, got[0].ID)

	all, err := store.ListAfter(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, h := range all {
		assert.Equal(t, int64(i+1), h.Seq, "insertion order, not timestamp order")
	}

	page, err := store.ListAfter(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].Seq)
	assert.Equal(t, "p2", page[1].PositionID)

	rest, err := store.ListAfter(ctx, 4, 10)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestHistoryStore_AppendOnly(t *testing.T) {
	c := setupTestDB(t)
	store := NewHistoryStore(c)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, domain.PositionHistory{
		PositionID: "p1",
		EventType:  domain.HistoryEventCreated,
	}))

	_, err := c.DB().ExecContext(ctx, `UPDATE position_history SET event_type = 'tampered'`)
	assert.Error(t, err)
	_, err = c.DB().ExecContext(ctx, `DELETE FROM position_history`)
	assert.Error(t, err)

	got, err := store.ListByPosition(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.HistoryEventCreated, got[0].EventType)
}

func mustAmount(t *testing.T, s string) domain.Amount {
	t.Helper()
	a, err := domain.ParseAmount(s)
	require.NoError(t, err)
	return a
}

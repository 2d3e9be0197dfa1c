package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
)

// ---- fakes ----

type memStore struct {
	mu        sync.Mutex
	seq       int
	positions map[string]domain.Position
	history   []domain.PositionHistory
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]domain.Position)}
}

func (m *memStore) Create(_ context.Context, params domain.CreatePositionParams) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	p, err := domain.NewPosition(fmt.Sprintf("pos-%d", m.seq), params, time.Now())
	if err != nil {
		return domain.Position{}, err
	}
	m.positions[p.ID] = p
	return p, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) filter(keep func(domain.Position) bool) []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) List(context.Context) ([]domain.Position, error) {
	return m.filter(func(domain.Position) bool { return true }), nil
}

func (m *memStore) ListByWallet(_ context.Context, wallet string) ([]domain.Position, error) {
	return m.filter(func(p domain.Position) bool { return p.UserWallet == wallet }), nil
}

func (m *memStore) ListByChatID(_ context.Context, chatID string) ([]domain.Position, error) {
	return m.filter(func(p domain.Position) bool { return p.ChatID == chatID }), nil
}

func (m *memStore) Update(_ context.Context, id string, upd domain.PositionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	p, ok := m.positions[id]
	if !ok {
		return domain.ErrNotFound
	}
	upd.Apply(&p, time.Now())
	m.positions[id] = p
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *memStore) Append(_ context.Context, h domain.PositionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *memStore) ListByPosition(_ context.Context, positionID string) ([]domain.PositionHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PositionHistory
	for _, h := range m.history {
		if h.PositionID == positionID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *memStore) ListAfter(context.Context, int64, int) ([]domain.PositionHistory, error) {
	return nil, nil
}

type fakePool struct {
	mu          sync.Mutex
	address     string
	active      int
	activeErr   error
	priceOffset float64
	onChain     []domain.OnChainPosition
	onChainErr  error
	binsErr     error
	requests    [][2]int

	// When set, ActiveBin signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (p *fakePool) Address() string { return p.address }

func (p *fakePool) ActiveBin(context.Context) (domain.Bin, error) {
	if p.entered != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.activeErr != nil {
		return domain.Bin{}, p.activeErr
	}
	return domain.Bin{ID: p.active, PricePerToken: decimal.NewFromFloat(float64(p.active) + p.priceOffset)}, nil
}

func (p *fakePool) BinsInRange(_ context.Context, lower, upper int) ([]domain.Bin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, [2]int{lower, upper})
	if p.binsErr != nil {
		return nil, p.binsErr
	}
	var bins []domain.Bin
	for id := lower; id <= upper; id++ {
		bins = append(bins, domain.Bin{ID: id, PricePerToken: decimal.NewFromFloat(float64(id) + p.priceOffset)})
	}
	return bins, nil
}

func (p *fakePool) UserPositions(context.Context, string) ([]domain.OnChainPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onChainErr != nil {
		return nil, p.onChainErr
	}
	return append([]domain.OnChainPosition(nil), p.onChain...), nil
}

func (p *fakePool) setActive(bin int) {
	p.mu.Lock()
	p.active = bin
	p.mu.Unlock()
}

type fakePools struct {
	pools   map[string]*fakePool
	openErr error
}

func (f *fakePools) Open(_ context.Context, address string) (domain.Pool, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	p, ok := f.pools[address]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", address, domain.ErrNotFound)
	}
	return p, nil
}

type sentMessage struct {
	destination string
	text        string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, destination, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{destination: destination, text: text})
	return n.err
}

func (n *fakeNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type fakeDirectory map[string][]string

func (d fakeDirectory) DestinationsForWallet(_ context.Context, wallet string) ([]string, error) {
	return d[wallet], nil
}
func (d fakeDirectory) Link(context.Context, string, string) error   { return nil }
func (d fakeDirectory) Unlink(context.Context, string, string) error { return nil }

// ---- harness ----

type harness struct {
	engine   *Engine
	store    *memStore
	pools    *fakePools
	notifier *fakeNotifier
	sched    *scheduler.Scheduler
}

func newHarness(t *testing.T, wallets domain.WalletDirectory) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	pools := &fakePools{pools: make(map[string]*fakePool)}
	notifier := &fakeNotifier{}
	sched := scheduler.New(scheduler.Options{PollInterval: time.Hour}, logger)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })

	e := New(Deps{
		Positions: store,
		History:   store,
		Pools:     pools,
		Notifier:  notifier,
		Wallets:   wallets,
		Scheduler: sched,
	}, Config{}, logger)
	e.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	return &harness{engine: e, store: store, pools: pools, notifier: notifier, sched: sched}
}

func (h *harness) addPool(address string, active int) *fakePool {
	p := &fakePool{address: address, active: active}
	h.pools.pools[address] = p
	return p
}

func (h *harness) addPosition(t *testing.T, pool, wallet, chatID string) domain.Position {
	t.Helper()
	lower, upper := 100, 200
	p, err := h.store.Create(context.Background(), domain.CreatePositionParams{
		PoolAddress: pool,
		TokenPair: domain.TokenPair{
			X: domain.TokenInfo{Symbol: "SOL", Mint: "mintX", Decimals: 9},
			Y: domain.TokenInfo{Symbol: "USDC", Mint: "mintY", Decimals: 6},
		},
		LowerBinID:      &lower,
		UpperBinID:      &upper,
		LowerPriceLimit: 100,
		UpperPriceLimit: 200,
		UserWallet:      wallet,
		ChatID:          chatID,
	})
	require.NoError(t, err)
	return p
}

// check reloads the position so the previously stored snapshot is used.
func (h *harness) check(t *testing.T, id string) error {
	t.Helper()
	p, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return h.engine.CheckPositionStatus(context.Background(), p)
}

func countContaining(msgs []sentMessage, marker string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m.text, marker) {
			n++
		}
	}
	return n
}

// ---- tests ----

func TestCheckPositionStatus_FirstCheckNotifies(t *testing.T) {
	for _, active := range []int{150, 250} {
		t.Run(fmt.Sprintf("active bin %d", active), func(t *testing.T) {
			h := newHarness(t, nil)
			h.addPool("pool1", active)
			pos := h.addPosition(t, "pool1", "walletA", "42")

			require.NoError(t, h.check(t, pos.ID))

			msgs := h.notifier.messages()
			require.Len(t, msgs, 1)
			assert.Equal(t, "42", msgs[0].destination)
			assert.Contains(t, msgs[0].text, MarkerMonitored)

			got, err := h.store.GetByID(context.Background(), pos.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastStatus)
			assert.Equal(t, active, got.LastStatus.ActiveBin)
			assert.Equal(t, active == 150, got.LastStatus.BinInRange)

			hist, err := h.store.ListByPosition(context.Background(), pos.ID)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, domain.HistoryEventStatusCheck, hist[0].EventType)
			require.NotNil(t, hist[0].PriceAtEvent)
			assert.Equal(t, float64(active), *hist[0].PriceAtEvent)
		})
	}
}

func TestCheckPositionStatus_RangeFlip(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))
	got, _ := h.store.GetByID(context.Background(), pos.ID)
	assert.True(t, got.LastStatus.BinInRange)

	pool.setActive(250)
	require.NoError(t, h.check(t, pos.ID))
	got, _ = h.store.GetByID(context.Background(), pos.ID)
	assert.False(t, got.LastStatus.BinInRange)

	pool.setActive(260)
	require.NoError(t, h.check(t, pos.ID))

	msgs := h.notifier.messages()
	require.Len(t, msgs, 2, "first check and the flip only")
	assert.Equal(t, 1, countContaining(msgs, MarkerExitedRange))
	assert.Contains(t, msgs[1].text, MarkerExitedRange)

	pool.setActive(200)
	require.NoError(t, h.check(t, pos.ID))
	msgs = h.notifier.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[2].text, MarkerEnteredRange, "upper bound is inclusive")
}

func TestCheckPositionStatus_NoSpuriousNotification(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.check(t, pos.ID))
	}
	assert.Len(t, h.notifier.messages(), 1)

	hist, err := h.store.ListByPosition(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 3, "every pass writes history")
}

func TestCheckPositionStatus_PriceRangeDrift(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))

	pool.mu.Lock()
	pool.priceOffset = 0.5
	pool.mu.Unlock()

	require.NoError(t, h.check(t, pos.ID))
	require.NoError(t, h.check(t, pos.ID))

	msgs := h.notifier.messages()
	require.Len(t, msgs, 3, "drift is reported on every check while it lasts")
	assert.NotContains(t, msgs[0].text, MarkerRangeChanged)
	assert.Contains(t, msgs[1].text, MarkerRangeChanged)
	assert.Contains(t, msgs[2].text, MarkerRangeChanged)

	got, _ := h.store.GetByID(context.Background(), pos.ID)
	require.NotNil(t, got.LastStatus.CurrentLowerPrice)
	assert.InDelta(t, 100.5, *got.LastStatus.CurrentLowerPrice, 1e-9)
	assert.True(t, got.LastStatus.PriceRangeChanged)
}

func TestCheckPositionStatus_DriftAcrossDegradedCheck(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))

	pool.mu.Lock()
	pool.priceOffset = 0.5
	pool.mu.Unlock()
	require.NoError(t, h.check(t, pos.ID))

	pool.mu.Lock()
	pool.onChainErr = errors.New("rpc 503")
	pool.mu.Unlock()
	require.NoError(t, h.check(t, pos.ID))
	assert.Equal(t, 1, countContaining(h.notifier.messages(), MarkerRangeChanged),
		"degraded check knows no current bounds")

	pool.mu.Lock()
	pool.onChainErr = nil
	pool.mu.Unlock()
	require.NoError(t, h.check(t, pos.ID))
	assert.Equal(t, 2, countContaining(h.notifier.messages(), MarkerRangeChanged))
}

func TestCheckPositionStatus_DriftBelowThresholdIgnored(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pool.priceOffset = 0.00005
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))
	got, _ := h.store.GetByID(context.Background(), pos.ID)
	assert.False(t, got.LastStatus.PriceRangeChanged)
	assert.Equal(t, 0, countContaining(h.notifier.messages(), MarkerRangeChanged))
}

func TestCheckPositionStatus_OnChainDelta(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pool.onChain = []domain.OnChainPosition{
		{LowerBinID: 90, UpperBinID: 200, FeeX: domain.NewAmount(999)},
		{LowerBinID: 100, UpperBinID: 200, TotalXAmount: domain.NewAmount(1000), FeeX: domain.NewAmount(1)},
	}
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))
	got, _ := h.store.GetByID(context.Background(), pos.ID)
	require.NotNil(t, got.LastStatus.OnChain)
	assert.Equal(t, "1", got.LastStatus.OnChain.FeeX.String(), "matched by exact bin range")

	require.NoError(t, h.check(t, pos.ID))
	require.Len(t, h.notifier.messages(), 1, "unchanged record does not notify")

	pool.mu.Lock()
	pool.onChain[1].FeeX = domain.NewAmount(5)
	pool.onChain[1].RewardOne = domain.NewAmount(3)
	pool.mu.Unlock()

	require.NoError(t, h.check(t, pos.ID))
	msgs := h.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].text, MarkerOnChain)
	assert.Contains(t, msgs[1].text, "pending fees, rewards")
	assert.NotContains(t, msgs[1].text, "liquidity")

	hist, _ := h.store.ListByPosition(context.Background(), pos.ID)
	last := hist[len(hist)-1]
	require.NotNil(t, last.LiquidityA)
	assert.Equal(t, "1000", last.LiquidityA.String())
}

func TestCheckPositionStatus_UnmatchedOnChainRecord(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pool.onChain = []domain.OnChainPosition{{LowerBinID: 101, UpperBinID: 200}}
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))
	got, _ := h.store.GetByID(context.Background(), pos.ID)
	assert.Nil(t, got.LastStatus.OnChain)
	assert.Empty(t, got.LastStatus.Error)
	assert.NotNil(t, got.LastStatus.CurrentUpperPrice)
}

func TestCheckPositionStatus_DegradedEnrichment(t *testing.T) {
	tests := []struct {
		name    string
		degrade func(p *fakePool)
	}{
		{name: "on-chain lookup fails", degrade: func(p *fakePool) { p.onChainErr = errors.New("rpc 503") }},
		{name: "bin range fetch fails", degrade: func(p *fakePool) { p.binsErr = errors.New("rpc timeout") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			pool := h.addPool("pool1", 150)
			pool.onChain = []domain.OnChainPosition{{LowerBinID: 100, UpperBinID: 200}}
			tt.degrade(pool)
			pos := h.addPosition(t, "pool1", "walletA", "42")

			require.NoError(t, h.check(t, pos.ID))

			got, _ := h.store.GetByID(context.Background(), pos.ID)
			require.NotNil(t, got.LastStatus)
			assert.Equal(t, 150, got.LastStatus.ActiveBin)
			assert.True(t, got.LastStatus.BinInRange)
			assert.NotEmpty(t, got.LastStatus.Error)
			assert.Nil(t, got.LastStatus.OnChain)
			assert.Nil(t, got.LastStatus.CurrentLowerPrice)

			hist, _ := h.store.ListByPosition(context.Background(), pos.ID)
			require.Len(t, hist, 1)
			require.NotNil(t, hist[0].Metadata)
			assert.Equal(t, got.LastStatus.Error, hist[0].Metadata.Error)

			assert.Len(t, h.notifier.messages(), 1)
		})
	}
}

func TestCheckPositionStatus_FatalFetchErrors(t *testing.T) {
	t.Run("active bin", func(t *testing.T) {
		h := newHarness(t, nil)
		pool := h.addPool("pool1", 150)
		pool.activeErr = errors.New("connection reset")
		pos := h.addPosition(t, "pool1", "walletA", "42")

		err := h.check(t, pos.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection reset")

		hist, _ := h.store.ListByPosition(context.Background(), pos.ID)
		assert.Empty(t, hist)
		assert.Empty(t, h.notifier.messages())
	})

	t.Run("unknown pool", func(t *testing.T) {
		h := newHarness(t, nil)
		pos := h.addPosition(t, "nowhere", "walletA", "42")
		assert.ErrorIs(t, h.check(t, pos.ID), domain.ErrNotFound)
	})

	t.Run("persistence", func(t *testing.T) {
		h := newHarness(t, nil)
		h.addPool("pool1", 150)
		pos := h.addPosition(t, "pool1", "walletA", "42")
		h.store.updateErr = errors.New("disk full")

		err := h.check(t, pos.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
		assert.Empty(t, h.notifier.messages())
	})
}

func TestCheckPositionStatus_NotifyFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	h.notifier.err = errors.New("telegram down")
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.check(t, pos.ID))
	got, _ := h.store.GetByID(context.Background(), pos.ID)
	assert.NotNil(t, got.LastStatus)
}

func TestResolveDestination(t *testing.T) {
	t.Run("wallet directory", func(t *testing.T) {
		h := newHarness(t, fakeDirectory{"walletA": {"dir-chat", "other"}})
		h.addPool("pool1", 150)
		pos := h.addPosition(t, "pool1", "walletA", "")

		require.NoError(t, h.check(t, pos.ID))
		msgs := h.notifier.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "dir-chat", msgs[0].destination)
	})

	t.Run("sibling position", func(t *testing.T) {
		h := newHarness(t, fakeDirectory{})
		h.addPool("pool1", 150)
		pos := h.addPosition(t, "pool1", "walletA", "")
		h.addPosition(t, "pool1", "walletA", "sibling-chat")
		h.addPosition(t, "pool1", "walletB", "stranger-chat")

		require.NoError(t, h.check(t, pos.ID))
		msgs := h.notifier.messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "sibling-chat", msgs[0].destination)
	})

	t.Run("nowhere to send", func(t *testing.T) {
		h := newHarness(t, nil)
		h.addPool("pool1", 150)
		pos := h.addPosition(t, "pool1", "walletA", "")

		require.NoError(t, h.check(t, pos.ID))
		assert.Empty(t, h.notifier.messages())
		got, _ := h.store.GetByID(context.Background(), pos.ID)
		assert.NotNil(t, got.LastStatus, "status is saved even without a destination")
	})
}

func TestCheckAllActivePositions_IsolatesFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("good", 150)
	bad := h.addPool("bad", 150)
	bad.activeErr = errors.New("rpc unavailable")

	p1 := h.addPosition(t, "good", "walletA", "1")
	p2 := h.addPosition(t, "bad", "walletB", "2")
	p3 := h.addPosition(t, "good", "walletC", "3")
	closed := h.addPosition(t, "good", "walletD", "4")
	status := domain.PositionStatusClosed
	require.NoError(t, h.store.Update(context.Background(), closed.ID, domain.PositionUpdate{Status: &status}))

	summary, err := h.engine.CheckAllActivePositions(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), p2.ID)
	assert.Contains(t, err.Error(), "rpc unavailable")
	assert.Equal(t, CheckSummary{Total: 4, Active: 3, Checked: 2, Failed: 1}, summary)

	for _, id := range []string{p1.ID, p3.ID} {
		got, err := h.store.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, got.LastStatus, "position %s committed", id)
		hist, _ := h.store.ListByPosition(context.Background(), id)
		assert.Len(t, hist, 1)
	}

	got, _ := h.store.GetByID(context.Background(), p2.ID)
	assert.Nil(t, got.LastStatus)
	got, _ = h.store.GetByID(context.Background(), closed.ID)
	assert.Nil(t, got.LastStatus, "closed positions are not polled")
}

func TestCheckAllActivePositions_AllHealthy(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("good", 150)
	for i := 0; i < 12; i++ {
		h.addPosition(t, "good", fmt.Sprintf("wallet%d", i), fmt.Sprintf("%d", i))
	}

	summary, err := h.engine.CheckAllActivePositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Checked)
	assert.Len(t, h.notifier.messages(), 12)
}

func TestCheckNewPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.engine.CheckNewPosition(context.Background(), "does-not-exist"))
	assert.Empty(t, h.notifier.messages())

	require.NoError(t, h.engine.CheckNewPosition(context.Background(), pos.ID))
	assert.Len(t, h.notifier.messages(), 1)
}

func TestCheckNewPosition_RacingBulkPassNotifiesOnce(t *testing.T) {
	h := newHarness(t, nil)
	pool := h.addPool("pool1", 150)
	pool.entered = make(chan struct{}, 2)
	pool.release = make(chan struct{})
	pos := h.addPosition(t, "pool1", "walletA", "42")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.engine.CheckNewPosition(ctx, pos.ID) }()
	<-pool.entered

	summary, err := h.engine.CheckAllActivePositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)

	close(pool.release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, countContaining(h.notifier.messages(), MarkerMonitored))
	hist, err := h.store.ListByPosition(ctx, pos.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestCheckPositionStatus_StaleCopyIsReloaded(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")
	require.Nil(t, pos.LastStatus)

	require.NoError(t, h.check(t, pos.ID))
	require.NoError(t, h.engine.CheckPositionStatus(context.Background(), pos))

	assert.Equal(t, 1, countContaining(h.notifier.messages(), MarkerMonitored),
		"a copy listed before the first check does not announce monitoring twice")
}

func TestCheckPositionStatus_DeletedPositionIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	pos := h.addPosition(t, "pool1", "walletA", "42")
	require.NoError(t, h.store.Delete(context.Background(), pos.ID))

	require.NoError(t, h.engine.CheckPositionStatus(context.Background(), pos))
	assert.Empty(t, h.notifier.messages())
	hist, _ := h.store.ListByPosition(context.Background(), pos.ID)
	assert.Empty(t, hist)
}

func TestRangePrices_Windowing(t *testing.T) {
	tests := []struct {
		name         string
		lower, upper int
		step         int
		wantRequests [][2]int
		wantLow      float64
		wantHigh     float64
	}{
		{name: "wide range", lower: 100, upper: 300, step: 70, wantRequests: [][2]int{{100, 169}, {231, 300}}, wantLow: 100, wantHigh: 300},
		{name: "narrow range", lower: 100, upper: 120, step: 70, wantRequests: [][2]int{{100, 120}, {100, 120}}, wantLow: 100, wantHigh: 120},
		{name: "single bin", lower: 5, upper: 5, step: 0, wantRequests: [][2]int{{5, 5}, {5, 5}}, wantLow: 5, wantHigh: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &fakePool{address: "p"}
			low, high, err := RangePrices(context.Background(), pool, tt.lower, tt.upper, tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRequests, pool.requests)
			assert.Equal(t, tt.wantLow, low)
			assert.Equal(t, tt.wantHigh, high)
		})
	}
}

func TestMonitoringLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.engine.StopMonitoring()
	assert.False(t, h.engine.UpdateMonitorInterval(time.Minute))

	require.NoError(t, h.engine.StartMonitoring(ctx, 10*time.Minute))
	first := h.engine.TaskID()
	require.NotEmpty(t, first)
	assert.True(t, h.sched.Running())

	require.NoError(t, h.engine.StartMonitoring(ctx, 0))
	tasks := h.sched.Tasks()
	require.Len(t, tasks, 1, "restarting replaces the previous task")
	assert.NotEqual(t, first, tasks[0].ID)
	assert.Equal(t, TaskName, tasks[0].Name)
	assert.Equal(t, DefaultInterval, tasks[0].Interval)
	assert.Equal(t, DefaultMaxRetries, tasks[0].MaxRetries)
	assert.Equal(t, DefaultRetryDelay, tasks[0].RetryDelay)
	assert.Equal(t, DefaultTimeout, tasks[0].Timeout)

	require.True(t, h.engine.UpdateMonitorInterval(time.Minute))
	task, ok := h.sched.Task(h.engine.TaskID())
	require.True(t, ok)
	assert.Equal(t, time.Minute, task.Interval)

	h.engine.StopMonitoring()
	h.engine.StopMonitoring()
	assert.Empty(t, h.sched.Tasks())
	assert.Empty(t, h.engine.TaskID())
}

func TestMonitoringTaskRunsBulkCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.addPool("pool1", 150)
	h.addPosition(t, "pool1", "walletA", "42")

	require.NoError(t, h.engine.StartMonitoring(context.Background(), time.Hour))
	result, err := h.sched.RunTaskNow(context.Background(), h.engine.TaskID())
	require.NoError(t, err)
	assert.Equal(t, CheckSummary{Total: 1, Active: 1, Checked: 1}, result)
	assert.Len(t, h.notifier.messages(), 1)
}

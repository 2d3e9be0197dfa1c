// Package monitor reconciles tracked positions against live pool state. Each
// pass fetches the active bin and optional on-chain enrichment, appends a
// status_check history record, replaces the stored snapshot, and decides
// whether the owner should hear about it.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
)

// TaskName is the name of the recurring reconciliation task.
const TaskName = "Position Status Monitor"

const (
	DefaultInterval       = 5 * time.Minute
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 30 * time.Second
	DefaultTimeout        = 2 * time.Minute
	DefaultRangeStep      = 70
	DefaultConcurrency    = 8
	DefaultDriftThreshold = 0.0001
)

// Notifier delivers text to a chat destination.
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Publisher broadcasts position events. domain.SignalBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config tunes the engine. Zero values select defaults.
type Config struct {
	MaxRetries     int
	RetryDelay     time.Duration
	Timeout        time.Duration
	RangeStep      int
	Concurrency    int
	DriftThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RangeStep <= 0 {
		c.RangeStep = DefaultRangeStep
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	return c
}

// Deps are the engine's collaborators. Wallets and Bus are optional.
type Deps struct {
	Positions domain.PositionStore
	History   domain.HistoryStore
	Pools     domain.PoolClient
	Notifier  Notifier
	Wallets   domain.WalletDirectory
	Bus       Publisher
	Scheduler *scheduler.Scheduler
}

// Engine runs position reconciliation, either on the scheduler's cadence or
// on demand.
type Engine struct {
	positions domain.PositionStore
	history   domain.HistoryStore
	pools     domain.PoolClient
	notifier  Notifier
	wallets   domain.WalletDirectory
	bus       Publisher
	sched     *scheduler.Scheduler
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	taskID string

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

// New creates an Engine.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		positions: deps.Positions,
		history:   deps.History,
		pools:     deps.Pools,
		notifier:  deps.Notifier,
		wallets:   deps.Wallets,
		bus:       deps.Bus,
		sched:     deps.Scheduler,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "monitor")),
		inFlight:  make(map[string]struct{}),
	}
}

// CheckSummary is the result of one bulk pass.
type CheckSummary struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
}

// StartMonitoring registers the reconciliation task, replacing any task
// registered earlier, and starts the scheduler. A non-positive interval
// selects DefaultInterval.
func (e *Engine) StartMonitoring(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.taskID != "" {
		e.sched.RemoveTask(e.taskID)
		e.taskID = ""
	}

	id, err := e.sched.RegisterTask(scheduler.TaskSpec{
		Name:     TaskName,
		Interval: interval,
		Enabled:  true,
		Fn: func(ctx context.Context) (any, error) {
			return e.CheckAllActivePositions(ctx)
		},
		MaxRetries: e.cfg.MaxRetries,
		RetryDelay: e.cfg.RetryDelay,
		Timeout:    e.cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("monitor: start: %w", err)
	}
	e.taskID = id
	e.sched.Start(ctx)

	e.logger.InfoContext(ctx, "position monitoring started",
		slog.String("task_id", id),
		slog.Duration("interval", interval),
	)
	return nil
}

// StopMonitoring removes the reconciliation task. It is safe to call when
// monitoring was never started.
func (e *Engine) StopMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.taskID == "" {
		return
	}
	e.sched.RemoveTask(e.taskID)
	e.logger.Info("position monitoring stopped", slog.String("task_id", e.taskID))
	e.taskID = ""
}

// UpdateMonitorInterval changes the task interval in place. It reports false
// when monitoring is not running.
func (e *Engine) UpdateMonitorInterval(interval time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.taskID == "" || interval <= 0 {
		return false
	}
	return e.sched.UpdateTask(e.taskID, scheduler.TaskUpdate{Interval: &interval})
}

// TaskID returns the id of the registered reconciliation task, or "".
func (e *Engine) TaskID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taskID
}

// CheckAllActivePositions reconciles every ACTIVE position concurrently. One
// position failing does not stop the others; all failures are returned
// joined so the scheduler's retry policy still engages.
func (e *Engine) CheckAllActivePositions(ctx context.Context) (CheckSummary, error) {
	all, err := e.positions.List(ctx)
	if err != nil {
		return CheckSummary{}, fmt.Errorf("monitor: list positions: %w", err)
	}

	active := make([]domain.Position, 0, len(all))
	for _, p := range all {
		if p.Status == domain.PositionStatusActive {
			active = append(active, p)
		}
	}
	summary := CheckSummary{Total: len(all), Active: len(active)}

	e.logger.InfoContext(ctx, "checking active positions",
		slog.Int("total", summary.Total),
		slog.Int("active", summary.Active),
	)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range active {
		g.Go(func() error {
			if err := e.CheckPositionStatus(ctx, p); err != nil {
				e.logger.ErrorContext(ctx, "position check failed",
					slog.String("position_id", p.ID),
					slog.String("pool", p.PoolAddress),
					slog.String("error", err.Error()),
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("position %s: %w", p.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Failed = len(errs)
	summary.Checked = summary.Active - summary.Failed

	e.logger.InfoContext(ctx, "position check pass complete",
		slog.Int("checked", summary.Checked),
		slog.Int("failed", summary.Failed),
	)
	return summary, errors.Join(errs...)
}

// CheckPositionStatus runs one reconciliation: fetch, persist, notify. Fetch
// and persistence errors are returned. Notification failures are only
// logged.
//
// Only one check per position runs at a time. A call that finds another in
// flight returns nil without checking. The position is reloaded once the
// check owns it, so the previous snapshot is never stale.
func (e *Engine) CheckPositionStatus(ctx context.Context, p domain.Position) error {
	if !e.claim(p.ID) {
		e.logger.DebugContext(ctx, "check already in flight, skipping",
			slog.String("position_id", p.ID),
		)
		return nil
	}
	defer e.release(p.ID)

	fresh, err := e.positions.GetByID(ctx, p.ID)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.DebugContext(ctx, "position deleted before check",
			slog.String("position_id", p.ID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: reload position %s: %w", p.ID, err)
	}
	p = fresh

	snap, err := e.fetchStatus(ctx, p)
	if err != nil {
		return fmt.Errorf("monitor: fetch status: %w", err)
	}
	if err := e.saveStatus(ctx, p, snap); err != nil {
		return err
	}

	e.publishChecked(ctx, p, snap)
	e.checkForNotifications(ctx, p, snap)
	return nil
}

func (e *Engine) claim(id string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine) release(id string) {
	e.flightMu.Lock()
	delete(e.inFlight, id)
	e.flightMu.Unlock()
}

// CheckNewPosition reconciles the position with the given id right away. An
// unknown id is logged and ignored.
func (e *Engine) CheckNewPosition(ctx context.Context, id string) error {
	p, err := e.positions.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.WarnContext(ctx, "new position not found, skipping first check",
			slog.String("position_id", id),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: load position %s: %w", id, err)
	}
	return e.CheckPositionStatus(ctx, p)
}

func (e *Engine) saveStatus(ctx context.Context, p domain.Position, snap domain.StatusSnapshot) error {
	price := snap.CurrentPrice
	entry := domain.PositionHistory{
		PositionID:   p.ID,
		Timestamp:    snap.Timestamp,
		EventType:    domain.HistoryEventStatusCheck,
		PriceAtEvent: &price,
		Metadata:     historyMetadata(snap),
	}
	if snap.OnChain != nil {
		x, y := snap.OnChain.TotalXAmount, snap.OnChain.TotalYAmount
		entry.LiquidityA = &x
		entry.LiquidityB = &y
	}

	if err := e.history.Append(ctx, entry); err != nil {
		return fmt.Errorf("monitor: append history: %w", err)
	}
	if err := e.positions.Update(ctx, p.ID, domain.PositionUpdate{LastStatus: &snap}); err != nil {
		return fmt.Errorf("monitor: save status: %w", err)
	}
	return nil
}

func historyMetadata(snap domain.StatusSnapshot) *domain.HistoryMetadata {
	activeBin, inRange := snap.ActiveBin, snap.BinInRange
	md := &domain.HistoryMetadata{
		ActiveBin:         &activeBin,
		BinInRange:        &inRange,
		CurrentLowerPrice: snap.CurrentLowerPrice,
		CurrentUpperPrice: snap.CurrentUpperPrice,
		OnChain:           snap.OnChain,
		Error:             snap.Error,
	}
	if snap.CurrentLowerPrice != nil {
		changed := snap.PriceRangeChanged
		md.PriceRangeChanged = &changed
	}
	return md
}

func (e *Engine) publishChecked(ctx context.Context, p domain.Position, snap domain.StatusSnapshot) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.PositionEvent{
		Type:       domain.PositionEventChecked,
		PositionID: p.ID,
		Wallet:     p.UserWallet,
		Status:     &snap,
		Time:       snap.Timestamp,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		e.logger.WarnContext(ctx, "failed to publish position event",
			slog.String("position_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) checkForNotifications(ctx context.Context, p domain.Position, snap domain.StatusSnapshot) {
	sections := notificationSections(p, p.LastStatus, snap)
	if len(sections) == 0 {
		return
	}

	dest := e.resolveDestination(ctx, p)
	if dest == "" {
		e.logger.DebugContext(ctx, "no destination for position, skipping notification",
			slog.String("position_id", p.ID),
			slog.String("wallet", p.UserWallet),
		)
		return
	}

	if err := e.notifier.Send(ctx, dest, renderMessage(p, snap, sections)); err != nil {
		e.logger.ErrorContext(ctx, "failed to send position notification",
			slog.String("position_id", p.ID),
			slog.String("destination", dest),
			slog.String("error", err.Error()),
		)
	}
}

// resolveDestination prefers the position's own chat, then the wallet
// directory, then any chat stored on another position of the same wallet.
func (e *Engine) resolveDestination(ctx context.Context, p domain.Position) string {
	if p.ChatID != "" {
		return p.ChatID
	}

	if e.wallets != nil {
		dests, err := e.wallets.DestinationsForWallet(ctx, p.UserWallet)
		if err != nil {
			e.logger.WarnContext(ctx, "wallet directory lookup failed",
				slog.String("wallet", p.UserWallet),
				slog.String("error", err.Error()),
			)
		} else if len(dests) > 0 {
			return dests[0]
		}
	}

	siblings, err := e.positions.ListByWallet(ctx, p.UserWallet)
	if err != nil {
		e.logger.WarnContext(ctx, "sibling position lookup failed",
			slog.String("wallet", p.UserWallet),
			slog.String("error", err.Error()),
		)
		return ""
	}
	for _, s := range siblings {
		if s.ChatID != "" {
			return s.ChatID
		}
	}
	return ""
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
)

// EventTaskFailed is the notification event type for failed task runs.
const EventTaskFailed = "task_failed"

const relayBuffer = 256

// alertSender delivers filtered operational alerts. *notify.Notifier
// satisfies it.
type alertSender interface {
	Notify(ctx context.Context, event, destination, text string) error
}

// eventRelay forwards scheduler events to the signal bus and turns failed
// runs into operator alerts. The listener never blocks the scheduler. Log
// events share a bounded buffer and are dropped when it is full; task
// lifecycle events are always queued and forwarded ahead of logs.
type eventRelay struct {
	bus       domain.SignalBus
	alerts    alertSender
	opsChatID string
	logs      chan scheduler.Event
	logger    *slog.Logger

	mu      sync.Mutex
	pending []scheduler.Event
	wake    chan struct{}
}

func newEventRelay(bus domain.SignalBus, alerts alertSender, opsChatID string, logger *slog.Logger) *eventRelay {
	return &eventRelay{
		bus:       bus,
		alerts:    alerts,
		opsChatID: opsChatID,
		logs:      make(chan scheduler.Event, relayBuffer),
		wake:      make(chan struct{}, 1),
		logger:    logger.With(slog.String("component", "event_relay")),
	}
}

// Listen is the scheduler.Listener.
func (r *eventRelay) Listen(ev scheduler.Event) {
	if ev.Kind == scheduler.EventLog {
		select {
		case r.logs <- ev:
		default:
		}
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains events until ctx is cancelled.
func (r *eventRelay) Run(ctx context.Context) error {
	for {
		for _, ev := range r.takePending() {
			r.forward(ctx, ev)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case ev := <-r.logs:
			r.forward(ctx, ev)
		}
	}
}

func (r *eventRelay) takePending() []scheduler.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

func (r *eventRelay) forward(ctx context.Context, ev scheduler.Event) {
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		// Task results are arbitrary values; retry without one.
		ev.Result = nil
		if payload, err = json.Marshal(ev); err != nil {
			r.logger.WarnContext(ctx, "drop unencodable scheduler event",
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	if err := r.bus.Publish(ctx, domain.ChannelSchedulerEvents, payload); err != nil {
		r.logger.WarnContext(ctx, "publish scheduler event failed", slog.String("error", err.Error()))
	}
	if ev.Kind != scheduler.EventLog {
		if err := r.bus.StreamAppend(ctx, domain.ChannelSchedulerEvents, payload); err != nil {
			r.logger.WarnContext(ctx, "append scheduler event failed", slog.String("error", err.Error()))
		}
	}

	if ev.Kind == scheduler.EventTaskFailed && r.alerts != nil && r.opsChatID != "" {
		text := fmt.Sprintf("❌ Task %q failed: %s", ev.TaskName, ev.Error)
		if err := r.alerts.Notify(ctx, EventTaskFailed, r.opsChatID, text); err != nil {
			r.logger.WarnContext(ctx, "task failure alert failed",
				slog.String("task_id", ev.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Package pipeline holds background data jobs that run on the task
// scheduler. The history exporter copies newly appended position history to
// object storage; the source records are never modified.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
)

// ExporterTaskName is the scheduler task name of the history exporter.
const ExporterTaskName = "History Exporter"

const (
	watermarkName  = "history_export_seq"
	exportLockKey  = "history_export"
	defaultLockTTL = 15 * time.Minute
	pageSize       = 1000
)

// Archive persists a batch of history records and returns where it went.
type Archive interface {
	Write(ctx context.Context, records []domain.PositionHistory, at time.Time) (string, error)
}

// Watermarks stores the insertion sequence of the last exported record.
type Watermarks interface {
	Get(ctx context.Context, name string) (int64, bool, error)
	Set(ctx context.Context, name string, seq int64) error
}

// ExporterConfig configures the exporter. Zero values select defaults.
type ExporterConfig struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	LockTTL    time.Duration
}

// ExportResult summarises one export run. FromSeq is exclusive and ToSeq
// inclusive.
type ExportResult struct {
	Path    string `json:"path,omitempty"`
	Count   int    `json:"count"`
	FromSeq int64  `json:"fromSeq"`
	ToSeq   int64  `json:"toSeq"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Exporter copies history records appended since the last run to an
// Archive. Records are selected by insertion sequence, not by their own
// timestamp, so a record committed late is still picked up by the next run.
// Locks and Watermarks are optional; without Watermarks the cursor is kept
// in memory and resets with the process.
type Exporter struct {
	history domain.HistoryStore
	archive Archive
	locks   domain.LockManager
	marks   Watermarks
	cfg     ExporterConfig
	now     func() time.Time
	logger  *slog.Logger

	last int64
}
// NewExporter creates an Exporter.
func NewExporter(
	history domain.HistoryStore,
	archive Archive,
	locks domain.LockManager,
	marks Watermarks,
	cfg ExporterConfig,
	logger *slog.Logger,
) *Exporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Exporter{
		history: history,
		archive: archive,
		locks:   locks,
		marks:   marks,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "history_exporter")),
	}
}

// Register adds the exporter to s as a recurring task.
func (x *Exporter) Register(s *scheduler.Scheduler) (string, error) {
	id, err := s.RegisterTask(scheduler.TaskSpec{
		Name:     ExporterTaskName,
		Interval: x.cfg.Interval,
		Enabled:  true,
		Fn: func(ctx context.Context) (any, error) {
			return x.Run(ctx)
		},
		MaxRetries: x.cfg.MaxRetries,
		RetryDelay: x.cfg.RetryDelay,
		Timeout:    x.cfg.Timeout,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: register exporter: %w", err)
	}
	return id, nil
}

// Run exports one window. When another process holds the export lock the
// run is skipped without error.
func (x *Exporter) Run(ctx context.Context) (ExportResult, error) {
	if x.locks != nil {
		unlock, err := x.locks.Acquire(ctx, exportLockKey, x.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			x.logger.InfoContext(ctx, "export already running elsewhere, skipping")
			return ExportResult{Skipped: true}, nil
		}
		if err != nil {
			return ExportResult{}, fmt.Errorf("pipeline: acquire export lock: %w", err)
		}
		defer unlock()
	}

	from, err := x.cursor(ctx)
	if err != nil {
		return ExportResult{}, err
	}
	res := ExportResult{FromSeq: from, ToSeq: from}

	var records []domain.PositionHistory
	for {
		page, err := x.history.ListAfter(ctx, res.ToSeq, pageSize)
		if err != nil {
			return res, fmt.Errorf("pipeline: list history: %w", err)
		}
		records = append(records, page...)
		if len(page) > 0 {
			res.ToSeq = page[len(page)-1].Seq
		}
		if len(page) < pageSize {
			break
		}
	}
	res.Count = len(records)

	if len(records) > 0 {
		res.Path, err = x.archive.Write(ctx, records, x.now().UTC())
		if err != nil {
			return res, fmt.Errorf("pipeline: write export: %w", err)
		}
		if err := x.advance(ctx, res.ToSeq); err != nil {
			return res, err
		}
	}

	x.logger.InfoContext(ctx, "history export complete",
		slog.Int("records", res.Count),
		slog.String("path", res.Path),
		slog.Int64("from_seq", res.FromSeq),
		slog.Int64("to_seq", res.ToSeq),
	)
	return res, nil
}

func (x *Exporter) cursor(ctx context.Context) (int64, error) {
	if x.marks == nil {
		return x.last, nil
	}
	seq, ok, err := x.marks.Get(ctx, watermarkName)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read watermark: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return seq, nil
}

func (x *Exporter) advance(ctx context.Context, seq int64) error {
	x.last = seq
	if x.marks == nil {
		return nil
	}
	if err := x.marks.Set(ctx, watermarkName, seq); err != nil {
		return fmt.Errorf("pipeline: save watermark: %w", err)
	}
	return nil
}

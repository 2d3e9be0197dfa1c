package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/rangewatch/internal/domain"
	"github.com/alanyoungcy/rangewatch/internal/scheduler"
)

// TaskScheduler is the part of the scheduler the task endpoints use.
type TaskScheduler interface {
	Tasks() []scheduler.Task
	RunTaskNow(ctx context.Context, id string) (any, error)
}

// TaskHandler serves scheduler task endpoints.
type TaskHandler struct {
	sched  TaskScheduler
	logger *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(sched TaskScheduler, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{sched: sched, logger: logger.With(slog.String("handler", "tasks"))}
}

// ListTasks returns every registered task.
// GET /api/tasks
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.sched.Tasks()
	out := make([]domain.TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Record())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// RunTask executes a task immediately and returns its result.
// POST /api/tasks/{id}/run
func (h *TaskHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := h.sched.RunTaskNow(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrTaskRunning):
		writeError(w, http.StatusConflict, "task is already running")
	case err != nil:
		h.logger.WarnContext(r.Context(), "handler: task run failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

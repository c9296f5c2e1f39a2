package handler

import (
	"net/http"
	"time"

	"github.com/tdeu/blc-hedera-sub002/internal/resolution"
	"github.com/tdeu/blc-hedera-sub002/internal/scheduler"
)

// RetrySnapshotter exposes the resolution retry queue.
type RetrySnapshotter interface {
	Snapshot() []resolution.RetryEntry
}

// TaskLister exposes scheduled task state.
type TaskLister interface {
	Status() []scheduler.TaskStatus
}

// StatusHandler serves the engine status for operators.
type StatusHandler struct {
	mode    string
	retries RetrySnapshotter
	tasks   TaskLister
}

// NewStatusHandler creates a StatusHandler. retries and tasks may be nil
// when the process does not run the engine.
func NewStatusHandler(mode string, retries RetrySnapshotter, tasks TaskLister) *StatusHandler {
	return &StatusHandler{mode: mode, retries: retries, tasks: tasks}
}

type retryView struct {
	MarketID    string    `json:"market_id"`
	Op          string    `json:"op"`
	RetryCount  int       `json:"retry_count"`
	NextAttempt time.Time `json:"next_attempt"`
	Sources     []string  `json:"sources,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type taskView struct {
	Name    string    `json:"name"`
	Every   string    `json:"every"`
	NextRun time.Time `json:"next_run"`
	Runs    int       `json:"runs"`
	LastErr string    `json:"last_error,omitempty"`
}

// GetStatus responds with the mode, the retry queue and scheduled tasks.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	retries := make([]retryView, 0)
	if h.retries != nil {
		for _, e := range h.retries.Snapshot() {
			retries = append(retries, retryView{
				MarketID:    e.MarketID,
				Op:          string(e.Op),
				RetryCount:  e.RetryCount,
				NextAttempt: e.NextAttempt,
				Sources:     e.Sources,
				LastError:   e.LastError,
			})
		}
	}
	tasks := make([]taskView, 0)
	if h.tasks != nil {
		for _, t := range h.tasks.Status() {
			tasks = append(tasks, taskView{
				Name:    t.Name,
				Every:   t.Every.String(),
				NextRun: t.NextRun,
				Runs:    t.Runs,
				LastErr: t.LastErr,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":        h.mode,
		"retry_queue": retries,
		"tasks":       tasks,
	})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/notify"
	"notihub/internal/schedule"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

const defaultStaleAge = 15 * time.Minute

type handlers struct {
	deps Deps
	log  logx.Logger
}

type logView struct {
	ID          int64      `json:"id"`
	SenderID    int64      `json:"sender_id"`
	ContactData string     `json:"contact_data"`
	Message     string     `json:"message"`
	Provider    string     `json:"provider_name"`
	Status      string     `json:"status"`
	Details     string     `json:"details,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func viewLogs(in []models.LogEntry) []logView {
	out := make([]logView, len(in))
	for i, e := range in {
		out[i] = logView{
			ID: e.ID, SenderID: e.SenderID, ContactData: e.ContactData, Message: e.Message,
			Provider: string(e.Provider), Status: string(e.Status), Details: e.Details,
			CreatedAt: e.CreatedAt, DeliveredAt: e.DeliveredAt,
		}
	}
	return out
}

type scheduleView struct {
	ID                int64      `json:"id"`
	Message           string     `json:"message"`
	ChannelID         int64      `json:"channel_id"`
	Type              string     `json:"schedule_type"`
	ScheduledAt       *time.Time `json:"scheduled_at,omitempty"`
	Crontab           string     `json:"crontab,omitempty"`
	MaxExecutions     int        `json:"max_executions"`
	CurrentExecutions int        `json:"current_executions"`
	LastExecutedAt    *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt   *time.Time `json:"next_execution_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func viewSchedules(in []models.Schedule) []scheduleView {
	out := make([]scheduleView, len(in))
	for i, s := range in {
		out[i] = scheduleView{
			ID: s.ID, Message: s.Message, ChannelID: s.ChannelID, Type: string(s.Type),
			ScheduledAt: s.ScheduledAt, Crontab: s.Crontab, MaxExecutions: s.MaxExecutions,
			CurrentExecutions: s.CurrentExecutions, LastExecutedAt: s.LastExecutedAt,
			NextExecutionAt: s.NextExecutionAt, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
		}
	}
	return out
}

type page[T any] struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Items  []T `json:"items"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.DB.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, fmt.Errorf("database: %w", err))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	if h.deps.Status == nil {
		writeError(w, http.StatusNotFound, errors.New("status not available"))
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status())
}

func (h *handlers) deliveryReport(w http.ResponseWriter, r *http.Request) {
	dr, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var rng *models.DateRange
	if !dr.IsZero() {
		rng = &dr
	}
	entries, err := h.deps.Logs.AllOrByDateRange(r.Context(), rng)
	if err != nil {
		h.internal(w, "delivery report", err)
		return
	}
	writeJSON(w, http.StatusOK, dispatch.Summarize(entries))
}

func (h *handlers) logHistory(w http.ResponseWriter, r *http.Request) {
	senderID, err := queryInt64(r, "sender_id")
	if err != nil || senderID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("sender_id is required"))
		return
	}
	dr, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pg, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, entries, err := h.deps.Logs.History(r.Context(), storage.LogFilter{SenderID: senderID, Range: dr}, pg)
	if err != nil {
		h.internal(w, "log history", err)
		return
	}
	writeJSON(w, http.StatusOK, page[logView]{Total: total, Limit: pg.Limit, Offset: pg.Offset, Items: viewLogs(entries)})
}

func (h *handlers) staleLogs(w http.ResponseWriter, r *http.Request) {
	age := defaultStaleAge
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("older_than: invalid duration %q", raw))
			return
		}
		age = d
	}
	entries, err := h.deps.Logs.StalePending(r.Context(), h.deps.Now().Add(-age))
	if err != nil {
		h.internal(w, "stale logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"older_than": age.String(), "count": len(entries), "items": viewLogs(entries)})
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	dr, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pg, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	total, items, err := h.deps.Schedules.ListByUser(r.Context(), storage.ScheduleFilter{UserID: userID, Range: dr}, pg)
	if err != nil {
		h.internal(w, "list schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, page[scheduleView]{Total: total, Limit: pg.Limit, Offset: pg.Offset, Items: viewSchedules(items)})
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid schedule id"))
		return
	}
	userID, err := queryInt64(r, "user_id")
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	if err := h.deps.Schedules.DeleteOwned(r.Context(), id, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("schedule %d not found", id))
			return
		}
		h.internal(w, "delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get("X-User-ID")), 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusUnauthorized, errors.New("X-User-ID header is required"))
		return
	}
	var req notify.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	res, err := h.deps.Notify.Submit(r.Context(), userID, req)
	var ve *schedule.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, notify.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	default:
		h.internal(w, "submit notification", err)
		return
	}

	status := http.StatusCreated
	if len(res.LogIDs) == 0 && len(res.ScheduleIDs) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *handlers) internal(w http.ResponseWriter, op string, err error) {
	h.log.Error("http handler failed", logx.String("op", op), logx.Err(err))
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt64(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// parseRange reads optional RFC 3339 from/to bounds.
func parseRange(r *http.Request) (models.DateRange, error) {
	var dr models.DateRange
	for _, b := range []struct {
		key string
		dst *time.Time
	}{{"from", &dr.From}, {"to", &dr.To}} {
		raw := strings.TrimSpace(r.URL.Query().Get(b.key))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return dr, fmt.Errorf("%s: expected RFC 3339 time, got %q", b.key, raw)
		}
		*b.dst = t.UTC()
	}
	if !dr.From.IsZero() && !dr.To.IsZero() && dr.To.Before(dr.From) {
		return dr, errors.New("to is before from")
	}
	return dr, nil
}

func parsePage(r *http.Request) (models.Page, error) {
	limit, err := queryInt64(r, "limit")
	if err != nil || limit < 0 {
		return models.Page{}, errors.New("limit: must be a non-negative integer")
	}
	offset, err := queryInt64(r, "offset")
	if err != nil || offset < 0 {
		return models.Page{}, errors.New("offset: must be a non-negative integer")
	}
	if limit == 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return models.Page{Limit: int(limit), Offset: int(offset)}, nil
}

package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notihub/internal/models"
	"notihub/internal/notify"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

type Logs interface {
	History(ctx context.Context, f storage.LogFilter, p models.Page) (int, []models.LogEntry, error)
	AllOrByDateRange(ctx context.Context, dr *models.DateRange) ([]models.LogEntry, error)
	StalePending(ctx context.Context, olderThan time.Time) ([]models.LogEntry, error)
}

type Schedules interface {
	ListByUser(ctx context.Context, f storage.ScheduleFilter, p models.Page) (int, []models.Schedule, error)
	DeleteOwned(ctx context.Context, scheduleID, userID int64) error
}

type Submitter interface {
	Submit(ctx context.Context, userID int64, req notify.Request) (notify.Result, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the read and write paths the API exposes. Status, when set,
// backs GET /v1/status.
type Deps struct {
	Logs      Logs
	Schedules Schedules
	Notify    Submitter
	DB        Pinger
	Status    func() any
	Now       func() time.Time
}

// Router builds the API handler.
func Router(deps Deps, pprof bool, log logx.Logger) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/reports/deliveries", h.deliveryReport)
		r.Get("/logs", h.logHistory)
		r.Get("/logs/stale", h.staleLogs)
		r.Get("/schedules", h.listSchedules)
		r.Delete("/schedules/{id}", h.deleteSchedule)
		r.Post("/notifications", h.submit)
	})
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/notify"
	"notihub/internal/schedule"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

type fakeLogs struct {
	entries   []models.LogEntry
	gotFilter storage.LogFilter
	gotRange  *models.DateRange
	gotCutoff time.Time
}

func (f *fakeLogs) History(_ context.Context, lf storage.LogFilter, p models.Page) (int, []models.LogEntry, error) {
	f.gotFilter = lf
	return len(f.entries), f.entries, nil
}

func (f *fakeLogs) AllOrByDateRange(_ context.Context, dr *models.DateRange) ([]models.LogEntry, error) {
	f.gotRange = dr
	return f.entries, nil
}

func (f *fakeLogs) StalePending(_ context.Context, olderThan time.Time) ([]models.LogEntry, error) {
	f.gotCutoff = olderThan
	return nil, nil
}

type fakeSchedules struct {
	deleted map[int64]int64
}

func (f *fakeSchedules) ListByUser(_ context.Context, sf storage.ScheduleFilter, _ models.Page) (int, []models.Schedule, error) {
	return 1, []models.Schedule{{ID: 5, Message: "m", ChannelID: 1, Type: models.ScheduleOnce}}, nil
}

func (f *fakeSchedules) DeleteOwned(_ context.Context, id, userID int64) error {
	if id != 5 || userID != 7 {
		return storage.ErrNotFound
	}
	f.deleted[id] = userID
	return nil
}

type fakeNotify struct {
	gotUser int64
	gotReq  notify.Request
	err     error
}

func (f *fakeNotify) Submit(_ context.Context, userID int64, req notify.Request) (notify.Result, error) {
	f.gotUser, f.gotReq = userID, req
	if f.err != nil {
		return notify.Result{}, f.err
	}
	return notify.Result{LogIDs: []int64{11}}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, logs *fakeLogs, sch *fakeSchedules, nt *fakeNotify, db Pinger) *httptest.Server {
	t.Helper()
	deps := Deps{Logs: logs, Schedules: sch, Notify: nt, DB: db, Now: func() time.Time { return now }}
	srv := httptest.NewServer(Router(deps, true, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body string, hdr map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealth(t *testing.T) {
	t.Parallel()
	ok := newTestServer(t, &fakeLogs{}, &fakeSchedules{}, &fakeNotify{}, pinger{})
	if resp, _ := do(t, http.MethodGet, ok.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	down := newTestServer(t, &fakeLogs{}, &fakeSchedules{}, &fakeNotify{}, pinger{err: errors.New("locked")})
	if resp, _ := do(t, http.MethodGet, down.URL+"/healthz", "", nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestDeliveryReport(t *testing.T) {
	t.Parallel()
	logs := &fakeLogs{entries: []models.LogEntry{
		{Provider: models.ProviderEmail, Status: models.StatusSuccess},
		{Provider: models.ProviderEmail, Status: models.StatusFailure},
		{Provider: models.ProviderSMS, Status: models.StatusSuccess},
	}}
	srv := newTestServer(t, logs, &fakeSchedules{}, &fakeNotify{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/reports/deliveries?from=2026-05-01T00:00:00Z", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if body["success"].(float64) != 2 || body["failure"].(float64) != 1 {
		t.Fatalf("body=%v", body)
	}
	if logs.gotRange == nil || !logs.gotRange.From.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("range=%v", logs.gotRange)
	}

	var rep dispatch.Report
	resp2, err := http.Get(srv.URL + "/v1/reports/deliveries")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if err := json.NewDecoder(resp2.Body).Decode(&rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rep.Providers) != 2 || rep.Providers[0].Provider != models.ProviderEmail || rep.Providers[0].SuccessRate != 0.5 {
		t.Fatalf("report=%+v", rep)
	}
	if logs.gotRange != nil {
		t.Fatalf("unbounded report should pass nil range")
	}
}

func TestBadQueryParams(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &fakeLogs{}, &fakeSchedules{}, &fakeNotify{}, nil)
	for _, path := range []string{
		"/v1/reports/deliveries?from=yesterday",
		"/v1/reports/deliveries?from=2026-05-02T00:00:00Z&to=2026-05-01T00:00:00Z",
		"/v1/logs",
		"/v1/logs?sender_id=1&limit=-1",
		"/v1/logs/stale?older_than=soon",
		"/v1/schedules",
	} {
		if resp, _ := do(t, http.MethodGet, srv.URL+path, "", nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", path, resp.StatusCode)
		}
	}
}

func TestLogHistoryAndStale(t *testing.T) {
	t.Parallel()
	logs := &fakeLogs{entries: []models.LogEntry{{ID: 1, SenderID: 3, Provider: models.ProviderPush, Status: models.StatusPending}}}
	srv := newTestServer(t, logs, &fakeSchedules{}, &fakeNotify{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/logs?sender_id=3&limit=10", "", nil)
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 || body["limit"].(float64) != 10 {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if logs.gotFilter.SenderID != 3 {
		t.Fatalf("filter=%+v", logs.gotFilter)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/logs/stale?older_than=1h", "", nil)
	if resp.StatusCode != http.StatusOK || !logs.gotCutoff.Equal(now.Add(-time.Hour)) {
		t.Fatalf("status=%d cutoff=%v", resp.StatusCode, logs.gotCutoff)
	}
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	sch := &fakeSchedules{deleted: map[int64]int64{}}
	srv := newTestServer(t, &fakeLogs{}, sch, &fakeNotify{}, nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/schedules?user_id=7", "", nil)
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 {
		t.Fatalf("status=%d body=%v", resp.StatusCode, body)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/schedules/5?user_id=8", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodDelete, srv.URL+"/v1/schedules/5?user_id=7", "", nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	if sch.deleted[5] != 7 {
		t.Fatalf("deleted=%v", sch.deleted)
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	t.Run("created", func(t *testing.T) {
		t.Parallel()
		nt := &fakeNotify{}
		srv := newTestServer(t, &fakeLogs{}, &fakeSchedules{}, nt, nil)
		resp, body := do(t, http.MethodPost, srv.URL+"/v1/notifications",
			`{"message":"hi","channel_ids":[1,2]}`, map[string]string{"X-User-ID": "7"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status=%d body=%v", resp.StatusCode, body)
		}
		if nt.gotUser != 7 || len(nt.gotReq.ChannelIDs) != 2 {
			t.Fatalf("user=%d req=%+v", nt.gotUser, nt.gotReq)
		}
	})

	cases := []struct {
		name   string
		hdr    map[string]string
		body   string
		err    error
		status int
	}{
		{"missing user", nil, `{}`, nil, http.StatusUnauthorized},
		{"unknown field", map[string]string{"X-User-ID": "7"}, `{"msg":"x"}`, nil, http.StatusBadRequest},
		{"validation", map[string]string{"X-User-ID": "7"}, `{"message":"x"}`, &schedule.ValidationError{Field: "crontab", Reason: "bad"}, http.StatusBadRequest},
		{"channel", map[string]string{"X-User-ID": "7"}, `{"message":"x"}`, &notify.ChannelNotFoundError{IDs: []int64{9}}, http.StatusNotFound},
		{"internal", map[string]string{"X-User-ID": "7"}, `{"message":"x"}`, fmt.Errorf("store: %w", errors.New("disk")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(t, &fakeLogs{}, &fakeSchedules{}, &fakeNotify{err: tc.err}, nil)
			resp, body := do(t, http.MethodPost, srv.URL+"/v1/notifications", tc.body, tc.hdr)
			if resp.StatusCode != tc.status {
				t.Fatalf("status=%d want %d body=%v", resp.StatusCode, tc.status, body)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := withAuth("s3cret", Router(Deps{Logs: &fakeLogs{}, Now: time.Now}, false, logx.Nop()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	if resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must stay open, status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/logs/stale", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/logs/stale", "", map[string]string{"Authorization": "Bearer s3cret"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatalf("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("listener still bound after stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.2:8080":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q)=%v want %v", addr, got, want)
		}
	}
}

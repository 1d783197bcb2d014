package poller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"notihub/internal/models"
	"notihub/internal/storage"
	logx "notihub/pkg/logx"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	store   *storage.Store
	entries []models.LogEntry
	resolve bool
}

func (f *fakeDispatcher) Enqueue(ctx context.Context, entries ...models.LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	if !f.resolve {
		return
	}
	for _, e := range entries {
		_ = f.store.Logs().Resolve(ctx, e.ID, models.StatusSuccess, "ok")
	}
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func setup(t *testing.T) (*storage.Store, int64) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "poller.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	chID, err := st.Channels().Add(context.Background(), models.Channel{UserID: 9, ContactValue: "u@example.com", Type: models.ProviderEmail, Active: true})
	if err != nil {
		t.Fatalf("add channel: %v", err)
	}
	return st, chID
}

func newPoller(st *storage.Store, d Dispatcher, holder string, now *time.Time) *Service {
	p := New(Config{Enabled: true, Interval: time.Minute, Holder: holder}, st, d, logx.Nop())
	p.now = func() time.Time { return *now }
	return p
}

func TestRecurringRunsMaxExecutionsThenRetires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := now
	if _, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "standup", ChannelID: chID, Type: models.ScheduleRecurring,
		Crontab: "* * * * *", MaxExecutions: 3, NextExecutionAt: &next,
	}}); err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}

	disp := &fakeDispatcher{store: st, resolve: true}
	p := newPoller(st, disp, "a", &now)

	for i := 1; i <= 3; i++ {
		rep, err := p.RunOnce(ctx)
		if err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		if rep.Due != 1 || rep.Recorded != 1 {
			t.Fatalf("cycle %d: %+v", i, rep)
		}
		if i < 3 && rep.Advanced != 1 {
			t.Fatalf("cycle %d should advance: %+v", i, rep)
		}
		if i == 3 && rep.Retired != 1 {
			t.Fatalf("cycle 3 should retire: %+v", rep)
		}
		now = now.Add(time.Minute)
	}

	if disp.count() != 3 {
		t.Fatalf("dispatched=%d want 3", disp.count())
	}
	total, _, err := st.Schedules().ListByUser(ctx, storage.ScheduleFilter{UserID: 9}, models.Page{})
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if total != 0 {
		t.Fatalf("schedule should be retired, %d left", total)
	}

	rep, err := p.RunOnce(ctx)
	if err != nil || rep.Due != 0 {
		t.Fatalf("fourth cycle: rep=%+v err=%v", rep, err)
	}
}

func TestAdvanceMovesToNextCronInstant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)

	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	due := now.Add(-time.Minute)
	ids, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "hourly", ChannelID: chID, Type: models.ScheduleRecurring,
		Crontab: "0 * * * *", MaxExecutions: 5, NextExecutionAt: &due,
	}})
	if err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}
	p := newPoller(st, &fakeDispatcher{}, "a", &now)
	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	sc, err := st.Schedules().Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if sc.NextExecutionAt == nil || !sc.NextExecutionAt.Equal(want) {
		t.Fatalf("next=%v want %v", sc.NextExecutionAt, want)
	}
	if sc.CurrentExecutions != 1 || sc.LastExecutedAt == nil || !sc.LastExecutedAt.Equal(now.Truncate(time.Millisecond)) {
		t.Fatalf("count=%d last=%v", sc.CurrentExecutions, sc.LastExecutedAt)
	}
}

func TestOnceInThePastSendsAndRetires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := now.Add(-time.Hour)
	if _, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "late", ChannelID: chID, Type: models.ScheduleOnce, ScheduledAt: &at, NextExecutionAt: &at,
	}}); err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}

	disp := &fakeDispatcher{}
	p := newPoller(st, disp, "a", &now)
	rep, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Recorded != 1 || rep.Retired != 1 {
		t.Fatalf("rep=%+v", rep)
	}
	if disp.count() != 1 || disp.entries[0].SenderID != 9 || disp.entries[0].Status != models.StatusPending {
		t.Fatalf("entries=%+v", disp.entries)
	}
}

func TestInactiveChannelIsSkippedButSettled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)
	if err := st.Channels().SetActive(ctx, chID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := now.Add(-time.Minute)
	if _, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "muted", ChannelID: chID, Type: models.ScheduleOnce, ScheduledAt: &at, NextExecutionAt: &at,
	}}); err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}

	disp := &fakeDispatcher{}
	rep, err := newPoller(st, disp, "a", &now).RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rep.Inactive != 1 || rep.Retired != 1 || disp.count() != 0 {
		t.Fatalf("rep=%+v dispatched=%d", rep, disp.count())
	}
}

func TestPendingDuplicateIsNotResent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	next := now
	if _, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "tick", ChannelID: chID, Type: models.ScheduleRecurring,
		Crontab: "* * * * *", MaxExecutions: 10, NextExecutionAt: &next,
	}}); err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}

	disp := &fakeDispatcher{}
	p := newPoller(st, disp, "a", &now)
	if _, err := p.RunOnce(ctx); err != nil {
		t.Fatalf("first: %v", err)
	}
	now = now.Add(time.Minute)
	rep, err := p.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if rep.Recorded != 0 || rep.Duplicates != 1 || rep.Advanced != 1 {
		t.Fatalf("rep=%+v", rep)
	}
	if disp.count() != 1 {
		t.Fatalf("dispatched=%d want 1", disp.count())
	}
}

func TestLeaseHeldByAnotherPollerSkipsCycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, chID := setup(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	at := now.Add(-time.Minute)
	if _, err := st.Schedules().AddOrMerge(ctx, []models.ScheduleDraft{{
		Message: "once", ChannelID: chID, Type: models.ScheduleOnce, ScheduledAt: &at, NextExecutionAt: &at,
	}}); err != nil {
		t.Fatalf("AddOrMerge: %v", err)
	}

	first := newPoller(st, &fakeDispatcher{}, "first", &now)
	if ok, err := st.Lease().Acquire(ctx, leaseName, "first", now, first.config().LeaseTTL); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	disp := &fakeDispatcher{}
	second := newPoller(st, disp, "second", &now)
	rep, err := second.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !rep.LeaseBusy || rep.Due != 0 || disp.count() != 0 {
		t.Fatalf("rep=%+v dispatched=%d", rep, disp.count())
	}

	now = now.Add(time.Hour)
	rep, err = second.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce after expiry: %v", err)
	}
	if rep.LeaseBusy || rep.Recorded != 1 {
		t.Fatalf("expired lease should be taken over: %+v", rep)
	}
}

func TestApplyNormalizesInterval(t *testing.T) {
	t.Parallel()
	p := New(Config{}, nil, nil, logx.Nop())
	p.Apply(Config{Interval: 5 * time.Second})
	cfg := p.config()
	if cfg.Interval != 5*time.Second || cfg.LeaseTTL != 15*time.Second {
		t.Fatalf("cfg=%+v", cfg)
	}
}

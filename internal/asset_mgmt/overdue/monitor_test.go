package overdue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"IRIS-lending/internal/asset_mgmt/borrows"
	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/asset_mgmt/returns"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/notify"
	"IRIS-lending/internal/platform/clock"
)

var now = time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store   *lendstore.MemStore
	clk     *clock.Manual
	engine  *borrows.Engine
	wf      *returns.Workflow
	events  *notify.Recorder
	ledger  *MemoryLedger
	monitor *Monitor
}

func newFixture(t *testing.T, loc *time.Location, ledger Ledger) *fixture {
	t.Helper()
	store := lendstore.NewMemStore()
	clk := clock.NewManual(now)
	catalog := inventory.NewCatalog(store, zap.NewNop(), inventory.WithClock(clk))
	_, err := catalog.CreateItem(context.Background(), inventory.CreateItemRequest{ItemID: "CAM", Name: "Camera", TotalQuantity: 10})
	require.NoError(t, err)

	engine := borrows.NewEngine(store, catalog, borrowers.NewStaticDirectory("S1001"), zap.NewNop(),
		borrows.WithClock(clk), borrows.WithLocation(loc))
	events := &notify.Recorder{}
	wf := returns.NewWorkflow(store, catalog, events, zap.NewNop(), returns.WithClock(clk))

	mem := NewMemoryLedger(clk)
	if ledger == nil {
		ledger = mem
	}
	m := NewMonitor(store, ledger, events, zap.NewNop(),
		WithClock(clk), WithLocation(loc), WithReminderInterval(24*time.Hour))
	return &fixture{store: store, clk: clk, engine: engine, wf: wf, events: events, ledger: mem, monitor: m}
}

func (f *fixture) borrow(t *testing.T, due string) string {
	t.Helper()
	res, err := f.engine.Submit(context.Background(), borrows.SubmitRequest{
		BorrowerID:         "S1001",
		ExpectedReturnDate: due,
		Purpose:            "lab",
		Lines:              []borrows.LineRequest{{ItemID: "CAM", Quantity: 1}},
	})
	require.NoError(t, err)
	return res.TransactionID
}

func TestSweep_FlagsOverdueOnce(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	id := f.borrow(t, "2026-05-11")
	ctx := context.Background()

	// two days later the due date is yesterday
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))

	st, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Flagged)
	assert.Equal(t, 1, st.OverdueReminders)

	st, err = f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Flagged)
	assert.Equal(t, 0, st.OverdueReminders)

	bt, err := f.store.GetTransaction(ctx, id)
	require.NoError(t, err)
	assert.True(t, bt.Overdue)
	require.NotNil(t, bt.OverdueAt)
	assert.Equal(t, time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC), *bt.OverdueAt)
	assert.Equal(t, lendstore.TxBorrowed, bt.Status)
	assert.Equal(t, lendstore.TxOverdue, bt.EffectiveStatus())

	overdue := f.events.OfKind(notify.KindOverdue)
	require.Len(t, overdue, 1)
	assert.Equal(t, id, overdue[0].TransactionID)
	assert.Equal(t, "S1001", overdue[0].BorrowerID)
}

func TestSweep_OverdueReminderCadence(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	f.borrow(t, "2026-05-11")
	ctx := context.Background()
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))

	for i := 0; i < 5; i++ {
		_, err := f.monitor.Sweep(ctx)
		require.NoError(t, err)
		f.clk.Advance(5 * time.Minute)
	}
	assert.Len(t, f.events.OfKind(notify.KindOverdue), 1)

	f.clk.Advance(24 * time.Hour)
	st, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Flagged, "already flagged")
	assert.Equal(t, 1, st.OverdueReminders)
	assert.Len(t, f.events.OfKind(notify.KindOverdue), 2)
}

func TestSweep_DueSoonOnce(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	tomorrowID := f.borrow(t, "2026-05-11")
	f.borrow(t, "2026-05-10") // later today: neither due soon nor overdue
	f.borrow(t, "2026-05-14")
	ctx := context.Background()

	st, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DueSoon)
	assert.Equal(t, 0, st.Flagged)
	assert.Equal(t, 2, st.Scanned)

	f.clk.Advance(3 * time.Hour)
	st, err = f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.DueSoon)

	dueSoon := f.events.OfKind(notify.KindDueSoon)
	require.Len(t, dueSoon, 1)
	assert.Equal(t, tomorrowID, dueSoon[0].TransactionID)
}

func TestSweep_CalendarDayUsesLocation(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	f := newFixture(t, jst, nil)
	// 2026-05-10 20:00 UTC is already 05-11 in JST, so 05-12 is tomorrow there
	f.clk.Set(time.Date(2026, 5, 10, 20, 0, 0, 0, time.UTC))
	id := f.borrow(t, "2026-05-12")

	st, err := f.monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.DueSoon)
	require.Len(t, f.events.OfKind(notify.KindDueSoon), 1)
	assert.Equal(t, id, f.events.OfKind(notify.KindDueSoon)[0].TransactionID)
}

func TestSweep_IgnoresReturned(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	id := f.borrow(t, "2026-05-11")
	ctx := context.Background()

	sub, err := f.wf.SubmitReturn(ctx, id, returns.SubmitReturnRequest{})
	require.NoError(t, err)
	_, err = f.wf.Resolve(ctx, sub.VerificationIDs[0], returns.ResolveRequest{Outcome: "verified"}, "admin")
	require.NoError(t, err)

	f.clk.Set(time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC))
	st, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, st)
}

func TestSweep_ReturnClearsFlag(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	id := f.borrow(t, "2026-05-11")
	ctx := context.Background()
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))

	_, err := f.monitor.Sweep(ctx)
	require.NoError(t, err)

	// return_submitted is still open, so it stays overdue until verified
	sub, err := f.wf.SubmitReturn(ctx, id, returns.SubmitReturnRequest{})
	require.NoError(t, err)
	res, err := f.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "overdue", res.EffectiveStatus)

	_, err = f.wf.Resolve(ctx, sub.VerificationIDs[0], returns.ResolveRequest{Outcome: "verified"}, "admin")
	require.NoError(t, err)
	res, err = f.engine.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "returned", res.EffectiveStatus)
	assert.False(t, res.Overdue)
}

func TestSweep_ConcurrentSweepsFlagOnce(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	for i := 0; i < 5; i++ {
		f.borrow(t, "2026-05-11")
	}
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		flagged int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.monitor.Sweep(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			flagged += st.Flagged
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, flagged)
	assert.Len(t, f.events.OfKind(notify.KindOverdue), 5)
}

type brokenLedger struct{}

func (brokenLedger) MarkSent(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("ledger down")
}

func TestSweep_LedgerFailureSkipsReminder(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, time.UTC, brokenLedger{})
	f.monitor.log = zap.New(core)
	id := f.borrow(t, "2026-05-11")
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))

	st, err := f.monitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Flagged, "flag does not depend on the ledger")
	assert.Equal(t, 0, st.OverdueReminders)
	assert.Equal(t, 1, st.Errors)
	assert.Empty(t, f.events.Events())
	assert.Equal(t, 1, logs.FilterMessage("reminder ledger unavailable").Len())

	bt, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, bt.Overdue)
}

type failingList struct{ lendstore.Store }

func (failingList) ListOpenDueBefore(context.Context, time.Time) ([]lendstore.BorrowTransaction, error) {
	return nil, errors.New("db gone")
}

func TestSweep_ListFailure(t *testing.T) {
	m := NewMonitor(failingList{lendstore.NewMemStore()}, NewMemoryLedger(nil), &notify.Recorder{}, zap.NewNop())
	_, err := m.Sweep(context.Background())
	assert.ErrorContains(t, err, "db gone")
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	f := newFixture(t, time.UTC, nil)
	f.borrow(t, "2026-05-11")
	f.clk.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))
	f.monitor.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.monitor.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(f.events.OfKind(notify.KindOverdue)) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Len(t, f.events.OfKind(notify.KindOverdue), 1)
}

func TestTomorrow(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	start, end := tomorrow(time.Date(2026, 12, 31, 16, 0, 0, 0, time.UTC), jst)
	assert.Equal(t, time.Date(2027, 1, 2, 0, 0, 0, 0, jst), start)
	assert.Equal(t, time.Date(2027, 1, 3, 0, 0, 0, 0, jst), end)
}

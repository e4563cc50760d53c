package overdue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/notify"
	"IRIS-lending/internal/platform/clock"
)

const dueSoonTTL = 48 * time.Hour

// SweepStats summarises one pass.
type SweepStats struct {
	Scanned          int `json:"scanned"`
	Flagged          int `json:"flagged"`
	OverdueReminders int `json:"overdue_reminders"`
	DueSoon          int `json:"due_soon"`
	Errors           int `json:"errors"`
}

// Monitor flags open transactions past their expected return date and sends
// due-soon / overdue reminders. It never touches stock.
type Monitor struct {
	store    lendstore.Store
	ledger   Ledger
	notifier notify.Enqueuer
	log      *zap.Logger
	clock    clock.Clock
	loc      *time.Location
	interval time.Duration
	remind   time.Duration
	tracer   trace.Tracer
}

type Option func(*Monitor)

func WithClock(c clock.Clock) Option              { return func(m *Monitor) { m.clock = c } }
func WithLocation(loc *time.Location) Option      { return func(m *Monitor) { m.loc = loc } }
func WithInterval(d time.Duration) Option         { return func(m *Monitor) { m.interval = d } }
func WithReminderInterval(d time.Duration) Option { return func(m *Monitor) { m.remind = d } }

func NewMonitor(store lendstore.Store, ledger Ledger, notifier notify.Enqueuer, log *zap.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		log:      log,
		clock:    clock.Real{},
		loc:      time.UTC,
		interval: 5 * time.Minute,
		remind:   24 * time.Hour,
		tracer:   otel.Tracer("IRIS-lending/overdue"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run sweeps once immediately and then every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("overdue monitor started", zap.Duration("interval", m.interval), zap.String("tz", m.loc.String()))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("overdue sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("overdue monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass. Per-transaction failures are logged and counted; only
// a failure to list candidates is returned.
func (m *Monitor) Sweep(ctx context.Context) (SweepStats, error) {
	ctx, span := m.tracer.Start(ctx, "overdue.sweep")
	defer span.End()

	var st SweepStats
	now := m.clock.Now()
	startTomorrow, endTomorrow := tomorrow(now, m.loc)

	txns, err := m.store.ListOpenDueBefore(ctx, endTomorrow)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return st, fmt.Errorf("list open transactions: %w", err)
	}
	st.Scanned = len(txns)

	for i := range txns {
		t := &txns[i]
		switch {
		case t.ExpectedReturnDate.Before(now):
			m.handleOverdue(ctx, t, now, &st)
		case !t.ExpectedReturnDate.Before(startTomorrow):
			m.handleDueSoon(ctx, t, now, &st)
		}
	}

	span.SetAttributes(
		attribute.Int("scanned", st.Scanned),
		attribute.Int("flagged", st.Flagged),
		attribute.Int("overdue_reminders", st.OverdueReminders),
		attribute.Int("due_soon", st.DueSoon),
	)
	if st.Flagged > 0 || st.OverdueReminders > 0 || st.DueSoon > 0 || st.Errors > 0 {
		m.log.Info("overdue sweep done",
			zap.Int("scanned", st.Scanned),
			zap.Int("flagged", st.Flagged),
			zap.Int("overdue_reminders", st.OverdueReminders),
			zap.Int("due_soon", st.DueSoon),
			zap.Int("errors", st.Errors),
		)
	}
	return st, nil
}

func (m *Monitor) handleOverdue(ctx context.Context, t *lendstore.BorrowTransaction, now time.Time, st *SweepStats) {
	if !t.Overdue {
		flagged, err := m.flag(ctx, t.TransactionID, now)
		if err != nil {
			st.Errors++
			m.log.Error("flag overdue failed", zap.String("transaction_id", t.TransactionID), zap.Error(err))
			return
		}
		if flagged {
			st.Flagged++
			m.log.Info("transaction overdue",
				zap.String("transaction_id", t.TransactionID),
				zap.String("borrower_id", t.BorrowerID),
				zap.Time("expected_return_date", t.ExpectedReturnDate),
			)
		}
	}

	if m.remindOnce(ctx, "overdue:"+t.TransactionID, m.remind, st) {
		m.notifier.Enqueue(event(notify.KindOverdue, t, now))
		st.OverdueReminders++
	}
}

func (m *Monitor) handleDueSoon(ctx context.Context, t *lendstore.BorrowTransaction, now time.Time, st *SweepStats) {
	if m.remindOnce(ctx, "due_soon:"+t.TransactionID, dueSoonTTL, st) {
		m.notifier.Enqueue(event(notify.KindDueSoon, t, now))
		st.DueSoon++
	}
}

func (m *Monitor) remindOnce(ctx context.Context, key string, ttl time.Duration, st *SweepStats) bool {
	ok, err := m.ledger.MarkSent(ctx, key, ttl)
	if err != nil {
		// 次のスイープで再送を試みる
		st.Errors++
		m.log.Warn("reminder ledger unavailable", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

var errNoLongerEligible = errors.New("no longer eligible")

// flag sets the overdue flag under the row lock. The candidate list was read
// without locks, so eligibility is checked again.
func (m *Monitor) flag(ctx context.Context, transactionID string, now time.Time) (bool, error) {
	err := m.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		t, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if t.Overdue || !t.Status.Open() || !t.ExpectedReturnDate.Before(now) {
			return errNoLongerEligible
		}
		t.Overdue = true
		t.OverdueAt = &now
		t.UpdatedAt = now
		return tx.UpdateTransaction(ctx, t)
	})
	switch {
	case errors.Is(err, errNoLongerEligible):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// tomorrow returns the bounds of the next calendar day in loc.
func tomorrow(now time.Time, loc *time.Location) (start, end time.Time) {
	y, mo, d := now.In(loc).Date()
	start = time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	end = time.Date(y, mo, d+2, 0, 0, 0, 0, loc)
	return start, end
}

func event(kind notify.Kind, t *lendstore.BorrowTransaction, now time.Time) notify.Event {
	return notify.Event{
		Kind:               kind,
		TransactionID:      t.TransactionID,
		BorrowerID:         t.BorrowerID,
		ExpectedReturnDate: t.ExpectedReturnDate,
		OccurredAt:         now,
	}
}

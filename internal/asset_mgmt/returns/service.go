package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/notify"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/clock"
	"IRIS-lending/internal/platform/idgen"
)

// Workflow owns return verifications. It is the only writer of verification
// status and of the transaction/item changes that follow from it.
type Workflow struct {
	store    lendstore.Store
	catalog  *inventory.Catalog
	notifier notify.Enqueuer
	log      *zap.Logger
	clock    clock.Clock
	id       idgen.IDGen
	tracer   trace.Tracer
}

type Option func(*Workflow)

func WithClock(c clock.Clock) Option { return func(w *Workflow) { w.clock = c } }
func WithIDGen(g idgen.IDGen) Option { return func(w *Workflow) { w.id = g } }

func NewWorkflow(store lendstore.Store, catalog *inventory.Catalog, notifier notify.Enqueuer, log *zap.Logger, opts ...Option) *Workflow {
	w := &Workflow{
		store:    store,
		catalog:  catalog,
		notifier: notifier,
		log:      log,
		clock:    clock.Real{},
		id:       idgen.NewULID(),
		tracer:   otel.Tracer("IRIS-lending/returns"),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// ===== 返却申請 =====

// SubmitReturn opens one pending verification per selected line and moves
// the transaction to return_submitted.
func (w *Workflow) SubmitReturn(ctx context.Context, transactionID string, req SubmitReturnRequest) (*SubmitReturnResponse, error) {
	ctx, span := w.tracer.Start(ctx, "returns.submit", trace.WithAttributes(attribute.String("transaction.id", transactionID)))
	defer span.End()

	now := w.clock.Now()
	batchID := w.id.NewULID(now)
	var (
		created []lendstore.ReturnVerification
		status  lendstore.TxStatus
	)

	err := w.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		t, err := lockTxn(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		existing, err := tx.VerificationsByTransaction(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("load verifications: %w", err)
		}

		if pending := pendingIDs(existing); len(pending) > 0 {
			return apierr.New(apierr.CodeVerificationAlreadyPending, "a return for this transaction is already awaiting verification").
				WithDetail("pending_verification_ids", pending)
		}
		if t.Status != lendstore.TxBorrowed {
			return apierr.ErrInvalidState(fmt.Sprintf("transaction %s is %s; only borrowed transactions accept returns", transactionID, t.Status))
		}

		lines, err := selectLines(t, verifiedLines(existing), req.LineItemIDs)
		if err != nil {
			return err
		}

		notes := strings.TrimSpace(req.Notes)
		for _, l := range lines {
			created = append(created, lendstore.ReturnVerification{
				VerificationID: w.id.NewULID(now),
				TransactionID:  transactionID,
				LineID:         l.LineID,
				ItemID:         l.ItemID,
				Quantity:       l.Quantity,
				BatchID:        batchID,
				Status:         lendstore.VerificationPending,
				SubmittedNotes: notes,
				SubmittedAt:    now,
			})
		}
		if err := tx.InsertVerifications(ctx, created); err != nil {
			return fmt.Errorf("insert verifications: %w", err)
		}

		t.Status = lendstore.TxReturnSubmitted
		t.UpdatedAt = now
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}
		status = t.Status
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids := make([]string, 0, len(created))
	for _, v := range created {
		ids = append(ids, v.VerificationID)
	}
	w.log.Info("return submitted",
		zap.String("transaction_id", transactionID),
		zap.String("batch_id", batchID),
		zap.Strings("verification_ids", ids),
	)
	return &SubmitReturnResponse{
		TransactionID:     transactionID,
		BatchID:           batchID,
		TransactionStatus: string(status),
		VerificationIDs:   ids,
		Verifications:     toVerificationResponses(created),
	}, nil
}

// selectLines resolves the client's refs (line id or item id) to lines.
func selectLines(t *lendstore.BorrowTransaction, verified map[string]bool, refs []string) ([]lendstore.BorrowLine, error) {
	if len(refs) == 0 {
		var out []lendstore.BorrowLine
		for _, l := range t.Lines {
			if !verified[l.LineID] {
				out = append(out, l)
			}
		}
		if len(out) == 0 {
			return nil, apierr.ErrInvalidState("every line of this transaction is already verified")
		}
		return out, nil
	}

	seen := map[string]bool{}
	var out []lendstore.BorrowLine
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		l, ok := findLine(t, ref)
		if !ok {
			return nil, apierr.ErrInvalid(fmt.Sprintf("line %q does not belong to transaction %s", ref, t.TransactionID))
		}
		if verified[l.LineID] {
			return nil, apierr.ErrInvalid(fmt.Sprintf("line %s has already been verified", l.LineID))
		}
		if seen[l.LineID] {
			continue
		}
		seen[l.LineID] = true
		out = append(out, l)
	}
	return out, nil
}

func findLine(t *lendstore.BorrowTransaction, ref string) (lendstore.BorrowLine, bool) {
	if l, ok := t.Line(ref); ok {
		return l, true
	}
	for _, l := range t.Lines {
		if l.ItemID == ref {
			return l, true
		}
	}
	return lendstore.BorrowLine{}, false
}

// ===== 検品（管理者） =====

// Resolve records an admin's decision on one verification. Resolving an
// already-resolved verification writes nothing and reports the earlier outcome.
func (w *Workflow) Resolve(ctx context.Context, verificationID string, req ResolveRequest, resolverID string) (*ResolveResponse, error) {
	ctx, span := w.tracer.Start(ctx, "returns.resolve", trace.WithAttributes(
		attribute.String("verification.id", verificationID),
		attribute.String("outcome", req.Outcome),
	))
	defer span.End()

	res, events, err := w.resolve(ctx, verificationID, req, resolverID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("already_resolved", res.AlreadyResolved))

	// 通知はコミット後。送信失敗で検品を巻き戻さない
	for _, ev := range events {
		w.notifier.Enqueue(ev)
	}
	return res, nil
}

func (w *Workflow) resolve(ctx context.Context, verificationID string, req ResolveRequest, resolverID string) (*ResolveResponse, []notify.Event, error) {
	outcome := lendstore.VerificationStatus(strings.ToLower(strings.TrimSpace(req.Outcome)))
	if outcome != lendstore.VerificationVerified && outcome != lendstore.VerificationRejected {
		return nil, nil, apierr.ErrInvalid("outcome must be verified or rejected")
	}
	if strings.TrimSpace(resolverID) == "" {
		return nil, nil, apierr.ErrInvalid("resolver is required")
	}

	// lock-free lookup to learn the parent; locks are taken parent first
	v0, err := w.store.GetVerification(ctx, verificationID)
	if err != nil {
		return nil, nil, verificationNotFound(err, verificationID)
	}

	now := w.clock.Now()
	var (
		res    ResolveResponse
		events []notify.Event
	)
	err = w.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		t, err := lockTxn(ctx, tx, v0.TransactionID)
		if err != nil {
			return err
		}
		v, err := tx.LockVerification(ctx, verificationID)
		if err != nil {
			return verificationNotFound(err, verificationID)
		}

		if v.Status != lendstore.VerificationPending {
			res = ResolveResponse{Verification: toVerificationResponse(v), AlreadyResolved: true, TransactionStatus: string(t.Status)}
			return nil
		}

		v.Status = outcome
		v.ConditionNotes = strings.TrimSpace(req.ConditionNotes)
		v.ResolvedBy = resolverID
		v.ResolvedAt = &now
		if err := tx.UpdateVerification(ctx, v); err != nil {
			return fmt.Errorf("update verification: %w", err)
		}
		if outcome == lendstore.VerificationVerified {
			if err := w.catalog.Release(ctx, tx, v.ItemID, v.Quantity); err != nil {
				return err
			}
		}

		// 同じ作業単位の中で検品レコードを全部読み直す
		all, err := tx.VerificationsByTransaction(ctx, t.TransactionID)
		if err != nil {
			return fmt.Errorf("recheck verifications: %w", err)
		}
		prev := t.Status
		t.Status = nextStatus(t, all, v.BatchID)
		t.UpdatedAt = now
		if outcome == lendstore.VerificationRejected {
			t.LastRejectionReason = v.ConditionNotes
			if t.LastRejectionReason == "" {
				t.LastRejectionReason = "return rejected"
			}
			events = append(events, w.event(notify.KindReturnRejected, t, now))
		}
		if t.Status == lendstore.TxReturned {
			t.Overdue = false
			events = append(events, w.event(notify.KindReturnCompleted, t, now))
		}
		if err := tx.UpdateTransaction(ctx, t); err != nil {
			return fmt.Errorf("update transaction: %w", err)
		}

		if prev != t.Status {
			w.log.Info("transaction status changed",
				zap.String("transaction_id", t.TransactionID),
				zap.String("from", string(prev)),
				zap.String("to", string(t.Status)),
			)
		}
		res = ResolveResponse{Verification: toVerificationResponse(v), TransactionStatus: string(t.Status)}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	w.log.Info("verification resolved",
		zap.String("verification_id", verificationID),
		zap.String("outcome", res.Verification.Status),
		zap.String("resolved_by", resolverID),
		zap.Bool("already_resolved", res.AlreadyResolved),
	)
	return &res, events, nil
}

// nextStatus decides where the parent goes after a resolution.
//   - every line has a verified verification -> returned
//   - the current batch has a rejection -> borrowed (borrower resubmits)
//   - something is still pending -> return_submitted
//   - otherwise (some lines never submitted) -> borrowed
func nextStatus(t *lendstore.BorrowTransaction, all []lendstore.ReturnVerification, batchID string) lendstore.TxStatus {
	verified := verifiedLines(all)
	allVerified := len(t.Lines) > 0
	for _, l := range t.Lines {
		if !verified[l.LineID] {
			allVerified = false
			break
		}
	}
	var batchRejected, anyPending bool
	for _, v := range all {
		if v.Status == lendstore.VerificationPending {
			anyPending = true
		}
		if v.BatchID == batchID && v.Status == lendstore.VerificationRejected {
			batchRejected = true
		}
	}

	switch {
	case allVerified:
		return lendstore.TxReturned
	case batchRejected:
		return lendstore.TxBorrowed
	case anyPending:
		return lendstore.TxReturnSubmitted
	default:
		return lendstore.TxBorrowed
	}
}

func (w *Workflow) event(kind notify.Kind, t *lendstore.BorrowTransaction, now time.Time) notify.Event {
	return notify.Event{
		Kind:               kind,
		TransactionID:      t.TransactionID,
		BorrowerID:         t.BorrowerID,
		ExpectedReturnDate: t.ExpectedReturnDate,
		Reason:             t.LastRejectionReason,
		OccurredAt:         now,
	}
}

// ===== 参照 =====

func (w *Workflow) ListByTransaction(ctx context.Context, transactionID string) (*VerificationListResponse, error) {
	if _, err := w.store.GetTransaction(ctx, transactionID); err != nil {
		if errors.Is(err, lendstore.ErrNotFound) {
			return nil, apierr.ErrNotFound(fmt.Sprintf("transaction %s not found", transactionID))
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	vs, err := w.store.ListVerifications(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	return &VerificationListResponse{Items: toVerificationResponses(vs), Total: int64(len(vs))}, nil
}

func (w *Workflow) ListPending(ctx context.Context, p lendstore.Page) (*VerificationListResponse, error) {
	p = p.Normalize()
	vs, total, err := w.store.ListPendingVerifications(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("list pending verifications: %w", err)
	}
	out := &VerificationListResponse{Items: toVerificationResponses(vs), Total: total}
	if next := p.Offset + len(vs); int64(next) < total {
		out.NextOffset = &next
	}
	return out, nil
}

// ---------- helpers ----------

func lockTxn(ctx context.Context, tx lendstore.Tx, transactionID string) (*lendstore.BorrowTransaction, error) {
	t, err := tx.LockTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, lendstore.ErrNotFound) {
			return nil, apierr.ErrNotFound(fmt.Sprintf("transaction %s not found", transactionID))
		}
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return t, nil
}

func verificationNotFound(err error, verificationID string) error {
	if errors.Is(err, lendstore.ErrNotFound) {
		return apierr.ErrNotFound(fmt.Sprintf("verification %s not found", verificationID))
	}
	return err
}

func pendingIDs(vs []lendstore.ReturnVerification) []string {
	var out []string
	for _, v := range vs {
		if v.Status == lendstore.VerificationPending {
			out = append(out, v.VerificationID)
		}
	}
	return out
}

func verifiedLines(vs []lendstore.ReturnVerification) map[string]bool {
	out := map[string]bool{}
	for _, v := range vs {
		if v.Status == lendstore.VerificationVerified {
			out[v.LineID] = true
		}
	}
	return out
}

package borrows

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/inventory"
	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/borrowers"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/clock"
	"IRIS-lending/internal/platform/idgen"
)

// -------------- Errors --------------

func errUnknownBorrower(ref string) *apierr.APIError {
	return apierr.New(apierr.CodeUnknownBorrower, fmt.Sprintf("borrower %s is not registered", ref))
}

func errInvalidDateRange(msg string) *apierr.APIError {
	return apierr.New(apierr.CodeInvalidDateRange, msg)
}

func errEmptyRequest() *apierr.APIError {
	return apierr.New(apierr.CodeEmptyRequest, "at least one line is required")
}

// -------------- Engine --------------

// Engine creates borrow transactions. It is the only path that reserves stock.
type Engine struct {
	store   lendstore.Store
	catalog *inventory.Catalog
	dir     borrowers.Directory
	log     *zap.Logger
	clock   clock.Clock
	id      idgen.IDGen
	loc     *time.Location
	tracer  trace.Tracer
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option         { return func(e *Engine) { e.clock = c } }
func WithIDGen(g idgen.IDGen) Option         { return func(e *Engine) { e.id = g } }
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func NewEngine(store lendstore.Store, catalog *inventory.Catalog, dir borrowers.Directory, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		catalog: catalog,
		dir:     dir,
		log:     log,
		clock:   clock.Real{},
		id:      idgen.NewULID(),
		loc:     time.UTC,
		tracer:  otel.Tracer("IRIS-lending/borrows"),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Submit validates the request and reserves every line in one unit of work.
// Either all lines are reserved and the transaction is stored as borrowed,
// or nothing is written.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*TransactionResponse, error) {
	ctx, span := e.tracer.Start(ctx, "borrows.submit", trace.WithAttributes(attribute.Int("lines", len(req.Lines))))
	defer span.End()

	resp, err := e.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("transaction.id", resp.TransactionID))
	return resp, nil
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*TransactionResponse, error) {
	// 入力の形だけ先に見る
	borrowerID, err := borrowers.NormalizeRef(req.BorrowerID)
	if err != nil {
		return nil, apierr.ErrInvalid("borrower_id is required")
	}
	if lendstore.TooLong(borrowerID, lendstore.MaxRefLen) {
		return nil, apierr.ErrInvalid(fmt.Sprintf("borrower_id must be at most %d characters", lendstore.MaxRefLen))
	}
	purpose := strings.TrimSpace(req.Purpose)
	if lendstore.TooLong(purpose, lendstore.MaxTextLen) {
		return nil, apierr.ErrInvalid(fmt.Sprintf("purpose must be at most %d characters", lendstore.MaxTextLen))
	}
	location := strings.TrimSpace(req.Location)
	if lendstore.TooLong(location, lendstore.MaxTextLen) {
		return nil, apierr.ErrInvalid(fmt.Sprintf("location must be at most %d characters", lendstore.MaxTextLen))
	}
	lines, err := mergeLines(req.Lines)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	due, err := ParseReturnDate(req.ExpectedReturnDate, e.loc)
	if err != nil {
		return nil, err
	}

	ok, err := e.dir.Exists(ctx, borrowerID)
	if err != nil {
		e.log.Error("borrower lookup failed", zap.String("borrower_id", borrowerID), zap.Error(err))
		return nil, fmt.Errorf("borrower lookup: %w", err)
	}
	if !ok {
		return nil, errUnknownBorrower(borrowerID)
	}

	if !due.After(now) {
		return nil, errInvalidDateRange("expected_return_date must be in the future")
	}

	txnID := e.id.NewULID(now)
	bt := &lendstore.BorrowTransaction{
		TransactionID:      txnID,
		BorrowerID:         borrowerID,
		Purpose:            purpose,
		Location:           location,
		Notes:              req.Notes,
		BorrowDate:         now,
		ExpectedReturnDate: due,
		Status:             lendstore.TxBorrowed,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, l := range lines {
		bt.Lines = append(bt.Lines, lendstore.BorrowLine{
			LineID:        e.id.NewULID(now),
			TransactionID: txnID,
			ItemID:        l.ItemID,
			Quantity:      l.Quantity,
			Position:      i,
		})
	}

	// デッドロック回避のため item_id 昇順でロックする
	order := make([]lendstore.BorrowLine, len(bt.Lines))
	copy(order, bt.Lines)
	sort.Slice(order, func(i, j int) bool { return order[i].ItemID < order[j].ItemID })

	err = e.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		for _, l := range order {
			if err := e.catalog.Reserve(ctx, tx, l.ItemID, l.Quantity); err != nil {
				return err
			}
		}
		return tx.InsertTransaction(ctx, bt)
	})
	if err != nil {
		var short *inventory.InsufficientAvailabilityError
		if errors.As(err, &short) {
			e.log.Info("borrow refused: insufficient availability",
				zap.String("borrower_id", borrowerID),
				zap.String("item_id", short.ItemID),
				zap.Int("requested", short.Requested),
				zap.Int("available", short.Available),
			)
		}
		return nil, err
	}

	e.log.Info("borrow committed",
		zap.String("transaction_id", txnID),
		zap.String("borrower_id", borrowerID),
		zap.Int("lines", len(bt.Lines)),
		zap.Time("expected_return_date", due),
	)
	resp := buildTransactionResponse(bt, nil)
	return &resp, nil
}

// mergeLines checks line shape and folds duplicate items into one line,
// keeping the position of the first occurrence.
func mergeLines(in []LineRequest) ([]LineRequest, error) {
	if len(in) == 0 {
		return nil, errEmptyRequest()
	}
	idx := map[string]int{}
	out := make([]LineRequest, 0, len(in))
	for i, l := range in {
		itemID := strings.TrimSpace(l.ItemID)
		if itemID == "" {
			return nil, apierr.ErrInvalid(fmt.Sprintf("lines[%d].item_id is required", i))
		}
		if lendstore.TooLong(itemID, lendstore.MaxRefLen) {
			return nil, apierr.ErrInvalid(fmt.Sprintf("lines[%d].item_id must be at most %d characters", i, lendstore.MaxRefLen))
		}
		if l.Quantity <= 0 {
			return nil, apierr.ErrInvalid(fmt.Sprintf("lines[%d].quantity must be > 0", i))
		}
		if j, ok := idx[itemID]; ok {
			out[j].Quantity += l.Quantity
			continue
		}
		idx[itemID] = len(out)
		out = append(out, LineRequest{ItemID: itemID, Quantity: l.Quantity})
	}
	return out, nil
}

// ParseReturnDate accepts RFC3339 or a bare YYYY-MM-DD, which means the end
// of that day in loc.
func ParseReturnDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, apierr.ErrInvalid("expected_return_date is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, apierr.ErrInvalid("invalid expected_return_date, expected RFC3339 or YYYY-MM-DD")
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc).UTC(), nil
}

// -------------- Reads --------------

func (e *Engine) Get(ctx context.Context, transactionID string) (*TransactionResponse, error) {
	t, err := e.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, lendstore.ErrNotFound) {
			return nil, apierr.ErrNotFound(fmt.Sprintf("transaction %s not found", transactionID))
		}
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	vs, err := e.store.ListVerifications(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	resp := buildTransactionResponse(t, vs)
	return &resp, nil
}

type ListFilter struct {
	BorrowerID  string
	Status      string
	OverdueOnly bool
}

func (e *Engine) List(ctx context.Context, f ListFilter, p lendstore.Page) (*ListResponse, error) {
	var sf lendstore.TxFilter
	if f.BorrowerID != "" {
		ref, err := borrowers.NormalizeRef(f.BorrowerID)
		if err != nil {
			return nil, apierr.ErrInvalid("invalid borrower_id")
		}
		sf.BorrowerID = &ref
	}
	if f.Status != "" {
		st := lendstore.TxStatus(f.Status)
		if !st.Valid() {
			return nil, apierr.ErrInvalid(fmt.Sprintf("unknown status %q", f.Status))
		}
		sf.Status = &st
	}
	sf.OverdueOnly = f.OverdueOnly

	p = p.Normalize()
	txns, total, err := e.store.ListTransactions(ctx, sf, p)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := &ListResponse{Items: make([]TransactionResponse, 0, len(txns)), Total: total}
	for i := range txns {
		out.Items = append(out.Items, buildTransactionResponse(&txns[i], nil))
	}
	if next := p.Offset + len(txns); int64(next) < total {
		out.NextOffset = &next
	}
	return out, nil
}

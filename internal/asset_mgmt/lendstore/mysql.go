package lendstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"IRIS-lending/internal/platform/db"
)

const mysqlDuplicateEntry = 1062

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(conn *sql.DB) *MySQLStore { return &MySQLStore{db: conn} }

var _ Store = (*MySQLStore)(nil)

func (s *MySQLStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return db.RunInTx(ctx, s.db, nil, func(ctx context.Context, q db.DBTX) error {
		return fn(ctx, &mysqlTx{q: q})
	})
}

type mysqlTx struct {
	q db.DBTX
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", ErrDuplicate, me.Message)
	}
	return err
}

// ---------- items ----------

const itemCols = `item_id, name, total_quantity, available_quantity, status, created_at, updated_at`

func scanItem(sc interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	var status string
	if err := sc.Scan(&it.ItemID, &it.Name, &it.TotalQuantity, &it.AvailableQuantity, &status, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	it.Status = ItemStatus(status)
	return &it, nil
}

func getItem(ctx context.Context, q db.DBTX, itemID string, forUpdate bool) (*Item, error) {
	query := `SELECT ` + itemCols + ` FROM items WHERE item_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanItem(q.QueryRowContext(ctx, query, itemID))
}

func (s *MySQLStore) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return getItem(ctx, s.db, itemID, false)
}

func (s *MySQLStore) ListItems(ctx context.Context, f ItemFilter, p Page) ([]Item, int64, error) {
	p = p.Normalize()
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	if f.Status != nil {
		where.WriteString(` AND status = ?`)
		args = append(args, string(*f.Status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := sqlOrder(p)
	query := fmt.Sprintf(`SELECT %s FROM items%s ORDER BY created_at %s, item_id %s LIMIT ? OFFSET ?`, itemCols, where.String(), order, order)
	rows, err := s.db.QueryContext(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *it)
	}
	return out, total, rows.Err()
}

func (t *mysqlTx) InsertItem(ctx context.Context, it *Item) error {
	const q = `INSERT INTO items (` + itemCols + `) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := t.q.ExecContext(ctx, q, it.ItemID, it.Name, it.TotalQuantity, it.AvailableQuantity, string(it.Status), it.CreatedAt, it.UpdatedAt)
	return mapErr(err)
}

func (t *mysqlTx) LockItem(ctx context.Context, itemID string) (*Item, error) {
	return getItem(ctx, t.q, itemID, true)
}

func (t *mysqlTx) UpdateItem(ctx context.Context, it *Item) error {
	const q = `UPDATE items SET name = ?, total_quantity = ?, available_quantity = ?, status = ?, updated_at = ? WHERE item_id = ?`
	res, err := t.q.ExecContext(ctx, q, it.Name, it.TotalQuantity, it.AvailableQuantity, string(it.Status), it.UpdatedAt, it.ItemID)
	if err != nil {
		return mapErr(err)
	}
	return expectOneRow(res, "items")
}

// ---------- transactions ----------

const txnCols = `transaction_id, borrower_id, purpose, location, notes, borrow_date, expected_return_date, status, overdue, overdue_at, last_rejection_reason, created_at, updated_at`

func scanTxn(sc interface{ Scan(...any) error }) (*BorrowTransaction, error) {
	var t BorrowTransaction
	var status string
	var overdueAt sql.NullTime
	if err := sc.Scan(&t.TransactionID, &t.BorrowerID, &t.Purpose, &t.Location, &t.Notes,
		&t.BorrowDate, &t.ExpectedReturnDate, &status, &t.Overdue, &overdueAt,
		&t.LastRejectionReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	t.Status = TxStatus(status)
	if overdueAt.Valid {
		at := overdueAt.Time
		t.OverdueAt = &at
	}
	return &t, nil
}

func getTxn(ctx context.Context, q db.DBTX, transactionID string, forUpdate bool) (*BorrowTransaction, error) {
	query := `SELECT ` + txnCols + ` FROM borrow_transactions WHERE transaction_id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTxn(q.QueryRowContext(ctx, query, transactionID))
	if err != nil {
		return nil, err
	}
	lines, err := loadLines(ctx, q, []string{transactionID})
	if err != nil {
		return nil, err
	}
	t.Lines = lines[transactionID]
	return t, nil
}

func loadLines(ctx context.Context, q db.DBTX, transactionIDs []string) (map[string][]BorrowLine, error) {
	out := make(map[string][]BorrowLine, len(transactionIDs))
	if len(transactionIDs) == 0 {
		return out, nil
	}
	query := `SELECT line_id, transaction_id, item_id, quantity, position FROM borrow_lines WHERE transaction_id IN (` +
		placeholders(len(transactionIDs)) + `) ORDER BY transaction_id, position`
	rows, err := q.QueryContext(ctx, query, stringArgs(transactionIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l BorrowLine
		if err := rows.Scan(&l.LineID, &l.TransactionID, &l.ItemID, &l.Quantity, &l.Position); err != nil {
			return nil, err
		}
		out[l.TransactionID] = append(out[l.TransactionID], l)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetTransaction(ctx context.Context, transactionID string) (*BorrowTransaction, error) {
	return getTxn(ctx, s.db, transactionID, false)
}

func (s *MySQLStore) ListTransactions(ctx context.Context, f TxFilter, p Page) ([]BorrowTransaction, int64, error) {
	p = p.Normalize()
	where := strings.Builder{}
	where.WriteString(` WHERE 1=1`)
	args := []any{}
	if f.BorrowerID != nil {
		where.WriteString(` AND borrower_id = ?`)
		args = append(args, *f.BorrowerID)
	}
	if f.Status != nil {
		if *f.Status == TxOverdue {
			where.WriteString(` AND overdue = 1 AND status IN ('borrowed', 'return_submitted')`)
		} else {
			where.WriteString(` AND status = ?`)
			args = append(args, string(*f.Status))
		}
	}
	if f.OverdueOnly {
		where.WriteString(` AND overdue = 1 AND status IN ('borrowed', 'return_submitted')`)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM borrow_transactions`+where.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := sqlOrder(p)
	query := fmt.Sprintf(`SELECT %s FROM borrow_transactions%s ORDER BY borrow_date %s, transaction_id %s LIMIT ? OFFSET ?`, txnCols, where.String(), order, order)
	out, err := s.queryTxns(ctx, query, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, err
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].TransactionID
	}
	lines, err := loadLines(ctx, s.db, ids)
	if err != nil {
		return nil, 0, err
	}
	for i := range out {
		out[i].Lines = lines[out[i].TransactionID]
	}
	return out, total, nil
}

func (s *MySQLStore) ListOpenDueBefore(ctx context.Context, before time.Time) ([]BorrowTransaction, error) {
	const q = `SELECT ` + txnCols + ` FROM borrow_transactions
		WHERE status IN ('borrowed', 'return_submitted') AND expected_return_date < ?
		ORDER BY expected_return_date ASC, transaction_id ASC`
	return s.queryTxns(ctx, q, before)
}

func (s *MySQLStore) queryTxns(ctx context.Context, query string, args ...any) ([]BorrowTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []BorrowTransaction{}
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (t *mysqlTx) InsertTransaction(ctx context.Context, bt *BorrowTransaction) error {
	const q = `INSERT INTO borrow_transactions (` + txnCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := t.q.ExecContext(ctx, q,
		bt.TransactionID, bt.BorrowerID, bt.Purpose, bt.Location, bt.Notes,
		bt.BorrowDate, bt.ExpectedReturnDate, string(bt.Status), bt.Overdue, nullTime(bt.OverdueAt),
		bt.LastRejectionReason, bt.CreatedAt, bt.UpdatedAt,
	); err != nil {
		return mapErr(err)
	}

	const ql = `INSERT INTO borrow_lines (line_id, transaction_id, item_id, quantity, position) VALUES (?, ?, ?, ?, ?)`
	for _, l := range bt.Lines {
		if _, err := t.q.ExecContext(ctx, ql, l.LineID, bt.TransactionID, l.ItemID, l.Quantity, l.Position); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *mysqlTx) LockTransaction(ctx context.Context, transactionID string) (*BorrowTransaction, error) {
	return getTxn(ctx, t.q, transactionID, true)
}

func (t *mysqlTx) UpdateTransaction(ctx context.Context, bt *BorrowTransaction) error {
	const q = `UPDATE borrow_transactions SET status = ?, overdue = ?, overdue_at = ?, last_rejection_reason = ?, updated_at = ? WHERE transaction_id = ?`
	res, err := t.q.ExecContext(ctx, q, string(bt.Status), bt.Overdue, nullTime(bt.OverdueAt), bt.LastRejectionReason, bt.UpdatedAt, bt.TransactionID)
	if err != nil {
		return mapErr(err)
	}
	return expectOneRow(res, "borrow_transactions")
}

// ---------- verifications ----------

const verifCols = `verification_id, transaction_id, line_id, item_id, quantity, batch_id, status, submitted_notes, condition_notes, resolved_by, submitted_at, resolved_at`

func scanVerif(sc interface{ Scan(...any) error }) (*ReturnVerification, error) {
	var v ReturnVerification
	var status string
	var resolvedAt sql.NullTime
	if err := sc.Scan(&v.VerificationID, &v.TransactionID, &v.LineID, &v.ItemID, &v.Quantity, &v.BatchID,
		&status, &v.SubmittedNotes, &v.ConditionNotes, &v.ResolvedBy, &v.SubmittedAt, &resolvedAt); err != nil {
		return nil, mapErr(err)
	}
	v.Status = VerificationStatus(status)
	if resolvedAt.Valid {
		at := resolvedAt.Time
		v.ResolvedAt = &at
	}
	return &v, nil
}

func queryVerifs(ctx context.Context, q db.DBTX, query string, args ...any) ([]ReturnVerification, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []ReturnVerification{}
	for rows.Next() {
		v, err := scanVerif(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetVerification(ctx context.Context, verificationID string) (*ReturnVerification, error) {
	const q = `SELECT ` + verifCols + ` FROM return_verifications WHERE verification_id = ?`
	return scanVerif(s.db.QueryRowContext(ctx, q, verificationID))
}

func (s *MySQLStore) GetVerifications(ctx context.Context, ids []string) ([]ReturnVerification, error) {
	if len(ids) == 0 {
		return []ReturnVerification{}, nil
	}
	query := `SELECT ` + verifCols + ` FROM return_verifications WHERE verification_id IN (` + placeholders(len(ids)) + `)`
	found, err := queryVerifs(ctx, s.db, query, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	// keep the caller's order
	byID := make(map[string]ReturnVerification, len(found))
	for _, v := range found {
		byID[v.VerificationID] = v
	}
	out := make([]ReturnVerification, 0, len(found))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *MySQLStore) ListVerifications(ctx context.Context, transactionID string) ([]ReturnVerification, error) {
	const q = `SELECT ` + verifCols + ` FROM return_verifications WHERE transaction_id = ? ORDER BY submitted_at, verification_id`
	return queryVerifs(ctx, s.db, q, transactionID)
}

func (s *MySQLStore) ListPendingVerifications(ctx context.Context, p Page) ([]ReturnVerification, int64, error) {
	p = p.Normalize()
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM return_verifications WHERE status = 'pending'`).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := sqlOrder(p)
	query := fmt.Sprintf(`SELECT %s FROM return_verifications WHERE status = 'pending' ORDER BY submitted_at %s, verification_id %s LIMIT ? OFFSET ?`, verifCols, order, order)
	out, err := queryVerifs(ctx, s.db, query, p.Limit, p.Offset)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (t *mysqlTx) InsertVerifications(ctx context.Context, vs []ReturnVerification) error {
	const q = `INSERT INTO return_verifications (` + verifCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, v := range vs {
		if _, err := t.q.ExecContext(ctx, q,
			v.VerificationID, v.TransactionID, v.LineID, v.ItemID, v.Quantity, v.BatchID,
			string(v.Status), v.SubmittedNotes, v.ConditionNotes, v.ResolvedBy, v.SubmittedAt, nullTime(v.ResolvedAt),
		); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *mysqlTx) LockVerification(ctx context.Context, verificationID string) (*ReturnVerification, error) {
	const q = `SELECT ` + verifCols + ` FROM return_verifications WHERE verification_id = ? FOR UPDATE`
	return scanVerif(t.q.QueryRowContext(ctx, q, verificationID))
}

func (t *mysqlTx) UpdateVerification(ctx context.Context, v *ReturnVerification) error {
	const q = `UPDATE return_verifications SET status = ?, condition_notes = ?, resolved_by = ?, resolved_at = ? WHERE verification_id = ?`
	res, err := t.q.ExecContext(ctx, q, string(v.Status), v.ConditionNotes, v.ResolvedBy, nullTime(v.ResolvedAt), v.VerificationID)
	if err != nil {
		return mapErr(err)
	}
	return expectOneRow(res, "return_verifications")
}

// VerificationsByTransaction uses a locking read so it sees rows committed
// after this transaction's snapshot was taken.
func (t *mysqlTx) VerificationsByTransaction(ctx context.Context, transactionID string) ([]ReturnVerification, error) {
	const q = `SELECT ` + verifCols + ` FROM return_verifications WHERE transaction_id = ? ORDER BY submitted_at, verification_id FOR UPDATE`
	return queryVerifs(ctx, t.q, q, transactionID)
}

// ---------- helpers ----------

func expectOneRow(res sql.Result, table string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("update %s: %w", table, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func sqlOrder(p Page) string {
	if strings.ToLower(p.Order) == "asc" {
		return "ASC"
	}
	return "DESC"
}

package borrowers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/width"
)

// Directory answers whether a borrower reference belongs to a live borrower.
// Registration and archival happen elsewhere.
type Directory interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

var ErrEmptyRef = errors.New("borrower reference is empty")

// NormalizeRef folds full-width characters (学籍番号が全角で入力されることがある),
// trims spaces and upper-cases the reference.
func NormalizeRef(ref string) (string, error) {
	s := strings.TrimSpace(width.Fold.String(ref))
	if s == "" {
		return "", ErrEmptyRef
	}
	return strings.ToUpper(s), nil
}

// ---------- SQL ----------

type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory { return &SQLDirectory{db: db} }

func (d *SQLDirectory) Exists(ctx context.Context, ref string) (bool, error) {
	const q = `SELECT 1 FROM borrowers WHERE borrower_id = ? AND archived_at IS NULL LIMIT 1`
	var one int
	if err := d.db.QueryRowContext(ctx, q, ref).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup borrower: %w", err)
	}
	return true, nil
}

// ---------- in-memory ----------

type StaticDirectory struct {
	mu   sync.RWMutex
	refs map[string]struct{}
}

func NewStaticDirectory(refs ...string) *StaticDirectory {
	d := &StaticDirectory{refs: make(map[string]struct{}, len(refs))}
	for _, r := range refs {
		d.Add(r)
	}
	return d
}

func (d *StaticDirectory) Add(ref string) {
	n, err := NormalizeRef(ref)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.refs[n] = struct{}{}
	d.mu.Unlock()
}

func (d *StaticDirectory) Remove(ref string) {
	n, err := NormalizeRef(ref)
	if err != nil {
		return
	}
	d.mu.Lock()
	delete(d.refs, n)
	d.mu.Unlock()
}

func (d *StaticDirectory) Exists(_ context.Context, ref string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.refs[ref]
	return ok, nil
}

package lendstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore keeps everything in process memory. Row locks are per key, so
// two units of work on different items never wait on each other.
type MemStore struct {
	mu     sync.RWMutex
	items  map[string]Item
	txns   map[string]BorrowTransaction
	verifs map[string]ReturnVerification

	locks sync.Map // key -> chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		items:  make(map[string]Item),
		txns:   make(map[string]BorrowTransaction),
		verifs: make(map[string]ReturnVerification),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &memTx{
		s:      s,
		held:   make(map[string]chan struct{}),
		items:  make(map[string]Item),
		txns:   make(map[string]BorrowTransaction),
		verifs: make(map[string]ReturnVerification),
	}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemStore) rowLock(key string) chan struct{} {
	ch, _ := s.locks.LoadOrStore(key, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// ---------- reads ----------

func (s *MemStore) GetItem(_ context.Context, itemID string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	return &it, nil
}

func (s *MemStore) ListItems(_ context.Context, f ItemFilter, p Page) ([]Item, int64, error) {
	p = p.Normalize()
	s.mu.RLock()
	all := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if f.Status != nil && it.Status != *f.Status {
			continue
		}
		all = append(all, it)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return ordered(p, a.CreatedAt.Before(b.CreatedAt))
		}
		return ordered(p, a.ItemID < b.ItemID)
	})
	return paginate(all, p), int64(len(all)), nil
}

func (s *MemStore) GetTransaction(_ context.Context, transactionID string) (*BorrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneTxn(t)
	return &c, nil
}

func (s *MemStore) ListTransactions(_ context.Context, f TxFilter, p Page) ([]BorrowTransaction, int64, error) {
	p = p.Normalize()
	s.mu.RLock()
	all := make([]BorrowTransaction, 0)
	for _, t := range s.txns {
		if !matchTxn(t, f) {
			continue
		}
		all = append(all, cloneTxn(t))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.BorrowDate.Equal(b.BorrowDate) {
			return ordered(p, a.BorrowDate.Before(b.BorrowDate))
		}
		return ordered(p, a.TransactionID < b.TransactionID)
	})
	return paginate(all, p), int64(len(all)), nil
}

func matchTxn(t BorrowTransaction, f TxFilter) bool {
	if f.BorrowerID != nil && t.BorrowerID != *f.BorrowerID {
		return false
	}
	if f.Status != nil {
		if *f.Status == TxOverdue {
			if !t.Overdue || !t.Status.Open() {
				return false
			}
		} else if t.Status != *f.Status {
			return false
		}
	}
	if f.OverdueOnly && !(t.Overdue && t.Status.Open()) {
		return false
	}
	return true
}

func (s *MemStore) ListOpenDueBefore(_ context.Context, before time.Time) ([]BorrowTransaction, error) {
	s.mu.RLock()
	out := make([]BorrowTransaction, 0)
	for _, t := range s.txns {
		if t.Status.Open() && t.ExpectedReturnDate.Before(before) {
			out = append(out, cloneTxn(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpectedReturnDate.Equal(out[j].ExpectedReturnDate) {
			return out[i].ExpectedReturnDate.Before(out[j].ExpectedReturnDate)
		}
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}

func (s *MemStore) GetVerification(_ context.Context, verificationID string) (*ReturnVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verifs[verificationID]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneVerif(v)
	return &c, nil
}

func (s *MemStore) GetVerifications(_ context.Context, ids []string) ([]ReturnVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ReturnVerification, 0, len(ids))
	for _, id := range ids {
		if v, ok := s.verifs[id]; ok {
			out = append(out, cloneVerif(v))
		}
	}
	return out, nil
}

func (s *MemStore) ListVerifications(_ context.Context, transactionID string) ([]ReturnVerification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verifsOf(s.verifs, nil, transactionID), nil
}

func (s *MemStore) ListPendingVerifications(_ context.Context, p Page) ([]ReturnVerification, int64, error) {
	p = p.Normalize()
	s.mu.RLock()
	all := make([]ReturnVerification, 0)
	for _, v := range s.verifs {
		if v.Status == VerificationPending {
			all = append(all, cloneVerif(v))
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return ordered(p, a.SubmittedAt.Before(b.SubmittedAt))
		}
		return ordered(p, a.VerificationID < b.VerificationID)
	})
	return paginate(all, p), int64(len(all)), nil
}

// ---------- unit of work ----------

type memTx struct {
	s    *MemStore
	held map[string]chan struct{}

	items  map[string]Item
	txns   map[string]BorrowTransaction
	verifs map[string]ReturnVerification
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	ch := tx.s.rowLock(key)
	select {
	case ch <- struct{}{}:
		tx.held[key] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock %s: %w", key, ctx.Err())
	}
}

func (tx *memTx) release() {
	for k, ch := range tx.held {
		<-ch
		delete(tx.held, k)
	}
}

func (tx *memTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for id, it := range tx.items {
		tx.s.items[id] = it
	}
	for id, t := range tx.txns {
		tx.s.txns[id] = t
	}
	for id, v := range tx.verifs {
		tx.s.verifs[id] = v
	}
}

func (tx *memTx) requireLock(key string) error {
	if _, ok := tx.held[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotLocked)
	}
	return nil
}

func itemKey(id string) string  { return "item:" + id }
func txnKey(id string) string   { return "txn:" + id }
func verifKey(id string) string { return "verif:" + id }

func (tx *memTx) InsertItem(ctx context.Context, it *Item) error {
	if err := tx.lock(ctx, itemKey(it.ItemID)); err != nil {
		return err
	}
	if _, ok := tx.items[it.ItemID]; ok {
		return ErrDuplicate
	}
	tx.s.mu.RLock()
	_, exists := tx.s.items[it.ItemID]
	tx.s.mu.RUnlock()
	if exists {
		return ErrDuplicate
	}
	tx.items[it.ItemID] = *it
	return nil
}

func (tx *memTx) LockItem(ctx context.Context, itemID string) (*Item, error) {
	if err := tx.lock(ctx, itemKey(itemID)); err != nil {
		return nil, err
	}
	if it, ok := tx.items[itemID]; ok {
		return &it, nil
	}
	return tx.s.GetItem(ctx, itemID)
}

func (tx *memTx) UpdateItem(_ context.Context, it *Item) error {
	if err := tx.requireLock(itemKey(it.ItemID)); err != nil {
		return err
	}
	tx.items[it.ItemID] = *it
	return nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, t *BorrowTransaction) error {
	if err := tx.lock(ctx, txnKey(t.TransactionID)); err != nil {
		return err
	}
	tx.s.mu.RLock()
	_, exists := tx.s.txns[t.TransactionID]
	tx.s.mu.RUnlock()
	if _, staged := tx.txns[t.TransactionID]; exists || staged {
		return ErrDuplicate
	}
	tx.txns[t.TransactionID] = cloneTxn(*t)
	return nil
}

func (tx *memTx) LockTransaction(ctx context.Context, transactionID string) (*BorrowTransaction, error) {
	if err := tx.lock(ctx, txnKey(transactionID)); err != nil {
		return nil, err
	}
	if t, ok := tx.txns[transactionID]; ok {
		c := cloneTxn(t)
		return &c, nil
	}
	return tx.s.GetTransaction(ctx, transactionID)
}

func (tx *memTx) UpdateTransaction(_ context.Context, t *BorrowTransaction) error {
	if err := tx.requireLock(txnKey(t.TransactionID)); err != nil {
		return err
	}
	tx.txns[t.TransactionID] = cloneTxn(*t)
	return nil
}

func (tx *memTx) InsertVerifications(ctx context.Context, vs []ReturnVerification) error {
	for _, v := range vs {
		if err := tx.lock(ctx, verifKey(v.VerificationID)); err != nil {
			return err
		}
		tx.s.mu.RLock()
		_, exists := tx.s.verifs[v.VerificationID]
		tx.s.mu.RUnlock()
		if _, staged := tx.verifs[v.VerificationID]; exists || staged {
			return ErrDuplicate
		}
		tx.verifs[v.VerificationID] = cloneVerif(v)
	}
	return nil
}

func (tx *memTx) LockVerification(ctx context.Context, verificationID string) (*ReturnVerification, error) {
	if err := tx.lock(ctx, verifKey(verificationID)); err != nil {
		return nil, err
	}
	if v, ok := tx.verifs[verificationID]; ok {
		c := cloneVerif(v)
		return &c, nil
	}
	return tx.s.GetVerification(ctx, verificationID)
}

func (tx *memTx) UpdateVerification(_ context.Context, v *ReturnVerification) error {
	if err := tx.requireLock(verifKey(v.VerificationID)); err != nil {
		return err
	}
	tx.verifs[v.VerificationID] = cloneVerif(*v)
	return nil
}

func (tx *memTx) VerificationsByTransaction(_ context.Context, transactionID string) ([]ReturnVerification, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return verifsOf(tx.s.verifs, tx.verifs, transactionID), nil
}

// ---------- helpers ----------

// verifsOf merges committed and staged verifications of one transaction.
func verifsOf(committed, staged map[string]ReturnVerification, transactionID string) []ReturnVerification {
	out := make([]ReturnVerification, 0)
	for id, v := range committed {
		if v.TransactionID != transactionID {
			continue
		}
		if sv, ok := staged[id]; ok {
			v = sv
		}
		out = append(out, cloneVerif(v))
	}
	for id, v := range staged {
		if v.TransactionID != transactionID {
			continue
		}
		if _, ok := committed[id]; ok {
			continue
		}
		out = append(out, cloneVerif(v))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].VerificationID < out[j].VerificationID
	})
	return out
}

func cloneTxn(t BorrowTransaction) BorrowTransaction {
	if t.OverdueAt != nil {
		at := *t.OverdueAt
		t.OverdueAt = &at
	}
	if t.Lines != nil {
		t.Lines = append([]BorrowLine(nil), t.Lines...)
	}
	return t
}

func cloneVerif(v ReturnVerification) ReturnVerification {
	if v.ResolvedAt != nil {
		at := *v.ResolvedAt
		v.ResolvedAt = &at
	}
	return v
}

func ordered(p Page, less bool) bool {
	if p.Order == "asc" {
		return less
	}
	return !less
}

func paginate[T any](all []T, p Page) []T {
	if p.Offset >= len(all) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[p.Offset:end]
}

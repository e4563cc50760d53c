package lendstore

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("lendstore: not found")
	ErrDuplicate = errors.New("lendstore: duplicate key")
	// ErrNotLocked means an update touched a row the unit of work never locked.
	ErrNotLocked = errors.New("lendstore: row not locked in this transaction")
)

// Reader is the lock-free read side shared by both backends.
type Reader interface {
	GetItem(ctx context.Context, itemID string) (*Item, error)
	ListItems(ctx context.Context, f ItemFilter, p Page) ([]Item, int64, error)

	GetTransaction(ctx context.Context, transactionID string) (*BorrowTransaction, error)
	ListTransactions(ctx context.Context, f TxFilter, p Page) ([]BorrowTransaction, int64, error)
	// ListOpenDueBefore returns borrowed/return_submitted transactions whose
	// expected return date is before the given instant, oldest first.
	ListOpenDueBefore(ctx context.Context, before time.Time) ([]BorrowTransaction, error)

	GetVerification(ctx context.Context, verificationID string) (*ReturnVerification, error)
	GetVerifications(ctx context.Context, ids []string) ([]ReturnVerification, error)
	ListVerifications(ctx context.Context, transactionID string) ([]ReturnVerification, error)
	ListPendingVerifications(ctx context.Context, p Page) ([]ReturnVerification, int64, error)
}

// Tx is one atomic unit of work. Rows must be locked before they are updated;
// callers lock transaction -> verification -> items, items in ascending id.
type Tx interface {
	InsertItem(ctx context.Context, it *Item) error
	LockItem(ctx context.Context, itemID string) (*Item, error)
	UpdateItem(ctx context.Context, it *Item) error

	InsertTransaction(ctx context.Context, t *BorrowTransaction) error
	LockTransaction(ctx context.Context, transactionID string) (*BorrowTransaction, error)
	UpdateTransaction(ctx context.Context, t *BorrowTransaction) error

	InsertVerifications(ctx context.Context, vs []ReturnVerification) error
	LockVerification(ctx context.Context, verificationID string) (*ReturnVerification, error)
	UpdateVerification(ctx context.Context, v *ReturnVerification) error
	// VerificationsByTransaction re-reads the full verification set inside the unit of work.
	VerificationsByTransaction(ctx context.Context, transactionID string) ([]ReturnVerification, error)
}

type Store interface {
	Reader
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

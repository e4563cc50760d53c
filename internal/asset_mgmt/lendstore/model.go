package lendstore

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Column widths from schema.sql. Inputs longer than these are rejected
// before they reach a unit of work.
const (
	MaxRefLen  = 64
	MaxTextLen = 255
)

// TooLong reports whether s exceeds max characters.
func TooLong(s string, max int) bool { return utf8.RuneCountInString(s) > max }

// ===== Item =====

type ItemStatus string

const (
	ItemActive      ItemStatus = "active"
	ItemMaintenance ItemStatus = "maintenance"
	ItemLost        ItemStatus = "lost"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemActive, ItemMaintenance, ItemLost:
		return true
	}
	return false
}

type Item struct {
	ItemID            string
	Name              string
	TotalQuantity     int
	AvailableQuantity int
	Status            ItemStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Reserved is the quantity currently out on open transactions.
func (it *Item) Reserved() int { return it.TotalQuantity - it.AvailableQuantity }

// ===== BorrowTransaction =====

type TxStatus string

const (
	TxPending         TxStatus = "pending"
	TxBorrowed        TxStatus = "borrowed"
	TxReturnSubmitted TxStatus = "return_submitted"
	TxReturned        TxStatus = "returned"
	// TxOverdue is never persisted; it is only reported by EffectiveStatus.
	TxOverdue  TxStatus = "overdue"
	TxRejected TxStatus = "rejected"
)

func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxBorrowed, TxReturnSubmitted, TxReturned, TxOverdue, TxRejected:
		return true
	}
	return false
}

// Open reports whether stock is still held by a transaction in this state.
func (s TxStatus) Open() bool {
	return s == TxBorrowed || s == TxReturnSubmitted
}

func (s TxStatus) Terminal() bool {
	return s == TxReturned || s == TxRejected
}

type BorrowTransaction struct {
	TransactionID       string
	BorrowerID          string
	Purpose             string
	Location            string
	Notes               string
	BorrowDate          time.Time
	ExpectedReturnDate  time.Time
	Status              TxStatus
	Overdue             bool
	OverdueAt           *time.Time
	LastRejectionReason string
	CreatedAt           time.Time
	UpdatedAt           time.Time

	Lines []BorrowLine
}

// EffectiveStatus folds the overdue flag into the main-path status.
func (t *BorrowTransaction) EffectiveStatus() TxStatus {
	if t.Overdue && t.Status.Open() {
		return TxOverdue
	}
	return t.Status
}

func (t *BorrowTransaction) Line(lineID string) (BorrowLine, bool) {
	for _, l := range t.Lines {
		if l.LineID == lineID {
			return l, true
		}
	}
	return BorrowLine{}, false
}

type BorrowLine struct {
	LineID        string
	TransactionID string
	ItemID        string
	Quantity      int
	Position      int
}

// ===== ReturnVerification =====

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationRejected VerificationStatus = "rejected"
)

type ReturnVerification struct {
	VerificationID string
	TransactionID  string
	LineID         string
	ItemID         string
	Quantity       int
	BatchID        string
	Status         VerificationStatus
	SubmittedNotes string
	ConditionNotes string
	ResolvedBy     string
	SubmittedAt    time.Time
	ResolvedAt     *time.Time
}

// ===== Queries =====

type Page struct {
	Limit  int
	Offset int
	Order  string // "asc" | "desc"
}

// Normalize clamps the page into the range the stores accept.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	p.Order = strings.ToLower(strings.TrimSpace(p.Order))
	if p.Order != "asc" {
		p.Order = "desc"
	}
	return p
}

type ItemFilter struct {
	Status *ItemStatus
}

type TxFilter struct {
	BorrowerID  *string
	Status      *TxStatus
	OverdueOnly bool
}

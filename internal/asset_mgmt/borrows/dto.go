package borrows

import (
	"time"

	"IRIS-lending/internal/asset_mgmt/lendstore"
)

type LineRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

type SubmitRequest struct {
	BorrowerID         string        `json:"borrower_id"`
	ExpectedReturnDate string        `json:"expected_return_date"` // RFC3339 か YYYY-MM-DD
	Purpose            string        `json:"purpose"`
	Location           string        `json:"location"`
	Notes              string        `json:"notes"`
	Lines              []LineRequest `json:"lines"`
}

type LineResponse struct {
	LineID   string `json:"line_id"`
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	// ReturnState is the latest verification outcome for the line, empty if never submitted.
	ReturnState string `json:"return_state,omitempty"`
}

type VerificationSummary struct {
	Pending  int `json:"pending"`
	Verified int `json:"verified"`
	Rejected int `json:"rejected"`
}

type TransactionResponse struct {
	TransactionID       string               `json:"transaction_id"`
	BorrowerID          string               `json:"borrower_id"`
	Purpose             string               `json:"purpose"`
	Location            string               `json:"location,omitempty"`
	Notes               string               `json:"notes,omitempty"`
	BorrowDate          time.Time            `json:"borrow_date"`
	ExpectedReturnDate  time.Time            `json:"expected_return_date"`
	Status              string               `json:"status"`
	EffectiveStatus     string               `json:"effective_status"`
	Overdue             bool                 `json:"overdue"`
	OverdueAt           *time.Time           `json:"overdue_at,omitempty"`
	LastRejectionReason string               `json:"last_rejection_reason,omitempty"`
	Lines               []LineResponse       `json:"lines"`
	Verifications       *VerificationSummary `json:"verifications,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

type ListResponse struct {
	Items      []TransactionResponse `json:"items"`
	Total      int64                 `json:"total"`
	NextOffset *int                  `json:"next_offset,omitempty"`
}

func buildTransactionResponse(t *lendstore.BorrowTransaction, vs []lendstore.ReturnVerification) TransactionResponse {
	resp := TransactionResponse{
		TransactionID:       t.TransactionID,
		BorrowerID:          t.BorrowerID,
		Purpose:             t.Purpose,
		Location:            t.Location,
		Notes:               t.Notes,
		BorrowDate:          t.BorrowDate,
		ExpectedReturnDate:  t.ExpectedReturnDate,
		Status:              string(t.Status),
		EffectiveStatus:     string(t.EffectiveStatus()),
		Overdue:             t.Overdue,
		OverdueAt:           t.OverdueAt,
		LastRejectionReason: t.LastRejectionReason,
		Lines:               make([]LineResponse, 0, len(t.Lines)),
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}

	latest := map[string]lendstore.VerificationStatus{}
	if vs != nil {
		sum := &VerificationSummary{}
		for _, v := range vs {
			latest[v.LineID] = v.Status // vs は submitted_at 昇順
			switch v.Status {
			case lendstore.VerificationPending:
				sum.Pending++
			case lendstore.VerificationVerified:
				sum.Verified++
			case lendstore.VerificationRejected:
				sum.Rejected++
			}
		}
		resp.Verifications = sum
	}
	for _, l := range t.Lines {
		resp.Lines = append(resp.Lines, LineResponse{
			LineID:      l.LineID,
			ItemID:      l.ItemID,
			Quantity:    l.Quantity,
			ReturnState: string(latest[l.LineID]),
		})
	}
	return resp
}

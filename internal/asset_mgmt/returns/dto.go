package returns

import (
	"time"

	"IRIS-lending/internal/asset_mgmt/lendstore"
)

type SubmitReturnRequest struct {
	// LineItemIDs selects lines by line id or item id. Empty means every line
	// that has not been verified yet.
	LineItemIDs []string `json:"line_item_ids"`
	Notes       string   `json:"notes"`
}

type ResolveRequest struct {
	Outcome        string `json:"outcome"` // verified | rejected
	ConditionNotes string `json:"condition_notes"`
}

type VerificationResponse struct {
	VerificationID string     `json:"verification_id"`
	TransactionID  string     `json:"transaction_id"`
	LineID         string     `json:"line_id"`
	ItemID         string     `json:"item_id"`
	Quantity       int        `json:"quantity"`
	BatchID        string     `json:"batch_id"`
	Status         string     `json:"status"`
	SubmittedNotes string     `json:"submitted_notes,omitempty"`
	ConditionNotes string     `json:"condition_notes,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

type SubmitReturnResponse struct {
	TransactionID     string                 `json:"transaction_id"`
	BatchID           string                 `json:"batch_id"`
	TransactionStatus string                 `json:"transaction_status"`
	VerificationIDs   []string               `json:"verification_ids"`
	Verifications     []VerificationResponse `json:"verifications"`
}

type ResolveResponse struct {
	Verification VerificationResponse `json:"verification"`
	// AlreadyResolved is set when the verification had been resolved before;
	// Verification then carries the earlier outcome and nothing was written.
	AlreadyResolved   bool   `json:"already_resolved"`
	TransactionStatus string `json:"transaction_status"`
}

type VerificationListResponse struct {
	Items      []VerificationResponse `json:"items"`
	Total      int64                  `json:"total"`
	NextOffset *int                   `json:"next_offset,omitempty"`
}

// StatusResponse is what a polling borrower client sees.
type StatusResponse struct {
	Verifications []VerificationResponse `json:"verifications"`
	Missing       []string               `json:"missing,omitempty"`
	AllVerified   bool                   `json:"all_verified"`
	AnyRejected   bool                   `json:"any_rejected"`
	Terminal      bool                   `json:"terminal"`
	VerifiedCount int                    `json:"verified_count"`
	RejectedCount int                    `json:"rejected_count"`
	PendingCount  int                    `json:"pending_count"`
	TotalCount    int                    `json:"total_count"`
	// PollAfterMs is the suggested wait before the next poll; 0 once terminal.
	PollAfterMs int64 `json:"poll_after_ms"`
}

func toVerificationResponse(v *lendstore.ReturnVerification) VerificationResponse {
	return VerificationResponse{
		VerificationID: v.VerificationID,
		TransactionID:  v.TransactionID,
		LineID:         v.LineID,
		ItemID:         v.ItemID,
		Quantity:       v.Quantity,
		BatchID:        v.BatchID,
		Status:         string(v.Status),
		SubmittedNotes: v.SubmittedNotes,
		ConditionNotes: v.ConditionNotes,
		ResolvedBy:     v.ResolvedBy,
		SubmittedAt:    v.SubmittedAt,
		ResolvedAt:     v.ResolvedAt,
	}
}

func toVerificationResponses(vs []lendstore.ReturnVerification) []VerificationResponse {
	out := make([]VerificationResponse, 0, len(vs))
	for i := range vs {
		out = append(out, toVerificationResponse(&vs[i]))
	}
	return out
}

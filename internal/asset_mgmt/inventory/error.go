package inventory

import (
	"fmt"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
)

// InsufficientAvailabilityError names the item that could not be reserved.
type InsufficientAvailabilityError struct {
	ItemID    string
	Requested int
	Available int
}

func (e *InsufficientAvailabilityError) Error() string {
	return fmt.Sprintf("insufficient availability for item %s: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

func (e *InsufficientAvailabilityError) APIError() *apierr.APIError {
	return &apierr.APIError{
		Code:    apierr.CodeInsufficientAvailability,
		Message: e.Error(),
		Details: map[string]any{
			"item_id":   e.ItemID,
			"requested": e.Requested,
			"available": e.Available,
		},
	}
}

// ConsistencyError is raised when a release would break 0 <= available <= total.
// It aborts the unit of work; seeing one means a concurrency bug somewhere.
type ConsistencyError struct {
	ItemID    string
	Total     int
	Available int
	Delta     int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("availability invariant violated for item %s: total %d, available %d, delta %+d", e.ItemID, e.Total, e.Available, e.Delta)
}

func (e *ConsistencyError) APIError() *apierr.APIError {
	return &apierr.APIError{
		Code:    apierr.CodeConsistencyViolation,
		Message: "inventory consistency violation",
		Details: map[string]any{"item_id": e.ItemID},
	}
}

func errNameTooLong() error {
	return apierr.ErrInvalid(fmt.Sprintf("name must be at most %d characters", lendstore.MaxTextLen))
}

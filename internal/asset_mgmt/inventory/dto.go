package inventory

import (
	"time"

	"IRIS-lending/internal/asset_mgmt/lendstore"
)

type CreateItemRequest struct {
	ItemID        string `json:"item_id"` // 管理番号。空なら ULID を振る
	Name          string `json:"name" binding:"required"`
	TotalQuantity int    `json:"total_quantity"`
	Status        string `json:"status"`
}

type UpdateItemRequest struct {
	Name          *string `json:"name"`
	TotalQuantity *int    `json:"total_quantity"`
	Status        *string `json:"status"`
}

type ItemResponse struct {
	ItemID            string    `json:"item_id"`
	Name              string    `json:"name"`
	TotalQuantity     int       `json:"total_quantity"`
	AvailableQuantity int       `json:"available_quantity"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StatusResponse is the read-only availability snapshot.
type StatusResponse struct {
	ItemID    string `json:"item_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Status    string `json:"status"`
}

type ListItemsResponse struct {
	Items      []ItemResponse `json:"items"`
	Total      int64          `json:"total"`
	NextOffset *int           `json:"next_offset,omitempty"`
}

func toItemResponse(it *lendstore.Item) ItemResponse {
	return ItemResponse{
		ItemID:            it.ItemID,
		Name:              it.Name,
		TotalQuantity:     it.TotalQuantity,
		AvailableQuantity: it.AvailableQuantity,
		Status:            string(it.Status),
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// InventoryReservation joins a reserved copy to the order holding it. The
// unique index on inventory_item_id enforces at most one live reservation per
// copy; rows are deleted on cancellation and on completion (where the copy
// moves to sold).
type InventoryReservation struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	InventoryItemID uuid.UUID `gorm:"column:inventory_item_id;type:uuid;not null;uniqueIndex"`
	OrderID         uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

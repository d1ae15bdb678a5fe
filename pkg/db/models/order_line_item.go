package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderLineItem snapshots one reserved copy at the price it was sold for.
// Title and price are frozen at reservation time so later catalog edits cannot
// change what the buyer owes.
type OrderLineItem struct {
	ID              uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID         uuid.UUID `gorm:"column:order_id;type:uuid;not null;index"`
	InventoryItemID uuid.UUID `gorm:"column:inventory_item_id;type:uuid;not null"`
	Title           string    `gorm:"column:title;not null"`
	PriceCents      int64     `gorm:"column:price_cents;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

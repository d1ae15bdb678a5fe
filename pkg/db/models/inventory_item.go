package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// InventoryItem is one physical copy of a book. Status is reserved or sold iff
// an active reservation or completed sale references the copy.
type InventoryItem struct {
	ID         uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	BookID     uuid.UUID             `gorm:"column:book_id;type:uuid;not null;index"`
	Status     enums.InventoryStatus `gorm:"column:status;type:text;not null;default:'in_stock'"`
	PriceCents int64                 `gorm:"column:price_cents;not null"`
	CreatedAt  time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Book is the catalog entry copies belong to. Catalog management lives in a
// separate service; this table only backs titles for line-item snapshots and
// payment descriptions.
type Book struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Title     string    `gorm:"column:title;not null"`
	Author    string    `gorm:"column:author;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

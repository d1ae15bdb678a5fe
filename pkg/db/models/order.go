package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// Order is a buyer's hold on one or more physical copies, paid through the
// gateway and handed over at the counter against the pickup code.
type Order struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID      uuid.UUID         `gorm:"column:user_id;type:uuid;not null"`
	Status      enums.OrderStatus `gorm:"column:status;type:text;not null;default:'PENDING_PAYMENT'"`
	TotalCents  int64             `gorm:"column:total_cents;not null"`
	PickupCode  string            `gorm:"column:pickup_code;not null;uniqueIndex"`
	PayExpireAt time.Time         `gorm:"column:pay_expire_at;not null"`
	PaidAt      *time.Time        `gorm:"column:paid_at"`
	CompletedAt *time.Time        `gorm:"column:completed_at"`
	CancelledAt *time.Time        `gorm:"column:cancelled_at"`
	Items       []OrderLineItem   `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

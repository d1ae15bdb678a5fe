package models

import (
	"time"

	"github.com/bookyardhq/bookyard-backend/pkg/enums"
)

// WebhookEvent is the durable dedup record for one gateway notification id.
// It is written before reconciliation starts and finalized once processing
// reaches a terminal outcome.
type WebhookEvent struct {
	NotificationID string                   `gorm:"column:notification_id;primaryKey"`
	OutTradeNo     string                   `gorm:"column:out_trade_no;not null;index"`
	Status         enums.WebhookEventStatus `gorm:"column:status;type:text;not null;default:'received'"`
	ReceivedAt     time.Time                `gorm:"column:received_at;autoCreateTime"`
	FinalizedAt    *time.Time               `gorm:"column:finalized_at"`
}

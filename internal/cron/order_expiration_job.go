package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// OrderExpirationJobParams configure the expired-order sweeper.
type OrderExpirationJobParams struct {
	Logger *logger.Logger
	DB     txRunner
	Config config.SweeperConfig
}

// NewOrderExpirationJob builds the job that cancels unpaid orders whose
// payment window has lapsed and returns their copies to stock.
func NewOrderExpirationJob(params OrderExpirationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	batch := params.Config.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &orderExpirationJob{
		logg:  params.Logger,
		db:    params.DB,
		batch: batch,
		now:   time.Now,
	}, nil
}

type orderExpirationJob struct {
	logg  *logger.Logger
	db    txRunner
	batch int
	now   func() time.Time
}

func (j *orderExpirationJob) Name() string { return "order-expiration" }

// Run sweeps one batch of expired PENDING_PAYMENT orders in a single
// transaction. Rows are claimed oldest first with SKIP LOCKED so concurrent
// payment confirmation either wins before the claim or loses its conditional
// update after it; no advisory locks are needed here.
func (j *orderExpirationJob) Run(ctx context.Context) error {
	var (
		orderIDs []uuid.UUID
		released int64
	)
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		now := j.now().UTC()

		query := tx.WithContext(ctx).
			Model(&models.Order{}).
			Select("id").
			Where("status = ? AND pay_expire_at < ?", enums.OrderStatusPendingPayment, now).
			Order("pay_expire_at ASC").
			Limit(j.batch)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&orderIDs).Error; err != nil {
			return fmt.Errorf("select expired orders: %w", err)
		}
		if len(orderIDs) == 0 {
			return nil
		}

		res := tx.WithContext(ctx).
			Model(&models.Order{}).
			Where("id IN ?", orderIDs).
			Updates(map[string]any{
				"status":       enums.OrderStatusCancelled,
				"cancelled_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("cancel expired orders: %w", res.Error)
		}

		res = tx.WithContext(ctx).Exec(`
			UPDATE inventory_items
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE status = ?
			  AND id IN (SELECT inventory_item_id FROM inventory_reservations WHERE order_id IN ?)
		`, enums.InventoryStatusInStock, enums.InventoryStatusReserved, orderIDs)
		if res.Error != nil {
			return fmt.Errorf("release expired copies: %w", res.Error)
		}
		released = res.RowsAffected

		err := tx.WithContext(ctx).
			Where("order_id IN ?", orderIDs).
			Delete(&models.InventoryReservation{}).Error
		if err != nil {
			return fmt.Errorf("delete expired reservations: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(orderIDs) > 0 {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"orders": len(orderIDs),
			"copies": released,
		})
		j.logg.Info(logCtx, "expired orders swept")
	}
	return nil
}

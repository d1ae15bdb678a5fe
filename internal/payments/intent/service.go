package intent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/internal/payments"
	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/gateway"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

const descriptionTitleLimit = 3

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type mismatchMetrics interface {
	IncAmountMismatch()
}

// Service prepares a client payment payload for a pending order.
type Service interface {
	PrepareIntent(ctx context.Context, userID, orderID uuid.UUID) (*gateway.ClientPayload, error)
}

// ServiceParams wires the intent preparer.
type ServiceParams struct {
	TxRunner txRunner
	Repo     payments.Repository
	Gateway  gateway.Client
	Config   config.PaymentConfig
	Metrics  mismatchMetrics
	Logger   *logger.Logger
}

type service struct {
	runner   txRunner
	repo     payments.Repository
	gw       gateway.Client
	cfg      config.PaymentConfig
	metrics  mismatchMetrics
	logg     *logger.Logger
	now      func() time.Time
	newNonce func() string
}

// NewService validates params and builds the intent preparer.
func NewService(params ServiceParams) (Service, error) {
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "intent: tx runner is required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "intent: payments repository is required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "intent: gateway client is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "intent: logger is required")
	}
	return &service{
		runner:   params.TxRunner,
		repo:     params.Repo,
		gw:       params.Gateway,
		cfg:      params.Config,
		metrics:  params.Metrics,
		logg:     params.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		newNonce: func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}, nil
}

// PrepareIntent validates the order, converges on its payment record and asks
// the gateway for a prepay handle. The server-stored total is the only amount
// ever sent to the gateway; nothing from the request body is trusted.
func (s *service) PrepareIntent(ctx context.Context, userID, orderID uuid.UUID) (*gateway.ClientPayload, error) {
	outTradeNo := payments.DeriveOutTradeNo(orderID)

	var order models.Order
	err := s.runner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		if err := tx.WithContext(ctx).Preload("Items").Where("id = ?", orderID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}
		if order.UserID != userID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order does not belong to user")
		}
		if order.Status != enums.OrderStatusPendingPayment {
			return pkgerrors.New(pkgerrors.CodeOrderStateInvalid, "order is not awaiting payment").
				WithDetails(map[string]any{"status": order.Status})
		}

		if err := s.checkAmount(ctx, &order); err != nil {
			return err
		}

		return s.upsertRecord(ctx, repo, &order, outTradeNo)
	})
	if err != nil {
		return nil, err
	}

	handle, err := s.gw.CreateOrder(ctx, gateway.CreateOrderRequest{
		OutTradeNo:  outTradeNo,
		AmountCents: order.TotalCents,
		Description: describe(order.Items),
		ExpireAt:    order.PayExpireAt,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "gateway create order")
	}

	return s.clientPayload(ctx, handle)
}

// checkAmount recomputes the total from the persisted line items and refuses
// to charge when it disagrees with the stored total. This path pages; it means
// order data was corrupted after creation.
func (s *service) checkAmount(ctx context.Context, order *models.Order) error {
	var computed int64
	for _, item := range order.Items {
		computed += item.PriceCents
	}
	if computed != order.TotalCents {
		err := pkgerrors.New(pkgerrors.CodeAmountMismatch, "order total does not match line items")
		s.logg.Critical(ctx, fmt.Sprintf(
			"payment amount mismatch for order %s: stored=%d computed=%d",
			order.ID, order.TotalCents, computed,
		), err)
		if s.metrics != nil {
			s.metrics.IncAmountMismatch()
		}
		return err
	}
	if order.TotalCents <= 0 || order.TotalCents > s.cfg.MaxChargeCents {
		return pkgerrors.New(pkgerrors.CodeInvalidAmount, "order total is outside the chargeable range").
			WithDetails(map[string]any{"total_cents": order.TotalCents})
	}
	return nil
}

// upsertRecord converges on one payment record per order. A concurrent insert
// of the same out_trade_no is treated as success, provided the existing row
// still carries the same amount.
func (s *service) upsertRecord(ctx context.Context, repo payments.Repository, order *models.Order, outTradeNo string) error {
	record := &models.PaymentRecord{
		OutTradeNo:  outTradeNo,
		OrderID:     order.ID,
		Status:      enums.PaymentStatusPending,
		AmountCents: order.TotalCents,
	}
	err := repo.CreateRecord(ctx, record)
	if err == nil {
		return nil
	}
	if !db.IsUniqueViolation(err, "") {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment record")
	}

	existing, err := repo.FindRecord(ctx, outTradeNo)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment record")
	}
	if existing.AmountCents != order.TotalCents {
		ferr := pkgerrors.New(pkgerrors.CodeAmountMismatch, "payment record amount diverged from order total")
		s.logg.Critical(ctx, fmt.Sprintf(
			"payment record %s amount drift: record=%d order=%d",
			outTradeNo, existing.AmountCents, order.TotalCents,
		), ferr)
		if s.metrics != nil {
			s.metrics.IncAmountMismatch()
		}
		return ferr
	}
	return nil
}

// clientPayload signs the prepay reference into the shape the buyer's app
// hands to the gateway SDK.
func (s *service) clientPayload(ctx context.Context, handle *gateway.PrepayHandle) (*gateway.ClientPayload, error) {
	timestamp := strconv.FormatInt(s.now().Unix(), 10)
	nonce := s.newNonce()
	pkg := "prepay_id=" + handle.PrepayID

	message := strings.Join([]string{s.cfg.AppID, timestamp, nonce, pkg}, "\n") + "\n"
	signature, err := s.gw.Sign(ctx, message)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeGatewayTransient, err, "sign client payload")
	}

	return &gateway.ClientPayload{
		Timestamp: timestamp,
		Nonce:     nonce,
		Package:   pkg,
		SignType:  "RSA",
		Signature: signature,
	}, nil
}

// describe builds the human line shown in the gateway UI from the first few
// titles on the order.
func describe(items []models.OrderLineItem) string {
	titles := make([]string, 0, descriptionTitleLimit)
	for i, item := range items {
		if i == descriptionTitleLimit {
			titles = append(titles, "…")
			break
		}
		titles = append(titles, item.Title)
	}
	return strings.Join(titles, ", ")
}

package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

// Action is a staff-initiated transition request against an order.
type Action string

const (
	// ActionComplete hands the copies over at pickup and closes the order.
	ActionComplete Action = "complete"
	// ActionCancel aborts the order and returns its copies to stock.
	ActionCancel Action = "cancel"
)

// allowedSources lists, per action, the statuses a transition may start from.
var allowedSources = map[Action][]enums.OrderStatus{
	ActionComplete: {enums.OrderStatusPendingPickup},
	ActionCancel:   {enums.OrderStatusPendingPayment, enums.OrderStatusPendingPickup},
}

// TransitionInput carries one staff transition request.
type TransitionInput struct {
	OrderID uuid.UUID
	ActorID uuid.UUID
	Action  Action
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type refundMetrics interface {
	IncRefundRequired()
}

// Service owns order reads and the staff-facing order state machine.
type Service interface {
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error)
	Transition(ctx context.Context, input TransitionInput) (*models.Order, error)
}

// ServiceParams wires the order service.
type ServiceParams struct {
	TxRunner txRunner
	Repo     Repository
	Metrics  refundMetrics
	Logger   *logger.Logger
}

type service struct {
	runner  txRunner
	repo    Repository
	metrics refundMetrics
	logg    *logger.Logger
	now     func() time.Time
}

// NewService validates params and builds the order service.
func NewService(params ServiceParams) (Service, error) {
	if params.TxRunner == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders: tx runner is required")
	}
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders: repository is required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders: logger is required")
	}
	return &service{
		runner:  params.TxRunner,
		repo:    params.Repo,
		metrics: params.Metrics,
		logg:    params.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.FindOrderWithItems(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.UserID != userID {
		// Hidden rather than forbidden so order IDs cannot be probed.
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

// Transition applies a staff action to an order. The target status is derived
// from the action and the persisted-at-read status, then written with a
// conditional update so a concurrent transition loses cleanly instead of
// double-applying side effects.
func (s *service) Transition(ctx context.Context, input TransitionInput) (*models.Order, error) {
	sources, ok := allowedSources[input.Action]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown order action").
			WithDetails(map[string]any{"action": input.Action})
	}

	var updated *models.Order
	err := s.runner.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		order, err := repo.FindOrder(ctx, input.OrderID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
		}

		if !statusIn(order.Status, sources) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order status does not permit this action").
				WithDetails(map[string]any{
					"order_id": order.ID,
					"status":   order.Status,
					"action":   input.Action,
				})
		}

		switch input.Action {
		case ActionComplete:
			updated, err = s.complete(ctx, repo, order)
		case ActionCancel:
			updated, err = s.cancel(ctx, repo, order)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"order_id": updated.ID.String(),
		"action":   string(input.Action),
		"status":   string(updated.Status),
		"actor_id": input.ActorID.String(),
	})
	s.logg.Info(logCtx, "order transition applied")
	return updated, nil
}

// complete hands the order over: PENDING_PICKUP becomes COMPLETED and every
// reserved copy becomes sold. A shortfall in the sold count means another
// writer touched the inventory and the whole transition rolls back.
func (s *service) complete(ctx context.Context, repo Repository, order *models.Order) (*models.Order, error) {
	now := s.now()

	rows, err := repo.UpdateStatusIf(ctx, order.ID, enums.OrderStatusPendingPickup, enums.OrderStatusCompleted, map[string]any{
		"completed_at": now,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "complete order")
	}
	if rows == 0 {
		return nil, conflict(order.ID)
	}

	items, err := repo.FindLineItems(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order line items")
	}
	sold, err := repo.MarkItemsSold(ctx, order.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark copies sold")
	}
	if sold != int64(len(items)) {
		return nil, pkgerrors.New(pkgerrors.CodeOrderStatusConflict, "order inventory changed during completion").
			WithDetails(map[string]any{
				"order_id": order.ID,
				"expected": len(items),
				"sold":     sold,
			})
	}
	if err := repo.DeleteReservations(ctx, order.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear reservations")
	}

	order.Status = enums.OrderStatusCompleted
	order.CompletedAt = &now
	return order, nil
}

// cancel aborts the order from either pending status, returns its copies to
// stock and, when the order was already paid, flips the payment record to
// REFUND_REQUIRED for the refund worklist.
func (s *service) cancel(ctx context.Context, repo Repository, order *models.Order) (*models.Order, error) {
	now := s.now()
	from := order.Status

	rows, err := repo.UpdateStatusIf(ctx, order.ID, from, enums.OrderStatusCancelled, map[string]any{
		"cancelled_at": now,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "cancel order")
	}
	if rows == 0 {
		return nil, conflict(order.ID)
	}

	if _, err := repo.ReleaseItems(ctx, order.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release copies")
	}
	if err := repo.DeleteReservations(ctx, order.ID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear reservations")
	}

	if from == enums.OrderStatusPendingPickup {
		flipped, err := repo.MarkPaymentRefundRequired(ctx, order.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "flag refund")
		}
		if flipped > 0 && s.metrics != nil {
			s.metrics.IncRefundRequired()
		}
	}

	order.Status = enums.OrderStatusCancelled
	order.CancelledAt = &now
	return order, nil
}

func conflict(orderID uuid.UUID) error {
	return pkgerrors.New(pkgerrors.CodeOrderStatusConflict, "order was modified concurrently, retry the action").
		WithDetails(map[string]any{"order_id": orderID})
}

func statusIn(status enums.OrderStatus, set []enums.OrderStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

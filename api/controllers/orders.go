package controllers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/api/middleware"
	"github.com/bookyardhq/bookyard-backend/api/responses"
	"github.com/bookyardhq/bookyard-backend/api/validators"
	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/reservation"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

type createOrderRequest struct {
	ItemIDs []uuid.UUID `json:"item_ids" validate:"required,min=1,dive,required"`
}

type transitionRequest struct {
	Action string `json:"action" validate:"required,oneof=cancel complete"`
}

type orderLineItemResponse struct {
	InventoryItemID uuid.UUID `json:"inventory_item_id"`
	Title           string    `json:"title"`
	PriceCents      int64     `json:"price_cents"`
}

type orderResponse struct {
	ID          uuid.UUID               `json:"id"`
	Status      string                  `json:"status"`
	TotalCents  int64                   `json:"total_cents"`
	PickupCode  string                  `json:"pickup_code"`
	PayExpireAt time.Time               `json:"pay_expire_at"`
	PaidAt      *time.Time              `json:"paid_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	CancelledAt *time.Time              `json:"cancelled_at,omitempty"`
	Items       []orderLineItemResponse `json:"items,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		ID:          order.ID,
		Status:      string(order.Status),
		TotalCents:  order.TotalCents,
		PickupCode:  order.PickupCode,
		PayExpireAt: order.PayExpireAt,
		PaidAt:      order.PaidAt,
		CompletedAt: order.CompletedAt,
		CancelledAt: order.CancelledAt,
		CreatedAt:   order.CreatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderLineItemResponse{
			InventoryItemID: item.InventoryItemID,
			Title:           item.Title,
			PriceCents:      item.PriceCents,
		})
	}
	return resp
}

// CreateOrder reserves the requested copies and opens a payment-pending order.
func CreateOrder(svc reservation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "reservation service unavailable"))
			return
		}

		var body createOrderRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		order, err := svc.CreateOrder(ctx, middleware.UserIDFromContext(ctx), body.ItemIDs)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toOrderResponse(order))
	}
}

// GetOrder returns one of the caller's orders.
func GetOrder(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}

		order, err := svc.GetOrder(ctx, middleware.UserIDFromContext(ctx), orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

// TransitionOrder applies a staff cancel/complete action.
func TransitionOrder(svc orders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}

		orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}

		var body transitionRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		order, err := svc.Transition(ctx, orders.TransitionInput{
			OrderID: orderID,
			ActorID: middleware.StaffIDFromContext(ctx),
			Action:  orders.Action(body.Action),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, toOrderResponse(order))
	}
}

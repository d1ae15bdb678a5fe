package controllers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bookyardhq/bookyard-backend/api/middleware"
	"github.com/bookyardhq/bookyard-backend/api/responses"
	"github.com/bookyardhq/bookyard-backend/internal/payments/intent"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
)

// PreparePaymentIntent returns the client payload the buyer's app needs to
// invoke the gateway for a pending order. The request has no body; the amount
// comes exclusively from the server-stored order.
func PreparePaymentIntent(svc intent.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment intent service unavailable"))
			return
		}

		orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid order id"))
			return
		}

		payload, err := svc.PrepareIntent(ctx, middleware.UserIDFromContext(ctx), orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, payload)
	}
}

package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bookyardhq/bookyard-backend/api/controllers"
	webhookcontrollers "github.com/bookyardhq/bookyard-backend/api/controllers/webhooks"
	"github.com/bookyardhq/bookyard-backend/api/middleware"
	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/payments/intent"
	"github.com/bookyardhq/bookyard-backend/internal/payments/notify"
	"github.com/bookyardhq/bookyard-backend/internal/reservation"
	"github.com/bookyardhq/bookyard-backend/pkg/config"
	"github.com/bookyardhq/bookyard-backend/pkg/db"
	"github.com/bookyardhq/bookyard-backend/pkg/logger"
	"github.com/bookyardhq/bookyard-backend/pkg/redis"
)

// RouterParams carry everything the HTTP surface depends on.
type RouterParams struct {
	Config        *config.Config
	Logger        *logger.Logger
	DB            db.Pinger
	Redis         redis.Pinger
	Reservation   reservation.Service
	Orders        orders.Service
	PaymentIntent intent.Service
	Notify        notify.Service
}

// NewRouter assembles the chi router: buyer surface under /api/v1, staff
// surface under /api/admin/v1, and the unauthenticated gateway webhook.
func NewRouter(p RouterParams) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(p.Logger),
		middleware.RequestID(p.Logger),
		middleware.Logging(p.Logger),
	)

	r.Get("/healthz", controllers.HealthLive())
	r.Get("/readyz", controllers.HealthReady(p.DB, p.Redis, p.Logger))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser(p.Logger))
		r.Post("/orders", controllers.CreateOrder(p.Reservation, p.Logger))
		r.Get("/orders/{orderID}", controllers.GetOrder(p.Orders, p.Logger))
		r.Post("/orders/{orderID}/payment-intent", controllers.PreparePaymentIntent(p.PaymentIntent, p.Logger))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.RequireStaff(p.Logger))
		r.Post("/orders/{orderID}/transition", controllers.TransitionOrder(p.Orders, p.Logger))
	})

	// The gateway authenticates itself by signature, not by identity headers.
	strict := false
	if p.Config != nil {
		strict = p.Config.Webhook.StrictAck
	}
	r.Post("/api/v1/webhooks/payment", webhookcontrollers.PaymentNotification(p.Notify, strict, p.Logger))

	return r
}

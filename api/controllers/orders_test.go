package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/bookyardhq/bookyard-backend/api/middleware"
	"github.com/bookyardhq/bookyard-backend/internal/orders"
	"github.com/bookyardhq/bookyard-backend/internal/payments/intent"
	"github.com/bookyardhq/bookyard-backend/internal/reservation"
	"github.com/bookyardhq/bookyard-backend/pkg/db/models"
	"github.com/bookyardhq/bookyard-backend/pkg/enums"
	pkgerrors "github.com/bookyardhq/bookyard-backend/pkg/errors"
)

type fakeReservationService struct {
	order    *models.Order
	err      error
	calls    int
	gotUser  uuid.UUID
	gotItems []uuid.UUID
}

func (s *fakeReservationService) CreateOrder(_ context.Context, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error) {
	s.calls++
	s.gotUser = userID
	s.gotItems = itemIDs
	return s.order, s.err
}

func (s *fakeReservationService) CreateOrderInTx(ctx context.Context, _ *gorm.DB, userID uuid.UUID, itemIDs []uuid.UUID) (*models.Order, error) {
	return s.CreateOrder(ctx, userID, itemIDs)
}

type fakeOrderService struct {
	order    *models.Order
	err      error
	gotUser  uuid.UUID
	gotOrder uuid.UUID
	gotInput orders.TransitionInput
}

func (s *fakeOrderService) GetOrder(_ context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	s.gotUser = userID
	s.gotOrder = orderID
	return s.order, s.err
}

func (s *fakeOrderService) Transition(_ context.Context, input orders.TransitionInput) (*models.Order, error) {
	s.gotInput = input
	return s.order, s.err
}

// newAPIRouter mounts the handlers behind the same identity middleware the
// real router uses, so URL params and context identities flow as in prod.
func newAPIRouter(res reservation.Service, ord orders.Service, pay intent.Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireUser(nil))
		r.Post("/orders", CreateOrder(res, nil))
		r.Get("/orders/{orderID}", GetOrder(ord, nil))
		r.Post("/orders/{orderID}/payment-intent", PreparePaymentIntent(pay, nil))
	})
	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.RequireStaff(nil))
		r.Post("/orders/{orderID}/transition", TransitionOrder(ord, nil))
	})
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func userHeaders(userID uuid.UUID) map[string]string {
	return map[string]string{"X-User-Id": userID.String()}
}

func staffHeaders(staffID uuid.UUID) map[string]string {
	return map[string]string{"X-Staff-Id": staffID.String()}
}

func sampleOrder(userID uuid.UUID) *models.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Order{
		ID:          uuid.New(),
		UserID:      userID,
		Status:      enums.OrderStatusPendingPayment,
		TotalCents:  4598,
		PickupCode:  "H7K2M9PQ",
		PayExpireAt: now.Add(15 * time.Minute),
		Items: []models.OrderLineItem{
			{InventoryItemID: uuid.New(), Title: "Dune", PriceCents: 2599},
			{InventoryItemID: uuid.New(), Title: "Foundation", PriceCents: 1999},
		},
		CreatedAt: now,
	}
}

type orderEnvelope struct {
	Data struct {
		ID         uuid.UUID `json:"id"`
		Status     string    `json:"status"`
		TotalCents int64     `json:"total_cents"`
		PickupCode string    `json:"pickup_code"`
		Items      []struct {
			InventoryItemID uuid.UUID `json:"inventory_item_id"`
			Title           string    `json:"title"`
			PriceCents      int64     `json:"price_cents"`
		} `json:"items"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) orderEnvelope {
	t.Helper()
	var env orderEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode order envelope: %v", err)
	}
	return env
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func TestCreateOrderReturnsCreatedOrder(t *testing.T) {
	userID := uuid.New()
	itemA, itemB := uuid.New(), uuid.New()
	service := &fakeReservationService{order: sampleOrder(userID)}
	router := newAPIRouter(service, nil, nil)

	body := `{"item_ids":["` + itemA.String() + `","` + itemB.String() + `"]}`
	rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", body, userHeaders(userID))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	if service.gotUser != userID {
		t.Fatalf("service saw user %s, want %s", service.gotUser, userID)
	}
	if len(service.gotItems) != 2 || service.gotItems[0] != itemA || service.gotItems[1] != itemB {
		t.Fatalf("service saw items %v, want [%s %s]", service.gotItems, itemA, itemB)
	}

	env := decodeOrder(t, rec)
	if env.Data.ID != service.order.ID {
		t.Fatalf("response id = %s, want %s", env.Data.ID, service.order.ID)
	}
	if env.Data.Status != string(enums.OrderStatusPendingPayment) {
		t.Fatalf("response status = %q", env.Data.Status)
	}
	if env.Data.TotalCents != 4598 || env.Data.PickupCode != "H7K2M9PQ" {
		t.Fatalf("unexpected order body: %+v", env.Data)
	}
	if len(env.Data.Items) != 2 || env.Data.Items[0].Title != "Dune" {
		t.Fatalf("unexpected line items: %+v", env.Data.Items)
	}
}

func TestCreateOrderValidatesBody(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "empty items", body: `{"item_ids":[]}`},
		{name: "missing items", body: `{}`},
		{name: "unknown field", body: `{"item_ids":["` + uuid.NewString() + `"],"total_cents":1}`},
		{name: "malformed json", body: `{"item_ids":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &fakeReservationService{}
			router := newAPIRouter(service, nil, nil)

			rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", tc.body, userHeaders(uuid.New()))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if service.calls != 0 {
				t.Fatalf("service called %d times for invalid body", service.calls)
			}
			if env := decodeAPIError(t, rec); env.Error.Code != string(pkgerrors.CodeValidation) {
				t.Fatalf("error code = %q", env.Error.Code)
			}
		})
	}
}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	router := newAPIRouter(&fakeReservationService{}, nil, nil)

	for _, headers := range []map[string]string{nil, {"X-User-Id": "not-a-uuid"}} {
		rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", `{"item_ids":["`+uuid.NewString()+`"]}`, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestCreateOrderMapsServiceErrors(t *testing.T) {
	service := &fakeReservationService{
		err: pkgerrors.New(pkgerrors.CodeInsufficientInventory, "copies no longer available").
			WithDetails(map[string]any{"unavailable": 1}),
	}
	router := newAPIRouter(service, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", `{"item_ids":["`+uuid.NewString()+`"]}`, userHeaders(uuid.New()))

	want := pkgerrors.MetadataFor(pkgerrors.CodeInsufficientInventory).HTTPStatus
	if rec.Code != want {
		t.Fatalf("status = %d, want %d", rec.Code, want)
	}
	env := decodeAPIError(t, rec)
	if env.Error.Code != string(pkgerrors.CodeInsufficientInventory) {
		t.Fatalf("error code = %q", env.Error.Code)
	}
	if env.Error.Message != "copies no longer available" {
		t.Fatalf("error message = %q", env.Error.Message)
	}
}

func TestGetOrderScopesToCaller(t *testing.T) {
	userID := uuid.New()
	service := &fakeOrderService{order: sampleOrder(userID)}
	router := newAPIRouter(nil, service, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/orders/"+service.order.ID.String(), "", userHeaders(userID))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if service.gotUser != userID || service.gotOrder != service.order.ID {
		t.Fatalf("service saw user=%s order=%s", service.gotUser, service.gotOrder)
	}
	if env := decodeOrder(t, rec); env.Data.ID != service.order.ID {
		t.Fatalf("response id = %s", env.Data.ID)
	}
}

func TestGetOrderRejectsMalformedID(t *testing.T) {
	service := &fakeOrderService{}
	router := newAPIRouter(nil, service, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/orders/not-a-uuid", "", userHeaders(uuid.New()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if env := decodeAPIError(t, rec); env.Error.Code != string(pkgerrors.CodeValidation) {
		t.Fatalf("error code = %q", env.Error.Code)
	}
}

func TestGetOrderPassesThroughNotFound(t *testing.T) {
	service := &fakeOrderService{err: pkgerrors.New(pkgerrors.CodeNotFound, "order not found")}
	router := newAPIRouter(nil, service, nil)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "", userHeaders(uuid.New()))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestTransitionOrderAppliesStaffAction(t *testing.T) {
	staffID := uuid.New()
	order := sampleOrder(uuid.New())
	order.Status = enums.OrderStatusCompleted
	service := &fakeOrderService{order: order}
	router := newAPIRouter(nil, service, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/admin/v1/orders/"+order.ID.String()+"/transition",
		`{"action":"complete"}`, staffHeaders(staffID))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if service.gotInput.OrderID != order.ID {
		t.Fatalf("service saw order %s, want %s", service.gotInput.OrderID, order.ID)
	}
	if service.gotInput.ActorID != staffID {
		t.Fatalf("service saw actor %s, want %s", service.gotInput.ActorID, staffID)
	}
	if service.gotInput.Action != orders.ActionComplete {
		t.Fatalf("service saw action %q", service.gotInput.Action)
	}
	if env := decodeOrder(t, rec); env.Data.Status != string(enums.OrderStatusCompleted) {
		t.Fatalf("response status = %q", env.Data.Status)
	}
}

func TestTransitionOrderValidatesAction(t *testing.T) {
	service := &fakeOrderService{}
	router := newAPIRouter(nil, service, nil)

	for _, body := range []string{`{"action":"refund"}`, `{}`} {
		rec := doRequest(t, router, http.MethodPost, "/api/admin/v1/orders/"+uuid.NewString()+"/transition",
			body, staffHeaders(uuid.New()))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d for body %s, want %d", rec.Code, body, http.StatusBadRequest)
		}
	}
}

func TestTransitionOrderRequiresStaffIdentity(t *testing.T) {
	router := newAPIRouter(nil, &fakeOrderService{}, nil)

	// A buyer header does not open the admin surface.
	rec := doRequest(t, router, http.MethodPost, "/api/admin/v1/orders/"+uuid.NewString()+"/transition",
		`{"action":"cancel"}`, userHeaders(uuid.New()))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestOrderHandlersGuardMissingService(t *testing.T) {
	router := newAPIRouter(nil, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/orders", `{"item_ids":["`+uuid.NewString()+`"]}`, userHeaders(uuid.New()))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("create status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "", userHeaders(uuid.New()))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

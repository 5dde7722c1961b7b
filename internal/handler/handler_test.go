package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/middleware"
	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/realtime"
	"github.com/mmeshcher/delivery-system/internal/repository"
	"github.com/mmeshcher/delivery-system/internal/service"
)

type stubService struct {
	order        *model.Order
	orderErr     error
	outcome      *service.PaymentOutcome
	paymentErr   error
	webhookErr   error
	payout       *model.RestaurantPayout
	payoutErr    error
	acceptErr    error
	webhookCalls int
}

func (s *stubService) CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) GetTracking(ctx context.Context, orderID int64) (*service.Tracking, error) {
	return &service.Tracking{Order: s.order}, s.orderErr
}

func (s *stubService) UpdateStatus(ctx context.Context, orderID int64, target model.OrderStatus, actor string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) AcceptDelivery(ctx context.Context, orderID, courierID int64) (*model.Order, error) {
	return s.order, s.acceptErr
}

func (s *stubService) RecordCourierLocation(ctx context.Context, loc model.CourierLocation) error {
	return nil
}

func (s *stubService) ListRestaurantOrders(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubService) ProcessPayment(ctx context.Context, orderID int64, req service.PayRequest) (*service.PaymentOutcome, error) {
	return s.outcome, s.paymentErr
}

func (s *stubService) RefundOrder(ctx context.Context, orderID int64, reason string) error {
	return nil
}

func (s *stubService) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	s.webhookCalls++
	return s.webhookErr
}

func (s *stubService) AvailableMethods() []gateway.MethodAvailability {
	return []gateway.MethodAvailability{{Method: model.PaymentMethodCash, Available: true}}
}

func (s *stubService) SaveCard(ctx context.Context, customerID int64, preferredGateway string, card gateway.CardData, makeDefault bool) (*model.SavedCard, error) {
	return &model.SavedCard{ID: 1, LastFour: "1111"}, nil
}

func (s *stubService) ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error) {
	return nil, nil
}

func (s *stubService) DeleteCard(ctx context.Context, customerID, cardID int64) error { return nil }

func (s *stubService) SetDefaultCard(ctx context.Context, customerID, cardID int64) error {
	return nil
}

func (s *stubService) ListEarnings(ctx context.Context, restaurantID int64, f repository.EarningsFilter) ([]model.RestaurantEarning, error) {
	return nil, nil
}

func (s *stubService) GetEarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error) {
	return &model.EarningsSummary{AvailableCents: 3806}, nil
}

func (s *stubService) GetAvailableBalance(ctx context.Context, restaurantID int64) (int64, error) {
	return 3806, nil
}

func (s *stubService) RequestPayout(ctx context.Context, restaurantID, amountCents int64) (*model.RestaurantPayout, error) {
	return s.payout, s.payoutErr
}

func (s *stubService) CancelPayout(ctx context.Context, restaurantID, payoutID int64) error {
	return nil
}

func (s *stubService) CompletePayout(ctx context.Context, payoutID int64) error { return nil }

func (s *stubService) FailPayout(ctx context.Context, payoutID int64) error { return nil }

func (s *stubService) BackfillEarnings(ctx context.Context, limit int) (int, error) {
	return 0, nil
}

func (s *stubService) ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error) {
	return nil, nil
}

func (s *stubService) ListDriverEarnings(ctx context.Context, courierID int64, f repository.EarningsFilter) ([]model.DriverEarning, error) {
	return nil, nil
}

func (s *stubService) GetDriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error) {
	return &model.DriverEarningsSummary{}, nil
}

func (s *stubService) GetDriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error) {
	return nil, nil
}

func (s *stubService) AddDriverBonus(ctx context.Context, courierID, amountCents int64, description string) error {
	return nil
}

func (s *stubService) AddDriverTip(ctx context.Context, courierID, amountCents int64, description string) error {
	return nil
}

func (s *stubService) UpdateSetting(ctx context.Context, key, value string) error { return nil }

func newTestHandler(svc Service) (*Handler, *middleware.AuthMiddleware) {
	auth := middleware.NewAuthMiddleware("test-secret")
	logger := zap.NewNop()
	return NewHandler(svc, logger, auth, realtime.NewHub(logger)), auth
}

func authCookie(auth *middleware.AuthMiddleware, actor middleware.Actor) *http.Cookie {
	w := httptest.NewRecorder()
	auth.SetAuthCookie(w, actor)
	return w.Result().Cookies()[0]
}

func TestCreateOrder_Created(t *testing.T) {
	svc := &stubService{
		order: &model.Order{ID: 101, Status: model.OrderStatusPending, TotalCents: 5269},
	}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	body, _ := json.Marshal(map[string]any{
		"restaurant_id":  1,
		"payment_method": "pix",
		"items":          []map[string]any{{"menu_item_id": 10, "quantity": 2}},
		"address":        map[string]string{"street": "Rua A", "city": "Sao Paulo"},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleCustomer}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var got model.Order
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != 101 {
		t.Fatalf("order id = %d, want 101", got.ID)
	}
}

func TestCreateOrder_Unauthorized(t *testing.T) {
	h, _ := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestUpdateStatus_InvalidTransitionConflict(t *testing.T) {
	svc := &stubService{orderErr: service.ErrInvalidTransition}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/orders/1/status",
		bytes.NewReader([]byte(`{"status":"DELIVERED"}`)))
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 2, Role: middleware.RoleRestaurant}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestAcceptDelivery_RequiresCourierRole(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/deliveries/1/accept", nil)
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleCustomer}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestAcceptDelivery_LoserConflict(t *testing.T) {
	svc := &stubService{acceptErr: repository.ErrCourierAlreadyAssigned}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/deliveries/1/accept", nil)
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 9, Role: middleware.RoleCourier}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestWebhook_BadSignatureStillAcked(t *testing.T) {
	svc := &stubService{webhookErr: errors.New("mercadopago: invalid webhook signature")}
	h, _ := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/mercadopago",
		bytes.NewReader([]byte(`{"id":"1"}`)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if svc.webhookCalls != 1 {
		t.Fatalf("webhook must reach the service once, got %d", svc.webhookCalls)
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	svc := &stubService{webhookErr: gateway.ErrUnknownGateway}
	h, _ := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader([]byte(`{}`)))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRequestPayout_BelowMinimum(t *testing.T) {
	svc := &stubService{payoutErr: service.ErrBelowMinPayout}
	h, auth := newTestHandler(svc)
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/restaurants/1/payouts",
		bytes.NewReader([]byte(`{"amount_cents":100}`)))
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleRestaurant}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestUpdateSetting_RequiresAdminRole(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodPut, "/api/admin/settings/platform_fee_bps",
		bytes.NewReader([]byte(`{"value":"1200"}`)))
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleRestaurant}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/admin/settings/platform_fee_bps",
		bytes.NewReader([]byte(`{"value":"1200"}`)))
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleAdmin}))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestPaymentMethods(t *testing.T) {
	h, auth := newTestHandler(&stubService{})
	router := h.SetupRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/payments/methods", nil)
	req.AddCookie(authCookie(auth, middleware.Actor{ID: 1, Role: middleware.RoleCustomer}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var methods []gateway.MethodAvailability
	if err := json.NewDecoder(w.Body).Decode(&methods); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(methods) != 1 || methods[0].Method != model.PaymentMethodCash {
		t.Fatalf("unexpected methods: %+v", methods)
	}
}

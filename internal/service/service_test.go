package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/repository"
)

type stubRepo struct {
	restaurant    *model.Restaurant
	restaurantErr error
	menuItems     []model.MenuItem
	courier       *model.Courier
	courierErr    error
	address       *model.Address
	email         string

	order           *model.Order
	orderErr        error
	createdOrder    *model.Order
	statusUpdates   []model.OrderStatus
	updateStatusErr error
	assignErr       error
	assignedCourier int64

	paymentStatuses []model.PaymentStatus

	earningOrders  map[int64]bool
	earnings       []*model.RestaurantEarning
	driverEarnings []*model.DriverEarning

	available int64
	payout    *model.RestaurantPayout
	payoutErr error

	savedCard *model.SavedCard
	cardErr   error

	settings map[string]string
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *stubRepo) SetSetting(ctx context.Context, key, value string) error { return nil }

func (s *stubRepo) GetRestaurant(ctx context.Context, id int64) (*model.Restaurant, error) {
	return s.restaurant, s.restaurantErr
}

func (s *stubRepo) GetMenuItems(ctx context.Context, restaurantID int64, ids []int64) ([]model.MenuItem, error) {
	return s.menuItems, nil
}

func (s *stubRepo) GetCourier(ctx context.Context, id int64) (*model.Courier, error) {
	return s.courier, s.courierErr
}

func (s *stubRepo) GetSavedAddress(ctx context.Context, customerID, addressID int64) (*model.Address, error) {
	if s.address == nil {
		return nil, repository.ErrAddressNotFound
	}
	return s.address, nil
}

func (s *stubRepo) GetCustomerEmail(ctx context.Context, customerID int64) (string, error) {
	return s.email, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, order *model.Order) error {
	order.ID = 101
	order.CreatedAt = time.Now()
	s.createdOrder = order
	return nil
}

func (s *stubRepo) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus, actor string) error {
	if s.updateStatusErr != nil {
		return s.updateStatusErr
	}
	s.statusUpdates = append(s.statusUpdates, to)
	s.order.Status = to
	return nil
}

func (s *stubRepo) AssignCourier(ctx context.Context, orderID, courierID int64) error {
	if s.assignErr != nil {
		return s.assignErr
	}
	s.assignedCourier = courierID
	s.order.CourierID = &courierID
	return nil
}

func (s *stubRepo) SetPaymentResult(ctx context.Context, orderID int64, status model.PaymentStatus, gateway, transactionID string) error {
	s.paymentStatuses = append(s.paymentStatuses, status)
	s.order.PaymentStatus = status
	return nil
}

func (s *stubRepo) SaveCourierLocation(ctx context.Context, loc model.CourierLocation) error {
	return nil
}

func (s *stubRepo) LastCourierLocation(ctx context.Context, courierID int64) (*model.CourierLocation, error) {
	return nil, nil
}

func (s *stubRepo) DeliveredOrdersWithoutEarning(ctx context.Context, limit int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) ListOrdersByRestaurant(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error) {
	return nil, nil
}

func (s *stubRepo) CreateRestaurantEarning(ctx context.Context, e *model.RestaurantEarning) (bool, error) {
	if s.earningOrders == nil {
		s.earningOrders = make(map[int64]bool)
	}
	if s.earningOrders[e.OrderID] {
		return false, nil
	}
	s.earningOrders[e.OrderID] = true
	s.earnings = append(s.earnings, e)
	return true, nil
}

func (s *stubRepo) UpdatePendingEarnings(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *stubRepo) AvailableBalance(ctx context.Context, restaurantID int64) (int64, error) {
	return s.available, nil
}

func (s *stubRepo) EarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error) {
	return &model.EarningsSummary{}, nil
}

func (s *stubRepo) ListEarnings(ctx context.Context, restaurantID int64, f repository.EarningsFilter) ([]model.RestaurantEarning, error) {
	return nil, nil
}

func (s *stubRepo) CreatePayout(ctx context.Context, restaurantID, amountCents int64, reference string) (*model.RestaurantPayout, error) {
	return s.payout, s.payoutErr
}

func (s *stubRepo) CancelPayout(ctx context.Context, restaurantID, payoutID int64) error {
	return nil
}

func (s *stubRepo) UpdatePayoutStatus(ctx context.Context, payoutID int64, status model.PayoutStatus) error {
	return nil
}

func (s *stubRepo) ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error) {
	return nil, nil
}

func (s *stubRepo) CreateDriverEarning(ctx context.Context, e *model.DriverEarning) (bool, error) {
	if e.OrderID != nil {
		if s.earningOrders == nil {
			s.earningOrders = make(map[int64]bool)
		}
		key := -*e.OrderID
		if s.earningOrders[key] {
			return false, nil
		}
		s.earningOrders[key] = true
	}
	s.driverEarnings = append(s.driverEarnings, e)
	return true, nil
}

func (s *stubRepo) ListDriverEarnings(ctx context.Context, courierID int64, f repository.EarningsFilter) ([]model.DriverEarning, error) {
	return nil, nil
}

func (s *stubRepo) DriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error) {
	return &model.DriverEarningsSummary{}, nil
}

func (s *stubRepo) DriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error) {
	return nil, nil
}

func (s *stubRepo) SaveCard(ctx context.Context, card *model.SavedCard) error {
	card.ID = 5
	return nil
}

func (s *stubRepo) ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error) {
	return nil, nil
}

func (s *stubRepo) GetCard(ctx context.Context, customerID, cardID int64) (*model.SavedCard, error) {
	if s.savedCard == nil {
		return nil, repository.ErrCardNotFound
	}
	return s.savedCard, s.cardErr
}

func (s *stubRepo) DeleteCard(ctx context.Context, customerID, cardID int64) error { return nil }

func (s *stubRepo) SetDefaultCard(ctx context.Context, customerID, cardID int64) error { return nil }

type stubHub struct {
	events []string
}

func (h *stubHub) Emit(topic, eventType string, payload any) {
	h.events = append(h.events, topic+"/"+eventType)
}

func (h *stubHub) has(event string) bool {
	for _, e := range h.events {
		if e == event {
			return true
		}
	}
	return false
}

type stubGateway struct {
	name    string
	pix     bool
	result  gateway.PaymentResult
	err     error
	refunds int
}

func (g *stubGateway) Name() string        { return g.name }
func (g *stubGateway) DisplayName() string { return g.name }
func (g *stubGateway) IsConfigured() bool  { return true }
func (g *stubGateway) IsEnabled() bool     { return true }

func (g *stubGateway) SupportsFeature(f gateway.Feature) bool {
	if g.pix {
		return f == gateway.FeaturePix
	}
	return f == gateway.FeatureCreditCard || f == gateway.FeatureRefund
}

func (g *stubGateway) CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data gateway.PaymentData) (gateway.PaymentResult, error) {
	return g.result, g.err
}

func (g *stubGateway) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (gateway.WebhookResult, error) {
	return gateway.WebhookResult{}, nil
}

func (g *stubGateway) MapStatus(providerStatus string) model.PaymentStatus {
	return model.PaymentStatusPending
}

func (g *stubGateway) Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResult, error) {
	g.refunds++
	return gateway.RefundResult{Success: true}, nil
}

func newTestService(repo *stubRepo, adapters ...gateway.PaymentGateway) (*Service, *stubHub) {
	hub := &stubHub{}
	registry := gateway.NewRegistry(gateway.RegistryConfig{PixEnabled: true, CardEnabled: true}, adapters...)
	return NewService(repo, registry, hub, zap.NewNop()), hub
}

func TestFeeCents_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		amount int64
		bps    int64
		want   int64
	}{
		{4670, 1500, 701}, // 700.5 округляется вверх
		{4670, 350, 163},  // 163.45 округляется вниз
		{599, 8000, 479},
		{0, 1500, 0},
	}
	for _, tt := range tests {
		if got := feeCents(tt.amount, tt.bps); got != tt.want {
			t.Errorf("feeCents(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
		}
	}
}

func TestCreateOrder_RestaurantClosed(t *testing.T) {
	repo := &stubRepo{restaurant: &model.Restaurant{ID: 1, IsOpen: false}}
	svc, _ := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID:    1,
		RestaurantID:  1,
		Items:         []CreateOrderItem{{MenuItemID: 1, Quantity: 1}},
		PaymentMethod: model.PaymentMethodPix,
		Address:       &model.Address{Street: "Rua A", City: "Sao Paulo"},
	})
	if !errors.Is(err, ErrRestaurantClosed) {
		t.Fatalf("err = %v, want ErrRestaurantClosed", err)
	}
}

func TestCreateOrder_BothAddressSources(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID:    1,
		RestaurantID:  1,
		Items:         []CreateOrderItem{{MenuItemID: 1, Quantity: 1}},
		PaymentMethod: model.PaymentMethodPix,
		AddressID:     3,
		Address:       &model.Address{Street: "Rua A", City: "Sao Paulo"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateOrder_ForeignMenuItem(t *testing.T) {
	repo := &stubRepo{
		restaurant: &model.Restaurant{ID: 1, IsOpen: true},
		menuItems:  []model.MenuItem{{ID: 10, RestaurantID: 1, PriceCents: 1000, Available: true}},
	}
	svc, _ := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID:    1,
		RestaurantID:  1,
		Items:         []CreateOrderItem{{MenuItemID: 99, Quantity: 1}},
		PaymentMethod: model.PaymentMethodPix,
		Address:       &model.Address{Street: "Rua A", City: "Sao Paulo"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestCreateOrder_TotalsInvariant(t *testing.T) {
	repo := &stubRepo{
		restaurant: &model.Restaurant{ID: 1, IsOpen: true, DeliveryFeeCents: 599, MinOrderCents: 1000},
		menuItems: []model.MenuItem{
			{ID: 10, RestaurantID: 1, Name: "Burger", PriceCents: 2335, Available: true},
		},
	}
	svc, _ := newTestService(repo)

	order, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID:    1,
		RestaurantID:  1,
		Items:         []CreateOrderItem{{MenuItemID: 10, Quantity: 2}},
		PaymentMethod: model.PaymentMethodCreditCard,
		DiscountCents: 500,
		Address:       &model.Address{Street: "Rua A", City: "Sao Paulo"},
	})
	if err != nil {
		t.Fatalf("CreateOrder error: %v", err)
	}

	if order.SubtotalCents != 4670 {
		t.Errorf("subtotal = %d, want 4670", order.SubtotalCents)
	}
	want := order.SubtotalCents + order.DeliveryFeeCents - order.DiscountCents
	if order.TotalCents != want {
		t.Errorf("total = %d, want %d", order.TotalCents, want)
	}
	if order.Status != model.OrderStatusPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if order.Items[0].UnitPriceCents != 2335 || order.Items[0].TotalCents != 4670 {
		t.Errorf("line prices not frozen from menu: %+v", order.Items[0])
	}
}

func TestCreateOrder_BelowMinimum(t *testing.T) {
	repo := &stubRepo{
		restaurant: &model.Restaurant{ID: 1, IsOpen: true, MinOrderCents: 5000},
		menuItems:  []model.MenuItem{{ID: 10, RestaurantID: 1, PriceCents: 1000, Available: true}},
	}
	svc, _ := newTestService(repo)

	_, err := svc.CreateOrder(context.Background(), CreateOrderRequest{
		CustomerID:    1,
		RestaurantID:  1,
		Items:         []CreateOrderItem{{MenuItemID: 10, Quantity: 1}},
		PaymentMethod: model.PaymentMethodPix,
		Address:       &model.Address{Street: "Rua A", City: "Sao Paulo"},
	})
	if !errors.Is(err, ErrBelowMinOrder) {
		t.Fatalf("err = %v, want ErrBelowMinOrder", err)
	}
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, RestaurantID: 1, Status: model.OrderStatusPending},
	}
	svc, _ := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), 1, model.OrderStatusDelivered, "restaurant:1")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(repo.statusUpdates) != 0 {
		t.Fatalf("no update must be issued for invalid transition")
	}
}

func TestUpdateStatus_DeliveredBooksSettlement(t *testing.T) {
	courierID := int64(9)
	repo := &stubRepo{
		order: &model.Order{
			ID:               1,
			RestaurantID:     2,
			CourierID:        &courierID,
			SubtotalCents:    4670,
			DeliveryFeeCents: 599,
			TotalCents:       5269,
			Status:           model.OrderStatusInTransit,
		},
	}
	svc, hub := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), 1, model.OrderStatusDelivered, "courier:9")
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}

	if len(repo.earnings) != 1 {
		t.Fatalf("restaurant earnings = %d, want 1", len(repo.earnings))
	}
	e := repo.earnings[0]
	if e.PlatformFeeCents != 701 || e.PaymentFeeCents != 163 || e.NetCents != 3806 {
		t.Fatalf("fees = %d/%d/%d, want 701/163/3806", e.PlatformFeeCents, e.PaymentFeeCents, e.NetCents)
	}
	if e.Status != model.EarningStatusPending {
		t.Fatalf("earning status = %s, want PENDING", e.Status)
	}

	if len(repo.driverEarnings) != 1 {
		t.Fatalf("driver earnings = %d, want 1", len(repo.driverEarnings))
	}
	if repo.driverEarnings[0].AmountCents != 479 {
		t.Fatalf("driver amount = %d, want 479", repo.driverEarnings[0].AmountCents)
	}

	if !hub.has("order:1/status.updated") {
		t.Fatalf("order topic must receive status.updated, got %v", hub.events)
	}
}

func TestBookSettlement_Idempotent(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)

	order := &model.Order{ID: 1, RestaurantID: 2, SubtotalCents: 4670, Status: model.OrderStatusDelivered}
	svc.bookSettlement(context.Background(), order)
	svc.bookSettlement(context.Background(), order)

	if len(repo.earnings) != 1 {
		t.Fatalf("earnings after double booking = %d, want 1", len(repo.earnings))
	}
}

func TestUpdateStatus_ReadyNotifiesDrivers(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, RestaurantID: 2, Status: model.OrderStatusPreparing},
	}
	svc, hub := newTestService(repo)

	_, err := svc.UpdateStatus(context.Background(), 1, model.OrderStatusReady, "restaurant:2")
	if err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}

	if !hub.has("drivers:available/delivery.available") {
		t.Fatalf("available pool must be notified, got %v", hub.events)
	}
}

func TestAcceptDelivery_OfflineCourier(t *testing.T) {
	repo := &stubRepo{
		courier: &model.Courier{ID: 9, IsOnline: false},
		order:   &model.Order{ID: 1, Status: model.OrderStatusReady},
	}
	svc, _ := newTestService(repo)

	_, err := svc.AcceptDelivery(context.Background(), 1, 9)
	if !errors.Is(err, ErrCourierOffline) {
		t.Fatalf("err = %v, want ErrCourierOffline", err)
	}
}

func TestAcceptDelivery_LoserGetsConflict(t *testing.T) {
	repo := &stubRepo{
		courier:   &model.Courier{ID: 9, IsOnline: true},
		order:     &model.Order{ID: 1, Status: model.OrderStatusReady},
		assignErr: repository.ErrCourierAlreadyAssigned,
	}
	svc, _ := newTestService(repo)

	_, err := svc.AcceptDelivery(context.Background(), 1, 9)
	if !errors.Is(err, repository.ErrCourierAlreadyAssigned) {
		t.Fatalf("err = %v, want ErrCourierAlreadyAssigned", err)
	}
}

func TestAcceptDelivery_NotifiesPool(t *testing.T) {
	repo := &stubRepo{
		courier: &model.Courier{ID: 9, IsOnline: true},
		order:   &model.Order{ID: 1, RestaurantID: 2, Status: model.OrderStatusReady},
	}
	svc, hub := newTestService(repo)

	order, err := svc.AcceptDelivery(context.Background(), 1, 9)
	if err != nil {
		t.Fatalf("AcceptDelivery error: %v", err)
	}
	if order.CourierID == nil || *order.CourierID != 9 {
		t.Fatalf("courier not assigned: %+v", order)
	}
	if !hub.has("drivers:available/delivery.taken") {
		t.Fatalf("pool must learn the delivery is taken, got %v", hub.events)
	}
}

func TestProcessPayment_AlreadyPaid(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, Status: model.OrderStatusPaid, PaymentStatus: model.PaymentStatusPaid},
	}
	svc, _ := newTestService(repo)

	_, err := svc.ProcessPayment(context.Background(), 1, PayRequest{})
	if !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("err = %v, want ErrAlreadyPaid", err)
	}
}

func TestProcessPayment_CardSuccessTransitionsToPaid(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{
			ID:            1,
			RestaurantID:  2,
			TotalCents:    5269,
			Status:        model.OrderStatusPending,
			PaymentMethod: model.PaymentMethodCreditCard,
			PaymentStatus: model.PaymentStatusPending,
		},
		email: "cliente@example.com",
	}
	gw := &stubGateway{
		name:   "mercadopago",
		result: gateway.PaymentResult{Success: true, PaymentID: "mp-1", Status: model.PaymentStatusPaid},
	}
	svc, _ := newTestService(repo, gw)

	outcome, err := svc.ProcessPayment(context.Background(), 1, PayRequest{CardToken: "tok"})
	if err != nil {
		t.Fatalf("ProcessPayment error: %v", err)
	}
	if !outcome.Success || outcome.Status != model.PaymentStatusPaid {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if len(repo.statusUpdates) != 1 || repo.statusUpdates[0] != model.OrderStatusPaid {
		t.Fatalf("order must move to PAID, got %v", repo.statusUpdates)
	}
}

func TestProcessPayment_DeclineIsRetryable(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{
			ID:            1,
			TotalCents:    5269,
			Status:        model.OrderStatusPending,
			PaymentMethod: model.PaymentMethodCreditCard,
			PaymentStatus: model.PaymentStatusPending,
		},
	}
	gw := &stubGateway{
		name:   "mercadopago",
		result: gateway.PaymentResult{Success: false, Status: model.PaymentStatusFailed, Message: "Saldo insuficiente"},
	}
	svc, _ := newTestService(repo, gw)

	outcome, err := svc.ProcessPayment(context.Background(), 1, PayRequest{CardToken: "tok"})
	if err != nil {
		t.Fatalf("ProcessPayment error: %v", err)
	}
	if outcome.Success {
		t.Fatalf("declined payment must not be successful")
	}
	if repo.order.PaymentStatus != model.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want FAILED", repo.order.PaymentStatus)
	}
	if len(repo.statusUpdates) != 0 {
		t.Fatalf("order status must not change on decline")
	}
}

func TestProcessPayment_SavedCardRequiresCVV(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{
			ID:            1,
			TotalCents:    5269,
			Status:        model.OrderStatusPending,
			PaymentMethod: model.PaymentMethodCreditCard,
			PaymentStatus: model.PaymentStatusPending,
		},
		savedCard: &model.SavedCard{ID: 3, Gateway: "vaultgw", ProviderCardID: "card-1", ProviderCustomerID: "cus-1"},
	}
	svc, _ := newTestService(repo, &vaultGateway{stubGateway: stubGateway{name: "vaultgw"}})

	_, err := svc.ProcessPayment(context.Background(), 1, PayRequest{SavedCardID: 3})
	if !errors.Is(err, ErrCVVRequired) {
		t.Fatalf("err = %v, want ErrCVVRequired", err)
	}
}

type vaultGateway struct {
	stubGateway
	charged gateway.PaymentData
}

func (g *vaultGateway) GetOrCreateCustomer(ctx context.Context, customerID int64, email string) (string, error) {
	return "cus-1", nil
}

func (g *vaultGateway) SaveCard(ctx context.Context, providerCustomerID string, card gateway.CardData) (gateway.VaultCard, error) {
	return gateway.VaultCard{ProviderCardID: "card-1", LastFour: "1111"}, nil
}

func (g *vaultGateway) ListCards(ctx context.Context, providerCustomerID string) ([]gateway.VaultCard, error) {
	return nil, nil
}

func (g *vaultGateway) DeleteCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	return nil
}

func (g *vaultGateway) SetDefaultCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	return nil
}

func (g *vaultGateway) ChargeWithSavedCard(ctx context.Context, order *model.Order, amountCents int64, data gateway.PaymentData) (gateway.PaymentResult, error) {
	g.charged = data
	return gateway.PaymentResult{Success: true, Status: model.PaymentStatusPaid}, nil
}

func (g *vaultGateway) RequiresCVVForSavedCard() bool { return true }

func TestProcessPayment_SavedCardChargeCarriesPayerEmail(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{
			ID:            1,
			CustomerID:    7,
			TotalCents:    5269,
			Status:        model.OrderStatusPending,
			PaymentMethod: model.PaymentMethodCreditCard,
			PaymentStatus: model.PaymentStatusPending,
		},
		savedCard: &model.SavedCard{ID: 3, Gateway: "vaultgw", ProviderCardID: "card-1", ProviderCustomerID: "cus-1"},
		email:     "cliente@example.com",
	}
	gw := &vaultGateway{stubGateway: stubGateway{name: "vaultgw"}}
	svc, _ := newTestService(repo, gw)

	outcome, err := svc.ProcessPayment(context.Background(), 1, PayRequest{SavedCardID: 3, CVV: "123"})
	if err != nil {
		t.Fatalf("ProcessPayment error: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	if gw.charged.PayerEmail != "cliente@example.com" {
		t.Fatalf("payer email = %q, want customer email", gw.charged.PayerEmail)
	}
	if gw.charged.ProviderCardID != "card-1" || gw.charged.ProviderCustomerID != "cus-1" {
		t.Fatalf("charge data lost card reference: %+v", gw.charged)
	}
}

func TestHandleWebhook_IdempotentStatus(t *testing.T) {
	repo := &stubRepo{
		order: &model.Order{ID: 1, Status: model.OrderStatusPaid, PaymentStatus: model.PaymentStatusPaid},
	}
	gw := &webhookGateway{stubGateway{name: "pagarme"}, gateway.WebhookResult{OrderID: 1, Status: model.PaymentStatusPaid}}
	svc, _ := newTestService(repo, gw)

	if err := svc.HandleWebhook(context.Background(), "pagarme", nil, nil); err != nil {
		t.Fatalf("HandleWebhook error: %v", err)
	}
	if len(repo.paymentStatuses) != 0 {
		t.Fatalf("repeated webhook must not rewrite payment status")
	}
}

type webhookGateway struct {
	stubGateway
	webhook gateway.WebhookResult
}

func (g *webhookGateway) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (gateway.WebhookResult, error) {
	return g.webhook, nil
}

func TestRequestPayout_BelowMinimum(t *testing.T) {
	repo := &stubRepo{available: 100000}
	svc, _ := newTestService(repo)

	_, err := svc.RequestPayout(context.Background(), 1, 500)
	if !errors.Is(err, ErrBelowMinPayout) {
		t.Fatalf("err = %v, want ErrBelowMinPayout", err)
	}
}

func TestRequestPayout_FullBalance(t *testing.T) {
	repo := &stubRepo{
		available: 100000,
		payout:    &model.RestaurantPayout{ID: 7, AmountCents: 100000, Status: model.PayoutStatusPending, EarningCount: 3},
	}
	svc, _ := newTestService(repo)

	payout, err := svc.RequestPayout(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("RequestPayout error: %v", err)
	}
	if payout.AmountCents != 100000 || payout.EarningCount != 3 {
		t.Fatalf("unexpected payout: %+v", payout)
	}
}

func TestAddDriverBonus_Validation(t *testing.T) {
	repo := &stubRepo{courier: &model.Courier{ID: 9, IsOnline: true}}
	svc, _ := newTestService(repo)

	if err := svc.AddDriverBonus(context.Background(), 9, -100, "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if err := svc.AddDriverTip(context.Background(), 9, 500, "gorjeta"); err != nil {
		t.Fatalf("AddDriverTip error: %v", err)
	}
	if len(repo.driverEarnings) != 1 || repo.driverEarnings[0].Type != model.DriverEarningTip {
		t.Fatalf("unexpected driver earnings: %+v", repo.driverEarnings)
	}
}

func TestUpdateSetting_RejectsMalformedNumeric(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)

	if err := svc.UpdateSetting(context.Background(), SettingPlatformFeeBPS, "abc"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if err := svc.UpdateSetting(context.Background(), SettingPlatformFeeBPS, "1200"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.UpdateSetting(context.Background(), "", "x"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty key must fail validation, got %v", err)
	}
}

func TestStartEarningSweep_StopsWithContext(t *testing.T) {
	repo := &stubRepo{}
	svc, _ := newTestService(repo)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	svc.StartEarningSweep(ctx, 10*time.Millisecond)
	<-ctx.Done()
}

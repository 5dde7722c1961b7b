// Package handler содержит HTTP-обработчики API маркетплейса доставки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/middleware"
	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/realtime"
	"github.com/mmeshcher/delivery-system/internal/repository"
	"github.com/mmeshcher/delivery-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*model.Order, error)
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetTracking(ctx context.Context, orderID int64) (*service.Tracking, error)
	UpdateStatus(ctx context.Context, orderID int64, target model.OrderStatus, actor string) (*model.Order, error)
	AcceptDelivery(ctx context.Context, orderID, courierID int64) (*model.Order, error)
	RecordCourierLocation(ctx context.Context, loc model.CourierLocation) error

	ListRestaurantOrders(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error)

	ProcessPayment(ctx context.Context, orderID int64, req service.PayRequest) (*service.PaymentOutcome, error)
	HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
	RefundOrder(ctx context.Context, orderID int64, reason string) error
	AvailableMethods() []gateway.MethodAvailability

	SaveCard(ctx context.Context, customerID int64, preferredGateway string, card gateway.CardData, makeDefault bool) (*model.SavedCard, error)
	ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error)
	DeleteCard(ctx context.Context, customerID, cardID int64) error
	SetDefaultCard(ctx context.Context, customerID, cardID int64) error

	ListEarnings(ctx context.Context, restaurantID int64, f repository.EarningsFilter) ([]model.RestaurantEarning, error)
	GetEarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error)
	GetAvailableBalance(ctx context.Context, restaurantID int64) (int64, error)
	RequestPayout(ctx context.Context, restaurantID, amountCents int64) (*model.RestaurantPayout, error)
	CancelPayout(ctx context.Context, restaurantID, payoutID int64) error
	CompletePayout(ctx context.Context, payoutID int64) error
	FailPayout(ctx context.Context, payoutID int64) error
	ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error)
	BackfillEarnings(ctx context.Context, limit int) (int, error)

	ListDriverEarnings(ctx context.Context, courierID int64, f repository.EarningsFilter) ([]model.DriverEarning, error)
	GetDriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error)
	GetDriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error)
	AddDriverBonus(ctx context.Context, courierID, amountCents int64, description string) error
	AddDriverTip(ctx context.Context, courierID, amountCents int64, description string) error

	UpdateSetting(ctx context.Context, key, value string) error
}

// Handler реализует HTTP-обработчики API маркетплейса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	hub            *realtime.Hub
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, hub *realtime.Hub) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		hub:            hub,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// respondError транслирует ошибку бизнес-логики в код ответа.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrRestaurantClosed),
		errors.Is(err, service.ErrBelowMinOrder),
		errors.Is(err, service.ErrCVVRequired):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyPaid),
		errors.Is(err, repository.ErrOrderConflict),
		errors.Is(err, repository.ErrCourierAlreadyAssigned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrCourierOffline):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrBelowMinPayout),
		errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrRestaurantNotFound),
		errors.Is(err, repository.ErrCourierNotFound),
		errors.Is(err, repository.ErrAddressNotFound),
		errors.Is(err, repository.ErrCardNotFound),
		errors.Is(err, repository.ErrPayoutNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, gateway.ErrNoGatewayAvailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type createOrderRequest struct {
	RestaurantID  int64          `json:"restaurant_id"`
	PaymentMethod string         `json:"payment_method"`
	DiscountCents int64          `json:"discount_cents"`
	AddressID     int64          `json:"address_id"`
	Address       *model.Address `json:"address"`
	Items         []struct {
		MenuItemID int64  `json:"menu_item_id"`
		Quantity   int    `json:"quantity"`
		Note       string `json:"note"`
	} `json:"items"`
}

// CreateOrder создаёт заказ от имени текущего клиента.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sreq := service.CreateOrderRequest{
		CustomerID:    actor.ID,
		RestaurantID:  req.RestaurantID,
		PaymentMethod: model.PaymentMethod(req.PaymentMethod),
		DiscountCents: req.DiscountCents,
		AddressID:     req.AddressID,
		Address:       req.Address,
	}
	for _, it := range req.Items {
		sreq.Items = append(sreq.Items, service.CreateOrderItem{
			MenuItemID: it.MenuItemID,
			Quantity:   it.Quantity,
			Note:       it.Note,
		})
	}

	order, err := h.service.CreateOrder(r.Context(), sreq)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

// GetOrder возвращает заказ с позициями и историей статусов.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// GetTracking возвращает снимок отслеживания заказа.
func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	tracking, err := h.service.GetTracking(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tracking)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus переводит заказ в новый статус.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), id, model.OrderStatus(req.Status), actor.String())
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type payRequest struct {
	Gateway      string `json:"gateway"`
	CardToken    string `json:"card_token"`
	SavedCardID  int64  `json:"saved_card_id"`
	CVV          string `json:"cvv"`
	Installments int    `json:"installments"`
	Card         *struct {
		Number      string `json:"number"`
		HolderName  string `json:"holder_name"`
		ExpiryMonth int    `json:"expiry_month"`
		ExpiryYear  int    `json:"expiry_year"`
		CVV         string `json:"cvv"`
	} `json:"card"`
}

// Pay проводит оплату заказа.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	sreq := service.PayRequest{
		Gateway:      req.Gateway,
		CardToken:    req.CardToken,
		SavedCardID:  req.SavedCardID,
		CVV:          req.CVV,
		Installments: req.Installments,
	}
	if req.Card != nil {
		sreq.Card = &gateway.CardData{
			Number:      req.Card.Number,
			HolderName:  req.Card.HolderName,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CVV:         req.Card.CVV,
		}
	}

	outcome, err := h.service.ProcessPayment(r.Context(), id, sreq)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, outcome)
}

// AcceptDelivery закрепляет готовый заказ за текущим курьером.
func (h *Handler) AcceptDelivery(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.AcceptDelivery(r.Context(), id, actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// Webhook принимает уведомление платёжного провайдера. Уведомление с плохой
// подписью или нечитаемым телом подтверждается без изменения состояния,
// чтобы провайдер не ретраил его бесконечно.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	defer r.Body.Close()

	if err := h.service.HandleWebhook(r.Context(), provider, payload, r.Header); err != nil {
		if errors.Is(err, gateway.ErrUnknownGateway) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Warn("webhook not applied",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// PaymentMethods возвращает доступность способов оплаты.
func (h *Handler) PaymentMethods(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.service.AvailableMethods())
}

type saveCardRequest struct {
	Gateway     string `json:"gateway"`
	Number      string `json:"number"`
	HolderName  string `json:"holder_name"`
	ExpiryMonth int    `json:"expiry_month"`
	ExpiryYear  int    `json:"expiry_year"`
	CVV         string `json:"cvv"`
	MakeDefault bool   `json:"make_default"`
}

// SaveCard токенизирует и сохраняет карту текущего клиента.
func (h *Handler) SaveCard(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req saveCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	card, err := h.service.SaveCard(r.Context(), actor.ID, req.Gateway, gateway.CardData{
		Number:      req.Number,
		HolderName:  req.HolderName,
		ExpiryMonth: req.ExpiryMonth,
		ExpiryYear:  req.ExpiryYear,
		CVV:         req.CVV,
	}, req.MakeDefault)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, card)
}

// ListCards возвращает сохранённые карты текущего клиента.
func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	cards, err := h.service.ListCards(r.Context(), actor.ID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if len(cards) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, cards)
}

// DeleteCard удаляет сохранённую карту текущего клиента.
func (h *Handler) DeleteCard(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteCard(r.Context(), actor.ID, id); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetDefaultCard делает сохранённую карту основной.
func (h *Handler) SetDefaultCard(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.GetActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, err := pathID(r, "id")
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetDefaultCard(r.Context(), actor.ID, id); err != nil {
		h.respondError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

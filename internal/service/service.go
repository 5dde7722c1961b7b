// Package service реализует бизнес-логику маркетплейса доставки еды.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/repository"
)

// Ошибки бизнес-логики, транслируемые обработчиками в коды ответов.
var (
	// ErrValidation возвращается при некорректном запросе.
	ErrValidation = errors.New("validation failed")
	// ErrRestaurantClosed возвращается при заказе в закрытый ресторан.
	ErrRestaurantClosed = errors.New("restaurant is closed")
	// ErrBelowMinOrder возвращается, если сумма заказа меньше минимальной.
	ErrBelowMinOrder = errors.New("order below restaurant minimum")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyPaid возвращается при повторной оплате заказа.
	ErrAlreadyPaid = errors.New("order already paid")
	// ErrCourierOffline возвращается, если доставку принимает курьер не в сети.
	ErrCourierOffline = errors.New("courier is offline")
	// ErrBelowMinPayout возвращается при запросе выплаты меньше минимальной.
	ErrBelowMinPayout = errors.New("payout below minimum")
	// ErrCVVRequired возвращается, если провайдер требует CVV для сохранённой карты.
	ErrCVVRequired = errors.New("cvv required for saved card")
)

// Ключи платформенных настроек.
const (
	SettingPlatformFeeBPS      = "platform_fee_bps"
	SettingPaymentFeeBPS       = "payment_fee_bps"
	SettingDriverCommissionBPS = "driver_commission_bps"
	SettingEarningDelayDays    = "earning_delay_days"
	SettingMinPayoutCents      = "min_payout_cents"
)

// Значения настроек по умолчанию, применяемые при отсутствии записи в БД.
const (
	defaultPlatformFeeBPS      = 1500
	defaultPaymentFeeBPS       = 350
	defaultDriverCommissionBPS = 8000
	defaultEarningDelayDays    = 7
	defaultMinPayoutCents      = 2000
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error

	GetRestaurant(ctx context.Context, id int64) (*model.Restaurant, error)
	GetMenuItems(ctx context.Context, restaurantID int64, ids []int64) ([]model.MenuItem, error)
	GetCourier(ctx context.Context, id int64) (*model.Courier, error)
	GetSavedAddress(ctx context.Context, customerID, addressID int64) (*model.Address, error)
	GetCustomerEmail(ctx context.Context, customerID int64) (string, error)

	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus, actor string) error
	AssignCourier(ctx context.Context, orderID, courierID int64) error
	SetPaymentResult(ctx context.Context, orderID int64, status model.PaymentStatus, gateway, transactionID string) error
	SaveCourierLocation(ctx context.Context, loc model.CourierLocation) error
	LastCourierLocation(ctx context.Context, courierID int64) (*model.CourierLocation, error)
	DeliveredOrdersWithoutEarning(ctx context.Context, limit int) ([]model.Order, error)
	ListOrdersByRestaurant(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error)

	CreateRestaurantEarning(ctx context.Context, e *model.RestaurantEarning) (bool, error)
	UpdatePendingEarnings(ctx context.Context, now time.Time) (int64, error)
	AvailableBalance(ctx context.Context, restaurantID int64) (int64, error)
	EarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error)
	ListEarnings(ctx context.Context, restaurantID int64, f repository.EarningsFilter) ([]model.RestaurantEarning, error)
	CreatePayout(ctx context.Context, restaurantID, amountCents int64, reference string) (*model.RestaurantPayout, error)
	CancelPayout(ctx context.Context, restaurantID, payoutID int64) error
	UpdatePayoutStatus(ctx context.Context, payoutID int64, status model.PayoutStatus) error
	ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error)

	CreateDriverEarning(ctx context.Context, e *model.DriverEarning) (bool, error)
	ListDriverEarnings(ctx context.Context, courierID int64, f repository.EarningsFilter) ([]model.DriverEarning, error)
	DriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error)
	DriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error)

	SaveCard(ctx context.Context, card *model.SavedCard) error
	ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error)
	GetCard(ctx context.Context, customerID, cardID int64) (*model.SavedCard, error)
	DeleteCard(ctx context.Context, customerID, cardID int64) error
	SetDefaultCard(ctx context.Context, customerID, cardID int64) error
}

// GatewayRegistry описывает выбор платёжного провайдера, используемый сервисом.
type GatewayRegistry interface {
	Get(name string) (gateway.PaymentGateway, error)
	Select(preferred string) (gateway.PaymentGateway, error)
	SelectForFeature(preferred string, f gateway.Feature) (gateway.PaymentGateway, error)
	AvailableMethods() []gateway.MethodAvailability
}

// Broadcaster описывает рассылку событий подписчикам в реальном времени.
type Broadcaster interface {
	Emit(topic, eventType string, payload any)
}

// Service содержит бизнес-логику маркетплейса.
type Service struct {
	repo     Repository
	registry GatewayRegistry
	hub      Broadcaster
	logger   *zap.Logger
}

// NewService создаёт новый сервис.
func NewService(repo Repository, registry GatewayRegistry, hub Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		hub:      hub,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// settingInt64 возвращает числовую настройку либо значение по умолчанию.
func (s *Service) settingInt64(ctx context.Context, key string, def int64) int64 {
	value, ok, err := s.repo.GetSetting(ctx, key)
	if err != nil {
		s.logger.Warn("setting lookup failed, using default",
			zap.String("key", key),
			zap.Error(err),
		)
		return def
	}
	if !ok {
		return def
	}

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		s.logger.Warn("malformed setting value, using default",
			zap.String("key", key),
			zap.String("value", value),
		)
		return def
	}
	return v
}

// UpdateSetting записывает платформенную настройку. Числовые ключи
// принимают только целые значения.
func (s *Service) UpdateSetting(ctx context.Context, key, value string) error {
	if key == "" || value == "" {
		return ErrValidation
	}

	switch key {
	case SettingPlatformFeeBPS, SettingPaymentFeeBPS,
		SettingDriverCommissionBPS, SettingEarningDelayDays,
		SettingMinPayoutCents:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return ErrValidation
		}
	}

	return s.repo.SetSetting(ctx, key, value)
}

// StartEarningSweep запускает фоновый перевод созревших начислений в AVAILABLE.
func (s *Service) StartEarningSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.repo.UpdatePendingEarnings(ctx, time.Now())
				if err != nil {
					s.logger.Warn("earning sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					s.logger.Info("earnings became available", zap.Int64("count", n))
				}
			}
		}
	}()
}

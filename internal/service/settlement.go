package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/repository"
)

// feeCents считает комиссию в базисных пунктах с округлением половины вверх.
func feeCents(amountCents, bps int64) int64 {
	return (amountCents*bps + 5000) / 10000
}

// bookSettlement создаёт начисления ресторану и курьеру за доставленный
// заказ. Обе вставки идемпотентны по order_id, поэтому повторная доставка
// того же заказа (гонка, сверка) дубликатов не создаёт.
func (s *Service) bookSettlement(ctx context.Context, order *model.Order) {
	platformBPS := s.settingInt64(ctx, SettingPlatformFeeBPS, defaultPlatformFeeBPS)
	paymentBPS := s.settingInt64(ctx, SettingPaymentFeeBPS, defaultPaymentFeeBPS)
	delayDays := s.settingInt64(ctx, SettingEarningDelayDays, defaultEarningDelayDays)

	gross := order.SubtotalCents
	platformFee := feeCents(gross, platformBPS)
	paymentFee := feeCents(gross, paymentBPS)

	earning := &model.RestaurantEarning{
		RestaurantID:     order.RestaurantID,
		OrderID:          order.ID,
		GrossCents:       gross,
		PlatformFeeCents: platformFee,
		PaymentFeeCents:  paymentFee,
		NetCents:         gross - platformFee - paymentFee,
		PlatformFeeBPS:   platformBPS,
		PaymentFeeBPS:    paymentBPS,
		Status:           model.EarningStatusPending,
		AvailableAt:      time.Now().Add(time.Duration(delayDays) * 24 * time.Hour),
	}

	inserted, err := s.repo.CreateRestaurantEarning(ctx, earning)
	if err != nil {
		s.logger.Error("restaurant earning booking failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
	} else if inserted {
		s.logger.Info("restaurant earning booked",
			zap.Int64("order_id", order.ID),
			zap.Int64("net_cents", earning.NetCents),
		)
	}

	if order.CourierID == nil {
		return
	}

	commissionBPS := s.settingInt64(ctx, SettingDriverCommissionBPS, defaultDriverCommissionBPS)
	orderID := order.ID
	driverEarning := &model.DriverEarning{
		CourierID:   *order.CourierID,
		OrderID:     &orderID,
		AmountCents: feeCents(order.DeliveryFeeCents, commissionBPS),
		Type:        model.DriverEarningDelivery,
	}

	inserted, err = s.repo.CreateDriverEarning(ctx, driverEarning)
	if err != nil {
		s.logger.Error("driver earning booking failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
	} else if inserted {
		s.logger.Info("driver earning booked",
			zap.Int64("order_id", order.ID),
			zap.Int64("amount_cents", driverEarning.AmountCents),
		)
	}
}

// RequestPayout собирает выплату из доступных начислений ресторана.
// amountCents = 0 означает «вся доступная сумма». Запросы ниже минимальной
// выплаты отклоняются.
func (s *Service) RequestPayout(ctx context.Context, restaurantID, amountCents int64) (*model.RestaurantPayout, error) {
	if amountCents < 0 {
		return nil, fmt.Errorf("%w: negative payout amount", ErrValidation)
	}

	minPayout := s.settingInt64(ctx, SettingMinPayoutCents, defaultMinPayoutCents)
	if amountCents > 0 && amountCents < minPayout {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowMinPayout, amountCents, minPayout)
	}

	if amountCents == 0 {
		available, err := s.repo.AvailableBalance(ctx, restaurantID)
		if err != nil {
			return nil, err
		}
		if available < minPayout {
			return nil, fmt.Errorf("%w: available %d < %d", ErrBelowMinPayout, available, minPayout)
		}
	}

	reference := "PAYOUT-" + uuid.NewString()
	payout, err := s.repo.CreatePayout(ctx, restaurantID, amountCents, reference)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout requested",
		zap.Int64("restaurant_id", restaurantID),
		zap.Int64("payout_id", payout.ID),
		zap.Int64("amount_cents", payout.AmountCents),
		zap.Int("earnings", payout.EarningCount),
	)

	return payout, nil
}

// CancelPayout отменяет ожидающую выплату; её начисления снова доступны.
func (s *Service) CancelPayout(ctx context.Context, restaurantID, payoutID int64) error {
	return s.repo.CancelPayout(ctx, restaurantID, payoutID)
}

// CompletePayout помечает выплату исполненной.
func (s *Service) CompletePayout(ctx context.Context, payoutID int64) error {
	return s.repo.UpdatePayoutStatus(ctx, payoutID, model.PayoutStatusCompleted)
}

// FailPayout помечает выплату неуспешной.
func (s *Service) FailPayout(ctx context.Context, payoutID int64) error {
	return s.repo.UpdatePayoutStatus(ctx, payoutID, model.PayoutStatusFailed)
}

// GetEarningsSummary возвращает агрегаты начислений ресторана.
func (s *Service) GetEarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error) {
	return s.repo.EarningsSummary(ctx, restaurantID)
}

// GetAvailableBalance возвращает доступный к выводу остаток ресторана.
func (s *Service) GetAvailableBalance(ctx context.Context, restaurantID int64) (int64, error) {
	return s.repo.AvailableBalance(ctx, restaurantID)
}

// ListEarnings возвращает начисления ресторана с фильтрами.
func (s *Service) ListEarnings(ctx context.Context, restaurantID int64, f repository.EarningsFilter) ([]model.RestaurantEarning, error) {
	normalizeFilter(&f)
	return s.repo.ListEarnings(ctx, restaurantID, f)
}

// ListPayouts возвращает выплаты ресторана.
func (s *Service) ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListPayouts(ctx, restaurantID, limit, offset)
}

// AddDriverBonus начисляет курьеру бонус.
func (s *Service) AddDriverBonus(ctx context.Context, courierID, amountCents int64, description string) error {
	return s.addDriverExtra(ctx, courierID, amountCents, model.DriverEarningBonus, description)
}

// AddDriverTip начисляет курьеру чаевые.
func (s *Service) AddDriverTip(ctx context.Context, courierID, amountCents int64, description string) error {
	return s.addDriverExtra(ctx, courierID, amountCents, model.DriverEarningTip, description)
}

func (s *Service) addDriverExtra(ctx context.Context, courierID, amountCents int64, typ model.DriverEarningType, description string) error {
	if amountCents <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if _, err := s.repo.GetCourier(ctx, courierID); err != nil {
		return err
	}

	_, err := s.repo.CreateDriverEarning(ctx, &model.DriverEarning{
		CourierID:   courierID,
		AmountCents: amountCents,
		Type:        typ,
		Description: description,
	})
	return err
}

// ListDriverEarnings возвращает начисления курьера с фильтрами.
func (s *Service) ListDriverEarnings(ctx context.Context, courierID int64, f repository.EarningsFilter) ([]model.DriverEarning, error) {
	normalizeFilter(&f)
	return s.repo.ListDriverEarnings(ctx, courierID, f)
}

// GetDriverEarningsSummary возвращает агрегаты начислений курьера.
func (s *Service) GetDriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error) {
	return s.repo.DriverEarningsSummary(ctx, courierID)
}

// GetDriverEarningsDaily возвращает дневные срезы заработка курьера.
func (s *Service) GetDriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error) {
	if to.IsZero() {
		to = time.Now()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	return s.repo.DriverEarningsDaily(ctx, courierID, from, to)
}

// BackfillEarnings досоздаёт начисления по доставленным заказам, у которых
// их нет (например, заказ доставлен во время сбоя). Благодаря идемпотентным
// вставкам сверку можно запускать многократно.
func (s *Service) BackfillEarnings(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	orders, err := s.repo.DeliveredOrdersWithoutEarning(ctx, limit)
	if err != nil {
		return 0, err
	}

	for _, o := range orders {
		order := o
		s.bookSettlement(ctx, &order)
	}

	return len(orders), nil
}

func normalizeFilter(f *repository.EarningsFilter) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

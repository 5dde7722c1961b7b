package service

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/gateway"
	"github.com/mmeshcher/delivery-system/internal/model"
)

// PayRequest — запрос на оплату заказа.
type PayRequest struct {
	Gateway      string
	Card         *gateway.CardData
	CardToken    string
	SavedCardID  int64
	CVV          string
	Installments int
}

// PaymentOutcome — итог платёжной попытки для клиента.
type PaymentOutcome struct {
	Success   bool                `json:"success"`
	Status    model.PaymentStatus `json:"status"`
	PaymentID string              `json:"payment_id,omitempty"`
	Message   string              `json:"message,omitempty"`
	PixCode   string              `json:"pix_code,omitempty"`
	PixQRPNG  []byte              `json:"pix_qr_png,omitempty"`
}

// ProcessPayment проводит оплату заказа через выбранного провайдера.
// Отказ провайдера фиксируется как payment_status FAILED и может быть
// повторён; тайм-аут провайдера оставляет платёж PENDING до выверки
// вебхуком. Автоматических повторов к провайдеру нет.
func (s *Service) ProcessPayment(ctx context.Context, orderID int64, req PayRequest) (*PaymentOutcome, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == model.PaymentStatusPaid {
		return nil, ErrAlreadyPaid
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order is %s", ErrValidation, order.Status)
	}

	// Наличные подтверждаются при вручении, провайдер не участвует.
	if order.PaymentMethod == model.PaymentMethodCash {
		return &PaymentOutcome{Success: true, Status: model.PaymentStatusPending}, nil
	}

	if req.SavedCardID != 0 {
		return s.payWithSavedCard(ctx, order, req)
	}

	feature := gateway.FeatureCreditCard
	if order.PaymentMethod == model.PaymentMethodPix {
		feature = gateway.FeaturePix
	}

	gw, err := s.registry.SelectForFeature(req.Gateway, feature)
	if err != nil {
		return nil, err
	}

	email, err := s.repo.GetCustomerEmail(ctx, order.CustomerID)
	if err != nil {
		return nil, err
	}

	result, err := gw.CreatePayment(ctx, order, order.TotalCents, gateway.PaymentData{
		Card:         req.Card,
		CardToken:    req.CardToken,
		CVV:          req.CVV,
		Installments: req.Installments,
		PayerEmail:   email,
	})
	if err != nil {
		return nil, err
	}

	return s.recordPaymentResult(ctx, order, gw.Name(), result)
}

// payWithSavedCard списывает с сохранённой карты через её провайдера.
func (s *Service) payWithSavedCard(ctx context.Context, order *model.Order, req PayRequest) (*PaymentOutcome, error) {
	card, err := s.repo.GetCard(ctx, order.CustomerID, req.SavedCardID)
	if err != nil {
		return nil, err
	}

	gw, err := s.registry.Get(card.Gateway)
	if err != nil {
		return nil, err
	}
	vault, ok := gw.(gateway.CardVault)
	if !ok {
		return nil, fmt.Errorf("%w: gateway %s does not keep cards", ErrValidation, card.Gateway)
	}
	if vault.RequiresCVVForSavedCard() && req.CVV == "" {
		return nil, ErrCVVRequired
	}

	email, err := s.repo.GetCustomerEmail(ctx, order.CustomerID)
	if err != nil {
		return nil, err
	}

	result, err := vault.ChargeWithSavedCard(ctx, order, order.TotalCents, gateway.PaymentData{
		ProviderCustomerID: card.ProviderCustomerID,
		ProviderCardID:     card.ProviderCardID,
		CVV:                req.CVV,
		Installments:       req.Installments,
		PayerEmail:         email,
	})
	if err != nil {
		return nil, err
	}

	return s.recordPaymentResult(ctx, order, gw.Name(), result)
}

// recordPaymentResult сохраняет исход платежа и при успехе переводит заказ в PAID.
func (s *Service) recordPaymentResult(ctx context.Context, order *model.Order, gatewayName string, result gateway.PaymentResult) (*PaymentOutcome, error) {
	if err := s.repo.SetPaymentResult(ctx, order.ID, result.Status, gatewayName, result.PaymentID); err != nil {
		return nil, err
	}

	if result.Status == model.PaymentStatusPaid && order.Status == model.OrderStatusPending {
		if _, err := s.UpdateStatus(ctx, order.ID, model.OrderStatusPaid, "payment:"+gatewayName); err != nil {
			s.logger.Error("paid order failed to transition",
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)
		}
	}

	return &PaymentOutcome{
		Success:   result.Success,
		Status:    result.Status,
		PaymentID: result.PaymentID,
		Message:   result.Message,
		PixCode:   result.PixCode,
		PixQRPNG:  result.PixQRPNG,
	}, nil
}

// HandleWebhook обрабатывает уведомление провайдера. Подпись проверяет
// адаптер; уведомления с плохой подписью или нечитаемым телом не меняют
// состояние. Применение статуса идемпотентно: повторное уведомление об
// уже оплаченном заказе ничего не делает.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	gw, err := s.registry.Get(provider)
	if err != nil {
		return err
	}

	result, err := gw.ProcessWebhook(ctx, payload, headers)
	if err != nil {
		s.logger.Warn("webhook rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return err
	}
	if result.OrderID == 0 {
		return nil
	}

	order, err := s.repo.GetOrder(ctx, result.OrderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == result.Status {
		return nil
	}
	// Возврат не затирается повторным уведомлением об оплате.
	if order.PaymentStatus == model.PaymentStatusRefunded && result.Status == model.PaymentStatusPaid {
		return nil
	}

	if err := s.repo.SetPaymentResult(ctx, order.ID, result.Status, provider, result.PaymentID); err != nil {
		return err
	}

	if result.Status == model.PaymentStatusPaid && order.Status == model.OrderStatusPending {
		if _, err := s.UpdateStatus(ctx, order.ID, model.OrderStatusPaid, "webhook:"+provider); err != nil {
			s.logger.Error("paid order failed to transition",
				zap.Int64("order_id", order.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// RefundOrder возвращает оплату заказа через провайдера, проводившего платёж.
func (s *Service) RefundOrder(ctx context.Context, orderID int64, reason string) error {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus != model.PaymentStatusPaid {
		return fmt.Errorf("%w: order is not paid", ErrValidation)
	}

	gw, err := s.registry.Get(order.PaymentGateway)
	if err != nil {
		return err
	}

	result, err := gw.Refund(ctx, gateway.RefundRequest{
		PaymentID:   order.PaymentTransactionID,
		AmountCents: order.TotalCents,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("refund declined: %s", result.Message)
	}

	return s.repo.SetPaymentResult(ctx, order.ID, model.PaymentStatusRefunded, order.PaymentGateway, order.PaymentTransactionID)
}

// AvailableMethods возвращает доступность способов оплаты.
func (s *Service) AvailableMethods() []gateway.MethodAvailability {
	return s.registry.AvailableMethods()
}

// SaveCard токенизирует карту у провайдера с поддержкой хранения карт и
// сохраняет ссылку на токен. Сырой номер карты не сохраняется и не логируется.
func (s *Service) SaveCard(ctx context.Context, customerID int64, preferredGateway string, card gateway.CardData, makeDefault bool) (*model.SavedCard, error) {
	if !gateway.ValidPAN(card.Number) {
		return nil, fmt.Errorf("%w: invalid card number", ErrValidation)
	}

	gw, err := s.registry.SelectForFeature(preferredGateway, gateway.FeatureSavedCards)
	if err != nil {
		return nil, err
	}
	vault, ok := gw.(gateway.CardVault)
	if !ok {
		return nil, gateway.ErrNoGatewayAvailable
	}

	email, err := s.repo.GetCustomerEmail(ctx, customerID)
	if err != nil {
		return nil, err
	}

	providerCustomerID, err := vault.GetOrCreateCustomer(ctx, customerID, email)
	if err != nil {
		return nil, err
	}

	vc, err := vault.SaveCard(ctx, providerCustomerID, card)
	if err != nil {
		return nil, err
	}

	saved := &model.SavedCard{
		CustomerID:         customerID,
		Gateway:            gw.Name(),
		ProviderCardID:     vc.ProviderCardID,
		ProviderCustomerID: providerCustomerID,
		LastFour:           vc.LastFour,
		Brand:              vc.Brand,
		ExpiryMonth:        vc.ExpiryMonth,
		ExpiryYear:         vc.ExpiryYear,
		IsDefault:          makeDefault,
	}
	if saved.Brand == "" {
		saved.Brand = gateway.DetectBrand(card.Number)
	}

	if err := s.repo.SaveCard(ctx, saved); err != nil {
		return nil, err
	}

	return saved, nil
}

// ListCards возвращает сохранённые карты клиента.
func (s *Service) ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error) {
	return s.repo.ListCards(ctx, customerID)
}

// DeleteCard удаляет карту у провайдера и из хранилища.
func (s *Service) DeleteCard(ctx context.Context, customerID, cardID int64) error {
	card, err := s.repo.GetCard(ctx, customerID, cardID)
	if err != nil {
		return err
	}

	if gw, err := s.registry.Get(card.Gateway); err == nil {
		if vault, ok := gw.(gateway.CardVault); ok {
			if err := vault.DeleteCard(ctx, card.ProviderCustomerID, card.ProviderCardID); err != nil {
				s.logger.Warn("provider card delete failed",
					zap.String("gateway", card.Gateway),
					zap.Error(err),
				)
			}
		}
	}

	return s.repo.DeleteCard(ctx, customerID, cardID)
}

// SetDefaultCard делает карту основной у провайдера и в хранилище.
func (s *Service) SetDefaultCard(ctx context.Context, customerID, cardID int64) error {
	card, err := s.repo.GetCard(ctx, customerID, cardID)
	if err != nil {
		return err
	}

	if gw, err := s.registry.Get(card.Gateway); err == nil {
		if vault, ok := gw.(gateway.CardVault); ok {
			if err := vault.SetDefaultCard(ctx, card.ProviderCustomerID, card.ProviderCardID); err != nil {
				s.logger.Warn("provider default card update failed",
					zap.String("gateway", card.Gateway),
					zap.Error(err),
				)
			}
		}
	}

	return s.repo.SetDefaultCard(ctx, customerID, cardID)
}

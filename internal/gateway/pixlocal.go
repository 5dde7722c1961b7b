package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/pix"
)

// PixLocalConfig — реквизиты получателя для локальной генерации BR Code.
type PixLocalConfig struct {
	PixKey        string
	MerchantName  string
	MerchantCity  string
	WebhookSecret string
	Enabled       bool
}

// PixLocal — резервный «провайдер» PIX: собирает BR Code локально, без
// внешнего API. Используется, когда ни один внешний PIX-провайдер не
// настроен; подтверждение платежа приходит операторским вебхуком.
type PixLocal struct {
	cfg PixLocalConfig
}

// NewPixLocal создаёт локальный PIX-генератор.
func NewPixLocal(cfg PixLocalConfig) *PixLocal {
	return &PixLocal{cfg: cfg}
}

// Name возвращает системное имя провайдера.
func (g *PixLocal) Name() string { return "pix_local" }

// DisplayName возвращает отображаемое имя провайдера.
func (g *PixLocal) DisplayName() string { return "PIX (QR interno)" }

// IsConfigured сообщает, задан ли ключ PIX получателя.
func (g *PixLocal) IsConfigured() bool {
	return g.cfg.PixKey != "" && g.cfg.MerchantName != "" && g.cfg.MerchantCity != ""
}

// IsEnabled сообщает, включён ли генератор оператором.
func (g *PixLocal) IsEnabled() bool { return g.cfg.Enabled }

// SupportsFeature: только PIX.
func (g *PixLocal) SupportsFeature(f Feature) bool { return f == FeaturePix }

// CreatePayment собирает BR Code и PNG с QR-кодом. Платёж остаётся PENDING
// до операторского подтверждения.
func (g *PixLocal) CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	if order.PaymentMethod != model.PaymentMethodPix {
		return PaymentResult{}, fmt.Errorf("pix_local: unsupported payment method %q", order.PaymentMethod)
	}

	txID := fmt.Sprintf("ORD%d", order.ID)
	payload, err := pix.BuildPayload(pix.Payload{
		PixKey:       g.cfg.PixKey,
		MerchantName: g.cfg.MerchantName,
		MerchantCity: g.cfg.MerchantCity,
		AmountCents:  amountCents,
		TxID:         txID,
	})
	if err != nil {
		return PaymentResult{}, fmt.Errorf("pix_local: build payload: %w", err)
	}

	png, err := pix.QRImage(payload, 256)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("pix_local: render qr: %w", err)
	}

	return PaymentResult{
		PaymentID: uuid.NewString(),
		Status:    model.PaymentStatusPending,
		PixCode:   payload,
		PixQRPNG:  png,
	}, nil
}

// ProcessWebhook принимает операторское подтверждение платежа.
func (g *PixLocal) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if !g.verifySignature(payload, headers.Get("X-Signature")) {
		return WebhookResult{}, errors.New("pix_local: invalid webhook signature")
	}

	var event struct {
		OrderID   int64  `json:"order_id"`
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookResult{}, fmt.Errorf("pix_local: malformed webhook payload: %w", err)
	}
	if event.OrderID == 0 {
		return WebhookResult{}, errors.New("pix_local: webhook without order id")
	}

	return WebhookResult{
		OrderID:   event.OrderID,
		PaymentID: event.PaymentID,
		Status:    g.MapStatus(event.Status),
		Action:    "pix.confirmation",
	}, nil
}

func (g *PixLocal) verifySignature(payload []byte, header string) bool {
	if g.cfg.WebhookSecret == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// MapStatus переводит операторский статус в статус оплаты заказа.
func (g *PixLocal) MapStatus(providerStatus string) model.PaymentStatus {
	switch providerStatus {
	case "paid", "confirmed":
		return model.PaymentStatusPaid
	case "pending":
		return model.PaymentStatusPending
	case "refunded":
		return model.PaymentStatusRefunded
	default:
		return model.PaymentStatusFailed
	}
}

// Refund не поддерживается: возврат по PIX выполняется вручную оператором.
func (g *PixLocal) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{}, errors.New("pix_local: refunds are handled manually")
}

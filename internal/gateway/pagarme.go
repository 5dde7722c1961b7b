package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/model"
)

const pagarmeBaseURL = "https://api.pagar.me/core/v5"

// PagarmeConfig — учётные данные и операторский переключатель адаптера.
type PagarmeConfig struct {
	SecretKey     string
	WebhookSecret string
	Enabled       bool
	BaseURL       string
}

// Pagarme — адаптер провайдера Pagar.me: карты, PIX, возвраты и one-click
// оплата сохранённой картой (CVV повторно не запрашивается).
type Pagarme struct {
	cfg    PagarmeConfig
	client *http.Client
	logger *zap.Logger
}

// NewPagarme создаёт адаптер Pagar.me.
func NewPagarme(cfg PagarmeConfig, logger *zap.Logger) *Pagarme {
	if cfg.BaseURL == "" {
		cfg.BaseURL = pagarmeBaseURL
	}
	return &Pagarme{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name возвращает системное имя провайдера.
func (g *Pagarme) Name() string { return "pagarme" }

// DisplayName возвращает отображаемое имя провайдера.
func (g *Pagarme) DisplayName() string { return "Pagar.me" }

// IsConfigured сообщает, заданы ли учётные данные провайдера.
func (g *Pagarme) IsConfigured() bool { return g.cfg.SecretKey != "" }

// IsEnabled сообщает, включён ли провайдер оператором.
func (g *Pagarme) IsEnabled() bool { return g.cfg.Enabled }

// SupportsFeature сообщает о поддержке возможности провайдером.
func (g *Pagarme) SupportsFeature(f Feature) bool {
	switch f {
	case FeatureCreditCard, FeaturePix, FeatureRefund, FeatureSavedCards:
		return true
	}
	return false
}

// Локализованные сообщения по кодам отказа эквайера Pagar.me.
var pagarmeDeclineMessages = map[string]string{
	"1000": "Pagamento recusado pelo emissor do cartão.",
	"1001": "Cartão vencido.",
	"1011": "Número do cartão inválido.",
	"1016": "Saldo insuficiente no cartão.",
	"1019": "Transação não permitida para este cartão.",
	"1022": "Pagamento recusado por suspeita de fraude.",
	"1045": "Código de segurança inválido.",
	"2000": "Pagamento recusado. Entre em contato com o emissor do cartão.",
}

func pagarmeDeclineMessage(code string) string {
	if msg, ok := pagarmeDeclineMessages[code]; ok {
		return msg
	}
	return "Pagamento recusado. Tente outro método de pagamento."
}

type pagarmeOrderResponse struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Status  string `json:"status"`
	Charges []struct {
		ID              string `json:"id"`
		Status          string `json:"status"`
		LastTransaction struct {
			QRCode             string `json:"qr_code"`
			QRCodeURL          string `json:"qr_code_url"`
			AcquirerReturnCode string `json:"acquirer_return_code"`
		} `json:"last_transaction"`
	} `json:"charges"`
}

// CreatePayment создаёт заказ-платёж у провайдера: картой или PIX.
func (g *Pagarme) CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	payment := map[string]any{}
	switch order.PaymentMethod {
	case model.PaymentMethodPix:
		payment["payment_method"] = "pix"
		payment["pix"] = map[string]any{"expires_in": 1800}
	case model.PaymentMethodCreditCard:
		card := map[string]any{
			"installments": max(data.Installments, 1),
		}
		switch {
		case data.ProviderCardID != "":
			card["card_id"] = data.ProviderCardID
		case data.CardToken != "":
			card["card_token"] = data.CardToken
		case data.Card != nil:
			if !ValidPAN(data.Card.Number) {
				return PaymentResult{Status: model.PaymentStatusFailed, Message: "Número do cartão inválido."}, nil
			}
			g.logger.Info("charging raw card", zap.String("bin", MaskPAN(data.Card.Number)), zap.String("brand", DetectBrand(data.Card.Number)))
			card["card"] = map[string]any{
				"number":      data.Card.Number,
				"holder_name": data.Card.HolderName,
				"exp_month":   data.Card.ExpiryMonth,
				"exp_year":    data.Card.ExpiryYear,
				"cvv":         data.Card.CVV,
			}
		default:
			return PaymentResult{Status: model.PaymentStatusFailed, Message: "Dados do cartão ausentes."}, nil
		}
		payment["payment_method"] = "credit_card"
		payment["credit_card"] = card
	default:
		return PaymentResult{}, fmt.Errorf("pagarme: unsupported payment method %q", order.PaymentMethod)
	}

	body := map[string]any{
		"code":     strconv.FormatInt(order.ID, 10),
		"customer": map[string]any{"email": data.PayerEmail},
		"items": []map[string]any{
			{"description": fmt.Sprintf("Pedido #%d", order.ID), "amount": amountCents, "quantity": 1},
		},
		"payments": []map[string]any{payment},
	}

	status, raw, err := g.doJSON(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		if isTimeout(err) {
			return PaymentResult{
				Status:  model.PaymentStatusPending,
				Message: "Pagamento em processamento. Aguarde a confirmação.",
			}, nil
		}
		return PaymentResult{}, err
	}

	var resp pagarmeOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PaymentResult{}, fmt.Errorf("pagarme: decode order response: %w", err)
	}
	if status >= http.StatusBadRequest || len(resp.Charges) == 0 {
		return PaymentResult{Status: model.PaymentStatusFailed, Message: pagarmeDeclineMessage("")}, nil
	}

	charge := resp.Charges[0]
	result := PaymentResult{
		PaymentID: charge.ID,
		Status:    g.MapStatus(charge.Status),
	}
	switch result.Status {
	case model.PaymentStatusPaid:
		result.Success = true
	case model.PaymentStatusFailed:
		result.Message = pagarmeDeclineMessage(charge.LastTransaction.AcquirerReturnCode)
	case model.PaymentStatusPending:
		result.PixCode = charge.LastTransaction.QRCode
		result.RedirectURL = charge.LastTransaction.QRCodeURL
	}
	return result, nil
}

// ProcessWebhook проверяет подпись X-Hub-Signature (HMAC-SHA256 тела запроса)
// и разбирает событие charge.*.
func (g *Pagarme) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	if !g.verifySignature(payload, headers.Get("X-Hub-Signature")) {
		return WebhookResult{}, errors.New("pagarme: invalid webhook signature")
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			ID     string `json:"id"`
			Code   string `json:"code"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return WebhookResult{}, fmt.Errorf("pagarme: malformed webhook payload: %w", err)
	}

	orderID, err := strconv.ParseInt(event.Data.Code, 10, 64)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("pagarme: bad order code %q", event.Data.Code)
	}

	return WebhookResult{
		OrderID:   orderID,
		PaymentID: event.Data.ID,
		Status:    g.MapStatus(event.Data.Status),
		Action:    event.Type,
	}, nil
}

func (g *Pagarme) verifySignature(payload []byte, header string) bool {
	if g.cfg.WebhookSecret == "" || header == "" {
		return false
	}
	signature := strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// MapStatus переводит статус провайдера в статус оплаты заказа.
func (g *Pagarme) MapStatus(providerStatus string) model.PaymentStatus {
	switch providerStatus {
	case "paid", "captured":
		return model.PaymentStatusPaid
	case "pending", "processing", "waiting_payment", "authorized":
		return model.PaymentStatusPending
	case "refunded", "chargedback":
		return model.PaymentStatusRefunded
	default:
		return model.PaymentStatusFailed
	}
}

// Refund выполняет возврат по charge.
func (g *Pagarme) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	body := map[string]any{}
	if req.AmountCents > 0 {
		body["amount"] = req.AmountCents
	}

	status, raw, err := g.doJSON(ctx, http.MethodDelete, "/charges/"+req.PaymentID, body)
	if err != nil {
		return RefundResult{}, fmt.Errorf("pagarme: refund: %w", err)
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return RefundResult{}, fmt.Errorf("pagarme: decode refund: %w", err)
	}
	if status >= http.StatusBadRequest {
		return RefundResult{Status: model.PaymentStatusFailed, Message: "Não foi possível estornar o pagamento."}, nil
	}

	return RefundResult{Success: true, RefundID: resp.ID, Status: model.PaymentStatusRefunded}, nil
}

// GetOrCreateCustomer создаёт покупателя провайдера (идемпотентно по code).
func (g *Pagarme) GetOrCreateCustomer(ctx context.Context, customerID int64, email string) (string, error) {
	status, raw, err := g.doJSON(ctx, http.MethodPost, "/customers", map[string]any{
		"code":  strconv.FormatInt(customerID, 10),
		"email": email,
	})
	if err != nil {
		return "", fmt.Errorf("pagarme: create customer: %w", err)
	}
	if status >= http.StatusBadRequest {
		return "", fmt.Errorf("pagarme: create customer: status %d", status)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("pagarme: decode customer: %w", err)
	}
	return resp.ID, nil
}

// SaveCard сохраняет карту в кошельке покупателя провайдера.
func (g *Pagarme) SaveCard(ctx context.Context, providerCustomerID string, card CardData) (VaultCard, error) {
	if !ValidPAN(card.Number) {
		return VaultCard{}, errors.New("pagarme: invalid card number")
	}
	g.logger.Info("saving card", zap.String("bin", MaskPAN(card.Number)))

	status, raw, err := g.doJSON(ctx, http.MethodPost, "/customers/"+providerCustomerID+"/cards", map[string]any{
		"number":      card.Number,
		"holder_name": card.HolderName,
		"exp_month":   card.ExpiryMonth,
		"exp_year":    card.ExpiryYear,
		"cvv":         card.CVV,
	})
	if err != nil {
		return VaultCard{}, fmt.Errorf("pagarme: save card: %w", err)
	}
	if status >= http.StatusBadRequest {
		return VaultCard{}, fmt.Errorf("pagarme: save card: status %d", status)
	}

	var resp pagarmeCard
	if err := json.Unmarshal(raw, &resp); err != nil {
		return VaultCard{}, fmt.Errorf("pagarme: decode card: %w", err)
	}
	return resp.vaultCard(), nil
}

// ListCards возвращает карты покупателя провайдера.
func (g *Pagarme) ListCards(ctx context.Context, providerCustomerID string) ([]VaultCard, error) {
	status, raw, err := g.doJSON(ctx, http.MethodGet, "/customers/"+providerCustomerID+"/cards", nil)
	if err != nil {
		return nil, fmt.Errorf("pagarme: list cards: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("pagarme: list cards: status %d", status)
	}

	var resp struct {
		Data []pagarmeCard `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("pagarme: decode cards: %w", err)
	}
	out := make([]VaultCard, 0, len(resp.Data))
	for _, c := range resp.Data {
		out = append(out, c.vaultCard())
	}
	return out, nil
}

// DeleteCard удаляет карту из кошелька покупателя провайдера.
func (g *Pagarme) DeleteCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	status, _, err := g.doJSON(ctx, http.MethodDelete, "/customers/"+providerCustomerID+"/cards/"+providerCardID, nil)
	if err != nil {
		return fmt.Errorf("pagarme: delete card: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("pagarme: delete card: status %d", status)
	}
	return nil
}

// SetDefaultCard у Pagar.me не имеет серверного аналога: признак основной
// карты живёт только в нашей БД.
func (g *Pagarme) SetDefaultCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	return nil
}

// ChargeWithSavedCard списывает по card_id без повторного CVV (one-click).
func (g *Pagarme) ChargeWithSavedCard(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	return g.CreatePayment(ctx, order, amountCents, PaymentData{
		ProviderCardID: data.ProviderCardID,
		PayerEmail:     data.PayerEmail,
		Installments:   data.Installments,
	})
}

// RequiresCVVForSavedCard: Pagar.me поддерживает one-click, CVV не нужен.
func (g *Pagarme) RequiresCVVForSavedCard() bool { return false }

type pagarmeCard struct {
	ID        string `json:"id"`
	LastFour  string `json:"last_four_digits"`
	Brand     string `json:"brand"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
}

func (c pagarmeCard) vaultCard() VaultCard {
	return VaultCard{
		ProviderCardID: c.ID,
		LastFour:       c.LastFour,
		Brand:          strings.ToLower(c.Brand),
		ExpiryMonth:    c.ExpMonth,
		ExpiryYear:     c.ExpYear,
	}
}

func (g *Pagarme) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(g.cfg.SecretKey + ":"))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

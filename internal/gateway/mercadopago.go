package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/model"
)

const mercadoPagoBaseURL = "https://api.mercadopago.com"

// MercadoPagoConfig — учётные данные и операторский переключатель адаптера.
type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
	Enabled       bool
	BaseURL       string
}

// MercadoPago — адаптер провайдера Mercado Pago: карты, PIX, возвраты и
// хранилище карт (CVV обязателен при оплате сохранённой картой).
type MercadoPago struct {
	cfg    MercadoPagoConfig
	client *http.Client
	logger *zap.Logger
}

// NewMercadoPago создаёт адаптер Mercado Pago.
func NewMercadoPago(cfg MercadoPagoConfig, logger *zap.Logger) *MercadoPago {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mercadoPagoBaseURL
	}
	return &MercadoPago{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name возвращает системное имя провайдера.
func (g *MercadoPago) Name() string { return "mercadopago" }

// DisplayName возвращает отображаемое имя провайдера.
func (g *MercadoPago) DisplayName() string { return "Mercado Pago" }

// IsConfigured сообщает, заданы ли учётные данные провайдера.
func (g *MercadoPago) IsConfigured() bool { return g.cfg.AccessToken != "" }

// IsEnabled сообщает, включён ли провайдер оператором.
func (g *MercadoPago) IsEnabled() bool { return g.cfg.Enabled }

// SupportsFeature сообщает о поддержке возможности провайдером.
func (g *MercadoPago) SupportsFeature(f Feature) bool {
	switch f {
	case FeatureCreditCard, FeaturePix, FeatureRefund, FeatureSavedCards, FeatureInstallments:
		return true
	}
	return false
}

// Локализованные сообщения по кодам отказа Mercado Pago.
var mpDeclineMessages = map[string]string{
	"cc_rejected_insufficient_amount":      "Saldo insuficiente no cartão.",
	"cc_rejected_bad_filled_card_number":   "Número do cartão inválido.",
	"cc_rejected_bad_filled_security_code": "Código de segurança inválido.",
	"cc_rejected_bad_filled_date":          "Data de validade inválida.",
	"cc_rejected_call_for_authorize":       "Pagamento não autorizado. Entre em contato com o emissor do cartão.",
	"cc_rejected_card_disabled":            "Cartão desabilitado. Entre em contato com o emissor.",
	"cc_rejected_duplicated_payment":       "Pagamento duplicado.",
	"cc_rejected_high_risk":                "Pagamento recusado pela análise de risco.",
	"cc_rejected_max_attempts":             "Limite de tentativas excedido. Tente outro cartão.",
	"cc_rejected_other_reason":             "Pagamento recusado pelo emissor do cartão.",
}

func mpDeclineMessage(code string) string {
	if msg, ok := mpDeclineMessages[code]; ok {
		return msg
	}
	return "Pagamento recusado. Tente outro método de pagamento."
}

type mpPaymentResponse struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
	ExternalReference string `json:"external_reference"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

// CreatePayment создаёт платёж: картой (токен, сырые данные) или PIX.
// Отказ провайдера возвращается как неуспешный PaymentResult с локализованным
// сообщением; таймаут провайдера — как неизвестный исход со статусом PENDING.
func (g *MercadoPago) CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	body := map[string]any{
		"transaction_amount": centsToUnits(amountCents),
		"external_reference": strconv.FormatInt(order.ID, 10),
		"description":        fmt.Sprintf("Pedido #%d", order.ID),
		"payer":              map[string]any{"email": data.PayerEmail},
	}

	switch order.PaymentMethod {
	case model.PaymentMethodPix:
		body["payment_method_id"] = "pix"
	case model.PaymentMethodCreditCard:
		if data.CardToken == "" && data.Card != nil {
			if !ValidPAN(data.Card.Number) {
				return PaymentResult{Status: model.PaymentStatusFailed, Message: "Número do cartão inválido."}, nil
			}
			g.logger.Info("tokenizing raw card", zap.String("bin", MaskPAN(data.Card.Number)), zap.String("brand", DetectBrand(data.Card.Number)))
			token, err := g.tokenizeCard(ctx, data.Card)
			if err != nil {
				return g.unknownOrError(err)
			}
			data.CardToken = token
		}
		body["token"] = data.CardToken
		if data.Installments > 0 {
			body["installments"] = data.Installments
		} else {
			body["installments"] = 1
		}
	default:
		return PaymentResult{}, fmt.Errorf("mercadopago: unsupported payment method %q", order.PaymentMethod)
	}

	headers := map[string]string{"X-Idempotency-Key": uuid.NewString()}
	status, raw, err := g.doJSON(ctx, http.MethodPost, "/v1/payments", body, headers)
	if err != nil {
		return g.unknownOrError(err)
	}

	var resp mpPaymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PaymentResult{}, fmt.Errorf("mercadopago: decode payment response: %w", err)
	}
	if status >= http.StatusBadRequest {
		return PaymentResult{
			Status:  model.PaymentStatusFailed,
			Message: mpDeclineMessage(resp.StatusDetail),
		}, nil
	}

	result := PaymentResult{
		PaymentID: strconv.FormatInt(resp.ID, 10),
		Status:    g.MapStatus(resp.Status),
	}
	switch result.Status {
	case model.PaymentStatusPaid:
		result.Success = true
	case model.PaymentStatusFailed:
		result.Message = mpDeclineMessage(resp.StatusDetail)
	case model.PaymentStatusPending:
		result.PixCode = resp.PointOfInteraction.TransactionData.QRCode
		result.RedirectURL = resp.PointOfInteraction.TransactionData.TicketURL
	}
	return result, nil
}

// ProcessWebhook проверяет подпись x-signature и подтягивает актуальный
// статус платежа у провайдера (в уведомлении есть только идентификатор).
func (g *MercadoPago) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	var note struct {
		Action string `json:"action"`
		Data   struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &note); err != nil {
		return WebhookResult{}, fmt.Errorf("mercadopago: malformed webhook payload: %w", err)
	}
	if note.Data.ID == "" {
		return WebhookResult{}, errors.New("mercadopago: webhook without payment id")
	}

	if !g.verifySignature(headers.Get("X-Signature"), headers.Get("X-Request-Id"), note.Data.ID) {
		return WebhookResult{}, errors.New("mercadopago: invalid webhook signature")
	}

	status, raw, err := g.doJSON(ctx, http.MethodGet, "/v1/payments/"+note.Data.ID, nil, nil)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("mercadopago: fetch payment: %w", err)
	}
	if status != http.StatusOK {
		return WebhookResult{}, fmt.Errorf("mercadopago: fetch payment: status %d", status)
	}

	var resp mpPaymentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return WebhookResult{}, fmt.Errorf("mercadopago: decode payment: %w", err)
	}
	orderID, err := strconv.ParseInt(resp.ExternalReference, 10, 64)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("mercadopago: bad external reference %q", resp.ExternalReference)
	}

	return WebhookResult{
		OrderID:   orderID,
		PaymentID: strconv.FormatInt(resp.ID, 10),
		Status:    g.MapStatus(resp.Status),
		Action:    note.Action,
	}, nil
}

// verifySignature проверяет HMAC-подпись уведомления: заголовок x-signature
// несёт ts и v1, манифест собирается из id, request id и ts.
func (g *MercadoPago) verifySignature(signature, requestID, dataID string) bool {
	if g.cfg.WebhookSecret == "" || signature == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "ts":
			ts = value
		case "v1":
			v1 = value
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(v1))
}

// MapStatus переводит статус провайдера в статус оплаты заказа.
func (g *MercadoPago) MapStatus(providerStatus string) model.PaymentStatus {
	switch providerStatus {
	case "approved":
		return model.PaymentStatusPaid
	case "pending", "in_process", "authorized", "in_mediation":
		return model.PaymentStatusPending
	case "refunded", "charged_back":
		return model.PaymentStatusRefunded
	default:
		return model.PaymentStatusFailed
	}
}

// Refund выполняет полный или частичный возврат платежа.
func (g *MercadoPago) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	body := map[string]any{}
	if req.AmountCents > 0 {
		body["amount"] = centsToUnits(req.AmountCents)
	}

	status, raw, err := g.doJSON(ctx, http.MethodPost, "/v1/payments/"+req.PaymentID+"/refunds", body,
		map[string]string{"X-Idempotency-Key": uuid.NewString()})
	if err != nil {
		return RefundResult{}, fmt.Errorf("mercadopago: refund: %w", err)
	}

	var resp struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return RefundResult{}, fmt.Errorf("mercadopago: decode refund: %w", err)
	}
	if status >= http.StatusBadRequest {
		return RefundResult{Status: model.PaymentStatusFailed, Message: "Não foi possível estornar o pagamento."}, nil
	}

	return RefundResult{
		Success:  true,
		RefundID: strconv.FormatInt(resp.ID, 10),
		Status:   model.PaymentStatusRefunded,
	}, nil
}

// GetOrCreateCustomer ищет покупателя по email и создаёт при отсутствии.
func (g *MercadoPago) GetOrCreateCustomer(ctx context.Context, customerID int64, email string) (string, error) {
	status, raw, err := g.doJSON(ctx, http.MethodGet, "/v1/customers/search?email="+email, nil, nil)
	if err != nil {
		return "", fmt.Errorf("mercadopago: search customer: %w", err)
	}
	if status == http.StatusOK {
		var found struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		}
		if err := json.Unmarshal(raw, &found); err == nil && len(found.Results) > 0 {
			return found.Results[0].ID, nil
		}
	}

	status, raw, err = g.doJSON(ctx, http.MethodPost, "/v1/customers", map[string]any{
		"email":       email,
		"external_id": strconv.FormatInt(customerID, 10),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("mercadopago: create customer: %w", err)
	}
	if status >= http.StatusBadRequest {
		return "", fmt.Errorf("mercadopago: create customer: status %d", status)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("mercadopago: decode customer: %w", err)
	}
	return created.ID, nil
}

// SaveCard токенизирует карту и привязывает её к покупателю провайдера.
func (g *MercadoPago) SaveCard(ctx context.Context, providerCustomerID string, card CardData) (VaultCard, error) {
	if !ValidPAN(card.Number) {
		return VaultCard{}, errors.New("mercadopago: invalid card number")
	}
	g.logger.Info("saving card", zap.String("bin", MaskPAN(card.Number)))

	token, err := g.tokenizeCard(ctx, &card)
	if err != nil {
		return VaultCard{}, err
	}

	status, raw, err := g.doJSON(ctx, http.MethodPost, "/v1/customers/"+providerCustomerID+"/cards",
		map[string]any{"token": token}, nil)
	if err != nil {
		return VaultCard{}, fmt.Errorf("mercadopago: save card: %w", err)
	}
	if status >= http.StatusBadRequest {
		return VaultCard{}, fmt.Errorf("mercadopago: save card: status %d", status)
	}

	var resp mpCard
	if err := json.Unmarshal(raw, &resp); err != nil {
		return VaultCard{}, fmt.Errorf("mercadopago: decode card: %w", err)
	}
	return resp.vaultCard(), nil
}

// ListCards возвращает карты покупателя на стороне провайдера.
func (g *MercadoPago) ListCards(ctx context.Context, providerCustomerID string) ([]VaultCard, error) {
	status, raw, err := g.doJSON(ctx, http.MethodGet, "/v1/customers/"+providerCustomerID+"/cards", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("mercadopago: list cards: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("mercadopago: list cards: status %d", status)
	}

	var resp []mpCard
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("mercadopago: decode cards: %w", err)
	}
	out := make([]VaultCard, 0, len(resp))
	for _, c := range resp {
		out = append(out, c.vaultCard())
	}
	return out, nil
}

// DeleteCard отвязывает карту от покупателя провайдера.
func (g *MercadoPago) DeleteCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	status, _, err := g.doJSON(ctx, http.MethodDelete, "/v1/customers/"+providerCustomerID+"/cards/"+providerCardID, nil, nil)
	if err != nil {
		return fmt.Errorf("mercadopago: delete card: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("mercadopago: delete card: status %d", status)
	}
	return nil
}

// SetDefaultCard помечает карту основной на стороне провайдера.
func (g *MercadoPago) SetDefaultCard(ctx context.Context, providerCustomerID, providerCardID string) error {
	status, _, err := g.doJSON(ctx, http.MethodPut, "/v1/customers/"+providerCustomerID,
		map[string]any{"default_card": providerCardID}, nil)
	if err != nil {
		return fmt.Errorf("mercadopago: set default card: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("mercadopago: set default card: status %d", status)
	}
	return nil
}

// ChargeWithSavedCard списывает с сохранённой карты. Провайдер требует
// повторный ввод CVV: без него токен карты не выпускается.
func (g *MercadoPago) ChargeWithSavedCard(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	if data.CVV == "" {
		return PaymentResult{Status: model.PaymentStatusFailed, Message: "Informe o código de segurança do cartão."}, nil
	}

	status, raw, err := g.doJSON(ctx, http.MethodPost, "/v1/card_tokens", map[string]any{
		"card_id":       data.ProviderCardID,
		"security_code": data.CVV,
	}, nil)
	if err != nil {
		return g.unknownOrError(err)
	}
	if status >= http.StatusBadRequest {
		return PaymentResult{Status: model.PaymentStatusFailed, Message: mpDeclineMessage("cc_rejected_bad_filled_security_code")}, nil
	}

	var token struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &token); err != nil {
		return PaymentResult{}, fmt.Errorf("mercadopago: decode card token: %w", err)
	}

	return g.CreatePayment(ctx, order, amountCents, PaymentData{
		CardToken:  token.ID,
		PayerEmail: data.PayerEmail,
	})
}

// RequiresCVVForSavedCard: Mercado Pago требует CVV для сохранённых карт.
func (g *MercadoPago) RequiresCVVForSavedCard() bool { return true }

type mpCard struct {
	ID              string `json:"id"`
	LastFourDigits  string `json:"last_four_digits"`
	ExpirationMonth int    `json:"expiration_month"`
	ExpirationYear  int    `json:"expiration_year"`
	PaymentMethod   struct {
		Name string `json:"name"`
	} `json:"payment_method"`
}

func (c mpCard) vaultCard() VaultCard {
	return VaultCard{
		ProviderCardID: c.ID,
		LastFour:       c.LastFourDigits,
		Brand:          c.PaymentMethod.Name,
		ExpiryMonth:    c.ExpirationMonth,
		ExpiryYear:     c.ExpirationYear,
	}
}

func (g *MercadoPago) tokenizeCard(ctx context.Context, card *CardData) (string, error) {
	status, raw, err := g.doJSON(ctx, http.MethodPost, "/v1/card_tokens", map[string]any{
		"card_number":      card.Number,
		"cardholder":       map[string]any{"name": card.HolderName},
		"expiration_month": card.ExpiryMonth,
		"expiration_year":  card.ExpiryYear,
		"security_code":    card.CVV,
	}, nil)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest {
		return "", fmt.Errorf("mercadopago: tokenize card: status %d", status)
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("mercadopago: decode card token: %w", err)
	}
	return resp.ID, nil
}

// unknownOrError переводит сетевой таймаут в «неизвестный исход» (PENDING,
// сверка по вебхуку), остальные ошибки отдаёт вызывающему.
func (g *MercadoPago) unknownOrError(err error) (PaymentResult, error) {
	if isTimeout(err) {
		return PaymentResult{
			Status:  model.PaymentStatusPending,
			Message: "Pagamento em processamento. Aguarde a confirmação.",
		}, nil
	}
	return PaymentResult{}, err
}

func (g *MercadoPago) doJSON(ctx context.Context, method, path string, payload any, extra map[string]string) (int, []byte, error) {
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
	req.Header.Set("Authorization", "Bearer "+g.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extra {
		req.Header.Set(k, v)
	}

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

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// centsToUnits переводит центы в денежные единицы для API провайдера.
func centsToUnits(cents int64) float64 {
	return float64(cents) / 100
}

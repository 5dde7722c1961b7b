// Package gateway абстрагирует внешних платёжных провайдеров за единым
// контрактом PaymentGateway и ведёт их реестр.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mmeshcher/delivery-system/internal/model"
)

// Feature — возможность платёжного провайдера.
type Feature string

const (
	FeatureCreditCard   Feature = "credit_card"
	FeaturePix          Feature = "pix"
	FeatureRefund       Feature = "refund"
	FeatureSavedCards   Feature = "saved_cards"
	FeatureInstallments Feature = "installments"
)

// CardData — сырые данные карты. Полный номер никогда не пишется в логи.
type CardData struct {
	Number      string
	HolderName  string
	ExpiryMonth int
	ExpiryYear  int
	CVV         string
}

// PaymentData — специфичные для способа оплаты данные платёжной попытки.
type PaymentData struct {
	CardToken          string
	Card               *CardData
	ProviderCustomerID string
	ProviderCardID     string
	CVV                string
	Installments       int
	PayerEmail         string
}

// PaymentResult — итог платёжной попытки. Отказ провайдера возвращается
// как неуспешный результат, а не как ошибка.
type PaymentResult struct {
	Success     bool
	PaymentID   string
	Status      model.PaymentStatus
	Message     string
	RedirectURL string
	PixCode     string
	PixQRPNG    []byte
}

// WebhookResult — разобранное уведомление провайдера.
type WebhookResult struct {
	OrderID   int64
	PaymentID string
	Status    model.PaymentStatus
	Action    string
}

// RefundRequest — запрос возврата средств.
type RefundRequest struct {
	PaymentID   string
	AmountCents int64
	Reason      string
}

// RefundResult — итог возврата.
type RefundResult struct {
	Success  bool
	RefundID string
	Status   model.PaymentStatus
	Message  string
}

// VaultCard — карта, сохранённая на стороне провайдера.
type VaultCard struct {
	ProviderCardID string
	LastFour       string
	Brand          string
	ExpiryMonth    int
	ExpiryYear     int
}

// PaymentGateway — единый контракт платёжного провайдера.
type PaymentGateway interface {
	Name() string
	DisplayName() string
	IsConfigured() bool
	IsEnabled() bool
	SupportsFeature(f Feature) bool
	CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error)
	ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error)
	MapStatus(providerStatus string) model.PaymentStatus
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// CardVault — опциональный контракт токенизации и хранения карт.
type CardVault interface {
	GetOrCreateCustomer(ctx context.Context, customerID int64, email string) (string, error)
	SaveCard(ctx context.Context, providerCustomerID string, card CardData) (VaultCard, error)
	ListCards(ctx context.Context, providerCustomerID string) ([]VaultCard, error)
	DeleteCard(ctx context.Context, providerCustomerID, providerCardID string) error
	SetDefaultCard(ctx context.Context, providerCustomerID, providerCardID string) error
	ChargeWithSavedCard(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error)
	// RequiresCVVForSavedCard сообщает, нужно ли заново запрашивать CVV
	// при оплате сохранённой картой. One-click провайдеры возвращают false.
	RequiresCVVForSavedCard() bool
}

// ErrNoGatewayAvailable возвращается, когда ни один провайдер не может
// обслужить запрошенный способ оплаты.
var ErrNoGatewayAvailable = errors.New("no payment gateway available")

// ErrUnknownGateway возвращается при обращении к незарегистрированному провайдеру.
var ErrUnknownGateway = errors.New("unknown payment gateway")

// MethodAvailability — доступность способа оплаты с точки зрения реестра.
type MethodAvailability struct {
	Method    model.PaymentMethod `json:"method"`
	Available bool                `json:"available"`
	Gateways  []string            `json:"gateways,omitempty"`
}

// RegistryConfig — операторские настройки реестра. Реестр пересобирается
// целиком при изменении конфигурации, а не мутируется по месту.
type RegistryConfig struct {
	DefaultGateway string
	PixEnabled     bool
	CardEnabled    bool
	CashEnabled    bool
}

// Registry хранит все адаптеры провайдеров и выбирает провайдера для
// конкретной платёжной попытки.
type Registry struct {
	cfg      RegistryConfig
	order    []string
	adapters map[string]PaymentGateway
}

// NewRegistry создаёт реестр из перечисленных адаптеров. Порядок аргументов
// фиксирует порядок обхода при выборе «первого включённого».
func NewRegistry(cfg RegistryConfig, adapters ...PaymentGateway) *Registry {
	r := &Registry{
		cfg:      cfg,
		adapters: make(map[string]PaymentGateway, len(adapters)),
	}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Name()]; dup {
			continue
		}
		r.adapters[a.Name()] = a
		r.order = append(r.order, a.Name())
	}
	return r
}

// Get возвращает адаптер по имени провайдера.
func (r *Registry) Get(name string) (PaymentGateway, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return a, nil
}

// Enabled возвращает настроенные и включённые оператором адаптеры
// в стабильном порядке регистрации.
func (r *Registry) Enabled() []PaymentGateway {
	var out []PaymentGateway
	for _, name := range r.order {
		a := r.adapters[name]
		if a.IsConfigured() && a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// Select выбирает провайдера платёжной попытки: явное предпочтение вызывающего,
// затем операторский провайдер по умолчанию, затем первый включённый.
// Недоступное явное предпочтение не является ошибкой — происходит откат ниже
// по цепочке.
func (r *Registry) Select(preference string) (PaymentGateway, error) {
	enabled := r.Enabled()
	if len(enabled) == 0 {
		return nil, ErrNoGatewayAvailable
	}

	if preference != "" {
		for _, a := range enabled {
			if a.Name() == preference {
				return a, nil
			}
		}
	}
	if r.cfg.DefaultGateway != "" {
		for _, a := range enabled {
			if a.Name() == r.cfg.DefaultGateway {
				return a, nil
			}
		}
	}
	return enabled[0], nil
}

// SelectForFeature выбирает провайдера, поддерживающего возможность f.
func (r *Registry) SelectForFeature(preference string, f Feature) (PaymentGateway, error) {
	if preference != "" {
		if a, err := r.Get(preference); err == nil &&
			a.IsConfigured() && a.IsEnabled() && a.SupportsFeature(f) {
			return a, nil
		}
	}
	if a, err := r.Select(""); err == nil && a.SupportsFeature(f) {
		return a, nil
	}
	for _, a := range r.Enabled() {
		if a.SupportsFeature(f) {
			return a, nil
		}
	}
	return nil, ErrNoGatewayAvailable
}

// AvailableMethods агрегирует доступность способов оплаты: операторские
// переключатели, пересечённые с возможностями включённых провайдеров.
func (r *Registry) AvailableMethods() []MethodAvailability {
	pix := MethodAvailability{Method: model.PaymentMethodPix}
	card := MethodAvailability{Method: model.PaymentMethodCreditCard}

	for _, a := range r.Enabled() {
		if a.SupportsFeature(FeaturePix) {
			pix.Gateways = append(pix.Gateways, a.Name())
		}
		if a.SupportsFeature(FeatureCreditCard) {
			card.Gateways = append(card.Gateways, a.Name())
		}
	}
	pix.Available = r.cfg.PixEnabled && len(pix.Gateways) > 0
	card.Available = r.cfg.CardEnabled && len(card.Gateways) > 0

	// Наличные не требуют провайдера, только операторского разрешения.
	cash := MethodAvailability{Method: model.PaymentMethodCash, Available: r.cfg.CashEnabled}

	return []MethodAvailability{pix, card, cash}
}

// MaskPAN возвращает безопасный для логов вид номера карты: первые шесть
// цифр и длина. Полный номер не должен попадать в логи ни при каких условиях.
func MaskPAN(number string) string {
	digits := onlyDigits(number)
	if len(digits) < 6 {
		return "******"
	}
	return fmt.Sprintf("%s****(%d)", digits[:6], len(digits))
}

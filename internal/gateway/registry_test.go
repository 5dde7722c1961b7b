package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/mmeshcher/delivery-system/internal/model"
)

type fakeGateway struct {
	name       string
	configured bool
	enabled    bool
	features   map[Feature]bool
}

func (f *fakeGateway) Name() string            { return f.name }
func (f *fakeGateway) DisplayName() string     { return f.name }
func (f *fakeGateway) IsConfigured() bool      { return f.configured }
func (f *fakeGateway) IsEnabled() bool         { return f.enabled }
func (f *fakeGateway) SupportsFeature(ft Feature) bool { return f.features[ft] }

func (f *fakeGateway) CreatePayment(ctx context.Context, order *model.Order, amountCents int64, data PaymentData) (PaymentResult, error) {
	return PaymentResult{Success: true, PaymentID: f.name + "-1", Status: model.PaymentStatusPaid}, nil
}

func (f *fakeGateway) ProcessWebhook(ctx context.Context, payload []byte, headers http.Header) (WebhookResult, error) {
	return WebhookResult{}, nil
}

func (f *fakeGateway) MapStatus(providerStatus string) model.PaymentStatus {
	return model.PaymentStatusPending
}

func (f *fakeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	return RefundResult{Success: true}, nil
}

func TestRegistrySelect_PreferenceHonored(t *testing.T) {
	a := &fakeGateway{name: "mercadopago", configured: true, enabled: true}
	b := &fakeGateway{name: "pagarme", configured: true, enabled: true}
	r := NewRegistry(RegistryConfig{DefaultGateway: "mercadopago"}, a, b)

	got, err := r.Select("pagarme")
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.Name() != "pagarme" {
		t.Fatalf("Select = %s, want pagarme", got.Name())
	}
}

func TestRegistrySelect_UnavailablePreferenceFallsBack(t *testing.T) {
	// Явное, но недоступное предпочтение откатывается на включённого
	// провайдера, а не завершается ошибкой.
	b := &fakeGateway{name: "pagarme", configured: true, enabled: true}
	a := &fakeGateway{name: "mercadopago", configured: true, enabled: false}
	r := NewRegistry(RegistryConfig{}, a, b)

	got, err := r.Select("mercadopago")
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.Name() != "pagarme" {
		t.Fatalf("Select = %s, want pagarme", got.Name())
	}
}

func TestRegistrySelect_DefaultGateway(t *testing.T) {
	a := &fakeGateway{name: "mercadopago", configured: true, enabled: true}
	b := &fakeGateway{name: "pagarme", configured: true, enabled: true}
	r := NewRegistry(RegistryConfig{DefaultGateway: "pagarme"}, a, b)

	got, err := r.Select("")
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.Name() != "pagarme" {
		t.Fatalf("Select = %s, want default pagarme", got.Name())
	}
}

func TestRegistrySelect_NoneEnabled(t *testing.T) {
	a := &fakeGateway{name: "mercadopago", configured: true, enabled: false}
	r := NewRegistry(RegistryConfig{}, a)

	if _, err := r.Select(""); !errors.Is(err, ErrNoGatewayAvailable) {
		t.Fatalf("Select err = %v, want ErrNoGatewayAvailable", err)
	}
}

func TestRegistrySelectForFeature(t *testing.T) {
	cards := &fakeGateway{name: "cardsonly", configured: true, enabled: true,
		features: map[Feature]bool{FeatureCreditCard: true}}
	pixGw := &fakeGateway{name: "pixonly", configured: true, enabled: true,
		features: map[Feature]bool{FeaturePix: true}}
	r := NewRegistry(RegistryConfig{}, cards, pixGw)

	got, err := r.SelectForFeature("cardsonly", FeaturePix)
	if err != nil {
		t.Fatalf("SelectForFeature error: %v", err)
	}
	if got.Name() != "pixonly" {
		t.Fatalf("SelectForFeature = %s, want pixonly", got.Name())
	}

	if _, err := r.SelectForFeature("", FeatureSavedCards); !errors.Is(err, ErrNoGatewayAvailable) {
		t.Fatalf("SelectForFeature err = %v, want ErrNoGatewayAvailable", err)
	}
}

func TestRegistryAvailableMethods(t *testing.T) {
	pixGw := &fakeGateway{name: "pixonly", configured: true, enabled: true,
		features: map[Feature]bool{FeaturePix: true}}
	r := NewRegistry(RegistryConfig{PixEnabled: true, CardEnabled: true, CashEnabled: true}, pixGw)

	methods := map[model.PaymentMethod]MethodAvailability{}
	for _, m := range r.AvailableMethods() {
		methods[m.Method] = m
	}

	if !methods[model.PaymentMethodPix].Available {
		t.Errorf("pix must be available")
	}
	if methods[model.PaymentMethodCreditCard].Available {
		t.Errorf("credit_card must be unavailable without a card gateway")
	}
	if !methods[model.PaymentMethodCash].Available {
		t.Errorf("cash must be available by operator toggle alone")
	}
}

func TestRegistryGet_Unknown(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	if _, err := r.Get("stripe"); !errors.Is(err, ErrUnknownGateway) {
		t.Fatalf("Get err = %v, want ErrUnknownGateway", err)
	}
}

func TestMaskPAN(t *testing.T) {
	masked := MaskPAN("4111 1111 1111 1111")
	if masked != "411111****(16)" {
		t.Fatalf("MaskPAN = %q", masked)
	}
	if MaskPAN("41") != "******" {
		t.Fatalf("short input must be fully masked")
	}
}

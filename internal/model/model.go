// Package model содержит доменные сущности маркетплейса доставки еды.
package model

import "time"

// OrderStatus описывает статус заказа в жизненном цикле доставки.
type OrderStatus string

// Статусы заказа. DELIVERED, CANCELLED и REJECTED — терминальные.
const (
	OrderStatusPending        OrderStatus = "PENDING"
	OrderStatusPaid           OrderStatus = "PAID"
	OrderStatusConfirmed      OrderStatus = "CONFIRMED"
	OrderStatusAccepted       OrderStatus = "ACCEPTED"
	OrderStatusPreparing      OrderStatus = "PREPARING"
	OrderStatusReady          OrderStatus = "READY"
	OrderStatusPickedUp       OrderStatus = "PICKED_UP"
	OrderStatusInTransit      OrderStatus = "IN_TRANSIT"
	OrderStatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      OrderStatus = "DELIVERED"
	OrderStatusCancelled      OrderStatus = "CANCELLED"
	OrderStatusRejected       OrderStatus = "REJECTED"
)

// allowedTransitions задаёт допустимые рёбра машины состояний заказа.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:        {OrderStatusPaid, OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusPaid:           {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:      {OrderStatusAccepted, OrderStatusPreparing, OrderStatusReady, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusAccepted:       {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusPreparing:      {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:          {OrderStatusPickedUp, OrderStatusOutForDelivery, OrderStatusCancelled},
	OrderStatusPickedUp:       {OrderStatusInTransit, OrderStatusOutForDelivery},
	OrderStatusInTransit:      {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusOutForDelivery: {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
	OrderStatusRejected:       {},
}

// IsValid сообщает, известен ли статус машине состояний.
func (s OrderStatus) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal сообщает, является ли статус терминальным.
func (s OrderStatus) IsTerminal() bool {
	targets, ok := allowedTransitions[s]
	return ok && len(targets) == 0
}

// CanTransition проверяет допустимость перехода заказа из статуса s в target.
func (s OrderStatus) CanTransition(target OrderStatus) bool {
	for _, t := range allowedTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusFailed   PaymentStatus = "FAILED"
	PaymentStatusRefunded PaymentStatus = "REFUNDED"
)

// PaymentMethod описывает способ оплаты заказа.
type PaymentMethod string

const (
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodPix        PaymentMethod = "pix"
	PaymentMethodCash       PaymentMethod = "cash"
)

// Address — денормализованный снимок адреса доставки, сохраняемый в заказе.
type Address struct {
	Street     string `json:"street"`
	Number     string `json:"number"`
	Complement string `json:"complement,omitempty"`
	District   string `json:"district"`
	City       string `json:"city"`
	State      string `json:"state"`
	ZipCode    string `json:"zip_code"`
}

// OrderItem — позиция заказа. Цена и сумма строки фиксируются при создании
// заказа и не пересчитываются при изменении меню.
type OrderItem struct {
	ID             int64  `json:"id"`
	MenuItemID     int64  `json:"menu_item_id"`
	Name           string `json:"name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	TotalCents     int64  `json:"total_cents"`
	Note           string `json:"note,omitempty"`
}

// StatusChange — запись журнала смены статусов заказа (append-only).
type StatusChange struct {
	Status    OrderStatus `json:"status"`
	Actor     string      `json:"actor"`
	CreatedAt time.Time   `json:"created_at"`
}

// Order — агрегат заказа: сам заказ, его позиции и история статусов.
type Order struct {
	ID                   int64          `json:"id"`
	CustomerID           int64          `json:"customer_id"`
	RestaurantID         int64          `json:"restaurant_id"`
	CourierID            *int64         `json:"courier_id,omitempty"`
	Items                []OrderItem    `json:"items"`
	SubtotalCents        int64          `json:"subtotal_cents"`
	DeliveryFeeCents     int64          `json:"delivery_fee_cents"`
	DiscountCents        int64          `json:"discount_cents"`
	TotalCents           int64          `json:"total_cents"`
	Status               OrderStatus    `json:"status"`
	PaymentMethod        PaymentMethod  `json:"payment_method"`
	PaymentStatus        PaymentStatus  `json:"payment_status"`
	PaymentTransactionID string         `json:"payment_transaction_id,omitempty"`
	PaymentGateway       string         `json:"payment_gateway,omitempty"`
	DeliveryAddress      Address        `json:"delivery_address"`
	History              []StatusChange `json:"history,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	PaidAt               *time.Time     `json:"paid_at,omitempty"`
	DeliveredAt          *time.Time     `json:"delivered_at,omitempty"`
	CancelledAt          *time.Time     `json:"cancelled_at,omitempty"`
}

// EarningStatus описывает статус начисления ресторана.
type EarningStatus string

const (
	EarningStatusPending   EarningStatus = "PENDING"
	EarningStatusAvailable EarningStatus = "AVAILABLE"
	EarningStatusPaidOut   EarningStatus = "PAID_OUT"
)

// RestaurantEarning — начисление ресторану за один доставленный заказ.
// Денежные поля неизменяемы после создания; меняется только статус.
type RestaurantEarning struct {
	ID               int64         `json:"id"`
	RestaurantID     int64         `json:"restaurant_id"`
	OrderID          int64         `json:"order_id"`
	GrossCents       int64         `json:"gross_cents"`
	PlatformFeeCents int64         `json:"platform_fee_cents"`
	PaymentFeeCents  int64         `json:"payment_fee_cents"`
	NetCents         int64         `json:"net_cents"`
	PlatformFeeBPS   int64         `json:"platform_fee_bps"`
	PaymentFeeBPS    int64         `json:"payment_fee_bps"`
	Status           EarningStatus `json:"status"`
	AvailableAt      time.Time     `json:"available_at"`
	CreatedAt        time.Time     `json:"created_at"`
}

// PayoutStatus описывает статус выплаты ресторану.
type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "PENDING"
	PayoutStatusCompleted PayoutStatus = "COMPLETED"
	PayoutStatusFailed    PayoutStatus = "FAILED"
)

// RestaurantPayout — пакетная выплата, собранная из доступных начислений.
type RestaurantPayout struct {
	ID           int64        `json:"id"`
	RestaurantID int64        `json:"restaurant_id"`
	Reference    string       `json:"reference"`
	AmountCents  int64        `json:"amount_cents"`
	Status       PayoutStatus `json:"status"`
	PeriodStart  time.Time    `json:"period_start"`
	PeriodEnd    time.Time    `json:"period_end"`
	EarningCount int          `json:"earning_count"`
	CreatedAt    time.Time    `json:"created_at"`
	ProcessedAt  *time.Time   `json:"processed_at,omitempty"`
}

// DriverEarningType описывает тип начисления курьеру.
type DriverEarningType string

const (
	DriverEarningDelivery DriverEarningType = "DELIVERY"
	DriverEarningBonus    DriverEarningType = "BONUS"
	DriverEarningTip      DriverEarningType = "TIP"
)

// DriverEarning — начисление курьеру: доля за доставку либо бонус/чаевые.
// Запись неизменяема после создания.
type DriverEarning struct {
	ID          int64             `json:"id"`
	CourierID   int64             `json:"courier_id"`
	OrderID     *int64            `json:"order_id,omitempty"`
	AmountCents int64             `json:"amount_cents"`
	Type        DriverEarningType `json:"type"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// SavedCard — токенизированная карта покупателя у конкретного провайдера.
type SavedCard struct {
	ID                 int64     `json:"id"`
	CustomerID         int64     `json:"customer_id"`
	Gateway            string    `json:"gateway"`
	ProviderCardID     string    `json:"-"`
	ProviderCustomerID string    `json:"-"`
	LastFour           string    `json:"last_four"`
	Brand              string    `json:"brand"`
	ExpiryMonth        int       `json:"expiry_month"`
	ExpiryYear         int       `json:"expiry_year"`
	IsDefault          bool      `json:"is_default"`
	CreatedAt          time.Time `json:"created_at"`
}

// CourierLocation — геопозиция курьера, опционально привязанная к заказу.
type CourierLocation struct {
	CourierID  int64     `json:"courier_id"`
	OrderID    *int64    `json:"order_id,omitempty"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Restaurant — справочная карточка ресторана. Ядро её только читает.
type Restaurant struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	City             string `json:"city"`
	IsOpen           bool   `json:"is_open"`
	MinOrderCents    int64  `json:"min_order_cents"`
	DeliveryFeeCents int64  `json:"delivery_fee_cents"`
	PixKey           string `json:"-"`
}

// MenuItem — справочная позиция меню ресторана.
type MenuItem struct {
	ID           int64  `json:"id"`
	RestaurantID int64  `json:"restaurant_id"`
	Name         string `json:"name"`
	PriceCents   int64  `json:"price_cents"`
	Available    bool   `json:"available"`
}

// Courier — справочная карточка курьера.
type Courier struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsOnline bool   `json:"is_online"`
}

// EarningsSummary — агрегаты по начислениям ресторана.
type EarningsSummary struct {
	PendingCents   int64 `json:"pending_cents"`
	AvailableCents int64 `json:"available_cents"`
	PaidOutCents   int64 `json:"paid_out_cents"`
	TotalCents     int64 `json:"total_cents"`
	OrderCount     int64 `json:"order_count"`
}

// DriverEarningsSummary — агрегаты по начислениям курьера.
type DriverEarningsSummary struct {
	DeliveryCents int64 `json:"delivery_cents"`
	BonusCents    int64 `json:"bonus_cents"`
	TipCents      int64 `json:"tip_cents"`
	TotalCents    int64 `json:"total_cents"`
	Deliveries    int64 `json:"deliveries"`
}

// DailyEarnings — дневной срез заработка курьера.
type DailyEarnings struct {
	Day         time.Time `json:"day"`
	AmountCents int64     `json:"amount_cents"`
	Deliveries  int64     `json:"deliveries"`
}

package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/delivery-system/internal/model"
	"github.com/mmeshcher/delivery-system/internal/realtime"
	"github.com/mmeshcher/delivery-system/internal/repository"
)

// CreateOrderRequest — запрос на создание заказа.
type CreateOrderRequest struct {
	CustomerID    int64
	RestaurantID  int64
	Items         []CreateOrderItem
	PaymentMethod model.PaymentMethod
	DiscountCents int64
	// Адрес доставки: либо ссылка на сохранённый, либо инлайн-снимок,
	// ровно одно из двух.
	AddressID int64
	Address   *model.Address
}

// CreateOrderItem — позиция запроса на создание заказа.
type CreateOrderItem struct {
	MenuItemID int64
	Quantity   int
	Note       string
}

// CreateOrder создаёт заказ: проверяет ресторан и позиции, фиксирует цены из
// меню, считает суммы и денормализует адрес доставки в заказ.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*model.Order, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: order has no items", ErrValidation)
	}
	if (req.AddressID == 0) == (req.Address == nil) {
		return nil, fmt.Errorf("%w: exactly one of address_id and address is required", ErrValidation)
	}
	switch req.PaymentMethod {
	case model.PaymentMethodCreditCard, model.PaymentMethodPix, model.PaymentMethodCash:
	default:
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrValidation, req.PaymentMethod)
	}
	if req.DiscountCents < 0 {
		return nil, fmt.Errorf("%w: negative discount", ErrValidation)
	}

	restaurant, err := s.repo.GetRestaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	if !restaurant.IsOpen {
		return nil, ErrRestaurantClosed
	}

	ids := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item quantity must be positive", ErrValidation)
		}
		ids = append(ids, it.MenuItemID)
	}

	menuItems, err := s.repo.GetMenuItems(ctx, req.RestaurantID, ids)
	if err != nil {
		return nil, err
	}
	menu := make(map[int64]model.MenuItem, len(menuItems))
	for _, mi := range menuItems {
		menu[mi.ID] = mi
	}

	var (
		items    []model.OrderItem
		subtotal int64
	)
	for _, it := range req.Items {
		mi, ok := menu[it.MenuItemID]
		if !ok {
			return nil, fmt.Errorf("%w: menu item %d does not belong to restaurant %d", ErrValidation, it.MenuItemID, req.RestaurantID)
		}
		if !mi.Available {
			return nil, fmt.Errorf("%w: menu item %d is unavailable", ErrValidation, it.MenuItemID)
		}
		line := mi.PriceCents * int64(it.Quantity)
		items = append(items, model.OrderItem{
			MenuItemID:     mi.ID,
			Name:           mi.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: mi.PriceCents,
			TotalCents:     line,
			Note:           it.Note,
		})
		subtotal += line
	}

	if subtotal < restaurant.MinOrderCents {
		return nil, fmt.Errorf("%w: subtotal %d below minimum %d", ErrBelowMinOrder, subtotal, restaurant.MinOrderCents)
	}

	address := req.Address
	if address == nil {
		address, err = s.repo.GetSavedAddress(ctx, req.CustomerID, req.AddressID)
		if err != nil {
			return nil, err
		}
	}

	total := subtotal + restaurant.DeliveryFeeCents - req.DiscountCents
	if total < 0 {
		return nil, fmt.Errorf("%w: discount exceeds order total", ErrValidation)
	}

	order := &model.Order{
		CustomerID:       req.CustomerID,
		RestaurantID:     req.RestaurantID,
		Items:            items,
		SubtotalCents:    subtotal,
		DeliveryFeeCents: restaurant.DeliveryFeeCents,
		DiscountCents:    req.DiscountCents,
		TotalCents:       total,
		Status:           model.OrderStatusPending,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    model.PaymentStatusPending,
		DeliveryAddress:  *address,
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.hub.Emit(realtime.RestaurantTopic(order.RestaurantID), "status.updated", orderEvent(order))

	return order, nil
}

// GetOrder возвращает заказ с позициями и историей.
func (s *Service) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// UpdateStatus выполняет переход заказа в новый статус. Допустимость перехода
// проверяется по машине состояний, сам переход охраняется условным UPDATE,
// поэтому при гонке выигрывает ровно один вызов.
func (s *Service) UpdateStatus(ctx context.Context, orderID int64, target model.OrderStatus, actor string) (*model.Order, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, target)
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !order.Status.CanTransition(target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
	}

	if err := s.repo.UpdateOrderStatus(ctx, orderID, order.Status, target, actor); err != nil {
		if errors.Is(err, repository.ErrOrderConflict) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, target)
		}
		return nil, err
	}

	updated, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	s.broadcastStatus(updated)

	if target == model.OrderStatusDelivered {
		s.bookSettlement(ctx, updated)
	}

	return updated, nil
}

// broadcastStatus рассылает смену статуса по темам заказа, ресторана и
// курьера; для готового и не взятого заказа — дополнительно в общий пул
// курьеров.
func (s *Service) broadcastStatus(order *model.Order) {
	event := orderEvent(order)

	s.hub.Emit(realtime.OrderTopic(order.ID), "status.updated", event)
	s.hub.Emit(realtime.RestaurantTopic(order.RestaurantID), "status.updated", event)
	if order.CourierID != nil {
		s.hub.Emit(realtime.DriverTopic(*order.CourierID), "status.updated", event)
	}
	if order.Status == model.OrderStatusReady && order.CourierID == nil {
		s.hub.Emit(realtime.TopicDriversAvailable, "delivery.available", event)
	}
}

// AcceptDelivery закрепляет готовый заказ за курьером. Принятие атомарно:
// из конкурирующих курьеров побеждает один, остальные получают конфликт.
func (s *Service) AcceptDelivery(ctx context.Context, orderID, courierID int64) (*model.Order, error) {
	courier, err := s.repo.GetCourier(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if !courier.IsOnline {
		return nil, ErrCourierOffline
	}

	if err := s.repo.AssignCourier(ctx, orderID, courierID); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	event := orderEvent(order)
	s.hub.Emit(realtime.TopicDriversAvailable, "delivery.taken", event)
	s.hub.Emit(realtime.OrderTopic(order.ID), "delivery.taken", event)
	s.hub.Emit(realtime.RestaurantTopic(order.RestaurantID), "delivery.taken", event)

	return order, nil
}

// Tracking — снимок заказа для отслеживания: статус, история и последняя
// известная позиция курьера.
type Tracking struct {
	Order           *model.Order           `json:"order"`
	CourierLocation *model.CourierLocation `json:"courier_location,omitempty"`
}

// GetTracking возвращает снимок отслеживания заказа.
func (s *Service) GetTracking(ctx context.Context, orderID int64) (*Tracking, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	t := &Tracking{Order: order}
	if order.CourierID != nil {
		loc, err := s.repo.LastCourierLocation(ctx, *order.CourierID)
		if err != nil {
			s.logger.Warn("courier location lookup failed",
				zap.Int64("order_id", orderID),
				zap.Error(err),
			)
		} else {
			t.CourierLocation = loc
		}
	}

	return t, nil
}

// RecordCourierLocation сохраняет геопозицию курьера и, если пинг привязан к
// заказу, транслирует её подписчикам темы заказа.
func (s *Service) RecordCourierLocation(ctx context.Context, loc model.CourierLocation) error {
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = time.Now()
	}

	if err := s.repo.SaveCourierLocation(ctx, loc); err != nil {
		return err
	}

	if loc.OrderID != nil {
		s.hub.Emit(realtime.OrderTopic(*loc.OrderID), "location.updated", loc)
	}

	return nil
}

// ListRestaurantOrders возвращает заказы ресторана, новые первыми.
func (s *Service) ListRestaurantOrders(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListOrdersByRestaurant(ctx, restaurantID, limit, offset)
}

func orderEvent(order *model.Order) map[string]any {
	event := map[string]any{
		"order_id":      order.ID,
		"restaurant_id": order.RestaurantID,
		"status":        order.Status,
		"total_cents":   order.TotalCents,
	}
	if order.CourierID != nil {
		event["courier_id"] = *order.CourierID
	}
	return event
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/delivery-system/internal/model"
)

// CreateOrder сохраняет заказ вместе с позициями и первой записью истории
// статусов в одной транзакции. Заполняет ID и CreatedAt заказа.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx,
			`INSERT INTO orders (
				customer_id, restaurant_id, subtotal_cents, delivery_fee_cents,
				discount_cents, total_cents, status, payment_method, payment_status,
				addr_street, addr_number, addr_complement, addr_district,
				addr_city, addr_state, addr_zip
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 RETURNING id, created_at`,
			order.CustomerID, order.RestaurantID,
			order.SubtotalCents, order.DeliveryFeeCents, order.DiscountCents, order.TotalCents,
			string(order.Status), string(order.PaymentMethod), string(order.PaymentStatus),
			order.DeliveryAddress.Street, order.DeliveryAddress.Number,
			order.DeliveryAddress.Complement, order.DeliveryAddress.District,
			order.DeliveryAddress.City, order.DeliveryAddress.State, order.DeliveryAddress.ZipCode,
		).Scan(&order.ID, &order.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range order.Items {
			it := &order.Items[i]
			err = tx.QueryRow(ctx,
				`INSERT INTO order_items (order_id, menu_item_id, name, quantity, unit_price_cents, total_cents, note)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 RETURNING id`,
				order.ID, it.MenuItemID, it.Name, it.Quantity, it.UnitPriceCents, it.TotalCents, it.Note,
			).Scan(&it.ID)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO order_status_history (order_id, status, actor) VALUES ($1, $2, $3)`,
			order.ID, string(order.Status), "system",
		)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// GetOrder возвращает заказ с позициями и историей статусов.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, restaurant_id, courier_id,
			subtotal_cents, delivery_fee_cents, discount_cents, total_cents,
			status, payment_method, payment_status, payment_transaction_id, payment_gateway,
			addr_street, addr_number, addr_complement, addr_district, addr_city, addr_state, addr_zip,
			created_at, paid_at, delivered_at, cancelled_at
		 FROM orders WHERE id = $1`,
		id,
	)

	var (
		o                             model.Order
		status, method, paymentStatus string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.CourierID,
		&o.SubtotalCents, &o.DeliveryFeeCents, &o.DiscountCents, &o.TotalCents,
		&status, &method, &paymentStatus, &o.PaymentTransactionID, &o.PaymentGateway,
		&o.DeliveryAddress.Street, &o.DeliveryAddress.Number, &o.DeliveryAddress.Complement,
		&o.DeliveryAddress.District, &o.DeliveryAddress.City, &o.DeliveryAddress.State,
		&o.DeliveryAddress.ZipCode,
		&o.CreatedAt, &o.PaidAt, &o.DeliveredAt, &o.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	o.PaymentStatus = model.PaymentStatus(paymentStatus)

	if o.Items, err = r.orderItems(ctx, id); err != nil {
		return nil, err
	}
	if o.History, err = r.orderHistory(ctx, id); err != nil {
		return nil, err
	}

	return &o, nil
}

func (r *PostgresRepository) orderItems(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, menu_item_id, name, quantity, unit_price_cents, total_cents, note
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.MenuItemID, &it.Name, &it.Quantity,
			&it.UnitPriceCents, &it.TotalCents, &it.Note); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func (r *PostgresRepository) orderHistory(ctx context.Context, orderID int64) ([]model.StatusChange, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, actor, created_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select status history: %w", err)
	}
	defer rows.Close()

	var history []model.StatusChange
	for rows.Next() {
		var (
			ch     model.StatusChange
			status string
		)
		if err := rows.Scan(&status, &ch.Actor, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		ch.Status = model.OrderStatus(status)
		history = append(history, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return history, nil
}

// UpdateOrderStatus выполняет охраняемый переход заказа из статуса from в to
// и дописывает запись в историю. Условие по текущему статусу защищает от
// конкурентных переходов: проигравший запрос получает ErrOrderConflict.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID int64, from, to model.OrderStatus, actor string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `UPDATE orders SET status = $2 WHERE id = $1 AND status = $3`
	switch to {
	case model.OrderStatusDelivered:
		query = `UPDATE orders SET status = $2, delivered_at = now() WHERE id = $1 AND status = $3`
	case model.OrderStatusCancelled, model.OrderStatusRejected:
		query = `UPDATE orders SET status = $2, cancelled_at = now() WHERE id = $1 AND status = $3`
	}

	cmdTag, err := tx.Exec(ctx, query, orderID, string(to), string(from))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check order exists: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrOrderConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, actor) VALUES ($1, $2, $3)`,
		orderID, string(to), actor,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// AssignCourier закрепляет доставку за курьером. Условие «заказ готов и ещё
// не взят» делает принятие атомарным: при гонке выигрывает ровно один курьер.
func (r *PostgresRepository) AssignCourier(ctx context.Context, orderID, courierID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE orders SET courier_id = $2
		 WHERE id = $1 AND status = $3 AND courier_id IS NULL`,
		orderID, courierID, string(model.OrderStatusReady),
	)
	if err != nil {
		return fmt.Errorf("assign courier: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check order exists: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrCourierAlreadyAssigned
	}
	return nil
}

// SetPaymentResult сохраняет исход платежа. При успешной оплате фиксируется
// paid_at.
func (r *PostgresRepository) SetPaymentResult(ctx context.Context, orderID int64, status model.PaymentStatus, gateway, transactionID string) error {
	query := `UPDATE orders SET payment_status = $2, payment_gateway = $3, payment_transaction_id = $4 WHERE id = $1`
	if status == model.PaymentStatusPaid {
		query = `UPDATE orders SET payment_status = $2, payment_gateway = $3, payment_transaction_id = $4, paid_at = now() WHERE id = $1`
	}

	cmdTag, err := r.pool.Exec(ctx, query, orderID, string(status), gateway, transactionID)
	if err != nil {
		return fmt.Errorf("set payment result: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// SaveCourierLocation сохраняет геопозицию курьера.
func (r *PostgresRepository) SaveCourierLocation(ctx context.Context, loc model.CourierLocation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO courier_locations (courier_id, order_id, latitude, longitude, recorded_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		loc.CourierID, loc.OrderID, loc.Latitude, loc.Longitude, loc.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert courier location: %w", err)
	}
	return nil
}

// LastCourierLocation возвращает последнюю известную геопозицию курьера.
func (r *PostgresRepository) LastCourierLocation(ctx context.Context, courierID int64) (*model.CourierLocation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT courier_id, order_id, latitude, longitude, recorded_at
		 FROM courier_locations
		 WHERE courier_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT 1`,
		courierID,
	)

	var loc model.CourierLocation
	err := row.Scan(&loc.CourierID, &loc.OrderID, &loc.Latitude, &loc.Longitude, &loc.RecordedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get courier location: %w", err)
	}
	return &loc, nil
}

// DeliveredOrdersWithoutEarning возвращает доставленные заказы, для которых
// ещё не создано начисление ресторану. Используется сверкой расчётов.
func (r *PostgresRepository) DeliveredOrdersWithoutEarning(ctx context.Context, limit int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id, o.customer_id, o.restaurant_id, o.courier_id,
			o.subtotal_cents, o.delivery_fee_cents, o.discount_cents, o.total_cents,
			o.status, o.payment_method, o.payment_status, o.payment_gateway, o.delivered_at
		 FROM orders o
		 LEFT JOIN restaurant_earnings e ON e.order_id = o.id
		 WHERE o.status = $1 AND e.id IS NULL
		 ORDER BY o.delivered_at
		 LIMIT $2`,
		string(model.OrderStatusDelivered), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select delivered orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var (
			o                             model.Order
			status, method, paymentStatus string
		)
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.CourierID,
			&o.SubtotalCents, &o.DeliveryFeeCents, &o.DiscountCents, &o.TotalCents,
			&status, &method, &paymentStatus, &o.PaymentGateway, &o.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		o.PaymentMethod = model.PaymentMethod(method)
		o.PaymentStatus = model.PaymentStatus(paymentStatus)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListOrdersByRestaurant возвращает заказы ресторана, новые первыми.
func (r *PostgresRepository) ListOrdersByRestaurant(ctx context.Context, restaurantID int64, limit, offset int) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, restaurant_id, courier_id,
			subtotal_cents, delivery_fee_cents, discount_cents, total_cents,
			status, payment_method, payment_status, created_at
		 FROM orders
		 WHERE restaurant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		restaurantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select restaurant orders: %w", err)
	}
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		var (
			o                             model.Order
			status, method, paymentStatus string
		)
		if err := rows.Scan(&o.ID, &o.CustomerID, &o.RestaurantID, &o.CourierID,
			&o.SubtotalCents, &o.DeliveryFeeCents, &o.DiscountCents, &o.TotalCents,
			&status, &method, &paymentStatus, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		o.PaymentMethod = model.PaymentMethod(method)
		o.PaymentStatus = model.PaymentStatus(paymentStatus)
		res = append(res, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

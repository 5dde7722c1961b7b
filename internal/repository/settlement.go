package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/delivery-system/internal/model"
)

// EarningsFilter задаёт фильтры постраничных выборок начислений.
type EarningsFilter struct {
	Status string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// CreateRestaurantEarning создаёт начисление ресторану за заказ. Уникальный
// индекс по order_id делает операцию идемпотентной: повторный вызов для того
// же заказа не создаёт дубликат и возвращает false.
func (r *PostgresRepository) CreateRestaurantEarning(ctx context.Context, e *model.RestaurantEarning) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO restaurant_earnings (
				restaurant_id, order_id, gross_cents, platform_fee_cents,
				payment_fee_cents, net_cents, platform_fee_bps, payment_fee_bps,
				status, available_at
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (order_id) DO NOTHING`,
			e.RestaurantID, e.OrderID, e.GrossCents, e.PlatformFeeCents,
			e.PaymentFeeCents, e.NetCents, e.PlatformFeeBPS, e.PaymentFeeBPS,
			string(e.Status), e.AvailableAt,
		)
		if err != nil {
			return fmt.Errorf("insert restaurant earning: %w", err)
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// UpdatePendingEarnings переводит созревшие начисления PENDING → AVAILABLE.
// Возвращает число обновлённых строк.
func (r *PostgresRepository) UpdatePendingEarnings(ctx context.Context, now time.Time) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE restaurant_earnings
		 SET status = $1
		 WHERE status = $2 AND available_at <= $3`,
		string(model.EarningStatusAvailable), string(model.EarningStatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("update pending earnings: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// AvailableBalance возвращает сумму доступных к выводу начислений ресторана.
func (r *PostgresRepository) AvailableBalance(ctx context.Context, restaurantID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(net_cents), 0)
		 FROM restaurant_earnings
		 WHERE restaurant_id = $1 AND status = $2`,
		restaurantID, string(model.EarningStatusAvailable),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum available earnings: %w", err)
	}
	return total, nil
}

// EarningsSummary возвращает агрегаты начислений ресторана по статусам.
func (r *PostgresRepository) EarningsSummary(ctx context.Context, restaurantID int64) (*model.EarningsSummary, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(net_cents) FILTER (WHERE status = 'PENDING'), 0),
			COALESCE(SUM(net_cents) FILTER (WHERE status = 'AVAILABLE'), 0),
			COALESCE(SUM(net_cents) FILTER (WHERE status = 'PAID_OUT'), 0),
			COALESCE(SUM(net_cents), 0),
			COUNT(*)
		 FROM restaurant_earnings
		 WHERE restaurant_id = $1`,
		restaurantID,
	)

	var s model.EarningsSummary
	if err := row.Scan(&s.PendingCents, &s.AvailableCents, &s.PaidOutCents, &s.TotalCents, &s.OrderCount); err != nil {
		return nil, fmt.Errorf("earnings summary: %w", err)
	}
	return &s, nil
}

// ListEarnings возвращает начисления ресторана с фильтрами по статусу и периоду.
func (r *PostgresRepository) ListEarnings(ctx context.Context, restaurantID int64, f EarningsFilter) ([]model.RestaurantEarning, error) {
	query := `SELECT id, restaurant_id, order_id, gross_cents, platform_fee_cents,
			payment_fee_cents, net_cents, platform_fee_bps, payment_fee_bps,
			status, available_at, created_at
		 FROM restaurant_earnings
		 WHERE restaurant_id = $1`
	args := []any{restaurantID}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select earnings: %w", err)
	}
	defer rows.Close()

	var res []model.RestaurantEarning
	for rows.Next() {
		var (
			e      model.RestaurantEarning
			status string
		)
		if err := rows.Scan(&e.ID, &e.RestaurantID, &e.OrderID, &e.GrossCents,
			&e.PlatformFeeCents, &e.PaymentFeeCents, &e.NetCents,
			&e.PlatformFeeBPS, &e.PaymentFeeBPS, &status, &e.AvailableAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		e.Status = model.EarningStatus(status)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// payoutEarning — строка доступного начисления при отборе в выплату.
type payoutEarning struct {
	ID        int64
	NetCents  int64
	CreatedAt time.Time
}

// selectPayoutEarnings жадно отбирает начисления в выплату, старые первыми.
// Начисление, не влезающее в остаток amountCents, пропускается, а отбор
// продолжается: в выплату могут войти более поздние мелкие начисления.
// amountCents = 0 забирает всё. Границы периода — created_at первого и
// последнего отобранного начисления.
func selectPayoutEarnings(earnings []payoutEarning, amountCents int64) (ids []int64, total int64, periodStart, periodEnd time.Time) {
	for _, e := range earnings {
		if amountCents > 0 && total+e.NetCents > amountCents {
			continue
		}
		if len(ids) == 0 {
			periodStart = e.CreatedAt
		}
		ids = append(ids, e.ID)
		total += e.NetCents
		periodEnd = e.CreatedAt
	}
	return ids, total, periodStart, periodEnd
}

// CreatePayout собирает выплату из доступных начислений ресторана.
// Начисления блокируются FOR UPDATE и потребляются жадно, старые первыми,
// пока накопленная сумма не превысит amountCents (0 — забрать всё).
// Вся выплата — одна транзакция: либо начисления помечены и выплата создана,
// либо ничего.
func (r *PostgresRepository) CreatePayout(ctx context.Context, restaurantID, amountCents int64, reference string) (*model.RestaurantPayout, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, net_cents, created_at
		 FROM restaurant_earnings
		 WHERE restaurant_id = $1 AND status = $2
		 ORDER BY created_at, id
		 FOR UPDATE`,
		restaurantID, string(model.EarningStatusAvailable),
	)
	if err != nil {
		return nil, fmt.Errorf("lock available earnings: %w", err)
	}

	var available []payoutEarning
	for rows.Next() {
		var e payoutEarning
		if err := rows.Scan(&e.ID, &e.NetCents, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan earning: %w", err)
		}
		available = append(available, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	ids, total, periodStart, periodEnd := selectPayoutEarnings(available, amountCents)
	if len(ids) == 0 || total == 0 {
		return nil, ErrInsufficientBalance
	}

	var p model.RestaurantPayout
	var status string
	err = tx.QueryRow(ctx,
		`INSERT INTO restaurant_payouts (restaurant_id, reference, amount_cents, status, period_start, period_end, earning_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, restaurant_id, reference, amount_cents, status, period_start, period_end, earning_count, created_at`,
		restaurantID, reference, total, string(model.PayoutStatusPending), periodStart, periodEnd, len(ids),
	).Scan(&p.ID, &p.RestaurantID, &p.Reference, &p.AmountCents, &status,
		&p.PeriodStart, &p.PeriodEnd, &p.EarningCount, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert payout: %w", err)
	}
	p.Status = model.PayoutStatus(status)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE restaurant_earnings
		 SET status = $1, payout_id = $2
		 WHERE id = ANY($3)`,
		string(model.EarningStatusPaidOut), p.ID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("mark earnings paid out: %w", err)
	}
	if int(cmdTag.RowsAffected()) != len(ids) {
		return nil, fmt.Errorf("marked %d earnings, want %d", cmdTag.RowsAffected(), len(ids))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &p, nil
}

// CancelPayout отменяет ожидающую выплату и возвращает её начисления в
// AVAILABLE. Выплаты в других статусах не отменяются.
func (r *PostgresRepository) CancelPayout(ctx context.Context, restaurantID, payoutID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE restaurant_payouts
		 SET status = $1, processed_at = now()
		 WHERE id = $2 AND restaurant_id = $3 AND status = $4`,
		string(model.PayoutStatusFailed), payoutID, restaurantID, string(model.PayoutStatusPending),
	)
	if err != nil {
		return fmt.Errorf("cancel payout: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}

	_, err = tx.Exec(ctx,
		`UPDATE restaurant_earnings
		 SET status = $1, payout_id = NULL
		 WHERE payout_id = $2`,
		string(model.EarningStatusAvailable), payoutID,
	)
	if err != nil {
		return fmt.Errorf("restore earnings: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// UpdatePayoutStatus завершает или проваливает выплату.
func (r *PostgresRepository) UpdatePayoutStatus(ctx context.Context, payoutID int64, status model.PayoutStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE restaurant_payouts
		 SET status = $1, processed_at = now()
		 WHERE id = $2 AND status = $3`,
		string(status), payoutID, string(model.PayoutStatusPending),
	)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

// ListPayouts возвращает выплаты ресторана, новые первыми.
func (r *PostgresRepository) ListPayouts(ctx context.Context, restaurantID int64, limit, offset int) ([]model.RestaurantPayout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, restaurant_id, reference, amount_cents, status,
			period_start, period_end, earning_count, created_at, processed_at
		 FROM restaurant_payouts
		 WHERE restaurant_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		restaurantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var res []model.RestaurantPayout
	for rows.Next() {
		var (
			p      model.RestaurantPayout
			status string
		)
		if err := rows.Scan(&p.ID, &p.RestaurantID, &p.Reference, &p.AmountCents, &status,
			&p.PeriodStart, &p.PeriodEnd, &p.EarningCount, &p.CreatedAt, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Status = model.PayoutStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateDriverEarning создаёт начисление курьеру. Для начислений за доставку
// уникальный индекс по order_id гарантирует одну запись на заказ; бонусы и
// чаевые к заказу не привязаны и ограничению не подлежат.
func (r *PostgresRepository) CreateDriverEarning(ctx context.Context, e *model.DriverEarning) (bool, error) {
	var inserted bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`INSERT INTO driver_earnings (courier_id, order_id, amount_cents, type, description)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (order_id) DO NOTHING`,
			e.CourierID, e.OrderID, e.AmountCents, string(e.Type), e.Description,
		)
		if err != nil {
			return fmt.Errorf("insert driver earning: %w", err)
		}
		inserted = cmdTag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// ListDriverEarnings возвращает начисления курьера с фильтрами по типу и периоду.
func (r *PostgresRepository) ListDriverEarnings(ctx context.Context, courierID int64, f EarningsFilter) ([]model.DriverEarning, error) {
	query := `SELECT id, courier_id, order_id, amount_cents, type, description, created_at
		 FROM driver_earnings
		 WHERE courier_id = $1`
	args := []any{courierID}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select driver earnings: %w", err)
	}
	defer rows.Close()

	var res []model.DriverEarning
	for rows.Next() {
		var (
			e   model.DriverEarning
			typ string
		)
		if err := rows.Scan(&e.ID, &e.CourierID, &e.OrderID, &e.AmountCents, &typ, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan driver earning: %w", err)
		}
		e.Type = model.DriverEarningType(typ)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DriverEarningsSummary возвращает агрегаты начислений курьера по типам.
func (r *PostgresRepository) DriverEarningsSummary(ctx context.Context, courierID int64) (*model.DriverEarningsSummary, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE type = 'DELIVERY'), 0),
			COALESCE(SUM(amount_cents) FILTER (WHERE type = 'BONUS'), 0),
			COALESCE(SUM(amount_cents) FILTER (WHERE type = 'TIP'), 0),
			COALESCE(SUM(amount_cents), 0),
			COUNT(*) FILTER (WHERE type = 'DELIVERY')
		 FROM driver_earnings
		 WHERE courier_id = $1`,
		courierID,
	)

	var s model.DriverEarningsSummary
	if err := row.Scan(&s.DeliveryCents, &s.BonusCents, &s.TipCents, &s.TotalCents, &s.Deliveries); err != nil {
		return nil, fmt.Errorf("driver earnings summary: %w", err)
	}
	return &s, nil
}

// DriverEarningsDaily возвращает дневные срезы заработка курьера за период.
func (r *PostgresRepository) DriverEarningsDaily(ctx context.Context, courierID int64, from, to time.Time) ([]model.DailyEarnings, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc('day', created_at) AS day,
			SUM(amount_cents),
			COUNT(*) FILTER (WHERE type = 'DELIVERY')
		 FROM driver_earnings
		 WHERE courier_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY day
		 ORDER BY day`,
		courierID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("select daily earnings: %w", err)
	}
	defer rows.Close()

	var res []model.DailyEarnings
	for rows.Next() {
		var d model.DailyEarnings
		if err := rows.Scan(&d.Day, &d.AmountCents, &d.Deliveries); err != nil {
			return nil, fmt.Errorf("scan daily earnings: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

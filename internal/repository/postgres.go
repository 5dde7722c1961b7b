// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/delivery-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrOrderNotFound возвращается, если заказ не найден.
var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderConflict возвращается, если охраняемое обновление статуса не
	// нашло строку в ожидаемом состоянии (конкурентное изменение).
	ErrOrderConflict = errors.New("order modified concurrently")
	// ErrCourierAlreadyAssigned возвращается, если доставку уже принял другой курьер.
	ErrCourierAlreadyAssigned = errors.New("delivery already taken")
	// ErrRestaurantNotFound возвращается, если ресторан не найден.
	ErrRestaurantNotFound = errors.New("restaurant not found")
	// ErrCourierNotFound возвращается, если курьер не найден.
	ErrCourierNotFound = errors.New("courier not found")
	// ErrAddressNotFound возвращается, если сохранённый адрес не найден у клиента.
	ErrAddressNotFound = errors.New("address not found")
	// ErrCardNotFound возвращается, если сохранённая карта не найдена у клиента.
	ErrCardNotFound = errors.New("card not found")
	// ErrInsufficientBalance возвращается при попытке вывести сумму, превышающую доступный остаток.
	ErrInsufficientBalance = errors.New("insufficient available balance")
	// ErrPayoutNotFound возвращается, если выплата не найдена или уже обработана.
	ErrPayoutNotFound = errors.New("payout not found")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// GetSetting возвращает значение платформенной настройки и признак её наличия.
func (r *PostgresRepository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

// SetSetting сохраняет значение платформенной настройки, увеличивая версию.
func (r *PostgresRepository) SetSetting(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2, version = settings.version + 1, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// GetRestaurant возвращает ресторан по идентификатору.
func (r *PostgresRepository) GetRestaurant(ctx context.Context, id int64) (*model.Restaurant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, city, is_open, min_order_cents, delivery_fee_cents, pix_key
		 FROM restaurants WHERE id = $1`,
		id,
	)

	var rest model.Restaurant
	err := row.Scan(&rest.ID, &rest.Name, &rest.City, &rest.IsOpen,
		&rest.MinOrderCents, &rest.DeliveryFeeCents, &rest.PixKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRestaurantNotFound
		}
		return nil, fmt.Errorf("get restaurant: %w", err)
	}

	return &rest, nil
}

// GetMenuItems возвращает позиции меню ресторана по списку идентификаторов.
func (r *PostgresRepository) GetMenuItems(ctx context.Context, restaurantID int64, ids []int64) ([]model.MenuItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, restaurant_id, name, price_cents, available
		 FROM menu_items
		 WHERE restaurant_id = $1 AND id = ANY($2)`,
		restaurantID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select menu items: %w", err)
	}
	defer rows.Close()

	var items []model.MenuItem
	for rows.Next() {
		var it model.MenuItem
		if err := rows.Scan(&it.ID, &it.RestaurantID, &it.Name, &it.PriceCents, &it.Available); err != nil {
			return nil, fmt.Errorf("scan menu item: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// GetCourier возвращает курьера по идентификатору.
func (r *PostgresRepository) GetCourier(ctx context.Context, id int64) (*model.Courier, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, is_online FROM couriers WHERE id = $1`,
		id,
	)

	var c model.Courier
	if err := row.Scan(&c.ID, &c.Name, &c.IsOnline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCourierNotFound
		}
		return nil, fmt.Errorf("get courier: %w", err)
	}

	return &c, nil
}

// GetSavedAddress возвращает сохранённый адрес клиента.
func (r *PostgresRepository) GetSavedAddress(ctx context.Context, customerID, addressID int64) (*model.Address, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT street, number, complement, district, city, state, zip_code
		 FROM customer_addresses
		 WHERE id = $1 AND customer_id = $2`,
		addressID, customerID,
	)

	var a model.Address
	err := row.Scan(&a.Street, &a.Number, &a.Complement, &a.District, &a.City, &a.State, &a.ZipCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAddressNotFound
		}
		return nil, fmt.Errorf("get address: %w", err)
	}

	return &a, nil
}

// GetCustomerEmail возвращает e-mail клиента для передачи платёжному провайдеру.
func (r *PostgresRepository) GetCustomerEmail(ctx context.Context, customerID int64) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx,
		`SELECT email FROM customers WHERE id = $1`,
		customerID,
	).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("customer %d not found", customerID)
		}
		return "", fmt.Errorf("get customer email: %w", err)
	}
	return email, nil
}

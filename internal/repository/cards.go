package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/delivery-system/internal/model"
)

// SaveCard сохраняет токенизированную карту клиента. Если карта помечена
// основной, признак снимается с остальных карт клиента в той же транзакции.
func (r *PostgresRepository) SaveCard(ctx context.Context, card *model.SavedCard) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if card.IsDefault {
		_, err = tx.Exec(ctx,
			`UPDATE saved_cards SET is_default = false WHERE customer_id = $1`,
			card.CustomerID,
		)
		if err != nil {
			return fmt.Errorf("reset default card: %w", err)
		}
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO saved_cards (
			customer_id, gateway, provider_card_id, provider_customer_id,
			last_four, brand, expiry_month, expiry_year, is_default
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (customer_id, gateway, provider_card_id) DO UPDATE
			SET last_four = $5, brand = $6, expiry_month = $7, expiry_year = $8
		 RETURNING id, created_at`,
		card.CustomerID, card.Gateway, card.ProviderCardID, card.ProviderCustomerID,
		card.LastFour, card.Brand, card.ExpiryMonth, card.ExpiryYear, card.IsDefault,
	).Scan(&card.ID, &card.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert saved card: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ListCards возвращает сохранённые карты клиента, основная первой.
func (r *PostgresRepository) ListCards(ctx context.Context, customerID int64) ([]model.SavedCard, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, customer_id, gateway, provider_card_id, provider_customer_id,
			last_four, brand, expiry_month, expiry_year, is_default, created_at
		 FROM saved_cards
		 WHERE customer_id = $1
		 ORDER BY is_default DESC, created_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select saved cards: %w", err)
	}
	defer rows.Close()

	var res []model.SavedCard
	for rows.Next() {
		var c model.SavedCard
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Gateway, &c.ProviderCardID,
			&c.ProviderCustomerID, &c.LastFour, &c.Brand,
			&c.ExpiryMonth, &c.ExpiryYear, &c.IsDefault, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan saved card: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetCard возвращает сохранённую карту клиента.
func (r *PostgresRepository) GetCard(ctx context.Context, customerID, cardID int64) (*model.SavedCard, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, customer_id, gateway, provider_card_id, provider_customer_id,
			last_four, brand, expiry_month, expiry_year, is_default, created_at
		 FROM saved_cards
		 WHERE id = $1 AND customer_id = $2`,
		cardID, customerID,
	)

	var c model.SavedCard
	err := row.Scan(&c.ID, &c.CustomerID, &c.Gateway, &c.ProviderCardID,
		&c.ProviderCustomerID, &c.LastFour, &c.Brand,
		&c.ExpiryMonth, &c.ExpiryYear, &c.IsDefault, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("get saved card: %w", err)
	}

	return &c, nil
}

// DeleteCard удаляет сохранённую карту клиента.
func (r *PostgresRepository) DeleteCard(ctx context.Context, customerID, cardID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM saved_cards WHERE id = $1 AND customer_id = $2`,
		cardID, customerID,
	)
	if err != nil {
		return fmt.Errorf("delete saved card: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCardNotFound
	}
	return nil
}

// SetDefaultCard делает карту основной, снимая признак с остальных карт клиента.
func (r *PostgresRepository) SetDefaultCard(ctx context.Context, customerID, cardID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE saved_cards SET is_default = false WHERE customer_id = $1`,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("reset default card: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE saved_cards SET is_default = true WHERE id = $1 AND customer_id = $2`,
		cardID, customerID,
	)
	if err != nil {
		return fmt.Errorf("set default card: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCardNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

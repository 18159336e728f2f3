package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/printaria/printaria-system/internal/model"
)

// CartLine is one cart item joined with its live product row, the shape
// checkout and cart reads work with.
type CartLine struct {
	ItemID      int64
	ProductID   int64
	ProductName string
	UnitPrice   int64
	Quantity    int32
	Stock       int32
	Active      bool
	WeightKg    float64
	HeightCm    float64
	WidthCm     float64
	LengthCm    float64
}

// GetOrCreateCart returns the user's cart, creating it on first access.
// The get-or-create runs inside the retryable serializable envelope to
// avoid duplicate-cart races; the unique index on user_id is the backstop.
func (r *PostgresRepository) GetOrCreateCart(ctx context.Context, userID int64) (*model.Cart, error) {
	var cart model.Cart

	err := r.withConflictRetry(ctx, func() error {
		return r.inSerializableTx(ctx, func(tx pgx.Tx) error {
			c, err := getOrCreateCartTx(ctx, tx, userID)
			if err != nil {
				return err
			}
			cart = *c
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

func getOrCreateCartTx(ctx context.Context, tx pgx.Tx, userID int64) (*model.Cart, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO carts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert cart: %w", err)
	}

	var c model.Cart
	err = tx.QueryRow(ctx,
		`SELECT id, user_id, last_updated FROM carts WHERE user_id = $1`,
		userID,
	).Scan(&c.ID, &c.UserID, &c.LastUpdated)
	if err != nil {
		return nil, fmt.Errorf("select cart: %w", err)
	}
	return &c, nil
}

func touchCartTx(ctx context.Context, tx pgx.Tx, cartID int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE carts SET last_updated = now() WHERE id = $1`,
		cartID,
	); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

// AddCartItem adds quantity of a product to the user's cart. The aggregated
// quantity (existing + new) must stay within maxPerItem and within live
// stock; both checks happen inside the serializable transaction.
func (r *PostgresRepository) AddCartItem(ctx context.Context, userID, productID int64, quantity, maxPerItem int32) error {
	return r.withConflictRetry(ctx, func() error {
		return r.inSerializableTx(ctx, func(tx pgx.Tx) error {
			cart, err := getOrCreateCartTx(ctx, tx, userID)
			if err != nil {
				return err
			}

			var (
				name   string
				stock  int32
				active bool
			)
			err = tx.QueryRow(ctx,
				`SELECT name, stock_quantity, active FROM products WHERE id = $1`,
				productID,
			).Scan(&name, &stock, &active)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrProductUnavailable
				}
				return fmt.Errorf("select product: %w", err)
			}
			if !active {
				return ErrProductUnavailable
			}

			var existing int32
			err = tx.QueryRow(ctx,
				`SELECT COALESCE(SUM(quantity), 0) FROM cart_items WHERE cart_id = $1 AND product_id = $2`,
				cart.ID, productID,
			).Scan(&existing)
			if err != nil {
				return fmt.Errorf("sum existing quantity: %w", err)
			}

			total := existing + quantity
			if total > maxPerItem {
				return ErrQuantityExceedsLimit
			}
			if total > stock {
				return &StockShortageError{Shortages: []StockShortage{{
					ProductID:   productID,
					ProductName: name,
					Requested:   total,
					Available:   stock,
				}}}
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO cart_items (cart_id, product_id, quantity) VALUES ($1, $2, $3)
				 ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
				cart.ID, productID, quantity,
			)
			if err != nil {
				return fmt.Errorf("upsert cart item: %w", err)
			}

			return touchCartTx(ctx, tx, cart.ID)
		})
	})
}

// UpdateCartItemQuantity replaces the quantity of one cart item, enforcing
// ownership, the per-item cap and live stock.
func (r *PostgresRepository) UpdateCartItemQuantity(ctx context.Context, userID, itemID int64, quantity, maxPerItem int32) error {
	return r.withConflictRetry(ctx, func() error {
		return r.inSerializableTx(ctx, func(tx pgx.Tx) error {
			var (
				cartID    int64
				productID int64
				name      string
				stock     int32
			)
			err := tx.QueryRow(ctx,
				`SELECT ci.cart_id, ci.product_id, p.name, p.stock_quantity
				 FROM cart_items ci
				 JOIN carts c ON c.id = ci.cart_id
				 JOIN products p ON p.id = ci.product_id
				 WHERE ci.id = $1 AND c.user_id = $2`,
				itemID, userID,
			).Scan(&cartID, &productID, &name, &stock)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrCartItemNotFound
				}
				return fmt.Errorf("select cart item: %w", err)
			}

			if quantity > maxPerItem {
				return ErrQuantityExceedsLimit
			}
			if quantity > stock {
				return &StockShortageError{Shortages: []StockShortage{{
					ProductID:   productID,
					ProductName: name,
					Requested:   quantity,
					Available:   stock,
				}}}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE cart_items SET quantity = $2 WHERE id = $1`,
				itemID, quantity,
			); err != nil {
				return fmt.Errorf("update cart item: %w", err)
			}

			return touchCartTx(ctx, tx, cartID)
		})
	})
}

// RemoveCartItem deletes one item from the user's cart.
func (r *PostgresRepository) RemoveCartItem(ctx context.Context, userID, itemID int64) error {
	return r.withConflictRetry(ctx, func() error {
		return r.inSerializableTx(ctx, func(tx pgx.Tx) error {
			var cartID int64
			err := tx.QueryRow(ctx,
				`DELETE FROM cart_items ci
				 USING carts c
				 WHERE ci.id = $1 AND ci.cart_id = c.id AND c.user_id = $2
				 RETURNING ci.cart_id`,
				itemID, userID,
			).Scan(&cartID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrCartItemNotFound
				}
				return fmt.Errorf("delete cart item: %w", err)
			}

			return touchCartTx(ctx, tx, cartID)
		})
	})
}

// GetCartLines returns the user's cart items joined with their products.
func (r *PostgresRepository) GetCartLines(ctx context.Context, userID int64) ([]CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ci.id, ci.product_id, p.name, p.price, ci.quantity,
		        p.stock_quantity, p.active, p.weight_kg, p.height_cm, p.width_cm, p.length_cm
		 FROM cart_items ci
		 JOIN carts c ON c.id = ci.cart_id
		 JOIN products p ON p.id = ci.product_id
		 WHERE c.user_id = $1
		 ORDER BY ci.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	var lines []CartLine
	for rows.Next() {
		var l CartLine
		if err := rows.Scan(&l.ItemID, &l.ProductID, &l.ProductName, &l.UnitPrice, &l.Quantity,
			&l.Stock, &l.Active, &l.WeightKg, &l.HeightCm, &l.WidthCm, &l.LengthCm); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

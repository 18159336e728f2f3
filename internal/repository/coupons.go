package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/printaria/printaria-system/internal/model"
)

// GetCouponByCode returns the coupon matching the code case-insensitively.
func (r *PostgresRepository) GetCouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	var c model.Coupon
	err := r.pool.QueryRow(ctx,
		`SELECT id, code, discount_percent, expires_at, active
		 FROM coupons WHERE lower(code) = lower($1)`,
		code,
	).Scan(&c.ID, &c.Code, &c.DiscountPercent, &c.ExpiresAt, &c.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("select coupon: %w", err)
	}
	return &c, nil
}

// HasCouponUsage reports whether the user already redeemed the code on any
// order. The unique (user_id, code) row inserted at order creation is the
// authoritative guard; this read exists for the early validation pass.
func (r *PostgresRepository) HasCouponUsage(ctx context.Context, userID int64, code string) (bool, error) {
	var used bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM coupon_usages WHERE user_id = $1 AND code = lower($2))`,
		userID, code,
	).Scan(&used)
	if err != nil {
		return false, fmt.Errorf("select coupon usage: %w", err)
	}
	return used, nil
}

// Package repository implements PostgreSQL storage for the order system.
//
// Every state-changing workflow runs inside a serializable transaction:
// the invariants here (stock never negative, a coupon spent at most once
// per user, a payment applied exactly once) cannot tolerate write skew.
// Cart operations additionally retry on serialization conflicts; all other
// workflows surface the conflict to the caller.
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
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrCartItemNotFound is returned when a cart item does not exist or
	// belongs to another user's cart.
	ErrCartItemNotFound = errors.New("cart item not found")
	// ErrProductUnavailable is returned when a product is missing or inactive.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrQuantityExceedsLimit is returned when the aggregated cart quantity
	// would exceed the per-item cap.
	ErrQuantityExceedsLimit = errors.New("quantity exceeds per-item limit")
	// ErrOrderNotFound is returned when no order matches the identifier.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCouponNotFound is returned when no coupon matches the code.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponAlreadyUsed is returned when the user already redeemed the code.
	ErrCouponAlreadyUsed = errors.New("coupon already used by this user")
	// ErrOrderNotPayable is returned when a payment arrives for an order that
	// is not waiting for one.
	ErrOrderNotPayable = errors.New("order is not awaiting payment")
	// ErrDuplicateTransaction is returned when the gateway transaction id is
	// already recorded on some order.
	ErrDuplicateTransaction = errors.New("gateway transaction already recorded")
	// ErrRefundAlreadyRequested is returned on a second refund request for
	// the same order.
	ErrRefundAlreadyRequested = errors.New("refund already requested")
	// ErrRefundNotAllowed is returned when the order status does not admit a
	// customer refund request.
	ErrRefundNotAllowed = errors.New("order status does not allow a refund request")
	// ErrSerializationConflict is returned after the bounded retry budget for
	// concurrent serializable transactions is exhausted.
	ErrSerializationConflict = errors.New("concurrent update conflict")
)

// StockShortage names one order line whose live stock no longer covers the
// ordered quantity.
type StockShortage struct {
	ProductID   int64
	ProductName string
	Requested   int32
	Available   int32
}

// StockShortageError aggregates every short line of an operation.
type StockShortageError struct {
	Shortages []StockShortage
}

func (e *StockShortageError) Error() string {
	names := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		names = append(names, s.ProductName)
	}
	return "insufficient stock: " + strings.Join(names, ", ")
}

// AmountMismatchError reports a gateway-declared payment amount that does
// not match the order total. Callers must treat it as a security incident.
type AmountMismatchError struct {
	OrderID     int64
	OrderNumber string
	UserID      int64
	Expected    int64
	Reported    int64
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount mismatch for order %d: expected %d, reported %d",
		e.OrderID, e.Expected, e.Reported)
}

// RefundFunc issues a gateway refund for the given amount in centavos.
// Repository methods invoke it inside the open transaction when the refund
// must be transactionally coupled to the status change; its failure rolls
// the whole transaction back.
type RefundFunc func(ctx context.Context, amountCents int64) error

const cartRetryAttempts = 3

// PostgresRepository provides access to the PostgreSQL storage.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates the repository and applies the embedded
// goose migrations.
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

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// isSerializationConflict reports whether the error is a serializable-abort
// or deadlock the transaction may be retried after.
func isSerializationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// inSerializableTx runs fn inside one serializable transaction. Any error
// rolls the transaction back; a serialization abort is mapped to
// ErrSerializationConflict so callers can classify it as transient.
func (r *PostgresRepository) inSerializableTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// withConflictRetry retries fn up to cartRetryAttempts times when it fails
// with a serialization conflict, then surfaces ErrSerializationConflict.
// Only cart operations use this envelope: retrying a payment confirmation
// or a refund silently would change its idempotency characteristics.
func (r *PostgresRepository) withConflictRetry(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(cartRetryAttempts-1, retry.NewConstant(25*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(); err != nil {
			if isSerializationConflict(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil && isSerializationConflict(err) {
		return fmt.Errorf("%w: %v", ErrSerializationConflict, err)
	}
	return err
}

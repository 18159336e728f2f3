package service

import (
	"context"

	"github.com/printaria/printaria-system/internal/model"
	"github.com/printaria/printaria-system/internal/repository"
)

// AddItem puts quantity of a product into the user's cart. The aggregated
// quantity check against the per-item cap and live stock runs inside the
// repository's retryable serializable transaction.
func (s *Service) AddItem(ctx context.Context, userID, productID int64, quantity int32) error {
	if quantity <= 0 || quantity > s.limits.MaxQuantityPerItem {
		return ErrQuantityOutOfRange
	}
	return s.repo.AddCartItem(ctx, userID, productID, quantity, s.limits.MaxQuantityPerItem)
}

// SetQuantity replaces the quantity of one cart item.
func (s *Service) SetQuantity(ctx context.Context, userID, itemID int64, quantity int32) error {
	if quantity <= 0 || quantity > s.limits.MaxQuantityPerItem {
		return ErrQuantityOutOfRange
	}
	return s.repo.UpdateCartItemQuantity(ctx, userID, itemID, quantity, s.limits.MaxQuantityPerItem)
}

// RemoveItem deletes one item from the user's cart.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID int64) error {
	return s.repo.RemoveCartItem(ctx, userID, itemID)
}

// GetCart returns the user's cart and its lines, creating the cart lazily
// on first access.
func (s *Service) GetCart(ctx context.Context, userID int64) (*model.Cart, []repository.CartLine, error) {
	cart, err := s.repo.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return cart, lines, nil
}

package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/models"
	"tokopay/internal/repositories"
	"tokopay/pkg/logger"
)

// PricedLine is a cart line joined with its live variant.
type PricedLine struct {
	VariantID   string
	ProductName string
	CategoryID  string
	Quantity    int
	UnitPrice   int64
}

// Subtotal is the undiscounted line amount.
func (l PricedLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// PricedCart is a cart priced at the current catalog prices.
type PricedCart struct {
	Cart     *models.Cart
	Lines    []PricedLine
	Subtotal int64
}

// CartAggregator prices carts and resolves their discounts.
type CartAggregator struct {
	carts     repositories.CartRepository
	variants  repositories.VariantRepository
	discounts repositories.DiscountRepository
	log       *zap.Logger
}

// NewCartAggregator creates a new CartAggregator.
func NewCartAggregator(carts repositories.CartRepository, variants repositories.VariantRepository,
	discounts repositories.DiscountRepository, log *zap.Logger) *CartAggregator {
	return &CartAggregator{
		carts:     carts,
		variants:  variants,
		discounts: discounts,
		log:       logger.OrNop(log).Named("cart"),
	}
}

// GetCart returns the cart of userID. A cart owned by someone else is reported as not found.
func (a *CartAggregator) GetCart(ctx context.Context, userID, cartID string) (*models.Cart, error) {
	cart, err := a.carts.GetByID(ctx, cartID)
	if err != nil {
		return nil, err
	}
	if cart.UserID != userID {
		return nil, fmt.Errorf("%w: cart with ID %s", apperrors.ErrCartNotFound, cartID)
	}
	return cart, nil
}

// Price joins the cart lines with live variants. Lines of the same variant are merged.
func (a *CartAggregator) Price(ctx context.Context, cart *models.Cart) (*PricedCart, error) {
	if cart == nil || cart.IsEmpty() {
		return nil, apperrors.ErrEmptyCart
	}

	quantities := make(map[string]int, len(cart.Items))
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity of variant %s must be positive", apperrors.ErrInvalidInput, item.VariantID)
		}
		quantities[item.VariantID] += item.Quantity
	}
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	variants, err := a.variants.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart variants: %w", err)
	}

	priced := &PricedCart{Cart: cart, Lines: make([]PricedLine, 0, len(ids))}
	for _, id := range ids {
		v, ok := variants[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrVariantNotFound, id)
		}
		line := PricedLine{
			VariantID:   id,
			ProductName: v.ProductName,
			CategoryID:  v.CategoryID,
			Quantity:    quantities[id],
			UnitPrice:   v.Price,
		}
		priced.Lines = append(priced.Lines, line)
		priced.Subtotal += line.Subtotal()
	}
	return priced, nil
}

// Variants returns the live variants among ids keyed by ID.
func (a *CartAggregator) Variants(ctx context.Context, ids []string) (map[string]models.Variant, error) {
	return a.variants.GetMany(ctx, ids)
}

// ApplyDiscount resolves code and evaluates it against the priced cart. An empty code
// means no adjustment.
func (a *CartAggregator) ApplyDiscount(ctx context.Context, priced *PricedCart, code string, now time.Time) (*PriceAdjustment, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, nil
	}
	rule, err := a.discounts.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	adj, err := EvaluateDiscount(rule, priced.Lines, now)
	if err != nil {
		a.log.Info("discount rejected", zap.String("code", code), zap.String("reason", apperrors.CodeOf(err)))
		return nil, err
	}
	return adj, nil
}

// ShippingQuoter prices delivery of an order.
type ShippingQuoter interface {
	Quote(addressID string, merchandiseTotal int64) int64
}

// FlatRateShipping charges Rate per order, nothing from FreeThreshold upwards (0 disables it).
type FlatRateShipping struct {
	Rate          int64
	FreeThreshold int64
}

// Quote returns the shipping cost for merchandiseTotal.
func (s FlatRateShipping) Quote(_ string, merchandiseTotal int64) int64 {
	if s.FreeThreshold > 0 && merchandiseTotal >= s.FreeThreshold {
		return 0
	}
	return s.Rate
}

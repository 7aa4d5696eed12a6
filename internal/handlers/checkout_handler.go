package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/middleware"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// CheckoutHandler handles HTTP requests that turn carts into payable orders.
type CheckoutHandler struct {
	checkout *services.CheckoutService
	validate *validator.Validate
	log      *zap.Logger
}

// NewCheckoutHandler creates a new CheckoutHandler.
func NewCheckoutHandler(checkout *services.CheckoutService, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		validate: validator.New(),
		log:      logger.OrNop(log).Named("checkout_handler"),
	}
}

// FinalizeRequest is the body of POST /checkout/finalize.
type FinalizeRequest struct {
	CartID    string `json:"cart_id" validate:"required"`
	AddressID string `json:"address_id" validate:"required"`
	Gateway   string `json:"gateway" validate:"required"`
	Mobile    string `json:"mobile" validate:"omitempty,numeric,min=10,max=13"`
}

// RegisterRoutes registers the checkout routes. The router must already require authentication.
func (h *CheckoutHandler) RegisterRoutes(router fiber.Router) {
	router.Post("/checkout/finalize", h.HandleFinalize)
}

// HandleFinalize creates the order for a cart and starts its payment.
func (h *CheckoutHandler) HandleFinalize(c *fiber.Ctx) error {
	claims, _ := middleware.ClaimsFrom(c)

	var req FinalizeRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}

	res, err := h.checkout.Finalize(c.UserContext(), services.FinalizeRequest{
		UserID:    claims.UserID,
		CartID:    req.CartID,
		AddressID: req.AddressID,
		Gateway:   req.Gateway,
		Mobile:    req.Mobile,
	})
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

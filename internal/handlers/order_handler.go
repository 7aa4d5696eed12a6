package handlers

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/middleware"
	"tokopay/internal/models"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// OrderHandler handles HTTP requests for orders.
type OrderHandler struct {
	ledger     *services.OrderLedger
	checkout   *services.CheckoutService
	reconciler *services.Reconciler
	validate   *validator.Validate
	log        *zap.Logger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(ledger *services.OrderLedger, checkout *services.CheckoutService, reconciler *services.Reconciler, log *zap.Logger) *OrderHandler {
	return &OrderHandler{
		ledger:     ledger,
		checkout:   checkout,
		reconciler: reconciler,
		validate:   validator.New(),
		log:        logger.OrNop(log).Named("order_handler"),
	}
}

// RegisterRoutes registers the order routes. The router must already require authentication;
// cancellation and status changes are limited to operators.
func (h *OrderHandler) RegisterRoutes(router fiber.Router) {
	orderRoutes := router.Group("/orders")
	orderRoutes.Get("/", h.HandleGetOrders)
	orderRoutes.Get("/:id", h.HandleGetOrderByID)
	orderRoutes.Get("/:id/transactions", h.HandleGetOrderTransactions)
	orderRoutes.Post("/:id/retry-payment", h.HandleRetryPayment)

	operator := middleware.RequireRole(services.RoleOperator)
	orderRoutes.Post("/:id/cancel", operator, h.HandleCancelOrder)
	orderRoutes.Patch("/:id/status", operator, h.HandleUpdateOrderStatus)
}

// HandleGetOrders lists the caller's orders.
func (h *OrderHandler) HandleGetOrders(c *fiber.Ctx) error {
	claims, _ := middleware.ClaimsFrom(c)
	orders, err := h.ledger.ListOrders(c.UserContext(), claims.UserID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(orders)
}

// visibleOrder loads an order the caller may see. Customers only see their own orders;
// anything else is reported as not found.
func (h *OrderHandler) visibleOrder(c *fiber.Ctx) (*models.Order, error) {
	claims, _ := middleware.ClaimsFrom(c)
	orderID := c.Params("id")
	order, err := h.ledger.GetOrder(c.UserContext(), orderID)
	if err != nil {
		return nil, err
	}
	if claims.Role != services.RoleOperator && order.UserID != claims.UserID {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
	}
	return order, nil
}

// HandleGetOrderByID retrieves a single order by its ID.
func (h *OrderHandler) HandleGetOrderByID(c *fiber.Ctx) error {
	order, err := h.visibleOrder(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(order)
}

// HandleGetOrderTransactions lists the payment attempts of an order.
func (h *OrderHandler) HandleGetOrderTransactions(c *fiber.Ctx) error {
	order, err := h.visibleOrder(c)
	if err != nil {
		return respondError(c, h.log, err)
	}
	txns, err := h.ledger.ListTransactions(c.UserContext(), order.ID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(txns)
}

// RetryPaymentRequest is the body of POST /orders/:id/retry-payment.
type RetryPaymentRequest struct {
	Gateway string `json:"gateway" validate:"required"`
	Mobile  string `json:"mobile" validate:"omitempty,numeric,min=10,max=13"`
}

// HandleRetryPayment starts a new payment attempt for an order whose last one failed.
func (h *OrderHandler) HandleRetryPayment(c *fiber.Ctx) error {
	claims, _ := middleware.ClaimsFrom(c)
	var req RetryPaymentRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}
	res, err := h.checkout.RetryPayment(c.UserContext(), claims.UserID, c.Params("id"), req.Gateway, req.Mobile)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// CancelOrderRequest is the body of POST /orders/:id/cancel.
type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

// HandleCancelOrder cancels an order and unwinds its payments.
func (h *OrderHandler) HandleCancelOrder(c *fiber.Ctx) error {
	var req CancelOrderRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}
	order, err := h.reconciler.CancelOrder(c.UserContext(), c.Params("id"), req.Reason)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(order)
}

// UpdateOrderStatusRequest is the body of PATCH /orders/:id/status.
type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// HandleUpdateOrderStatus moves a paid order through fulfilment.
func (h *OrderHandler) HandleUpdateOrderStatus(c *fiber.Ctx) error {
	orderID := c.Params("id")
	var req UpdateOrderStatusRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}

	status, ok := models.ParseOrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !ok {
		return respondError(c, h.log, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidInput, req.Status))
	}

	var order *models.Order
	var err error
	switch status {
	case models.OrderFulfilling:
		order, err = h.ledger.MarkFulfilling(c.UserContext(), orderID)
	case models.OrderCompleted:
		order, err = h.ledger.MarkCompleted(c.UserContext(), orderID)
	default:
		err = fmt.Errorf("%w: status %s cannot be set directly", apperrors.ErrInvalidInput, status)
	}
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(order)
}

package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/middleware"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// TransactionHandler exposes the operator actions on payment transactions.
type TransactionHandler struct {
	reconciler *services.Reconciler
	log        *zap.Logger
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(reconciler *services.Reconciler, log *zap.Logger) *TransactionHandler {
	return &TransactionHandler{
		reconciler: reconciler,
		log:        logger.OrNop(log).Named("transaction_handler"),
	}
}

// RegisterRoutes registers the operator routes. The router must already require authentication.
func (h *TransactionHandler) RegisterRoutes(router fiber.Router) {
	operator := middleware.RequireRole(services.RoleOperator)
	txns := router.Group("/transactions", operator)
	txns.Get("/:id/status", h.HandleInquireStatus)
	txns.Post("/:id/settle", h.action(h.reconciler.Settle))
	txns.Post("/:id/revert", h.action(h.reconciler.Revert))
	txns.Post("/:id/cancel", h.action(h.reconciler.Cancel))

	router.Post("/reconciliation/sweep", operator, h.HandleSweep)
}

// HandleInquireStatus reports the local and provider state of a transaction.
func (h *TransactionHandler) HandleInquireStatus(c *fiber.Ctx) error {
	report, err := h.reconciler.InquireStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(report)
}

func (h *TransactionHandler) action(run func(ctx context.Context, txnID string) (*services.Outcome, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		out, err := run(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, h.log, err)
		}
		status := fiber.StatusOK
		if out.Result == services.ResultPending {
			status = fiber.StatusAccepted
		}
		return c.Status(status).JSON(out)
	}
}

// HandleSweep runs one reconciliation sweep on demand.
func (h *TransactionHandler) HandleSweep(c *fiber.Ctx) error {
	report, err := h.reconciler.Sweep(c.UserContext())
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(report)
}

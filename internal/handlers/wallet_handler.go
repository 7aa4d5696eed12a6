package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/middleware"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// WalletHandler handles wallet balance and top-up requests.
type WalletHandler struct {
	wallets  *services.WalletService
	validate *validator.Validate
	log      *zap.Logger
}

// NewWalletHandler creates a new WalletHandler.
func NewWalletHandler(wallets *services.WalletService, log *zap.Logger) *WalletHandler {
	return &WalletHandler{
		wallets:  wallets,
		validate: validator.New(),
		log:      logger.OrNop(log).Named("wallet_handler"),
	}
}

// TopUpRequest is the body of POST /wallets/topup.
type TopUpRequest struct {
	Amount  int64  `json:"amount" validate:"required,gt=0"`
	Gateway string `json:"gateway" validate:"required"`
	Mobile  string `json:"mobile" validate:"omitempty,numeric,min=10,max=13"`
}

// RegisterRoutes registers the wallet routes. The router must already require authentication.
func (h *WalletHandler) RegisterRoutes(router fiber.Router) {
	wallets := router.Group("/wallets")
	wallets.Get("/me", h.HandleBalance)
	wallets.Post("/topup", h.HandleTopUp)
}

// HandleBalance returns the caller's wallet.
func (h *WalletHandler) HandleBalance(c *fiber.Ctx) error {
	claims, _ := middleware.ClaimsFrom(c)
	wallet, err := h.wallets.Balance(c.UserContext(), claims.UserID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(wallet)
}

// HandleTopUp starts a wallet top-up payment.
func (h *WalletHandler) HandleTopUp(c *fiber.Ctx) error {
	claims, _ := middleware.ClaimsFrom(c)
	var req TopUpRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}
	res, err := h.wallets.TopUp(c.UserContext(), claims.UserID, req.Amount, req.Gateway, req.Mobile)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

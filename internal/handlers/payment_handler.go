package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/apperrors"
	"tokopay/internal/gateways"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// PaymentHandler receives provider callbacks. Its routes are public: authenticity comes from
// the provider-issued token and the verification call, not from the caller.
type PaymentHandler struct {
	reconciler *services.Reconciler
	log        *zap.Logger
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(reconciler *services.Reconciler, log *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciler: reconciler,
		log:        logger.OrNop(log).Named("payment_handler"),
	}
}

// RegisterRoutes registers the callback routes. Banks post forms, BNPL providers and the
// wallet redirect with a query string.
func (h *PaymentHandler) RegisterRoutes(router fiber.Router) {
	payments := router.Group("/payments")
	payments.Get("/:gateway/callback", h.HandleCallback)
	payments.Post("/:gateway/callback", h.HandleCallback)
}

// HandleCallback normalizes the callback of a gateway and hands it to the reconciler.
func (h *PaymentHandler) HandleCallback(c *fiber.Ctx) error {
	gateway := c.Params("gateway")
	params, err := callbackParams(c)
	if err != nil {
		return respondError(c, h.log, err)
	}

	cb, err := gateways.DecodeCallback(gateway, params)
	if err != nil {
		return respondError(c, h.log, err)
	}
	env, err := gateways.Normalize(cb)
	if err != nil {
		return respondError(c, h.log, err)
	}

	out, err := h.reconciler.HandleCallback(c.UserContext(), env)
	if err != nil {
		return respondError(c, h.log, err)
	}
	status := fiber.StatusOK
	if out.Result == services.ResultPending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(out)
}

// callbackParams flattens query arguments, form fields and a flat JSON body into one map.
// Later sources win.
func callbackParams(c *fiber.Ctx) (map[string]string, error) {
	params := make(map[string]string)
	c.Context().QueryArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})
	if c.Method() != fiber.MethodPost {
		return params, nil
	}

	if c.Is("json") {
		body := c.Body()
		if len(bytes.TrimSpace(body)) == 0 {
			return params, nil
		}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var fields map[string]interface{}
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("%w: malformed callback body", apperrors.ErrInvalidInput)
		}
		for k, v := range fields {
			switch val := v.(type) {
			case string:
				params[k] = val
			case json.Number:
				params[k] = val.String()
			case bool:
				params[k] = fmt.Sprint(val)
			}
		}
		return params, nil
	}

	c.Request().PostArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})
	return params, nil
}

package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"tokopay/internal/middleware"
	"tokopay/internal/models"
	"tokopay/internal/services"
	"tokopay/pkg/logger"
)

// CatalogHandler handles HTTP requests for variants and their stock.
type CatalogHandler struct {
	catalog  *services.CatalogService
	validate *validator.Validate
	log      *zap.Logger
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(catalog *services.CatalogService, log *zap.Logger) *CatalogHandler {
	return &CatalogHandler{
		catalog:  catalog,
		validate: validator.New(),
		log:      logger.OrNop(log).Named("catalog_handler"),
	}
}

// CreateVariantRequest is the body of POST /variants.
type CreateVariantRequest struct {
	models.Variant
	Stock int `json:"stock" validate:"gte=0"`
}

// SetStockRequest is the body of PUT /variants/:id/stock.
type SetStockRequest struct {
	Count int `json:"count" validate:"gte=0"`
}

// RegisterRoutes registers the catalog routes. Reads are open to any authenticated caller,
// writes need the operator role.
func (h *CatalogHandler) RegisterRoutes(router fiber.Router) {
	variants := router.Group("/variants")
	variants.Get("/:id", h.HandleGetVariant)
	variants.Get("/:id/stock", h.HandleGetStock)

	operator := middleware.RequireRole(services.RoleOperator)
	variants.Post("/", operator, h.HandleCreateVariant)
	variants.Put("/:id", operator, h.HandleUpdateVariant)
	variants.Put("/:id/stock", operator, h.HandleSetStock)
}

// HandleGetVariant retrieves a single variant by its ID.
func (h *CatalogHandler) HandleGetVariant(c *fiber.Ctx) error {
	variant, err := h.catalog.GetVariant(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(variant)
}

// HandleGetStock returns the available count of a variant.
func (h *CatalogHandler) HandleGetStock(c *fiber.Ctx) error {
	rec, err := h.catalog.GetStock(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(rec)
}

// HandleCreateVariant creates a variant with its initial stock.
func (h *CatalogHandler) HandleCreateVariant(c *fiber.Ctx) error {
	var req CreateVariantRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}
	variant := req.Variant
	if err := h.catalog.CreateVariant(c.UserContext(), &variant, req.Stock); err != nil {
		return respondError(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(variant)
}

// HandleUpdateVariant changes the live price or name of a variant.
func (h *CatalogHandler) HandleUpdateVariant(c *fiber.Ctx) error {
	var variant models.Variant
	if err := parseBody(c, h.validate, &variant); err != nil {
		return respondError(c, h.log, err)
	}
	variant.ID = c.Params("id")
	if err := h.catalog.UpdateVariant(c.UserContext(), &variant); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(variant)
}

// HandleSetStock overwrites the available count of a variant.
func (h *CatalogHandler) HandleSetStock(c *fiber.Ctx) error {
	var req SetStockRequest
	if err := parseBody(c, h.validate, &req); err != nil {
		return respondError(c, h.log, err)
	}
	if err := h.catalog.SetStock(c.UserContext(), c.Params("id"), req.Count); err != nil {
		return respondError(c, h.log, err)
	}
	return c.JSON(fiber.Map{"variant_id": c.Params("id"), "count": req.Count})
}

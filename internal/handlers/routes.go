package handlers

import (
	"github.com/gofiber/fiber/v2"
)

// Set is every handler of the API.
type Set struct {
	Auth         *AuthHandler
	Catalog      *CatalogHandler
	Checkout     *CheckoutHandler
	Orders       *OrderHandler
	Payments     *PaymentHandler
	Transactions *TransactionHandler
	Wallets      *WalletHandler
}

// Mount registers the routes of s under api. Provider callbacks stay public; everything
// else runs behind auth.
func (s Set) Mount(api fiber.Router, auth fiber.Handler) {
	s.Payments.RegisterRoutes(api)

	protected := api.Group("", auth)
	s.Auth.RegisterRoutes(protected)
	s.Catalog.RegisterRoutes(protected)
	s.Checkout.RegisterRoutes(protected)
	s.Orders.RegisterRoutes(protected)
	s.Wallets.RegisterRoutes(protected)
	s.Transactions.RegisterRoutes(protected)
}

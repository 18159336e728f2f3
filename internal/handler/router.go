package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/printaria/printaria-system/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware of the storefront API.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	// The webhook is authenticated by its body signature, not a cookie.
	r.Post("/api/webhooks/payment", h.PaymentWebhook)

	r.Route("/api/user", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Get("/cart", h.GetCart)
		r.Post("/cart/items", h.AddCartItem)
		r.Put("/cart/items/{itemID}", h.UpdateCartItem)
		r.Delete("/cart/items/{itemID}", h.RemoveCartItem)

		r.Post("/orders", h.Checkout)
		r.Get("/orders", h.GetOrders)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Post("/orders/{orderID}/refund", h.RequestRefund)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)
		r.Use(h.authMiddleware.RequireAdmin)

		r.Put("/orders/{orderID}", h.UpdateOrder)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

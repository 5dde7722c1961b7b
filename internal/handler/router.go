package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/delivery-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware маркетплейса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	// Вебхуки провайдеров аутентифицируются подписью, не cookie.
	r.Post("/api/webhooks/{provider}", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/{id}", h.GetOrder)
			r.Get("/{id}/tracking", h.GetTracking)
			r.Post("/{id}/status", h.UpdateStatus)
			r.Post("/{id}/pay", h.Pay)
		})

		r.With(custommiddleware.RequireRole(custommiddleware.RoleCourier)).
			Post("/api/deliveries/{id}/accept", h.AcceptDelivery)

		r.Get("/api/payments/methods", h.PaymentMethods)

		r.Route("/api/cards", func(r chi.Router) {
			r.Get("/", h.ListCards)
			r.Post("/", h.SaveCard)
			r.Delete("/{id}", h.DeleteCard)
			r.Post("/{id}/default", h.SetDefaultCard)
		})

		r.Route("/api/restaurants/{id}", func(r chi.Router) {
			r.Get("/orders", h.RestaurantOrders)
			r.Get("/earnings", h.RestaurantEarnings)
			r.Get("/earnings/summary", h.RestaurantEarningsSummary)
			r.Get("/balance", h.RestaurantBalance)
			r.Post("/payouts", h.RequestPayout)
			r.Get("/payouts", h.ListPayouts)
			r.Post("/payouts/{payoutID}/cancel", h.CancelPayout)
		})

		r.Route("/api/couriers/{id}", func(r chi.Router) {
			r.Get("/earnings", h.CourierEarnings)
			r.Get("/earnings/summary", h.CourierEarningsSummary)
			r.Get("/earnings/daily", h.CourierEarningsDaily)

			r.Group(func(r chi.Router) {
				r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))
				r.Post("/bonus", h.AddCourierBonus)
				r.Post("/tip", h.AddCourierTip)
			})
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireRole(custommiddleware.RoleAdmin))

			r.Put("/settings/{key}", h.UpdateSetting)
			r.Post("/settlement/backfill", h.BackfillEarnings)
			r.Post("/orders/{id}/refund", h.RefundOrder)
			r.Post("/payouts/{payoutID}/complete", h.CompletePayout)
			r.Post("/payouts/{payoutID}/fail", h.FailPayout)
		})

		r.Get("/ws", h.ServeWS)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

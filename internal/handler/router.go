package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/artgen-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса artgen.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.GetOrders)

			r.Get("/balance", h.GetBalance)
			r.Get("/credits", h.GetCredits)

			r.Post("/tasks", h.CreateTask)
			r.Get("/tasks/{taskNo}", h.GetTask)
		})
	})

	r.Route("/api/payment", func(r chi.Router) {
		r.Post("/webhook", h.PaymentWebhook)
		r.Get("/callback", h.PaymentCallback)
	})

	r.Post("/api/provider/webhook", h.ProviderWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/anonymous", h.SignInAnonymous)
			r.Post("/custom", h.SignInCustom)
			r.Post("/refresh", h.RefreshToken)
		})

		// Collection routes take the collection path as the wildcard.
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.auth))
			r.Get("/documents/*", h.ListDocuments)
			r.Post("/documents/*", h.CreateDocument)
			r.Get("/document/*", h.GetDocument)
			r.Get("/listen/*", h.Listen)
		})
	})

	return r
}

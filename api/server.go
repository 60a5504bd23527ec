/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Wires URLs to handlers. chi provides routing and the standard middleware;
  authentication and role checks come from auth.go.

MIDDLEWARE STACK:
  1. RequestID:  unique id per request, echoed in logs
  2. RealIP:     client address behind a proxy
  3. Logger:     one structured log line per request
  4. Recoverer:  panic becomes 500 instead of a crash
  5. CORS:       configured origins only

ROUTE GROUPS:
  /healthz         unauthenticated
  /api/*           bearer token required
  /api/admin/*     bearer token with role admin
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", h.CreateRequest)
			r.Get("/preview", h.PreviewRequest)
			r.Get("/{id}", h.GetRequest)
			r.Post("/{id}/withdraw", h.WithdrawRequest)
		})

		r.Route("/me", func(r chi.Router) {
			r.Get("/balances", h.MyBalances)
			r.Get("/requests", h.MyRequests)
			r.Get("/history", h.MyHistory)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/requests/pending", h.ListPendingRequests)
			r.Post("/requests/{id}/approve", h.ApproveRequest)
			r.Post("/requests/{id}/reject", h.RejectRequest)

			r.Post("/adjustments", h.CreateAdjustment)
			r.Post("/topups", h.CreateTopUp)

			r.Route("/users/{id}", func(r chi.Router) {
				r.Delete("/", h.RemoveUser)
				r.Get("/overdraft", h.GetOverdraft)
				r.Put("/overdraft", h.SetOverdraft)
				r.Get("/history", h.UserHistory)
			})

			r.Get("/accounts", h.ListAccounts)
			r.Get("/export.csv", h.ExportCSV)
			r.Get("/audits", h.ListAuditRuns)
		})
	})

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/numrent/numrent/internal/admin"
	"github.com/numrent/numrent/internal/gateway"
	httpmiddleware "github.com/numrent/numrent/internal/http/middleware"
	"github.com/numrent/numrent/internal/reservation"
	"github.com/numrent/numrent/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	ReservationHandler *reservation.Handler
	GatewayWebhook     *gateway.WebhookHandler
	AdminHandler       *admin.Handler
	AdminStats         *admin.StatsHandler
	AdminAuthSecret    string
	MetricsHandler     http.Handler
	HealthCheck        http.HandlerFunc
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (health check, metrics)
	r.Group(func(public chi.Router) {
		if cfg.HealthCheck != nil {
			public.Get("/healthz", cfg.HealthCheck)
		} else {
			public.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	r.Route("/v1", func(v1 chi.Router) {
		// Gateway webhook authenticates itself with the HMAC signature.
		if cfg.GatewayWebhook != nil {
			v1.Post("/gateway/messages", cfg.GatewayWebhook.Handle)
		}

		// Reservation API
		if cfg.ReservationHandler != nil {
			v1.Route("/reservations", func(res chi.Router) {
				res.Post("/", cfg.ReservationHandler.Create)
				res.Get("/{id}", cfg.ReservationHandler.Status)
				res.Post("/{id}/change-number", cfg.ReservationHandler.ChangeNumber)
				res.Post("/{id}/cancel", cfg.ReservationHandler.Cancel)
				res.Post("/{id}/change-country", cfg.ReservationHandler.ChangeCountry)
			})
			v1.Get("/services", cfg.ReservationHandler.ListServices)
			v1.Get("/services/{id}/countries", cfg.ReservationHandler.ListCountries)
			v1.Get("/users/{externalID}/reservations", cfg.ReservationHandler.ListUserReservations)
		}

		// Admin routes (protected by JWT)
		if cfg.AdminAuthSecret != "" && (cfg.AdminHandler != nil || cfg.AdminStats != nil) {
			v1.Route("/admin", func(adm chi.Router) {
				adm.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
				if cfg.AdminHandler != nil {
					adm.Post("/maintenance", cfg.AdminHandler.SetMaintenance)
					adm.Post("/cleanup", cfg.AdminHandler.SetCleanup)
					adm.Post("/orphans/reprocess", cfg.AdminHandler.ReprocessOrphans)
				}
				if cfg.AdminStats != nil {
					adm.Get("/stats", cfg.AdminStats.Get)
				}
			})
		}
	})

	return r
}

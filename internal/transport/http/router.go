package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"tablealert/internal/handler"
	"tablealert/internal/httputil"
	"tablealert/internal/metrics"
	authmw "tablealert/internal/transport/http/middleware"
)

// RouterConfig holds the dependencies needed to create routes
type RouterConfig struct {
	DeviceHandler  *handler.DeviceHandler
	BookingHandler *handler.BookingHandler
	IntentHandler  *handler.IntentHandler
	FeedHandler    *handler.FeedHandler
	JWTSecret      string
	Log            logrus.FieldLogger
}

// NewRouter creates and configures a new Chi router with all route groups
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(authmw.RequestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authmw.AuthMiddleware(cfg.JWTSecret))

		// Long-lived; must stay outside the request timeout below
		r.Get("/feed", cfg.FeedHandler.Subscribe)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/devices", func(r chi.Router) {
				r.Post("/", cfg.DeviceHandler.Register)
				r.Get("/", cfg.DeviceHandler.List)
				r.Delete("/{deviceId}", cfg.DeviceHandler.Remove)
			})

			r.Route("/bookings", func(r chi.Router) {
				r.Post("/", cfg.BookingHandler.Create)
				r.Get("/", cfg.BookingHandler.List)
				r.Get("/{id}", cfg.BookingHandler.Get)
				r.Patch("/{id}", cfg.BookingHandler.Modify)
				r.Post("/{id}/status", cfg.BookingHandler.UpdateStatus)
				r.Post("/{id}/alerts/stop", cfg.BookingHandler.StopAlerts)
				r.Get("/{id}/timeline", cfg.BookingHandler.Timeline)
				r.Post("/{id}/timeline/archive", cfg.BookingHandler.ArchiveTimeline)
			})

			r.Route("/intents", func(r chi.Router) {
				r.Post("/", cfg.IntentHandler.Enqueue)
				r.Get("/", cfg.IntentHandler.List)
			})
		})
	})

	return r
}

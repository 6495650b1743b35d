package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
)

// PushDelivery is what the platform push bridge posts to /push.
type PushDelivery struct {
	Title string        `json:"title,omitempty"`
	Body  string        `json:"body,omitempty"`
	Data  model.Payload `json:"data"`
}

type resolveRequest struct {
	Note *string `json:"note,omitempty"`
}

// Router serves the agent's loopback API:
//
//	POST /push                      push payload intake
//	POST /bookings/{id}/accept      local accept
//	POST /bookings/{id}/decline     local decline
//	GET  /alerts                    active alerts
//	GET  /health                    alert path health
func (a *Agent) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/push", func(w http.ResponseWriter, r *http.Request) {
		var push PushDelivery
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&push); err != nil {
			httputil.WriteBadRequest(w, "Invalid push payload")
			return
		}
		a.HandlePush(push.Data)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/bookings/{id}/accept", a.resolveHandler(model.BookingStatusConfirmed))
	r.Post("/bookings/{id}/decline", a.resolveHandler(model.BookingStatusDeclined))

	r.Get("/alerts", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": a.registry.Active()})
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, a.registry.Health())
	})
	return r
}

func (a *Agent) resolveHandler(status model.BookingStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
				httputil.WriteBadRequest(w, "Invalid request body")
				return
			}
		}
		a.Resolve(chi.URLParam(r, "id"), status, req.Note)
		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": string(status)})
	}
}

// Serve runs the loopback API until ctx ends.
func (a *Agent) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddress,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.WithField("addr", srv.Addr).Info("Agent API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

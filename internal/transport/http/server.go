package http

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/app"
	"tablealert/internal/handler"
)

const shutdownTimeout = 15 * time.Second

// NewHandler builds the API handler tree for a.
func NewHandler(a *app.App) stdhttp.Handler {
	return NewRouter(RouterConfig{
		DeviceHandler:  handler.NewDeviceHandler(a.Devices, a.Log),
		BookingHandler: handler.NewBookingHandler(a.Bookings, a.Log),
		IntentHandler:  handler.NewIntentHandler(a.Intents, a.Log),
		FeedHandler:    handler.NewFeedHandler(a.Hub, a.Log),
		JWTSecret:      a.Config.JWTSecret,
		Log:            a.Log,
	})
}

// Run starts background work, serves the API and shuts everything down
// when ctx is cancelled.
func Run(ctx context.Context, a *app.App) error {
	if a.Config.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	srv := &stdhttp.Server{
		Addr:              ":" + a.Config.ServerPort,
		Handler:           NewHandler(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Log.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown
	a.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.WithError(err).WithFields(logrus.Fields{"addr": srv.Addr}).Warn("Graceful shutdown incomplete")
		return err
	}
	return nil
}

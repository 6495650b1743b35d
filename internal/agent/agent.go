// Package agent is the device-side runtime: it watches the restaurant's
// bookings and keeps the local alert running until someone acts.
package agent

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/alert"
	"tablealert/internal/model"
	"tablealert/internal/queue"
)

const actionTimeout = 10 * time.Second

// API is the part of alertd the agent calls.
type API interface {
	ListPending(ctx context.Context) ([]model.Booking, error)
	UpdateStatus(ctx context.Context, bookingID string, status model.BookingStatus, note *string) (*model.Booking, error)
	StopAlerts(ctx context.Context, bookingID string) error
	RegisterDevice(ctx context.Context, req model.RegisterDeviceRequest) error
}

type Config struct {
	Device        model.RegisterDeviceRequest
	PollInterval  time.Duration
	HealthCheck   time.Duration
	ListenAddress string
}

// Agent funnels every stop trigger (local action, push payload, feed
// change) into the same idempotent registry call.
type Agent struct {
	api        API
	registry   *alert.Registry
	reconciler *alert.Reconciler
	cfg        Config
	log        logrus.FieldLogger

	syncMu sync.Mutex // one snapshot fetch at a time
	wg     sync.WaitGroup
}

func New(api API, registry *alert.Registry, cfg Config, log logrus.FieldLogger) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.HealthCheck <= 0 {
		cfg.HealthCheck = time.Minute
	}
	log = log.WithField("component", "agent")
	return &Agent{
		api:        api,
		registry:   registry,
		reconciler: alert.NewReconciler(registry, log),
		cfg:        cfg,
		log:        log,
	}
}

// Run registers the device, then polls snapshots and watches health until
// ctx ends. The change feed subscriber, when used, runs alongside.
func (a *Agent) Run(ctx context.Context) {
	a.background(func(ctx context.Context) {
		if err := a.api.RegisterDevice(ctx, a.cfg.Device); err != nil {
			a.log.WithError(err).Warn("Device registration failed")
			return
		}
		a.log.WithField("device_id", a.cfg.Device.DeviceID).Info("Device registered")
	})

	a.Sync(ctx)

	poll := time.NewTicker(a.cfg.PollInterval)
	defer poll.Stop()
	health := time.NewTicker(a.cfg.HealthCheck)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return
		case <-poll.C:
			a.Sync(ctx)
		case <-health.C:
			a.CheckHealth()
		}
	}
}

// Sync fetches a fresh snapshot and reconciles it. Fetch errors are logged;
// the previous baseline is kept.
func (a *Agent) Sync(ctx context.Context) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()
	bookings, err := a.api.ListPending(ctx)
	if err != nil {
		a.log.WithError(err).Warn("Booking snapshot failed")
		return
	}
	a.reconciler.Apply(bookings)
}

// HandleEvent applies a change-feed event.
func (a *Agent) HandleEvent(event queue.BookingEvent) {
	a.log.WithFields(logrus.Fields{
		"booking_id": event.BookingID,
		"type":       event.Type,
		"status":     event.Status,
	}).Debug("Booking change received")
	a.reconciler.ApplyChange(event.Booking())
}

// HandlePush applies a push payload. A payload for a resolved booking stops
// its alert; a new-booking payload starts one.
func (a *Agent) HandlePush(data model.Payload) {
	bookingID := data[model.PayloadBookingID]
	if bookingID == "" {
		return
	}
	status := model.BookingStatus(data[model.PayloadBookingStatus])
	log := a.log.WithFields(logrus.Fields{"booking_id": bookingID, "status": status, "kind": data[model.PayloadKind]})

	if status.IsHandled() {
		a.reconciler.ApplyChange(model.Booking{ID: bookingID, Status: status})
		log.Info("Push reported booking resolved")
		return
	}
	if status != model.BookingStatusPending {
		return
	}
	partySize, _ := strconv.Atoi(data[model.PayloadPartySize])
	bookingTime, _ := time.Parse(time.RFC3339, data[model.PayloadBookingTime])
	b := model.Booking{
		ID:          bookingID,
		GuestName:   data[model.PayloadGuestName],
		PartySize:   partySize,
		BookingTime: bookingTime,
		Status:      status,
	}
	// Tracked so a later snapshot can stop it if the payload was stale
	if a.reconciler.Track(b) {
		log.Info("Push started alert")
	}
}

// Resolve is the local accept/decline path. The alert stops immediately;
// the server is told in the background so its repeat chain ends too.
func (a *Agent) Resolve(bookingID string, status model.BookingStatus, note *string) {
	a.registry.Stop(bookingID)

	a.background(func(ctx context.Context) {
		log := a.log.WithFields(logrus.Fields{"booking_id": bookingID, "status": status})
		if _, err := a.api.UpdateStatus(ctx, bookingID, status, note); err != nil {
			log.WithError(err).Error("Booking status update failed")
		}
		if err := a.api.StopAlerts(ctx, bookingID); err != nil {
			log.WithError(err).Error("Server-side stop failed, repeats may continue")
			return
		}
		log.Info("Booking resolved")
	})
}

// CheckHealth logs a warning while the alert path is degraded.
func (a *Agent) CheckHealth() alert.Health {
	h := a.registry.Health()
	if h.Degraded {
		a.log.WithFields(logrus.Fields{
			"active":  h.ActiveAlertCount,
			"channel": h.CurrentFallbackChannel,
			"error":   h.LastError,
		}).Warn(h.Advice)
	}
	return h
}

// Wait blocks until background calls finish.
func (a *Agent) Wait() {
	a.wg.Wait()
}

func (a *Agent) background(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		fn(ctx)
	}()
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tablealert/internal/metrics"
	"tablealert/internal/model"
	"tablealert/internal/push"
	"tablealert/internal/repository"
)

const (
	// DefaultBatchSize is how many intents one pass claims.
	DefaultBatchSize = 50

	// DefaultClaimTTL bounds how long a crashed run keeps rows leased.
	DefaultClaimTTL = 2 * time.Minute

	reasonBookingHandled = "booking no longer pending"
)

type Config struct {
	BatchSize   int
	ClaimTTL    time.Duration
	Sound       string
	ChannelHint string
}

// Summary counts what one pass did.
type Summary struct {
	RunID           string `json:"run_id"`
	Claimed         int    `json:"claimed"`
	Sent            int    `json:"sent"`
	Skipped         int    `json:"skipped"`
	Retried         int    `json:"retried"`
	Failed          int    `json:"failed"`
	Stale           int    `json:"stale"`
	RepeatsCreated  int    `json:"repeats_created"`
	RepeatsStopped  int    `json:"repeats_stopped"`
	DevicesDisabled int    `json:"devices_disabled"`
}

// Worker drains the outbox. It holds no state between passes; overlapping
// passes are safe because every transition is conditional on the row's claim.
type Worker struct {
	intents  repository.IntentRepository
	devices  repository.DeviceRepository
	logs     repository.DeliveryLogRepository
	bookings repository.BookingRepository
	provider push.Provider
	cfg      Config
	now      func() time.Time
	newID    func() string
	log      logrus.FieldLogger
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func New(store *repository.Store, provider push.Provider, cfg Config, log logrus.FieldLogger, opts ...Option) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	w := &Worker{
		intents:  store.Intents,
		devices:  store.Devices,
		logs:     store.Logs,
		bookings: store.Bookings,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		log:      log.WithField("component", "worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce performs one pass: deliver due intents, then spawn and deliver
// repeat children. Per-intent failures are recorded on the row and logged;
// only a failure to read the queue is returned.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() { metrics.WorkerPassDuration.Observe(time.Since(start).Seconds()) }()

	sum := Summary{RunID: w.newID()}
	log := w.log.WithField("run_id", sum.RunID)

	now := w.now()
	due, err := w.intents.ClaimDue(ctx, sum.RunID, now, now.Add(w.cfg.ClaimTTL), w.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("claim due intents: %w", err)
	}
	sum.Claimed = len(due)
	for i := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		w.deliver(ctx, sum.RunID, &due[i], &sum)
	}

	if err := w.repeat(ctx, sum.RunID, &sum); err != nil {
		return sum, err
	}

	log.WithFields(logrus.Fields{
		"claimed":          sum.Claimed,
		"sent":             sum.Sent,
		"skipped":          sum.Skipped,
		"retried":          sum.Retried,
		"failed":           sum.Failed,
		"repeats_created":  sum.RepeatsCreated,
		"devices_disabled": sum.DevicesDisabled,
		"duration":         time.Since(start),
	}).Info("Worker pass complete")
	return sum, nil
}

// deliver sends one claimed intent to every enabled address and settles its status.
func (w *Worker) deliver(ctx context.Context, runID string, intent *model.AlertIntent, sum *Summary) {
	log := w.log.WithFields(logrus.Fields{
		"run_id":        runID,
		"intent_id":     intent.ID,
		"booking_id":    intent.BookingRef(),
		"restaurant_id": intent.RestaurantID,
		"attempts":      intent.Attempts,
	})

	if w.resolved(ctx, intent, log) {
		if err := w.intents.MarkSkipped(ctx, intent.ID, runID, reasonBookingHandled); err != nil {
			w.stale(err, sum, log)
			return
		}
		sum.Skipped++
		metrics.IntentsProcessed.WithLabelValues("skipped").Inc()
		log.Info("Intent skipped: booking no longer pending")
		return
	}

	devices, err := w.recipients(ctx, intent)
	if err != nil {
		log.WithError(err).Warn("Resolve recipients failed")
		w.fail(ctx, runID, intent, "resolve recipients: "+err.Error(), sum, log)
		return
	}
	if len(devices) == 0 {
		if err := w.intents.MarkSkipped(ctx, intent.ID, runID, model.ErrNoRecipients.Error()); err != nil {
			w.stale(err, sum, log)
			return
		}
		sum.Skipped++
		metrics.IntentsProcessed.WithLabelValues("skipped").Inc()
		log.Warn("Intent skipped: no enabled devices")
		return
	}

	messages := make([]push.Message, len(devices))
	for i, d := range devices {
		messages[i] = w.message(intent, d.PushAddress)
	}

	receipts, err := w.provider.Send(ctx, messages)
	if err != nil {
		log.WithError(err).Warn("Push batch rejected")
		receipts = nil
	}

	okCount, failCount := 0, 0
	var failures []string
	for i, d := range devices {
		r := receiptAt(receipts, i, d.PushAddress, err)
		w.record(ctx, intent, d, r, log)
		if r.Err == nil {
			okCount++
			continue
		}
		failCount++
		failures = append(failures, fmt.Sprintf("%s: %v", d.DeviceID, r.Err))
		if push.IsPermanent(r.Err) {
			w.disable(ctx, d, r.Err, sum, log)
		}
	}

	if okCount > 0 && failCount == 0 {
		if err := w.intents.MarkSent(ctx, intent.ID, runID, w.now()); err != nil {
			w.stale(err, sum, log)
			return
		}
		sum.Sent++
		metrics.IntentsProcessed.WithLabelValues("sent").Inc()
		log.WithField("devices", okCount).Info("Intent sent")
		return
	}

	reason := fmt.Sprintf("%d/%d deliveries failed: %s", failCount, len(devices), strings.Join(failures, "; "))
	w.fail(ctx, runID, intent, reason, sum, log)
}

// recipients returns enabled devices, narrowed to the intent's target list when set.
func (w *Worker) recipients(ctx context.Context, intent *model.AlertIntent) ([]model.DeviceAddress, error) {
	devices, err := w.devices.ListEnabled(ctx, intent.RestaurantID)
	if err != nil {
		return nil, err
	}
	if len(intent.TargetAddresses) == 0 {
		return devices, nil
	}
	wanted := make(map[string]struct{}, len(intent.TargetAddresses))
	for _, a := range intent.TargetAddresses {
		wanted[a] = struct{}{}
	}
	filtered := devices[:0]
	for _, d := range devices {
		if _, ok := wanted[d.PushAddress]; ok {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (w *Worker) message(intent *model.AlertIntent, address string) push.Message {
	data := intent.Payload.Clone()
	data[model.PayloadIntentID] = intent.ID
	data[model.PayloadKind] = string(intent.Kind)
	data[model.PayloadRestaurantID] = intent.RestaurantID
	if intent.BookingID != nil {
		data[model.PayloadBookingID] = *intent.BookingID
	}
	data[model.PayloadChannel] = w.cfg.ChannelHint
	sound := w.cfg.Sound
	if !intent.Kind.StartsAlert() && intent.Kind != model.IntentKindGeneric {
		sound = ""
	}
	return push.Message{
		Address:     address,
		Sound:       sound,
		Title:       intent.Title,
		Body:        intent.Body,
		Data:        data,
		Priority:    intent.Priority,
		ChannelHint: w.cfg.ChannelHint,
	}
}

// receiptAt tolerates providers that return fewer receipts than messages.
func receiptAt(receipts []push.Receipt, i int, address string, batchErr error) push.Receipt {
	if i < len(receipts) {
		return receipts[i]
	}
	err := batchErr
	if err == nil {
		err = errors.New("provider returned no receipt")
	}
	return push.Receipt{
		Address: address,
		Err:     &push.DeliveryError{Code: push.CodeTransport, Message: err.Error()},
		Raw:     err.Error(),
	}
}

func (w *Worker) record(ctx context.Context, intent *model.AlertIntent, d model.DeviceAddress, r push.Receipt, log logrus.FieldLogger) {
	entry := &model.DeliveryLogEntry{
		ID:          w.newID(),
		IntentID:    intent.ID,
		DeviceID:    d.DeviceID,
		PushAddress: d.PushAddress,
		Status:      model.DeliveryStatusOK,
		RawResponse: r.Raw,
		CreatedAt:   w.now(),
	}
	status := "ok"
	if r.Err != nil {
		msg := r.Err.Error()
		entry.Status = model.DeliveryStatusError
		entry.Error = &msg
		status = "error"
	} else if r.ReceiptID != "" {
		id := r.ReceiptID
		entry.ProviderReceiptID = &id
	}
	metrics.PushMessages.WithLabelValues(w.provider.Name(), status).Inc()

	if err := w.logs.Append(ctx, entry); err != nil {
		log.WithError(err).WithField("device_id", d.DeviceID).Error("Append delivery log failed")
	}
}

func (w *Worker) disable(ctx context.Context, d model.DeviceAddress, cause error, sum *Summary, log logrus.FieldLogger) {
	n, err := w.devices.Disable(ctx, d.PushAddress)
	if err != nil {
		log.WithError(err).WithField("device_id", d.DeviceID).Error("Disable device address failed")
		return
	}
	if n > 0 {
		sum.DevicesDisabled += n
		metrics.DevicesDisabled.Add(float64(n))
		log.WithFields(logrus.Fields{"device_id": d.DeviceID, "cause": cause.Error()}).Warn("Device address disabled")
	}
}

func (w *Worker) fail(ctx context.Context, runID string, intent *model.AlertIntent, reason string, sum *Summary, log logrus.FieldLogger) {
	status, err := w.intents.RecordFailure(ctx, intent.ID, runID, reason)
	if err != nil {
		w.stale(err, sum, log)
		return
	}
	log = log.WithField("attempts", intent.Attempts+1)
	if status == model.IntentStatusFailed {
		sum.Failed++
		metrics.IntentsProcessed.WithLabelValues("failed").Inc()
		log.WithField("reason", reason).Error("Intent failed permanently")
		return
	}
	sum.Retried++
	metrics.IntentsProcessed.WithLabelValues("retry").Inc()
	log.WithField("reason", reason).Warn("Intent delivery failed, will retry")
}

// stale handles a lost conditional update: another run owns the row now.
func (w *Worker) stale(err error, sum *Summary, log logrus.FieldLogger) {
	if errors.Is(err, model.ErrStaleTransition) {
		sum.Stale++
		metrics.IntentsProcessed.WithLabelValues("stale").Inc()
		log.Warn("Intent changed by another run, leaving it")
		return
	}
	log.WithError(err).Error("Update intent status failed")
}

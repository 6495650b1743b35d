package alert

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/model"
)

// Alerter is the Start/Stop surface the reconciler drives.
type Alerter interface {
	Start(bookingID, guestName string, partySize int, bookingTime time.Time) bool
	Stop(bookingID string) bool
	Active() []Entry
}

// Diff is what one snapshot changed.
type Diff struct {
	Started    []string
	Stopped    []string
	Suppressed int
}

// Reconciler turns booking snapshots into Start/Stop calls. The first
// snapshot after process start only seeds the baseline: bookings already
// pending at launch do not start alerts, but they still stop normally.
// A snapshot is authoritative: any alert running for a booking it does not
// list as pending is stopped, whoever started it.
type Reconciler struct {
	mu       sync.Mutex
	alerter  Alerter
	previous map[string]struct{}
	seeded   bool
	log      logrus.FieldLogger
}

func NewReconciler(alerter Alerter, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{
		alerter:  alerter,
		previous: make(map[string]struct{}),
		log:      log.WithField("component", "alert_reconciler"),
	}
}

// Apply diffs a full snapshot of the restaurant's bookings against the last one.
func (r *Reconciler) Apply(bookings []model.Booking) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[string]model.Booking)
	for _, b := range bookings {
		if b.Status == model.BookingStatusPending {
			current[b.ID] = b
		}
	}

	var diff Diff
	for _, id := range sortedKeys(current) {
		if _, seen := r.previous[id]; seen {
			continue
		}
		if !r.seeded {
			diff.Suppressed++
			continue
		}
		b := current[id]
		r.alerter.Start(b.ID, b.GuestName, b.PartySize, b.BookingTime)
		diff.Started = append(diff.Started, id)
	}
	for id := range r.previous {
		if _, still := current[id]; !still {
			r.alerter.Stop(id)
			diff.Stopped = append(diff.Stopped, id)
		}
	}
	for _, e := range r.alerter.Active() {
		if _, still := current[e.BookingID]; still {
			continue
		}
		if r.alerter.Stop(e.BookingID) {
			diff.Stopped = append(diff.Stopped, e.BookingID)
		}
	}
	sort.Strings(diff.Stopped)

	r.previous = make(map[string]struct{}, len(current))
	for id := range current {
		r.previous[id] = struct{}{}
	}
	if !r.seeded {
		r.seeded = true
		r.log.WithField("pending", len(current)).Info("Baseline snapshot taken, existing bookings not alerted")
	}
	if len(diff.Started) > 0 || len(diff.Stopped) > 0 {
		r.log.WithFields(logrus.Fields{"started": diff.Started, "stopped": diff.Stopped}).Debug("Snapshot reconciled")
	}
	return diff
}

// Track starts an alert seen outside a snapshot, such as a push payload,
// and adds it to the baseline so the next snapshot without it stops it.
func (r *Reconciler) Track(b model.Booking) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.previous[b.ID] = struct{}{}
	return r.alerter.Start(b.ID, b.GuestName, b.PartySize, b.BookingTime)
}

// ApplyChange folds a single observed booking change into the baseline so
// the next snapshot diff stays consistent. Before the first snapshot only
// stops are applied.
func (r *Reconciler) ApplyChange(b model.Booking) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, known := r.previous[b.ID]
	switch {
	case b.Status == model.BookingStatusPending && !known:
		if !r.seeded {
			return
		}
		r.previous[b.ID] = struct{}{}
		r.alerter.Start(b.ID, b.GuestName, b.PartySize, b.BookingTime)
	case b.Status != model.BookingStatusPending:
		if known {
			delete(r.previous, b.ID)
		}
		// Stop even when unknown: the alert may have come from a push payload.
		r.alerter.Stop(b.ID)
	}
}

func sortedKeys(m map[string]model.Booking) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

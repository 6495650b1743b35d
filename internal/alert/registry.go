package alert

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"tablealert/internal/metrics"
)

const (
	// DefaultRedisplayInterval is how often the active alert is shown again.
	DefaultRedisplayInterval = 15 * time.Second

	// DefaultSignalTimeout bounds a single strategy call.
	DefaultSignalTimeout = 5 * time.Second
)

// Registry is the process-wide alert state: the set of alerting bookings
// and the single shared signalling resource they hold. The resource is
// acquired when the set goes from empty to non-empty and released when it
// empties again. Start and Stop are idempotent and safe to race.
//
// mu guards the state; signal serialises calls into strategies and is only
// ever taken after mu or on its own. Redisplay runs under signal alone so
// Health and non-acquiring Start/Stop calls never wait on a device command.
type Registry struct {
	mu         sync.Mutex
	active     map[string]Entry
	strategies []Strategy
	current    Strategy // nil while nothing is acquired
	channel    Channel
	degraded   bool
	lastErr    string

	signal    sync.Mutex
	timeout   time.Duration
	redisplay time.Duration
	gen       atomic.Int64 // bumped under mu on every acquire/release so stale tickers exit
	stopTick  chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewRegistry(strategies []Strategy, redisplay time.Duration, log logrus.FieldLogger) *Registry {
	if redisplay <= 0 {
		redisplay = DefaultRedisplayInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		active:     make(map[string]Entry),
		strategies: strategies,
		channel:    ChannelNone,
		timeout:    DefaultSignalTimeout,
		redisplay:  redisplay,
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
		log:        log.WithField("component", "alert_registry"),
	}
}

// Start marks a booking as alerting. It reports whether the booking was
// newly added.
func (r *Registry) Start(bookingID, guestName string, partySize int, bookingTime time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	if _, ok := r.active[bookingID]; ok {
		return false
	}
	r.active[bookingID] = Entry{
		BookingID:   bookingID,
		GuestName:   guestName,
		PartySize:   partySize,
		BookingTime: bookingTime,
		StartedAt:   r.now(),
	}
	metrics.ActiveAlerts.Set(float64(len(r.active)))

	log := r.log.WithFields(logrus.Fields{"booking_id": bookingID, "active": len(r.active)})
	if len(r.active) == 1 {
		r.acquireLocked()
		log.WithField("channel", r.channel).Info("Alert started")
	} else {
		log.Info("Alert joined running signal")
	}
	return true
}

// Stop clears a booking. Reaching an empty set releases the shared resource
// exactly once. It reports whether the booking was active.
func (r *Registry) Stop(bookingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[bookingID]; !ok {
		return false
	}
	delete(r.active, bookingID)
	metrics.ActiveAlerts.Set(float64(len(r.active)))

	r.log.WithFields(logrus.Fields{"booking_id": bookingID, "active": len(r.active)}).Info("Alert stopped")
	if len(r.active) == 0 {
		r.releaseLocked()
	}
	return true
}

func (r *Registry) IsActive(bookingID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[bookingID]
	return ok
}

// Active returns alerting bookings, oldest first.
func (r *Registry) Active() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entriesLocked()
}

func (r *Registry) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Health{
		ActiveAlertCount:       len(r.active),
		CurrentFallbackChannel: r.channel,
		Degraded:               r.degraded,
		LastError:              r.lastErr,
	}
	if h.Degraded {
		h.Advice = adviceFor(r.channel)
	}
	return h
}

// Shutdown releases the resource, clears every alert and waits for the
// redisplay loop to exit. Later Starts are ignored.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if len(r.active) > 0 {
		r.active = make(map[string]Entry)
		metrics.ActiveAlerts.Set(0)
		r.releaseLocked()
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.log.Info("Alert registry shut down")
}

// acquireLocked tries each strategy in order. When every strategy fails the
// bookings stay active with no channel, so a later Stop still balances.
func (r *Registry) acquireLocked() {
	r.signal.Lock()
	defer r.signal.Unlock()

	entries := r.entriesLocked()
	r.lastErr = ""
	for i, s := range r.strategies {
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		err := s.Start(ctx, entries)
		cancel()
		if err != nil {
			r.lastErr = err.Error()
			r.log.WithError(err).WithField("channel", s.Channel()).Warn("Alert channel failed to start, trying next")
			continue
		}
		r.current = s
		r.channel = s.Channel()
		r.degraded = i > 0
		r.startTickerLocked()
		if r.degraded {
			r.log.WithField("channel", r.channel).Warn("Alerting on fallback channel")
		}
		return
	}
	r.current = nil
	r.channel = ChannelNone
	r.degraded = true
	r.log.Error("No alert channel could be started")
}

func (r *Registry) releaseLocked() {
	if r.stopTick != nil {
		close(r.stopTick)
		r.stopTick = nil
	}
	r.gen.Add(1)
	if r.current != nil {
		// Waits out a redisplay already in flight
		r.signal.Lock()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		if err := r.current.Stop(ctx); err != nil {
			r.log.WithError(err).WithField("channel", r.channel).Warn("Alert channel stop failed")
		}
		cancel()
		r.signal.Unlock()
	}
	r.current = nil
	r.channel = ChannelNone
	r.degraded = false
}

func (r *Registry) startTickerLocked() {
	gen := r.gen.Add(1)
	stop := make(chan struct{})
	r.stopTick = stop

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.redisplay)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.redisplayOnce(gen)
			}
		}
	}()
}

func (r *Registry) redisplayOnce(gen int64) {
	r.mu.Lock()
	// Released or re-acquired since this ticker started
	if gen != r.gen.Load() || r.current == nil {
		r.mu.Unlock()
		return
	}
	current, channel, entries := r.current, r.channel, r.entriesLocked()
	r.mu.Unlock()

	r.signal.Lock()
	if gen != r.gen.Load() {
		r.signal.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	err := current.Redisplay(ctx, entries)
	cancel()
	r.signal.Unlock()

	if err != nil {
		r.log.WithError(err).WithField("channel", channel).Warn("Alert redisplay failed")
		r.mu.Lock()
		if gen == r.gen.Load() {
			r.lastErr = err.Error()
		}
		r.mu.Unlock()
	}
}

func (r *Registry) entriesLocked() []Entry {
	out := make([]Entry, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].BookingID < out[j].BookingID
	})
	return out
}

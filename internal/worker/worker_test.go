package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/cache"
	"tablealert/internal/logger"
	"tablealert/internal/model"
	"tablealert/internal/outbox"
	"tablealert/internal/push"
	"tablealert/internal/repository"
	"tablealert/internal/repository/memstore"
	"tablealert/internal/worker"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockProvider struct {
	mu     sync.Mutex
	sendFn func(messages []push.Message) []push.Receipt
	sent   [][]push.Message
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Send(ctx context.Context, messages []push.Message) ([]push.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, messages)
	if m.sendFn != nil {
		return m.sendFn(messages), nil
	}
	receipts := make([]push.Receipt, len(messages))
	for i, msg := range messages {
		receipts[i] = push.Receipt{Address: msg.Address, ReceiptID: "rcpt-" + msg.Address}
	}
	return receipts, nil
}

func (m *MockProvider) Batches() [][]push.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]push.Message(nil), m.sent...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// =============================================================================
// Test Helpers
// =============================================================================

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type harness struct {
	store    *repository.Store
	clock    *testClock
	provider *MockProvider
	worker   *worker.Worker
	enqueuer *outbox.Enqueuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memstore.New().Store()
	clock := &testClock{now: t0}
	provider := &MockProvider{}
	return &harness{
		store:    store,
		clock:    clock,
		provider: provider,
		worker: worker.New(store, provider, worker.Config{Sound: "alert.wav", ChannelHint: "booking-alerts"},
			logger.Discard(), worker.WithClock(clock.Now)),
		enqueuer: outbox.NewEnqueuer(store.Intents, outbox.DefaultConfig(), logger.Discard(), outbox.WithClock(clock.Now)),
	}
}

func (h *harness) addDevice(t *testing.T, restaurantID, deviceID, address string) {
	t.Helper()
	require.NoError(t, h.store.Devices.Upsert(context.Background(), &model.DeviceAddress{
		RestaurantID: restaurantID,
		DeviceID:     deviceID,
		PushAddress:  address,
		Platform:     model.PlatformExpo,
		LastSeen:     h.clock.Now(),
	}))
}

func (h *harness) newPendingBooking(t *testing.T, id string) string {
	t.Helper()
	ctx := context.Background()
	b := model.Booking{
		ID:           id,
		RestaurantID: "r1",
		GuestName:    "Ana",
		PartySize:    2,
		BookingTime:  t0.Add(2 * time.Hour),
		Status:       model.BookingStatusPending,
	}
	require.NoError(t, h.store.Bookings.Create(ctx, &b))
	intentID, err := h.enqueuer.OnTransition(ctx, outbox.Transition{Booking: b, To: model.BookingStatusPending})
	require.NoError(t, err)
	return intentID
}

func (h *harness) resolve(t *testing.T, bookingID string, to model.BookingStatus) {
	t.Helper()
	ctx := context.Background()
	b, prev, err := h.store.Bookings.UpdateStatus(ctx, bookingID, to, nil)
	require.NoError(t, err)
	_, err = h.enqueuer.OnTransition(ctx, outbox.Transition{Booking: *b, From: &prev, To: to})
	require.NoError(t, err)
}

func (h *harness) run(t *testing.T, at time.Duration) worker.Summary {
	t.Helper()
	h.clock.Set(t0.Add(at))
	sum, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	return sum
}

func permanentFor(bad string) func([]push.Message) []push.Receipt {
	return func(messages []push.Message) []push.Receipt {
		receipts := make([]push.Receipt, len(messages))
		for i, m := range messages {
			if m.Address == bad {
				receipts[i] = push.Receipt{Address: m.Address, Err: &push.DeliveryError{Code: push.CodeDeviceNotRegistered, Permanent: true}}
				continue
			}
			receipts[i] = push.Receipt{Address: m.Address, ReceiptID: "ok"}
		}
		return receipts
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestRepeatChainLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")

	r1 := h.newPendingBooking(t, "B")

	// T0+10: parent delivered
	sum := h.run(t, 10*time.Second)
	assert.Equal(t, 1, sum.Sent)
	assert.Equal(t, 0, sum.RepeatsCreated)
	parent, err := h.store.Intents.GetByID(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSent, parent.Status)
	require.NotNil(t, parent.SentAt)

	// T0+40: 30s since send, one child created and sent
	sum = h.run(t, 40*time.Second)
	assert.Equal(t, 1, sum.RepeatsCreated)
	assert.Equal(t, 1, sum.Sent)

	intents, err := h.store.Intents.ListByBooking(ctx, "B")
	require.NoError(t, err)
	require.Len(t, intents, 2)
	child := intents[1]
	require.NotNil(t, child.ParentID)
	assert.Equal(t, r1, *child.ParentID)
	assert.Equal(t, model.IntentStatusSent, child.Status)
	assert.False(t, child.RepeatEnabled)
	assert.Equal(t, parent.Title, child.Title)

	parent, err = h.store.Intents.GetByID(ctx, r1)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.RepeatCount)
	assert.Equal(t, t0.Add(40*time.Second), *parent.LastRepeatAt)

	// T0+45: staff accepts
	h.clock.Set(t0.Add(45 * time.Second))
	h.resolve(t, "B", model.BookingStatusConfirmed)
	parent, err = h.store.Intents.GetByID(ctx, r1)
	require.NoError(t, err)
	assert.False(t, parent.RepeatEnabled)
	assert.Equal(t, t0.Add(45*time.Second), *parent.RepeatUntil)

	// T0+70: no more repeats, only the quiet resolution push
	sum = h.run(t, 70*time.Second)
	assert.Equal(t, 0, sum.RepeatsCreated)
	assert.Equal(t, 1, sum.Sent)
	intents, err = h.store.Intents.ListByBooking(ctx, "B")
	require.NoError(t, err)
	assert.Len(t, intents, 3)

	batches := h.provider.Batches()
	require.Len(t, batches, 3)
	last := batches[2][0]
	assert.Equal(t, string(model.IntentKindCancelled), last.Data[model.PayloadKind])
	assert.Equal(t, "confirmed", last.Data[model.PayloadBookingStatus])
	assert.Equal(t, "B", last.Data[model.PayloadBookingID])
	assert.Empty(t, last.Sound)

	// T0+100: chain is quiet for good
	sum = h.run(t, 100*time.Second)
	assert.Equal(t, 0, sum.Claimed)
	assert.Equal(t, 0, sum.RepeatsCreated)
	assert.Len(t, h.provider.Batches(), 3)
}

func TestUnsentAlertSkippedOnceBookingHandled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")

	parentID := h.newPendingBooking(t, "B")
	h.clock.Set(t0.Add(2 * time.Second))
	h.resolve(t, "B", model.BookingStatusDeclined)

	sum := h.run(t, 5*time.Second)
	assert.Equal(t, 2, sum.Claimed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Sent)

	parent, err := h.store.Intents.GetByID(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSkipped, parent.Status)
	require.NotNil(t, parent.Error)
	assert.Equal(t, "booking no longer pending", *parent.Error)

	batches := h.provider.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, string(model.IntentKindCancelled), batches[0][0].Data[model.PayloadKind])
	assert.Equal(t, "declined", batches[0][0].Data[model.PayloadBookingStatus])
}

func TestRepeatStopsAtWindowEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	h.newPendingBooking(t, "B")

	h.run(t, 0)
	for at := 30 * time.Second; at <= 400*time.Second; at += 30 * time.Second {
		h.run(t, at)
	}

	intents, err := h.store.Intents.ListByBooking(ctx, "B")
	require.NoError(t, err)
	// parent at 0, children at 30..270 (repeat_until = 300 is exclusive)
	assert.Len(t, intents, 10)
}

func TestPushPayloadCarriesBookingAndChannel(t *testing.T) {
	h := newHarness(t)
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	intentID := h.newPendingBooking(t, "B")

	h.run(t, time.Second)
	batches := h.provider.Batches()
	require.Len(t, batches, 1)
	msg := batches[0][0]
	assert.Equal(t, "ExponentPushToken[tablet]", msg.Address)
	assert.Equal(t, "alert.wav", msg.Sound)
	assert.Equal(t, "booking-alerts", msg.ChannelHint)
	assert.Equal(t, model.PriorityHigh, msg.Priority)
	assert.Equal(t, "B", msg.Data[model.PayloadBookingID])
	assert.Equal(t, "new_booking", msg.Data[model.PayloadKind])
	assert.Equal(t, intentID, msg.Data[model.PayloadIntentID])
	assert.Equal(t, "booking-alerts", msg.Data[model.PayloadChannel])
}

func TestAlwaysFailingIntentFailsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	h.provider.sendFn = func(messages []push.Message) []push.Receipt {
		receipts := make([]push.Receipt, len(messages))
		for i, m := range messages {
			receipts[i] = push.Receipt{Address: m.Address, Err: &push.DeliveryError{Code: "MessageRateExceeded"}}
		}
		return receipts
	}
	id := h.newPendingBooking(t, "B")

	for i, at := range []time.Duration{time.Second, 61 * time.Second, 121 * time.Second} {
		sum := h.run(t, at)
		intent, err := h.store.Intents.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, intent.Attempts)
		if i < 2 {
			assert.Equal(t, 1, sum.Retried)
			assert.Equal(t, model.IntentStatusQueued, intent.Status)
		} else {
			assert.Equal(t, 1, sum.Failed)
			assert.Equal(t, model.IntentStatusFailed, intent.Status)
			require.NotNil(t, intent.Error)
		}
	}

	sum := h.run(t, 181*time.Second)
	assert.Equal(t, 0, sum.Claimed)
	assert.Len(t, h.provider.Batches(), 3)

	logs, err := h.store.Logs.ListByIntents(ctx, []string{id})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, model.DeliveryStatusError, l.Status)
	}
}

func TestPermanentErrorDisablesOnlyThatAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "old-phone", "ExponentPushToken[old]")
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	h.provider.sendFn = permanentFor("ExponentPushToken[old]")
	id := h.newPendingBooking(t, "B")

	sum := h.run(t, time.Second)
	assert.Equal(t, 1, sum.DevicesDisabled)
	assert.Equal(t, 1, sum.Retried)

	enabled, err := h.store.Devices.ListEnabled(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "tablet", enabled[0].DeviceID)

	sum = h.run(t, 61*time.Second)
	assert.Equal(t, 1, sum.Sent)
	batches := h.provider.Batches()
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 1)
	assert.Equal(t, "ExponentPushToken[tablet]", batches[1][0].Address)

	intent, err := h.store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSent, intent.Status)

	logs, err := h.store.Logs.ListByIntents(ctx, []string{id})
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestNoEnabledDevicesSkips(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.newPendingBooking(t, "B")

	sum := h.run(t, time.Second)
	assert.Equal(t, 1, sum.Skipped)

	intent, err := h.store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntentStatusSkipped, intent.Status)
	require.NotNil(t, intent.Error)
	assert.Empty(t, h.provider.Batches())

	// terminal: never picked up again
	sum = h.run(t, 61*time.Second)
	assert.Equal(t, 0, sum.Claimed)
}

func TestTargetAddressesNarrowRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "a", "ExponentPushToken[a]")
	h.addDevice(t, "r1", "b", "ExponentPushToken[b]")

	_, err := h.enqueuer.Enqueue(ctx, model.EnqueueRequest{
		RestaurantID:    "r1",
		Title:           "Table 4 needs attention",
		TargetAddresses: []string{"ExponentPushToken[b]"},
	})
	require.NoError(t, err)

	sum := h.run(t, time.Second)
	assert.Equal(t, 1, sum.Sent)
	batches := h.provider.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "ExponentPushToken[b]", batches[0][0].Address)
}

func TestClaimedByAnotherRunIsNotSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	id := h.newPendingBooking(t, "B")

	h.clock.Set(t0.Add(time.Second))
	claimed, err := h.store.Intents.ClaimDue(ctx, "other-run", h.clock.Now(), h.clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sum, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Claimed)
	assert.Empty(t, h.provider.Batches())

	err = h.store.Intents.MarkSent(ctx, id, "not-the-owner", h.clock.Now())
	assert.ErrorIs(t, err, model.ErrStaleTransition)
}

func TestConcurrentPassesSendOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	for _, id := range []string{"B1", "B2", "B3", "B4"} {
		h.newPendingBooking(t, id)
	}
	h.clock.Set(t0.Add(time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.worker.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.provider.Batches(), 4)
}

func TestRepeatStopsWhenBookingResolvedWithoutSignal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addDevice(t, "r1", "tablet", "ExponentPushToken[tablet]")
	id := h.newPendingBooking(t, "B")
	h.run(t, time.Second)

	// status written directly, outbox never told
	_, _, err := h.store.Bookings.UpdateStatus(ctx, "B", model.BookingStatusDeclined, nil)
	require.NoError(t, err)

	sum := h.run(t, 40*time.Second)
	assert.Equal(t, 0, sum.RepeatsCreated)
	assert.Equal(t, 1, sum.RepeatsStopped)

	parent, err := h.store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, parent.RepeatEnabled)
}

// =============================================================================
// Manager
// =============================================================================

type MockRunner struct {
	runFn func(ctx context.Context) (worker.Summary, error)
	calls int
}

func (m *MockRunner) RunOnce(ctx context.Context) (worker.Summary, error) {
	m.calls++
	if m.runFn != nil {
		return m.runFn(ctx)
	}
	return worker.Summary{RunID: "run"}, nil
}

func TestManagerTick_RequireLeaseSkipsWhenHeld(t *testing.T) {
	ctx := context.Background()
	lease := cache.NewLocalLease()
	held, err := lease.Acquire(ctx, cache.WorkerLeaseKey, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	runner := &MockRunner{}
	cfg := worker.DefaultManagerConfig()
	cfg.RequireLease = true
	m := worker.NewManager(runner, lease, "me", cfg, logger.Discard())

	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, runner.calls)

	cfg.RequireLease = false
	m = worker.NewManager(runner, lease, "me", cfg, logger.Discard())
	_, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
}

func TestManagerTick_ReleasesLease(t *testing.T) {
	ctx := context.Background()
	lease := cache.NewLocalLease()
	runner := &MockRunner{runFn: func(ctx context.Context) (worker.Summary, error) {
		return worker.Summary{}, errors.New("db down")
	}}
	m := worker.NewManager(runner, lease, "me", worker.DefaultManagerConfig(), logger.Discard())

	_, err := m.Tick(ctx)
	assert.Error(t, err)

	held, err := lease.Acquire(ctx, cache.WorkerLeaseKey, "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestManagerStartRejectsBadSpec(t *testing.T) {
	cfg := worker.DefaultManagerConfig()
	cfg.CronSpec = "not a spec"
	m := worker.NewManager(&MockRunner{}, nil, "me", cfg, logger.Discard())
	assert.Error(t, m.Start(context.Background()))
}

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/cache"
	"tablealert/internal/logger"
	"tablealert/internal/model"
	"tablealert/internal/repository"
	"tablealert/internal/repository/memstore"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEnqueuer(t *testing.T) (*Enqueuer, *repository.Store, *testClock) {
	t.Helper()
	store := memstore.New().Store()
	clock := &testClock{now: t0}
	e := NewEnqueuer(store.Intents, DefaultConfig(), logger.Discard(),
		WithClock(clock.Now),
		WithDedupeGuard(cache.NewLocalDedupeGuard()),
	)
	return e, store, clock
}

func pendingBooking(id string) model.Booking {
	return model.Booking{
		ID:           id,
		RestaurantID: "r1",
		GuestName:    "Ana",
		PartySize:    4,
		BookingTime:  t0.Add(3 * time.Hour),
		Status:       model.BookingStatusPending,
	}
}

func statusPtr(s model.BookingStatus) *model.BookingStatus { return &s }

func TestOnTransition_NewPendingStartsChain(t *testing.T) {
	e, store, _ := newTestEnqueuer(t)
	ctx := context.Background()

	id, err := e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), To: model.BookingStatusPending})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	intent, err := store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntentKindNewBooking, intent.Kind)
	assert.Equal(t, model.IntentStatusQueued, intent.Status)
	assert.True(t, intent.RepeatEnabled)
	assert.Equal(t, 30, intent.RepeatIntervalSeconds)
	require.NotNil(t, intent.RepeatUntil)
	assert.Equal(t, t0.Add(300*time.Second), *intent.RepeatUntil)
	assert.Equal(t, 3, intent.MaxAttempts)
	assert.Equal(t, "b1", intent.Payload[model.PayloadBookingID])
	assert.Equal(t, "new_booking", intent.Payload[model.PayloadKind])
	assert.Equal(t, id, intent.Payload[model.PayloadIntentID])
	assert.Equal(t, "4", intent.Payload[model.PayloadPartySize])
	assert.Equal(t, "pending", intent.Payload[model.PayloadBookingStatus])
}

func TestOnTransition_DuplicateInvocationWritesOnce(t *testing.T) {
	e, store, clock := newTestEnqueuer(t)
	ctx := context.Background()
	tr := Transition{Booking: pendingBooking("b1"), To: model.BookingStatusPending}

	first, err := e.OnTransition(ctx, tr)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	second, err := e.OnTransition(ctx, tr)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	intents, err := store.Intents.ListByBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, intents, 1)
}

func TestOnTransition_LeavingPendingStopsChain(t *testing.T) {
	e, store, clock := newTestEnqueuer(t)
	ctx := context.Background()

	id, err := e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), To: model.BookingStatusPending})
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	b := pendingBooking("b1")
	b.Status = model.BookingStatusConfirmed
	created, err := e.OnTransition(ctx, Transition{Booking: b, From: statusPtr(model.BookingStatusPending), To: model.BookingStatusConfirmed})
	require.NoError(t, err)
	require.NotEmpty(t, created)
	assert.NotEqual(t, id, created)

	intent, err := store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, intent.RepeatEnabled)
	assert.Equal(t, t0.Add(45*time.Second), *intent.RepeatUntil)

	resolution, err := store.Intents.GetByID(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, model.IntentKindCancelled, resolution.Kind)
	assert.False(t, resolution.Kind.StartsAlert())
	assert.False(t, resolution.RepeatEnabled)
	assert.Equal(t, model.IntentStatusQueued, resolution.Status)
	assert.Equal(t, "confirmed", resolution.Payload[model.PayloadBookingStatus])
	assert.Equal(t, "b1", resolution.Payload[model.PayloadBookingID])

	// idempotent
	n, err := e.StopRepeating(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOnTransition_ModifiedWhilePending(t *testing.T) {
	e, store, clock := newTestEnqueuer(t)
	ctx := context.Background()

	parentID, err := e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), To: model.BookingStatusPending})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	b := pendingBooking("b1")
	b.PartySize = 6
	id, err := e.OnTransition(ctx, Transition{
		Booking:        b,
		From:           statusPtr(model.BookingStatusPending),
		To:             model.BookingStatusPending,
		DetailsChanged: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.NotEqual(t, parentID, id)

	modified, err := store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntentKindModified, modified.Kind)
	assert.False(t, modified.RepeatEnabled)
	assert.Equal(t, "6", modified.Payload[model.PayloadPartySize])

	parent, err := store.Intents.GetByID(ctx, parentID)
	require.NoError(t, err)
	assert.True(t, parent.RepeatEnabled, "modification must not touch the chain")
}

func TestOnTransition_OtherTransitionsIgnored(t *testing.T) {
	e, store, _ := newTestEnqueuer(t)
	ctx := context.Background()

	cases := []Transition{
		{Booking: pendingBooking("b1"), From: statusPtr(model.BookingStatusConfirmed), To: model.BookingStatusCancelled},
		{Booking: pendingBooking("b1"), To: model.BookingStatusConfirmed},
		{Booking: pendingBooking("b1"), From: statusPtr(model.BookingStatusPending), To: model.BookingStatusPending},
	}
	for _, tr := range cases {
		id, err := e.OnTransition(ctx, tr)
		require.NoError(t, err)
		assert.Empty(t, id)
	}

	intents, err := store.Intents.ListByBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestOnTransition_RependingAfterStopStartsNewChain(t *testing.T) {
	e, store, clock := newTestEnqueuer(t)
	ctx := context.Background()

	first, err := e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), To: model.BookingStatusPending})
	require.NoError(t, err)
	clock.Advance(3 * time.Second)
	_, err = e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), From: statusPtr(model.BookingStatusPending), To: model.BookingStatusDeclined})
	require.NoError(t, err)
	clock.Advance(3 * time.Second)
	second, err := e.OnTransition(ctx, Transition{Booking: pendingBooking("b1"), From: statusPtr(model.BookingStatusDeclined), To: model.BookingStatusPending})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	intents, err := store.Intents.ListByBooking(ctx, "b1")
	require.NoError(t, err)
	live := 0
	for _, in := range intents {
		if in.RepeatEnabled {
			live++
		}
	}
	assert.Equal(t, 1, live)
}

func TestEnqueue_Validation(t *testing.T) {
	e, _, _ := newTestEnqueuer(t)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, model.EnqueueRequest{Title: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = e.Enqueue(ctx, model.EnqueueRequest{RestaurantID: "r1"})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)

	_, err = e.Enqueue(ctx, model.EnqueueRequest{RestaurantID: "r1", Title: "x", Repeat: &model.RepeatConfig{IntervalSeconds: 0, Until: t0}})
	assert.ErrorIs(t, err, model.ErrInvalidRequest)
}

func TestEnqueue_GenericDefaults(t *testing.T) {
	e, store, _ := newTestEnqueuer(t)
	ctx := context.Background()

	id, err := e.Enqueue(ctx, model.EnqueueRequest{
		RestaurantID:    "r1",
		Title:           "Kitchen closing",
		Body:            "Last orders in 15 minutes",
		Payload:         model.Payload{"custom": "1"},
		TargetAddresses: []string{"ExponentPushToken[a]"},
	})
	require.NoError(t, err)

	intent, err := store.Intents.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntentKindGeneric, intent.Kind)
	assert.Equal(t, model.PriorityHigh, intent.Priority)
	assert.Nil(t, intent.BookingID)
	assert.Equal(t, "1", intent.Payload["custom"])
	assert.Equal(t, []string{"ExponentPushToken[a]"}, intent.TargetAddresses)
	assert.Equal(t, t0, intent.ScheduledFor)
}

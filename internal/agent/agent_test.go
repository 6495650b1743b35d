package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/alert"
	"tablealert/internal/logger"
	"tablealert/internal/model"
	"tablealert/internal/queue"
)

// =============================================================================
// MOCKS
// =============================================================================

type mockAPI struct {
	mu         sync.Mutex
	pending    []model.Booking
	listErr    error
	updateErr  error
	updates    map[string]model.BookingStatus
	stops      []string
	registered []model.RegisterDeviceRequest
}

func newMockAPI() *mockAPI {
	return &mockAPI{updates: map[string]model.BookingStatus{}}
}

func (m *mockAPI) setPending(bookings ...model.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = bookings
}

func (m *mockAPI) ListPending(ctx context.Context) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]model.Booking(nil), m.pending...), nil
}

func (m *mockAPI) UpdateStatus(ctx context.Context, bookingID string, status model.BookingStatus, note *string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.updates[bookingID] = status
	return &model.Booking{ID: bookingID, Status: status}, nil
}

func (m *mockAPI) StopAlerts(ctx context.Context, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, bookingID)
	return nil
}

func (m *mockAPI) RegisterDevice(ctx context.Context, req model.RegisterDeviceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, req)
	return nil
}

type fakeStrategy struct {
	mu   sync.Mutex
	held bool
}

func (f *fakeStrategy) Channel() alert.Channel { return alert.ChannelLoopedAudio }

func (f *fakeStrategy) Start(ctx context.Context, active []alert.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = true
	return nil
}

func (f *fakeStrategy) Redisplay(ctx context.Context, active []alert.Entry) error { return nil }

func (f *fakeStrategy) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	return nil
}

func (f *fakeStrategy) Held() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func newTestAgent(t *testing.T) (*Agent, *mockAPI, *alert.Registry, *fakeStrategy) {
	t.Helper()
	api := newMockAPI()
	strategy := &fakeStrategy{}
	registry := alert.NewRegistry([]alert.Strategy{strategy}, time.Hour, logger.Discard())
	t.Cleanup(registry.Shutdown)
	a := New(api, registry, Config{Device: model.RegisterDeviceRequest{DeviceID: "tablet-1", PushAddress: "ExponentPushToken[x]"}}, logger.Discard())
	return a, api, registry, strategy
}

var when = time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC)

func booking(id string, status model.BookingStatus) model.Booking {
	return model.Booking{ID: id, RestaurantID: "r1", GuestName: "Guest " + id, PartySize: 2, BookingTime: when, Status: status}
}

// =============================================================================
// AGENT
// =============================================================================

func TestAgent_SyncSuppressesFirstSnapshot(t *testing.T) {
	a, api, registry, strategy := newTestAgent(t)
	ctx := context.Background()

	api.setPending(booking("A", model.BookingStatusPending))
	a.Sync(ctx)
	assert.Empty(t, registry.Active())
	assert.False(t, strategy.Held())

	api.setPending(booking("A", model.BookingStatusPending), booking("B", model.BookingStatusPending))
	a.Sync(ctx)
	assert.True(t, registry.IsActive("B"))
	assert.False(t, registry.IsActive("A"))
	assert.True(t, strategy.Held())

	api.setPending()
	a.Sync(ctx)
	assert.Empty(t, registry.Active())
	assert.False(t, strategy.Held())
}

func TestAgent_SyncErrorKeepsBaseline(t *testing.T) {
	a, api, registry, _ := newTestAgent(t)
	ctx := context.Background()

	a.Sync(ctx)
	api.setPending(booking("A", model.BookingStatusPending))
	a.Sync(ctx)
	require.True(t, registry.IsActive("A"))

	api.listErr = errors.New("offline")
	a.Sync(ctx)
	assert.True(t, registry.IsActive("A"))
}

func TestAgent_FeedEventStopsAlert(t *testing.T) {
	a, _, registry, _ := newTestAgent(t)
	a.Sync(context.Background())

	a.HandleEvent(queue.NewBookingCreatedEvent(booking("A", model.BookingStatusPending)))
	assert.True(t, registry.IsActive("A"))

	a.HandleEvent(queue.NewBookingStatusChangedEvent(booking("A", model.BookingStatusConfirmed), model.BookingStatusPending))
	assert.False(t, registry.IsActive("A"))
}

func TestAgent_PushPayloads(t *testing.T) {
	a, _, registry, _ := newTestAgent(t)

	a.HandlePush(model.Payload{
		model.PayloadBookingID:     "A",
		model.PayloadBookingStatus: string(model.BookingStatusPending),
		model.PayloadGuestName:     "Ana",
		model.PayloadPartySize:     "3",
		model.PayloadBookingTime:   when.Format(time.RFC3339),
	})
	require.True(t, registry.IsActive("A"))
	entry := registry.Active()[0]
	assert.Equal(t, "Ana", entry.GuestName)
	assert.Equal(t, 3, entry.PartySize)
	assert.True(t, entry.BookingTime.Equal(when))

	// repeated deliveries of the same alert are no-ops
	a.HandlePush(model.Payload{model.PayloadBookingID: "A", model.PayloadBookingStatus: "pending"})
	assert.Len(t, registry.Active(), 1)

	a.HandlePush(model.Payload{model.PayloadBookingID: "A", model.PayloadBookingStatus: "declined"})
	assert.False(t, registry.IsActive("A"))

	a.HandlePush(model.Payload{model.PayloadKind: "generic"})
	assert.Empty(t, registry.Active())
}

func TestAgent_StalePushDoesNotOutliveSnapshots(t *testing.T) {
	a, api, registry, strategy := newTestAgent(t)
	ctx := context.Background()

	a.Sync(ctx)
	api.setPending(booking("A", model.BookingStatusPending))
	a.Sync(ctx)
	require.True(t, registry.IsActive("A"))

	// A is accepted elsewhere, then its original push arrives late
	api.setPending()
	a.Sync(ctx)
	require.False(t, registry.IsActive("A"))
	a.HandlePush(model.Payload{
		model.PayloadBookingID:     "A",
		model.PayloadBookingStatus: string(model.BookingStatusPending),
		model.PayloadGuestName:     "Guest A",
	})

	for i := 0; i < 3; i++ {
		a.Sync(ctx)
	}
	assert.False(t, registry.IsActive("A"))
	assert.Empty(t, registry.Active())
	assert.False(t, strategy.Held())
}

func TestAgent_ResolveStopsLocallyAndServerSide(t *testing.T) {
	a, api, registry, strategy := newTestAgent(t)
	registry.Start("A", "Ana", 2, when)

	a.Resolve("A", model.BookingStatusConfirmed, nil)
	assert.False(t, registry.IsActive("A"))
	assert.False(t, strategy.Held())

	a.Wait()
	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, model.BookingStatusConfirmed, api.updates["A"])
	assert.Equal(t, []string{"A"}, api.stops)
}

func TestAgent_ResolveSurvivesAPIFailure(t *testing.T) {
	a, api, registry, _ := newTestAgent(t)
	api.updateErr = errors.New("503")
	registry.Start("A", "Ana", 2, when)

	a.Resolve("A", model.BookingStatusDeclined, nil)
	a.Wait()

	assert.False(t, registry.IsActive("A"))
	api.mu.Lock()
	defer api.mu.Unlock()
	// the stop signal is still sent
	assert.Equal(t, []string{"A"}, api.stops)
}

func TestAgent_CheckHealthReportsDegraded(t *testing.T) {
	api := newMockAPI()
	registry := alert.NewRegistry(alert.DefaultStrategies(nil, nil, nil), time.Hour, logger.Discard())
	defer registry.Shutdown()
	a := New(api, registry, Config{}, logger.Discard())

	registry.Start("A", "Ana", 2, when)
	h := a.CheckHealth()
	assert.True(t, h.Degraded)
	assert.Equal(t, alert.ChannelNone, h.CurrentFallbackChannel)
	assert.NotEmpty(t, h.Advice)
}

// =============================================================================
// LOCAL HTTP
// =============================================================================

func TestAgentRouter(t *testing.T) {
	a, api, registry, _ := newTestAgent(t)
	router := a.Router()

	body, _ := json.Marshal(PushDelivery{Data: model.Payload{
		model.PayloadBookingID:     "A",
		model.PayloadBookingStatus: "pending",
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, registry.IsActive("A"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var h alert.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, 1, h.ActiveAlertCount)
	assert.Equal(t, alert.ChannelLoopedAudio, h.CurrentFallbackChannel)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/bookings/A/decline", strings.NewReader(`{"note":"full"}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, registry.IsActive("A"))
	a.Wait()
	api.mu.Lock()
	assert.Equal(t, model.BookingStatusDeclined, api.updates["A"])
	api.mu.Unlock()

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader("nope")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// API CLIENT
// =============================================================================

func TestClient_ListPendingAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"TOKEN_INVALID","message":"bad token"}}`))
			return
		}
		switch r.URL.Path {
		case "/bookings":
			assert.Equal(t, "pending", r.URL.Query().Get("status"))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"bookings": []model.Booking{booking("A", model.BookingStatusPending)}})
		case "/bookings/A/alerts/stop":
			assert.Equal(t, http.MethodPost, r.Method)
			_, _ = w.Write([]byte(`{"stopped":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"Booking not found"}}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", nil)
	ctx := context.Background()

	bookings, err := c.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "A", bookings[0].ID)

	require.NoError(t, c.StopAlerts(ctx, "A"))

	_, err = c.UpdateStatus(ctx, "missing", model.BookingStatusConfirmed, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)

	_, err = NewClient(srv.URL, "wrong", nil).ListPending(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "TOKEN_INVALID", apiErr.Code)
}

func TestClient_FeedURL(t *testing.T) {
	assert.Equal(t, "wss://api.example.com/feed", NewClient("https://api.example.com", "", nil).FeedURL())
	assert.Equal(t, "ws://localhost:8080/feed", NewClient("http://localhost:8080/", "", nil).FeedURL())
}

// =============================================================================
// SUBSCRIBER
// =============================================================================

func TestSubscriber_ReceivesEventsAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(queue.NewBookingCreatedEvent(booking("A", model.BookingStatusPending)))
		// drop the connection to force a reconnect
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		events   []queue.BookingEvent
		connects int
	)
	header := http.Header{}
	header.Set("Authorization", "Bearer tok")
	sub := NewSubscriber("ws"+strings.TrimPrefix(srv.URL, "http"), header,
		func(e queue.BookingEvent) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
		},
		func() {
			mu.Lock()
			defer mu.Unlock()
			connects++
		},
		logger.Discard(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sub.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2 && connects >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "A", events[0].BookingID)
	assert.Equal(t, queue.EventBookingCreated, events[0].Type)
}

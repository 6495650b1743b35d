package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/logger"
	"tablealert/internal/model"
	"tablealert/internal/queue"
)

func dialHub(t *testing.T, hub *Hub, restaurantID string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, r.URL.Query().Get("restaurant"))
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?restaurant=" + restaurantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubPublishesToRestaurantOnly(t *testing.T) {
	hub := NewHub(logger.Discard())
	defer hub.Close()

	r1 := dialHub(t, hub, "r1")
	r2 := dialHub(t, hub, "r2")
	require.Eventually(t, func() bool { return hub.Count("r1") == 1 && hub.Count("r2") == 1 }, time.Second, 10*time.Millisecond)

	event := queue.NewBookingStatusChangedEvent(model.Booking{
		ID:           "b1",
		RestaurantID: "r1",
		Status:       model.BookingStatusConfirmed,
		BookingTime:  time.Date(2026, 3, 14, 20, 0, 0, 0, time.UTC),
	}, model.BookingStatusPending)
	_, err := hub.Publish(context.Background(), event)
	require.NoError(t, err)

	var got queue.BookingEvent
	require.NoError(t, r1.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, r1.ReadJSON(&got))
	assert.Equal(t, "b1", got.BookingID)
	assert.Equal(t, model.BookingStatusConfirmed, got.Status)
	assert.Equal(t, model.BookingStatusPending, got.PreviousStatus)

	require.NoError(t, r2.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = r2.ReadMessage()
	assert.Error(t, err, "other restaurant must not receive the event")
}

func TestHubRemovesClosedClients(t *testing.T) {
	hub := NewHub(logger.Discard())
	conn := dialHub(t, hub, "r1")
	require.Eventually(t, func() bool { return hub.Count("r1") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Count("r1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

type mockConsumer struct {
	mu      sync.Mutex
	pending [][]queue.Message
	batches [][]queue.Message
	acked   []string
	groups  []string
}

func (m *mockConsumer) EnsureGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = append(m.groups, group)
	return nil
}

func (m *mockConsumer) Read(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]queue.Message, error) {
	m.mu.Lock()
	if len(m.batches) > 0 {
		b := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (m *mockConsumer) ReadPending(ctx context.Context, stream, group, consumer string, count int64) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, nil
	}
	b := m.pending[0]
	m.pending = m.pending[1:]
	return b, nil
}

func (m *mockConsumer) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, ids...)
	return nil
}

func (m *mockConsumer) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.BookingEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e queue.BookingEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return "id", nil
}

func (p *recordingPublisher) Events() []queue.BookingEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]queue.BookingEvent(nil), p.events...)
}

func TestRelayForwardsPendingThenNew(t *testing.T) {
	consumer := &mockConsumer{
		pending: [][]queue.Message{{{ID: "1-0", Event: queue.BookingEvent{RestaurantID: "r1", BookingID: "old"}}}},
		batches: [][]queue.Message{{
			{ID: "2-0", Event: queue.BookingEvent{RestaurantID: "r1", BookingID: "new"}},
			{ID: "3-0"}, // malformed
		}},
	}
	pub := &recordingPublisher{}
	relay := NewRelay(consumer, pub, "host-a", logger.Discard())

	require.NoError(t, relay.Start(context.Background()))
	require.Eventually(t, func() bool { return len(consumer.Acked()) == 3 }, time.Second, 5*time.Millisecond)
	relay.Stop()

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "old", events[0].BookingID)
	assert.Equal(t, "new", events[1].BookingID)
	assert.Equal(t, []string{"feed_relay:host-a"}, consumer.groups)
}

package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablealert/internal/logger"
)

func newTestExpo(t *testing.T, handler http.HandlerFunc) *ExpoClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewExpoClient("secret", nil, logger.Discard(), WithExpoURL(srv.URL))
}

func TestExpoSend_MapsTicketsByIndex(t *testing.T) {
	var got []expoMessage
	client := newTestExpo(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"status": "ok", "id": "ticket-1"},
				{"status": "error", "message": "gone", "details": map[string]string{"error": "DeviceNotRegistered"}},
				{"status": "error", "message": "slow down", "details": map[string]string{"error": "MessageRateExceeded"}},
			},
		})
	})

	receipts, err := client.Send(context.Background(), []Message{
		{Address: "ExponentPushToken[a]", Title: "New booking", Body: "Ana, 4 guests", Sound: "alert.wav", ChannelHint: "booking-alerts", Priority: "high", Data: map[string]string{"bookingId": "b1"}},
		{Address: "ExponentPushToken[b]", Title: "New booking"},
		{Address: "ExponentPushToken[c]", Title: "New booking"},
	})
	require.NoError(t, err)
	require.Len(t, receipts, 3)

	require.Len(t, got, 3)
	assert.Equal(t, "booking-alerts", got[0].ChannelID)
	assert.Equal(t, "b1", got[0].Data["bookingId"])

	assert.NoError(t, receipts[0].Err)
	assert.Equal(t, "ticket-1", receipts[0].ReceiptID)

	assert.Error(t, receipts[1].Err)
	assert.True(t, IsPermanent(receipts[1].Err))

	assert.Error(t, receipts[2].Err)
	assert.False(t, IsPermanent(receipts[2].Err))
}

func TestExpoSend_InvalidAddressNeverSent(t *testing.T) {
	var calls atomic.Int32
	client := newTestExpo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	receipts, err := client.Send(context.Background(), []Message{{Address: "not-a-token"}})
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.True(t, IsPermanent(receipts[0].Err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestExpoSend_HTTPFailureIsTransient(t *testing.T) {
	client := newTestExpo(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	receipts, err := client.Send(context.Background(), []Message{
		{Address: "ExponentPushToken[a]"},
		{Address: "ExpoPushToken[b]"},
	})
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Error(t, r.Err)
		assert.False(t, IsPermanent(r.Err))
	}
}

func TestExpoSend_ChunksLargeBatches(t *testing.T) {
	var calls atomic.Int32
	client := newTestExpo(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var msgs []expoMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msgs))
		tickets := make([]map[string]string, len(msgs))
		for i := range msgs {
			tickets[i] = map[string]string{"status": "ok", "id": msgs[i].To}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": tickets})
	})

	msgs := make([]Message, 150)
	for i := range msgs {
		msgs[i] = Message{Address: "ExponentPushToken[" + string(rune('a'+i%26)) + "]"}
	}
	receipts, err := client.Send(context.Background(), msgs)
	require.NoError(t, err)
	assert.Len(t, receipts, 150)
	assert.Equal(t, int32(2), calls.Load())
	for i, r := range receipts {
		assert.NoError(t, r.Err)
		assert.Equal(t, msgs[i].Address, r.ReceiptID)
	}
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(assert.AnError))
	assert.True(t, IsPermanent(&DeliveryError{Code: CodeDeviceNotRegistered, Permanent: true}))
}

func TestToExpoMessage_QuietPushIsNotCritical(t *testing.T) {
	loud := toExpoMessage(Message{Address: "ExponentPushToken[a]", Title: "New booking", Sound: "alert.wav"})
	assert.Equal(t, "critical", loud.InterruptionLevel)

	quiet := toExpoMessage(Message{Address: "ExponentPushToken[a]", Title: "Booking request confirmed"})
	assert.Empty(t, quiet.InterruptionLevel)
	assert.Empty(t, quiet.Sound)
}

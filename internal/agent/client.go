package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
)

// APIError is a non-2xx response from alertd.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alertd %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the alertd HTTP API on behalf of one restaurant.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), token: token, http: hc}
}

// ListPending returns the restaurant's pending bookings: the snapshot the
// reconciler diffs.
func (c *Client) ListPending(ctx context.Context) ([]model.Booking, error) {
	var resp struct {
		Bookings []model.Booking `json:"bookings"`
	}
	q := url.Values{"status": {string(model.BookingStatusPending)}}
	if err := c.do(ctx, http.MethodGet, "/bookings?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Bookings, nil
}

func (c *Client) UpdateStatus(ctx context.Context, bookingID string, status model.BookingStatus, note *string) (*model.Booking, error) {
	var booking model.Booking
	req := model.UpdateStatusRequest{Status: status, Note: note}
	if err := c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(bookingID)+"/status", req, &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (c *Client) StopAlerts(ctx context.Context, bookingID string) error {
	return c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(bookingID)+"/alerts/stop", nil, nil)
}

func (c *Client) RegisterDevice(ctx context.Context, req model.RegisterDeviceRequest) error {
	return c.do(ctx, http.MethodPost, "/devices", req, nil)
}

// FeedURL is the websocket address of the change feed.
func (c *Client) FeedURL() string {
	u := c.baseURL + "/feed"
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}

// AuthHeader carries the bearer token for the websocket handshake.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope httputil.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

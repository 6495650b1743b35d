package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	expoPushURL   = "https://exp.host/--/api/v2/push/send"
	expoChunkSize = 100
)

// ExpoClient sends pushes via Expo's Push API. Each message carries a single
// recipient so tickets line up with messages by index.
type ExpoClient struct {
	httpClient  *http.Client
	url         string
	accessToken string
	limiter     *rate.Limiter
	log         logrus.FieldLogger
}

type expoMessage struct {
	To                string            `json:"to"`
	Title             string            `json:"title,omitempty"`
	Body              string            `json:"body"`
	Data              map[string]string `json:"data,omitempty"`
	Sound             string            `json:"sound,omitempty"`
	Priority          string            `json:"priority,omitempty"`
	ChannelID         string            `json:"channelId,omitempty"`
	InterruptionLevel string            `json:"interruptionLevel,omitempty"`
}

type expoResponse struct {
	Data   []expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"` // "ok" or "error"
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"` // "DeviceNotRegistered", "MessageTooBig", ...
	} `json:"details,omitempty"`
}

type ExpoOption func(*ExpoClient)

// WithExpoURL points the client at another endpoint.
func WithExpoURL(url string) ExpoOption {
	return func(c *ExpoClient) { c.url = url }
}

func WithExpoHTTPClient(hc *http.Client) ExpoOption {
	return func(c *ExpoClient) { c.httpClient = hc }
}

func NewExpoClient(accessToken string, limiter *rate.Limiter, log logrus.FieldLogger, opts ...ExpoOption) *ExpoClient {
	c := &ExpoClient{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		url:         expoPushURL,
		accessToken: accessToken,
		limiter:     limiter,
		log:         log.WithField("component", "expo_push"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ExpoClient) Name() string { return "expo" }

// IsExpoAddress reports whether address looks like an Expo push token.
func IsExpoAddress(address string) bool {
	return strings.HasPrefix(address, "ExponentPushToken[") || strings.HasPrefix(address, "ExpoPushToken[")
}

// Send posts messages in chunks. A failed chunk marks its receipts with a
// transient error; other chunks are unaffected.
func (c *ExpoClient) Send(ctx context.Context, messages []Message) ([]Receipt, error) {
	receipts := make([]Receipt, len(messages))

	var (
		batch   []expoMessage
		indexes []int
	)
	for i, m := range messages {
		if !IsExpoAddress(m.Address) {
			err := &DeliveryError{Code: CodeInvalidAddress, Message: "not an Expo push token", Permanent: true}
			receipts[i] = Receipt{Address: m.Address, Err: err, Raw: err.Error()}
			continue
		}
		batch = append(batch, toExpoMessage(m))
		indexes = append(indexes, i)
	}

	for start := 0; start < len(batch); start += expoChunkSize {
		end := min(start+expoChunkSize, len(batch))
		chunk := batch[start:end]

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		tickets, raw, err := c.post(ctx, chunk)
		for j := range chunk {
			idx := indexes[start+j]
			receipts[idx] = ticketReceipt(messages[idx].Address, tickets, j, raw, err)
		}
	}

	c.log.WithFields(logrus.Fields{
		"messages": len(messages),
		"chunks":   (len(batch) + expoChunkSize - 1) / expoChunkSize,
	}).Debug("Expo batch sent")
	return receipts, nil
}

func toExpoMessage(m Message) expoMessage {
	msg := expoMessage{
		To:        m.Address,
		Title:     m.Title,
		Body:      m.Body,
		Data:      m.Data,
		Sound:     m.Sound,
		Priority:  m.Priority,
		ChannelID: m.ChannelHint,
	}
	// Quiet pushes must not break through Do Not Disturb
	if m.Sound != "" {
		msg.InterruptionLevel = "critical"
	}
	return msg
}

func (c *ExpoClient) post(ctx context.Context, chunk []expoMessage) ([]expoTicket, string, error) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return nil, "", fmt.Errorf("marshal messages: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	raw := string(respBody)

	if resp.StatusCode != http.StatusOK {
		return nil, raw, fmt.Errorf("expo api error: status=%d", resp.StatusCode)
	}

	var pushResp expoResponse
	if err := json.Unmarshal(respBody, &pushResp); err != nil {
		return nil, raw, fmt.Errorf("decode response: %w", err)
	}
	if len(pushResp.Data) != len(chunk) {
		return nil, raw, fmt.Errorf("expo returned %d tickets for %d messages", len(pushResp.Data), len(chunk))
	}
	return pushResp.Data, raw, nil
}

func ticketReceipt(address string, tickets []expoTicket, j int, raw string, err error) Receipt {
	if err != nil {
		return Receipt{
			Address: address,
			Err:     &DeliveryError{Code: CodeTransport, Message: err.Error()},
			Raw:     raw,
		}
	}

	ticket := tickets[j]
	ticketRaw, _ := json.Marshal(ticket)
	if ticket.Status == "ok" {
		return Receipt{Address: address, ReceiptID: ticket.ID, Raw: string(ticketRaw)}
	}

	code := ticket.Details.Error
	if code == "" {
		code = "ExpoError"
	}
	return Receipt{
		Address: address,
		Err: &DeliveryError{
			Code:      code,
			Message:   ticket.Message,
			Permanent: code == CodeDeviceNotRegistered,
		},
		Raw: string(ticketRaw),
	}
}

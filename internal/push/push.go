// Package push sends alert messages through a push provider and classifies
// per-address failures as transient or permanent.
package push

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// Message is one push to one device address.
type Message struct {
	Address     string            `json:"address"`
	Sound       string            `json:"sound"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data"`
	Priority    string            `json:"priority"`
	ChannelHint string            `json:"deliveryChannelHint"`
}

// Receipt is the provider outcome for the message at the same index.
// Err is nil on success.
type Receipt struct {
	Address   string
	ReceiptID string
	Err       error
	Raw       string
}

// Provider sends a batch and returns one receipt per message, in order.
// A non-nil error means nothing in the batch was accepted.
type Provider interface {
	Send(ctx context.Context, messages []Message) ([]Receipt, error)
	Name() string
}

// DeliveryError is a per-address failure reported by a provider.
type DeliveryError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsPermanent reports whether err means the address will never accept pushes again.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// Codes shared by both providers.
const (
	CodeDeviceNotRegistered = "DeviceNotRegistered"
	CodeInvalidAddress      = "InvalidPushAddress"
	CodeTransport           = "TransportError"
)

// NewLimiter builds the send throttle. perSecond <= 0 disables it.
func NewLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}

// failAll fills a receipt for every message with the same error.
func failAll(messages []Message, err error) []Receipt {
	receipts := make([]Receipt, len(messages))
	for i, m := range messages {
		receipts[i] = Receipt{Address: m.Address, Err: err, Raw: err.Error()}
	}
	return receipts
}

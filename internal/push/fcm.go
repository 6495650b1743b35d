package push

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
)

// fcmBatchLimit is the most messages SendEach accepts per call.
const fcmBatchLimit = 500

type fcmSender interface {
	SendEach(ctx context.Context, messages []*messaging.Message) (*messaging.BatchResponse, error)
}

// FCMClient sends pushes through Firebase Cloud Messaging.
type FCMClient struct {
	client  fcmSender
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

// NewFCMClient builds a client from service account fields. The private key
// may carry literal "\n" sequences as stored in .env files.
func NewFCMClient(ctx context.Context, projectID, clientEmail, privateKey string, limiter *rate.Limiter, log logrus.FieldLogger) (*FCMClient, error) {
	privateKey = strings.ReplaceAll(privateKey, "\\n", "\n")

	credsJSON := fmt.Sprintf(`{
		"type": "service_account",
		"project_id": %q,
		"private_key": %q,
		"client_email": %q,
		"token_uri": "https://oauth2.googleapis.com/token"
	}`, projectID, privateKey, clientEmail)

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON([]byte(credsJSON)))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}

	log.WithField("project_id", projectID).Info("FCM client initialized")
	return newFCMClient(client, limiter, log), nil
}

func newFCMClient(sender fcmSender, limiter *rate.Limiter, log logrus.FieldLogger) *FCMClient {
	return &FCMClient{client: sender, limiter: limiter, log: log.WithField("component", "fcm_push")}
}

func (c *FCMClient) Name() string { return "fcm" }

func (c *FCMClient) Send(ctx context.Context, messages []Message) ([]Receipt, error) {
	receipts := make([]Receipt, 0, len(messages))
	for start := 0; start < len(messages); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(messages))
		chunk := messages[start:end]

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		batch := make([]*messaging.Message, len(chunk))
		for i, m := range chunk {
			batch[i] = toFCMMessage(m)
		}

		resp, err := c.client.SendEach(ctx, batch)
		if err != nil {
			c.log.WithError(err).WithField("messages", len(chunk)).Warn("FCM batch failed")
			receipts = append(receipts, failAll(chunk, &DeliveryError{Code: CodeTransport, Message: err.Error()})...)
			continue
		}

		for i, m := range chunk {
			receipts = append(receipts, fcmReceipt(m.Address, resp.Responses[i]))
		}
		c.log.WithFields(logrus.Fields{
			"success": resp.SuccessCount,
			"failure": resp.FailureCount,
		}).Debug("FCM batch sent")
	}
	return receipts, nil
}

func toFCMMessage(m Message) *messaging.Message {
	priority := "high"
	if m.Priority == "normal" {
		priority = "normal"
	}
	aps := &messaging.Aps{ContentAvailable: true}
	if m.Sound != "" {
		aps.CriticalSound = &messaging.CriticalSound{
			Critical: true,
			Name:     m.Sound,
			Volume:   1.0,
		}
	}
	return &messaging.Message{
		Token: m.Address,
		Data:  m.Data,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				Sound:     m.Sound,
				ChannelID: m.ChannelHint,
				Priority:  messaging.PriorityMax,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{Aps: aps},
		},
	}
}

func fcmReceipt(address string, r *messaging.SendResponse) Receipt {
	if r.Success {
		return Receipt{Address: address, ReceiptID: r.MessageID, Raw: r.MessageID}
	}
	de := &DeliveryError{Code: "FCMError", Message: r.Error.Error()}
	switch {
	case messaging.IsUnregistered(r.Error):
		de.Code = CodeDeviceNotRegistered
		de.Permanent = true
	case messaging.IsInvalidArgument(r.Error):
		de.Code = CodeInvalidAddress
		de.Permanent = true
	}
	return Receipt{Address: address, Err: de, Raw: r.Error.Error()}
}

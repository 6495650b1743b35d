package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tablealert/internal/queue"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
	readWait   = 90 * time.Second
)

// Subscriber holds a websocket to the change feed, reconnecting with
// backoff until its context ends.
type Subscriber struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	onEvent   func(queue.BookingEvent)
	onConnect func()
	log       logrus.FieldLogger
}

// NewSubscriber calls onConnect after every successful dial so the caller
// can resync whatever it missed while disconnected.
func NewSubscriber(url string, header http.Header, onEvent func(queue.BookingEvent), onConnect func(), log logrus.FieldLogger) *Subscriber {
	return &Subscriber{
		url:       url,
		header:    header,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onEvent:   onEvent,
		onConnect: onConnect,
		log:       log.WithField("component", "feed_subscriber"),
	}
}

// Run blocks until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = minBackoff
		}
		s.log.WithError(err).WithField("retry_in", backoff.String()).Warn("Change feed disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// Unblock ReadJSON on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.log.Info("Change feed connected")
	if s.onConnect != nil {
		s.onConnect()
	}

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		var event queue.BookingEvent
		if err := conn.ReadJSON(&event); err != nil {
			return true, err
		}
		s.onEvent(event)
	}
}

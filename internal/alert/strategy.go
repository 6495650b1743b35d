package alert

import (
	"context"
	"fmt"
	"strings"
)

// Strategy is one way of getting staff attention. Strategies are tried in
// order until one starts; the one that started owns the shared resource
// until Stop.
type Strategy interface {
	Channel() Channel
	Start(ctx context.Context, active []Entry) error
	// Redisplay refreshes the visible alert while bookings remain active.
	Redisplay(ctx context.Context, active []Entry) error
	Stop(ctx context.Context) error
}

// Player loops an alarm sound until stopped.
type Player interface {
	Loop(ctx context.Context) error
	Stop() error
}

// Notification is a local notification shown on the device.
type Notification struct {
	Title string
	Body  string
	Sound bool
}

type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Clear(ctx context.Context) error
}

type Vibrator interface {
	Pulse(ctx context.Context) error
}

// DefaultStrategies returns looped audio, then sound notifications, then vibration.
func DefaultStrategies(player Player, notifier Notifier, vibrator Vibrator) []Strategy {
	return []Strategy{
		&loopedAudio{player: player, notifier: notifier},
		&soundNotification{notifier: notifier},
		&vibration{vibrator: vibrator, notifier: notifier},
	}
}

type loopedAudio struct {
	player   Player
	notifier Notifier
}

func (s *loopedAudio) Channel() Channel { return ChannelLoopedAudio }

func (s *loopedAudio) Start(ctx context.Context, active []Entry) error {
	if s.player == nil {
		return ErrUnavailable
	}
	if err := s.player.Loop(ctx); err != nil {
		return err
	}
	showQuietly(ctx, s.notifier, active)
	return nil
}

func (s *loopedAudio) Redisplay(ctx context.Context, active []Entry) error {
	showQuietly(ctx, s.notifier, active)
	return nil
}

func (s *loopedAudio) Stop(ctx context.Context) error {
	err := s.player.Stop()
	clearNotice(ctx, s.notifier)
	return err
}

type soundNotification struct {
	notifier Notifier
}

func (s *soundNotification) Channel() Channel { return ChannelSoundNotification }

func (s *soundNotification) Start(ctx context.Context, active []Entry) error {
	return s.Redisplay(ctx, active)
}

func (s *soundNotification) Redisplay(ctx context.Context, active []Entry) error {
	if s.notifier == nil {
		return ErrUnavailable
	}
	n := summarize(active)
	n.Sound = true
	return s.notifier.Show(ctx, n)
}

func (s *soundNotification) Stop(ctx context.Context) error {
	clearNotice(ctx, s.notifier)
	return nil
}

type vibration struct {
	vibrator Vibrator
	notifier Notifier
}

func (s *vibration) Channel() Channel { return ChannelVibration }

func (s *vibration) Start(ctx context.Context, active []Entry) error {
	if s.vibrator == nil {
		return ErrUnavailable
	}
	if err := s.vibrator.Pulse(ctx); err != nil {
		return err
	}
	showQuietly(ctx, s.notifier, active)
	return nil
}

func (s *vibration) Redisplay(ctx context.Context, active []Entry) error {
	showQuietly(ctx, s.notifier, active)
	return s.vibrator.Pulse(ctx)
}

func (s *vibration) Stop(ctx context.Context) error {
	clearNotice(ctx, s.notifier)
	return nil
}

func showQuietly(ctx context.Context, n Notifier, active []Entry) {
	if n != nil {
		_ = n.Show(ctx, summarize(active))
	}
}

func clearNotice(ctx context.Context, n Notifier) {
	if n != nil {
		_ = n.Clear(ctx)
	}
}

// summarize renders the active set as one notification.
func summarize(active []Entry) Notification {
	if len(active) == 1 {
		e := active[0]
		return Notification{
			Title: "New booking request",
			Body:  describe(e),
		}
	}
	lines := make([]string, 0, len(active))
	for _, e := range active {
		lines = append(lines, describe(e))
	}
	return Notification{
		Title: fmt.Sprintf("%d booking requests waiting", len(active)),
		Body:  strings.Join(lines, "\n"),
	}
}

func describe(e Entry) string {
	guest := e.GuestName
	if guest == "" {
		guest = "Guest"
	}
	return fmt.Sprintf("%s, party of %d, %s", guest, e.PartySize, e.BookingTime.Local().Format("Mon 02 Jan 15:04"))
}

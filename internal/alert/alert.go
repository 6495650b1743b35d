// Package alert keeps a device audibly alerting while any booking it knows
// about is still waiting for a human decision.
package alert

import (
	"errors"
	"time"
)

// Channel names the signalling path currently in use.
type Channel string

const (
	ChannelNone              Channel = "none"
	ChannelLoopedAudio       Channel = "looped_audio"
	ChannelSoundNotification Channel = "sound_notification"
	ChannelVibration         Channel = "vibration"
)

// ErrUnavailable is returned by a backend that cannot run on this device.
var ErrUnavailable = errors.New("alert backend unavailable")

// Entry is one booking that is alerting.
type Entry struct {
	BookingID   string    `json:"booking_id"`
	GuestName   string    `json:"guest_name"`
	PartySize   int       `json:"party_size"`
	BookingTime time.Time `json:"booking_time"`
	StartedAt   time.Time `json:"started_at"`
}

// Health is what a health check needs to spot a degraded alert path.
type Health struct {
	ActiveAlertCount       int     `json:"activeAlertCount"`
	CurrentFallbackChannel Channel `json:"currentFallbackChannel"`
	Degraded               bool    `json:"degraded"`
	Advice                 string  `json:"advice,omitempty"`
	LastError              string  `json:"lastError,omitempty"`
}

// adviceFor returns the corrective hint shown when ch is not the primary path.
func adviceFor(ch Channel) string {
	switch ch {
	case ChannelSoundNotification:
		return "Looped alarm audio is unavailable. Allow the app to override Do Not Disturb and check the audio output."
	case ChannelVibration:
		return "Only vibration is working. Enable notification sounds and disable battery optimisation for the app."
	case ChannelNone:
		return "No alert channel could be started. Check device power settings and notification permissions."
	}
	return ""
}

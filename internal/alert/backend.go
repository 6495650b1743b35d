package alert

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// splitCommand turns "paplay /usr/share/sounds/alarm.oga" into argv.
func splitCommand(command string) []string {
	return strings.Fields(command)
}

// ExecPlayer loops an external audio command, e.g. paplay or afplay. An
// optional volume command runs first to raise output to maximum and leave
// any do-not-disturb mode; if it fails the player reports unavailable.
type ExecPlayer struct {
	play   []string
	volume []string
	gap    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	log    logrus.FieldLogger
}

func NewExecPlayer(playCommand, volumeCommand string, log logrus.FieldLogger) *ExecPlayer {
	return &ExecPlayer{
		play:   splitCommand(playCommand),
		volume: splitCommand(volumeCommand),
		gap:    200 * time.Millisecond,
		log:    log.WithField("component", "alert_audio"),
	}
}

// Loop starts playback in the background. ctx bounds only the setup; the
// loop runs until Stop.
func (p *ExecPlayer) Loop(ctx context.Context) error {
	if len(p.play) == 0 {
		return ErrUnavailable
	}
	if _, err := exec.LookPath(p.play[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(p.volume) > 0 {
		if out, err := exec.CommandContext(ctx, p.volume[0], p.volume[1:]...).CombinedOutput(); err != nil {
			return fmt.Errorf("raise volume: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx, p.done)
	return nil
}

func (p *ExecPlayer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := exec.CommandContext(ctx, p.play[0], p.play[1:]...).Run()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.WithError(err).Warn("Alarm playback failed, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.gap):
		}
	}
}

// Stop ends the loop and waits for the current playback to be killed.
func (p *ExecPlayer) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// soundTimeout caps a one-shot notification sound.
const soundTimeout = 30 * time.Second

// ExecNotifier shows notifications through a command such as notify-send.
// Title and body are appended as the last two arguments. A sound
// notification also plays soundCommand once in the background.
type ExecNotifier struct {
	notify []string
	sound  []string

	wg sync.WaitGroup // outstanding sound processes
}

func NewExecNotifier(notifyCommand, soundCommand string) *ExecNotifier {
	return &ExecNotifier{notify: splitCommand(notifyCommand), sound: splitCommand(soundCommand)}
}

func (n *ExecNotifier) Show(ctx context.Context, note Notification) error {
	if len(n.notify) == 0 {
		return ErrUnavailable
	}
	args := append(append([]string{}, n.notify[1:]...), note.Title, note.Body)
	if err := exec.CommandContext(ctx, n.notify[0], args...).Run(); err != nil {
		return fmt.Errorf("show notification: %w", err)
	}
	if note.Sound {
		if len(n.sound) == 0 {
			return ErrUnavailable
		}
		soundCtx, cancel := context.WithTimeout(context.Background(), soundTimeout)
		cmd := exec.CommandContext(soundCtx, n.sound[0], n.sound[1:]...)
		if err := cmd.Start(); err != nil {
			cancel()
			return fmt.Errorf("notification sound: %w", err)
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer cancel()
			_ = cmd.Wait()
		}()
	}
	return nil
}

func (n *ExecNotifier) Clear(ctx context.Context) error { return nil }

// LogNotifier writes notifications to the log. It cannot make a sound.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log.WithField("component", "alert_notice")}
}

func (n *LogNotifier) Show(ctx context.Context, note Notification) error {
	n.log.WithField("body", note.Body).Warn(note.Title)
	if note.Sound {
		return errors.New("log notifier has no sound output")
	}
	return nil
}

func (n *LogNotifier) Clear(ctx context.Context) error {
	n.log.Info("Alert notification cleared")
	return nil
}

// ExecVibrator runs a haptic command once per pulse.
type ExecVibrator struct {
	command []string
}

// NewExecVibrator returns nil when command is empty so the vibration
// strategy reports itself unavailable.
func NewExecVibrator(command string) Vibrator {
	argv := splitCommand(command)
	if len(argv) == 0 {
		return nil
	}
	return &ExecVibrator{command: argv}
}

func (v *ExecVibrator) Pulse(ctx context.Context) error {
	if err := exec.CommandContext(ctx, v.command[0], v.command[1:]...).Run(); err != nil {
		return fmt.Errorf("vibrate: %w", err)
	}
	return nil
}

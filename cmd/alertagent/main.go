package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tablealert/internal/agent"
	"tablealert/internal/alert"
	"tablealert/internal/config"
	"tablealert/internal/logger"
	"tablealert/internal/model"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type agentOptions struct {
	noFeed bool
}

func newRootCommand() *cobra.Command {
	opts := &agentOptions{}

	cmd := &cobra.Command{
		Use:          "alertagent",
		Short:        "Keep this device alerting while booking requests wait",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.noFeed, "no-feed", false, "poll snapshots only, without the websocket change feed")
	return cmd
}

func run(opts *agentOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.AgentToken == "" || cfg.AgentDeviceID == "" {
		return errors.New("AGENT_TOKEN and AGENT_DEVICE_ID are required")
	}
	log := logger.New(cfg).WithFields(logrus.Fields{
		"restaurant_id": cfg.AgentRestaurantID,
		"device_id":     cfg.AgentDeviceID,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var notifier alert.Notifier = alert.NewLogNotifier(log)
	if cfg.AgentNotifyCommand != "" {
		notifier = alert.NewExecNotifier(cfg.AgentNotifyCommand, cfg.AgentSoundCommand)
	}
	registry := alert.NewRegistry(
		alert.DefaultStrategies(
			alert.NewExecPlayer(cfg.AgentSoundCommand, cfg.AgentVolumeCommand, log),
			notifier,
			alert.NewExecVibrator(cfg.AgentVibrateCommand),
		),
		time.Duration(cfg.AgentRedisplaySecs)*time.Second,
		log,
	)
	defer registry.Shutdown()

	client := agent.NewClient(cfg.AgentAPIURL, cfg.AgentToken, nil)
	a := agent.New(client, registry, agent.Config{
		Device: model.RegisterDeviceRequest{
			DeviceID:    cfg.AgentDeviceID,
			PushAddress: cfg.AgentPushAddress,
			Platform:    cfg.AgentPlatform,
		},
		PollInterval:  time.Duration(cfg.AgentPollSeconds) * time.Second,
		HealthCheck:   time.Duration(cfg.AgentHealthCheckSecs) * time.Second,
		ListenAddress: cfg.AgentListenAddr,
	}, log)

	var wg sync.WaitGroup
	if !opts.noFeed {
		sub := agent.NewSubscriber(client.FeedURL(), client.AuthHeader(), a.HandleEvent, func() { a.Sync(ctx) }, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Run(ctx)
		}()
	}

	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Serve(ctx); err != nil {
			errCh <- err
			stop()
		}
	}()

	a.Run(ctx)
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

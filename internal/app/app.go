// Package app assembles the server's components from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tablealert/internal/archive"
	"tablealert/internal/cache"
	"tablealert/internal/config"
	"tablealert/internal/database"
	"tablealert/internal/feed"
	"tablealert/internal/outbox"
	"tablealert/internal/push"
	"tablealert/internal/queue"
	redisclient "tablealert/internal/redis"
	"tablealert/internal/repository"
	"tablealert/internal/repository/memstore"
	"tablealert/internal/service"
	"tablealert/internal/worker"
)

// App holds every long-lived component of alertd.
type App struct {
	Config   *config.Config
	Log      logrus.FieldLogger
	Instance string

	Store    *repository.Store
	Enqueuer *outbox.Enqueuer
	Worker   *worker.Worker
	Manager  *worker.Manager

	Hub   *feed.Hub
	Relay *feed.Relay // nil without Redis

	Bookings *service.BookingService
	Devices  *service.DeviceService
	Intents  *service.IntentService

	closers []func() error
}

// New connects storage, Redis and the push provider and wires the services.
// Redis is optional: without it lease, dedupe and the change feed stay in-process.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Config: cfg, Log: log, Instance: instanceName()}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Store = store

	rc, err := redisclient.Connect(ctx, cfg.RedisURL, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if rc != nil {
		a.closers = append(a.closers, rc.Close)
	}

	provider, err := NewProvider(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	outboxCfg := outbox.Config{
		RepeatInterval: time.Duration(cfg.RepeatIntervalSecs) * time.Second,
		RepeatWindow:   time.Duration(cfg.RepeatWindowSecs) * time.Second,
		DedupeWindow:   time.Duration(cfg.EnqueueDedupeSeconds) * time.Second,
		MaxAttempts:    cfg.WorkerMaxAttempts,
	}
	var (
		guard cache.DedupeGuard = cache.NewLocalDedupeGuard()
		lease cache.Lease       = cache.NewLocalLease()
	)
	if rc != nil {
		guard = cache.NewRedisDedupeGuard(rc.Client)
		lease = cache.NewRedisLease(rc.Client)
	}
	a.Enqueuer = outbox.NewEnqueuer(store.Intents, outboxCfg, log, outbox.WithDedupeGuard(guard))

	claimTTL := time.Duration(cfg.WorkerClaimSeconds) * time.Second
	a.Worker = worker.New(store, provider, worker.Config{
		BatchSize:   cfg.WorkerBatchSize,
		ClaimTTL:    claimTTL,
		Sound:       cfg.PushSound,
		ChannelHint: cfg.PushChannelHint,
	}, log)

	managerCfg := worker.DefaultManagerConfig()
	managerCfg.CronSpec = cfg.WorkerCronSpec
	managerCfg.LeaseTTL = claimTTL
	managerCfg.RequireLease = cfg.WorkerRequireLease
	a.Manager = worker.NewManager(a.Worker, lease, a.Instance, managerCfg, log)

	a.Hub = feed.NewHub(log)
	a.closers = append(a.closers, func() error { a.Hub.Close(); return nil })

	var publisher queue.Publisher = a.Hub
	if rc != nil {
		publisher = queue.NewPublisher(rc.Client, log)
		a.Relay = feed.NewRelay(queue.NewConsumer(rc.Client, log), a.Hub, a.Instance, log)
	}

	var archiver archive.Archiver
	if cfg.ArchiveEnabled() {
		r2, err := archive.NewR2Archiver(ctx, cfg, log)
		if err != nil {
			log.WithError(err).Warn("Timeline archive disabled")
		} else {
			archiver = r2
		}
	}

	a.Bookings = service.NewBookingService(store, a.Enqueuer, publisher, archiver, log)
	a.Devices = service.NewDeviceService(store.Devices, log)
	a.Intents = service.NewIntentService(store.Intents, a.Enqueuer)

	log.WithFields(logrus.Fields{
		"instance": a.Instance,
		"store":    cfg.StoreDriver,
		"push":     provider.Name(),
		"redis":    rc != nil,
		"archive":  archiver != nil,
	}).Info("Alert pipeline assembled")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (*repository.Store, error) {
	switch a.Config.StoreDriver {
	case config.StoreDriverMemory:
		a.Log.Warn("Using in-memory store, data is lost on restart")
		return memstore.New().Store(), nil
	case config.StoreDriverPostgres:
		db, err := database.Connect(a.Config, a.Log)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return repository.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", a.Config.StoreDriver)
	}
}

// Start launches the cron worker and, with Redis, the feed relay.
func (a *App) Start(ctx context.Context) error {
	if err := a.Manager.Start(ctx); err != nil {
		return err
	}
	if a.Relay != nil {
		if err := a.Relay.Start(ctx); err != nil {
			a.Manager.Stop()
			return err
		}
	}
	return nil
}

// Stop halts background work started by Start.
func (a *App) Stop() {
	if a.Relay != nil {
		a.Relay.Stop()
	}
	a.Manager.Stop()
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.WithError(err).Warn("Close failed")
		}
	}
	a.closers = nil
}

// NewProvider returns the configured push provider.
func NewProvider(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (push.Provider, error) {
	limiter := push.NewLimiter(cfg.PushRateLimit)
	switch cfg.PushProvider {
	case config.PushProviderExpo:
		return push.NewExpoClient(cfg.ExpoAccessToken, limiter, log), nil
	case config.PushProviderFCM:
		if cfg.FCMProjectID == "" || cfg.FCMClientEmail == "" || cfg.FCMPrivateKey == "" {
			return nil, fmt.Errorf("PUSH_PROVIDER=fcm requires FCM_PROJECT_ID, FCM_CLIENT_EMAIL and FCM_PRIVATE_KEY")
		}
		return push.NewFCMClient(ctx, cfg.FCMProjectID, cfg.FCMClientEmail, cfg.FCMPrivateKey, limiter, log)
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q", cfg.PushProvider)
	}
}

// instanceName identifies this process in leases and consumer groups.
func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "alertd"
	}
	return host + "-" + uuid.NewString()[:8]
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"tablealert/internal/cache"
)

const (
	// DefaultCronSpec runs one pass a minute.
	DefaultCronSpec = "@every 60s"

	// DefaultPassTimeout caps a single pass.
	DefaultPassTimeout = 50 * time.Second
)

// Runner is one delivery pass.
type Runner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

// ManagerConfig holds configuration for the scheduled worker.
type ManagerConfig struct {
	CronSpec     string        // robfig/cron spec, e.g. "@every 60s"
	PassTimeout  time.Duration // context deadline for one pass
	LeaseTTL     time.Duration // how long the run lease is held
	RequireLease bool          // skip the pass when another process holds the lease
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		CronSpec:    DefaultCronSpec,
		PassTimeout: DefaultPassTimeout,
		LeaseTTL:    DefaultClaimTTL,
	}
}

// Manager triggers passes on a cron schedule. Overlapping ticks inside one
// process are skipped; across processes a lease reduces duplicate provider
// calls while the conditional updates keep passes correct regardless.
type Manager struct {
	runner Runner
	lease  cache.Lease
	owner  string
	cfg    ManagerConfig
	cron   *cron.Cron
	log    logrus.FieldLogger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func NewManager(runner Runner, lease cache.Lease, owner string, cfg ManagerConfig, log logrus.FieldLogger) *Manager {
	if cfg.CronSpec == "" {
		cfg.CronSpec = DefaultCronSpec
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = DefaultPassTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultClaimTTL
	}
	log = log.WithField("component", "worker_manager")
	return &Manager{
		runner: runner,
		lease:  lease,
		owner:  owner,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		log:    log,
	}
}

// Start schedules passes until Stop is called or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	if _, err := m.cron.AddFunc(m.cfg.CronSpec, func() { m.Tick(m.ctx) }); err != nil {
		m.cancel()
		return fmt.Errorf("schedule worker %q: %w", m.cfg.CronSpec, err)
	}
	m.cron.Start()
	m.started = true
	m.log.WithField("spec", m.cfg.CronSpec).Info("Worker schedule started")
	return nil
}

// Stop cancels the running pass and waits for it to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.cancel()
	<-m.cron.Stop().Done()
	m.started = false
	m.log.Info("Worker schedule stopped")
}

// Tick runs one pass under the lease. It is what both the cron job and the
// one-shot CLI command call.
func (m *Manager) Tick(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PassTimeout)
	defer cancel()

	if m.lease != nil {
		held, err := m.lease.Acquire(ctx, cache.WorkerLeaseKey, m.owner, m.cfg.LeaseTTL)
		switch {
		case err != nil:
			m.log.WithError(err).Warn("Worker lease unavailable, running unguarded")
		case held:
			defer func() {
				if err := m.lease.Release(context.WithoutCancel(ctx), cache.WorkerLeaseKey, m.owner); err != nil {
					m.log.WithError(err).Warn("Release worker lease failed")
				}
			}()
		case m.cfg.RequireLease:
			m.log.Debug("Worker lease held elsewhere, skipping pass")
			return Summary{}, nil
		default:
			m.log.Debug("Worker lease held elsewhere, running anyway")
		}
	}

	sum, err := m.runner.RunOnce(ctx)
	if err != nil {
		m.log.WithError(err).WithField("run_id", sum.RunID).Error("Worker pass failed")
	}
	return sum, err
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).WithError(err).Error(msg)
}

func kv(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// Package balancer wires the config, registry, announce supervisor,
// ingest queue, dispatch scheduler, webhook server, and file-watch
// front-end together and runs the three long-lived workers.
package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xwell/qbit-loadbalancer/internal/announce"
	"github.com/xwell/qbit-loadbalancer/internal/config"
	"github.com/xwell/qbit-loadbalancer/internal/dispatch"
	"github.com/xwell/qbit-loadbalancer/internal/filewatch"
	"github.com/xwell/qbit-loadbalancer/internal/ingest"
	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
	"github.com/xwell/qbit-loadbalancer/internal/registry"
	"github.com/xwell/qbit-loadbalancer/internal/webhook"
)

// Balancer owns every long-lived component and the workers that drive
// them.
type Balancer struct {
	cfg       *config.Config
	log       zerolog.Logger
	registry  *registry.Registry
	announcer *announce.Supervisor
	queue     *ingest.Queue
	scheduler *dispatch.Scheduler
	webhook   *webhook.Server
	watcher   *filewatch.Watcher
}

// New constructs every component from cfg without making any network
// calls.
func New(cfg *config.Config, log zerolog.Logger) *Balancer {
	announcer := announce.New(announce.Config{
		MaxAnnounceRetries:   cfg.MaxAnnounceRetries,
		FastAnnounceInterval: time.Duration(cfg.FastAnnounceIntervalSeconds * float64(time.Second)),
	}, log)

	specs := make([]registry.InstanceSpec, 0, len(cfg.QBittorrentInstances))
	for _, ic := range cfg.QBittorrentInstances {
		specs = append(specs, registry.InstanceSpec{
			Name:               ic.Name,
			BaseURL:            ic.URL,
			Username:           ic.Username,
			Password:           ic.Password,
			ReservedSpaceBytes: qbittorrent.MiBToBytes(ic.ReservedSpaceMiB),
			TrafficLimitBytes:  qbittorrent.MiBToBytes(ic.TrafficLimitMiB),
			TrafficCheckURL:    ic.TrafficCheckURL,
		})
	}

	reg := registry.New(specs, registry.Config{
		ReconnectInterval:    time.Duration(cfg.ReconnectIntervalSeconds) * time.Second,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ConnectionTimeout:    time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second,
	}, announcer, log)

	queue := ingest.New()

	scheduler := dispatch.New(dispatch.Config{
		MaxNewTasksPerInstance: cfg.MaxNewTasksPerInstance,
		PrimarySortKey:         cfg.PrimarySortKey,
		DebugAddStopped:        cfg.DebugAddStopped,
	}, reg, queue, log)

	webhookAddr := fmt.Sprintf(":%d", cfg.WebhookPort)
	whServer := webhook.New(webhookAddr, cfg.WebhookPath, queue, reg, log)

	var watcher *filewatch.Watcher
	if cfg.TorrentWatchDir != "" {
		watcher = filewatch.New(filewatch.Config{
			WatchDir: cfg.TorrentWatchDir,
			MaxAge:   time.Duration(cfg.TorrentMaxAgeMinutes) * time.Minute,
		}, queue, log)
	}

	return &Balancer{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		announcer: announcer,
		queue:     queue,
		scheduler: scheduler,
		webhook:   whServer,
		watcher:   watcher,
	}
}

// Run starts every worker and blocks until ctx is canceled or the
// webhook server fails, then shuts everything down gracefully.
func (b *Balancer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if b.cfg.SortKeyFallbackWarning != "" {
		b.log.Warn().Str("warning", b.cfg.SortKeyFallbackWarning).Msg("configuration warning")
	}

	b.registry.ConnectAll(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.statusLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		b.scheduler.Loop(ctx)
	}()

	if b.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.watcher.Run(ctx); err != nil {
				b.log.Error().Err(err).Msg("file watcher stopped")
			}
		}()
	}

	webhookErr := make(chan error, 1)
	go func() {
		webhookErr <- b.webhook.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-webhookErr:
		if err != nil {
			b.log.Error().Err(err).Msg("webhook server failed")
			runErr = fmt.Errorf("webhook server: %w", err)
		}
	}

	b.log.Info().Msg("shutting down, stopping webhook server")
	_ = b.webhook.Close()

	cancel()
	wg.Wait()
	return runErr
}

// statusLoop runs the status tick, then the status summary log, then
// schedules any due reconnects, sleeping an adaptive interval per
// spec.md §5: fast_announce_interval if any torrent is under active
// announce supervision, else twice that.
func (b *Balancer) statusLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.FastAnnounceIntervalSeconds * float64(time.Second))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Msg("status worker panicked, recovering")
					time.Sleep(5 * time.Second)
				}
			}()
			b.registry.StatusTick(ctx)
			b.registry.LogStatusSummary()
			b.registry.CheckAndScheduleReconnects(ctx)
		}()

		sleep := interval * 2
		if b.announcer.PendingCount() > 0 {
			sleep = interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// Package dispatch implements the selection function and per-pass
// dispatch loop: filter eligible instances, pick one by a deterministic
// multi-key ordering, hand the torrent off to the qBittorrent adapter.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/xwell/qbit-loadbalancer/internal/config"
	"github.com/xwell/qbit-loadbalancer/internal/ingest"
	"github.com/xwell/qbit-loadbalancer/internal/metrics"
	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
	"github.com/xwell/qbit-loadbalancer/internal/registry"
)

// Config controls dispatch eligibility, ordering and add options; the
// pass cadence is fixed (see Loop).
type Config struct {
	MaxNewTasksPerInstance int
	PrimarySortKey         config.SortKey
	DebugAddStopped        bool
}

// Scheduler drains the ingest queue against the instance registry on
// every pass.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	queue    *ingest.Queue
	log      zerolog.Logger
}

func New(cfg Config, reg *registry.Registry, queue *ingest.Queue, log zerolog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, registry: reg, queue: queue, log: log}
}

func primarySortValue(s registry.Snapshot, key config.SortKey) float64 {
	switch key {
	case config.SortByDownloadSpeed:
		return s.DownloadKbps
	case config.SortByActiveDownloads:
		return float64(s.ActiveDownloads)
	default:
		return s.UploadKbps
	}
}

// eligible reports whether an instance snapshot satisfies spec.md
// §4.2's four eligibility conditions.
func eligible(s registry.Snapshot, maxNewTasksPerInstance int) bool {
	if !s.Connected {
		return false
	}
	if s.NewTasksThisRound >= maxNewTasksPerInstance {
		return false
	}
	if s.FreeSpaceBytes <= s.ReservedSpaceBytes {
		return false
	}
	if s.TrafficOutBytes != 0 && s.TrafficLimitBytes != 0 && s.TrafficOutBytes >= s.TrafficLimitBytes {
		return false
	}
	return true
}

// Select returns the best eligible instance by the configured ordering
// key: ascending (primary, total_added_tasks, -free_space). Returns
// (Snapshot{}, false) if no instance is eligible.
func Select(snapshots []registry.Snapshot, maxNewTasksPerInstance int, key config.SortKey) (registry.Snapshot, bool) {
	var best registry.Snapshot
	found := false

	for _, s := range snapshots {
		if !eligible(s, maxNewTasksPerInstance) {
			continue
		}
		if !found {
			best = s
			found = true
			continue
		}
		if less(s, best, key) {
			best = s
		}
	}
	return best, found
}

func less(a, b registry.Snapshot, key config.SortKey) bool {
	pa, pb := primarySortValue(a, key), primarySortValue(b, key)
	if pa != pb {
		return pa < pb
	}
	if a.TotalAddedTasks != b.TotalAddedTasks {
		return a.TotalAddedTasks < b.TotalAddedTasks
	}
	return a.FreeSpaceBytes > b.FreeSpaceBytes
}

// RunPass executes one dispatch pass over a snapshot of the pending
// queue: for each torrent in FIFO order, pick an eligible instance and
// add it; stop the pass early if no instance is eligible, since later
// torrents in this pass would fail the same way. Round-scoped counters
// are reset once, after the whole pass.
func (s *Scheduler) RunPass(ctx context.Context) {
	pending := s.queue.Snapshot()
	metrics.PendingQueueDepth.Set(float64(len(pending)))

	for _, torrent := range pending {
		snapshots := s.registry.Snapshot()
		chosen, ok := Select(snapshots, s.cfg.MaxNewTasksPerInstance, s.cfg.PrimarySortKey)
		if !ok {
			s.log.Debug().Msg("no eligible instance this pass, stopping")
			break
		}

		if s.addTorrent(ctx, chosen.Name, torrent) {
			s.queue.Remove(torrent.DownloadURL)
			metrics.TorrentsDispatched.WithLabelValues(chosen.Name).Inc()
			s.registry.WithInstance(chosen.Name, func(inst *registry.Instance) {
				inst.NewTasksThisRound++
				inst.TotalAddedTasks++
			})
		}
	}

	s.registry.ResetRoundCounters()
}

func (s *Scheduler) addTorrent(ctx context.Context, instanceName string, torrent ingest.Torrent) bool {
	client := s.registry.ClientFor(instanceName)
	if client == nil {
		s.log.Warn().Str("instance", instanceName).Msg("instance went away before add, leaving torrent queued")
		return false
	}

	ok, err := client.TorrentsAdd(ctx, qbittorrent.AddTorrentParams{
		URL:         torrent.DownloadURL,
		Category:    torrent.Category,
		StartPaused: s.cfg.DebugAddStopped,
	})
	if err != nil {
		s.log.Error().Err(err).Str("instance", instanceName).Str("release", torrent.ReleaseName).Msg("add torrent failed")
		metrics.DispatchFailures.Inc()
		return false
	}
	if !ok {
		s.log.Error().Str("instance", instanceName).Str("release", torrent.ReleaseName).Msg("add torrent returned non-Ok result")
		metrics.DispatchFailures.Inc()
		return false
	}

	s.log.Info().Str("instance", instanceName).Str("release", torrent.ReleaseName).Str("category", torrent.Category).Msg("dispatched torrent")
	return true
}

// Loop runs RunPass on a fixed 1-second cadence until ctx is canceled. A
// panic inside RunPass is caught, logged, and followed by a 5-second
// sleep before the loop continues, per the background-worker policy
// every worker in this package follows.
func (s *Scheduler) Loop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error().Interface("panic", r).Msg("dispatch worker panicked, recovering")
						time.Sleep(5 * time.Second)
					}
				}()
				s.RunPass(ctx)
			}()
		}
	}
}

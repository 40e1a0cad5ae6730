// Package announce implements the per-torrent re-announce state
// machine: one attempt counter per info-hash, forced re-announces at
// fixed attempt thresholds, conditional re-announces on tracker
// trouble, and eviction once a torrent completes or ages out of the
// supervision window.
package announce

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xwell/qbit-loadbalancer/internal/metrics"
	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
)

// Config controls the supervisor's thresholds, per spec.md §4.3.
type Config struct {
	MaxAnnounceRetries   int
	FastAnnounceInterval time.Duration
}

// Supervisor owns the process-wide announce-counter map. It is
// single-writer by design (only the status worker calls Observe); see
// spec.md §9 "Per-torrent map". The map is keyed by info-hash alone, not
// by instance, so the same hash observed on two instances shares one
// counter.
type Supervisor struct {
	cfg     Config
	mu      sync.Mutex
	counter map[string]int // info-hash -> attempt count
	log     zerolog.Logger
	now     func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Supervisor {
	if cfg.FastAnnounceInterval < 2*time.Second {
		cfg.FastAnnounceInterval = 2 * time.Second
	} else if cfg.FastAnnounceInterval > 10*time.Second {
		cfg.FastAnnounceInterval = 10 * time.Second
	}
	if cfg.MaxAnnounceRetries <= 0 {
		cfg.MaxAnnounceRetries = 12
	}
	return &Supervisor{
		cfg:     cfg,
		counter: make(map[string]int),
		log:     log,
		now:     time.Now,
	}
}

// PendingCount reports how many info-hashes currently hold an active
// announce counter, used by the status worker to pick its sleep
// interval per spec.md §5.
func (s *Supervisor) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counter)
}

// trackerClient is the subset of qbittorrent.Client the supervisor
// calls, so tests can substitute a fake.
type trackerClient interface {
	TorrentsReannounce(ctx context.Context, hash string) error
	TorrentsTrackers(ctx context.Context, hash string) ([]qbittorrent.TrackerRecord, error)
}

// Observe runs one status-tick pass over an instance's torrents. It is
// called at most once per torrent per status tick per instance.
func (s *Supervisor) Observe(ctx context.Context, instanceName string, client trackerClient, torrents map[string]qbittorrent.TorrentRecord) {
	now := s.now()
	for hash, torrent := range torrents {
		s.observeOne(ctx, instanceName, client, hash, torrent, now)
	}
}

func (s *Supervisor) observeOne(ctx context.Context, instanceName string, client trackerClient, rawHash string, torrent qbittorrent.TorrentRecord, now time.Time) {
	hash := qbittorrent.FormatHash(rawHash)
	age := now.Sub(time.Unix(torrent.AddedOn, 0))
	completed := torrent.Progress == 1.0

	// Eviction rule, checked first.
	if (completed && age > 60*time.Second) || age > 130*time.Second || age < 2*time.Second {
		s.mu.Lock()
		_, existed := s.counter[hash]
		delete(s.counter, hash)
		s.mu.Unlock()
		if existed {
			metrics.TorrentsEvicted.Inc()
			s.log.Debug().Str("instance", instanceName).Str("hash", hash).Str("torrent", torrent.Name).
				Dur("age", age).Msg("torrent expired after 120s supervision window, evicted")
		}
		return
	}

	s.mu.Lock()
	s.counter[hash]++
	attempt := s.counter[hash]
	s.mu.Unlock()

	first := int(60 / s.cfg.FastAnnounceInterval.Seconds())
	second := int(120 / s.cfg.FastAnnounceInterval.Seconds())

	if (attempt == first || attempt == second) && !completed {
		s.reannounce(ctx, instanceName, client, hash, torrent, "forced")
		metrics.ForcedReannounces.Inc()
		return
	}

	if attempt >= s.cfg.MaxAnnounceRetries {
		return
	}

	trackers, err := client.TorrentsTrackers(ctx, hash)
	if err != nil {
		s.log.Warn().Err(err).Str("instance", instanceName).Str("hash", hash).Msg("failed to fetch trackers")
		return
	}

	relevant := relevantTrackers(trackers)
	if len(relevant) == 0 {
		return
	}

	reasons := conditionalReasons(relevant, torrent)
	if len(reasons) == 0 {
		return
	}

	s.reannounce(ctx, instanceName, client, hash, torrent, strings.Join(reasons, "+"))
	metrics.ConditionalReannounces.Inc()
}

func (s *Supervisor) reannounce(ctx context.Context, instanceName string, client trackerClient, hash string, torrent qbittorrent.TorrentRecord, label string) {
	if err := client.TorrentsReannounce(ctx, hash); err != nil {
		s.log.Warn().Err(err).Str("instance", instanceName).Str("hash", hash).Str("reason", label).Msg("reannounce request failed")
		return
	}
	s.log.Info().Str("instance", instanceName).Str("hash", hash).Str("torrent", torrent.Name).Str("reason", label).Msg("reannounced")
}

// relevantTrackers drops DHT/PEX/LSD pseudo-trackers and anything not
// using an http(s) URL.
func relevantTrackers(trackers []qbittorrent.TrackerRecord) []qbittorrent.TrackerRecord {
	out := make([]qbittorrent.TrackerRecord, 0, len(trackers))
	for _, t := range trackers {
		lower := strings.ToLower(t.URL)
		switch lower {
		case "dht", "pex", "lsd":
			continue
		}
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		out = append(out, t)
	}
	return out
}

var errorKeywords = []string{"unregistered", "not registered", "not found", "not exist"}

// conditionalReasons evaluates the three conditional re-announce
// triggers from spec.md §4.3 and returns the union of those that hold.
func conditionalReasons(trackers []qbittorrent.TrackerRecord, torrent qbittorrent.TorrentRecord) []string {
	var reasons []string

	allFailed := true
	for _, t := range trackers {
		switch t.Status {
		case qbittorrent.TrackerNotContacted, qbittorrent.TrackerUpdating, qbittorrent.TrackerNotWorking:
		default:
			allFailed = false
		}
	}
	if allFailed {
		reasons = append(reasons, "all-failed")
	}

	hasErrorKeyword := false
	for _, t := range trackers {
		msg := strings.ToLower(t.Msg)
		for _, kw := range errorKeywords {
			if strings.Contains(msg, kw) {
				hasErrorKeyword = true
			}
		}
	}
	if hasErrorKeyword {
		reasons = append(reasons, "error-keyword")
	}

	if torrent.Progress < 0.8 && torrent.NumLeechs < 3 {
		reasons = append(reasons, "peer-starved")
	}

	return reasons
}

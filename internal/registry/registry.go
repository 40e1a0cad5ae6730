package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xwell/qbit-loadbalancer/internal/announce"
	"github.com/xwell/qbit-loadbalancer/internal/metrics"
	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
	"github.com/xwell/qbit-loadbalancer/internal/traffic"
)

// InstanceSpec describes one configured qBittorrent instance before a
// connection attempt has ever been made.
type InstanceSpec struct {
	Name               string
	BaseURL            string
	Username           string
	Password           string
	ReservedSpaceBytes int64
	TrafficLimitBytes  int64
	TrafficCheckURL    string
}

// Config controls the registry's reconnect and traffic-probe behavior.
type Config struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	ConnectionTimeout    time.Duration
	// TrafficProbeEveryNSnapshots controls the duty cycle of the
	// traffic probe: triggered when SuccessMetricsCount%N == 0.
	TrafficProbeEveryNSnapshots int64
}

// Registry owns the ordered list of instances under a single mutex, as
// required by spec.md §5's "one mutex protects the instance list and
// per-instance fields".
type Registry struct {
	mu        sync.Mutex
	instances []*Instance
	cfg       Config
	announcer *announce.Supervisor
	log       zerolog.Logger
}

func New(specs []InstanceSpec, cfg Config, announcer *announce.Supervisor, log zerolog.Logger) *Registry {
	if cfg.TrafficProbeEveryNSnapshots <= 0 {
		cfg.TrafficProbeEveryNSnapshots = 30
	}
	r := &Registry{cfg: cfg, announcer: announcer, log: log}
	for _, s := range specs {
		r.instances = append(r.instances, &Instance{
			Name:               s.Name,
			BaseURL:            s.BaseURL,
			Username:           s.Username,
			Password:           s.Password,
			ReservedSpaceBytes: s.ReservedSpaceBytes,
			TrafficLimitBytes:  s.TrafficLimitBytes,
			TrafficCheckURL:    s.TrafficCheckURL,
			LastUpdate:         time.Now(),
		})
	}
	return r
}

// Snapshot returns read-only copies of every instance, in registration
// order.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, len(r.instances))
	for i, inst := range r.instances {
		out[i] = inst.snapshot()
	}
	return out
}

// ConnectAll performs the initial login for every configured instance.
// Failures leave the instance disconnected; the reconnect scheduler
// picks it up on the next tick.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.Lock()
	targets := make([]*Instance, len(r.instances))
	copy(targets, r.instances)
	r.mu.Unlock()

	for _, inst := range targets {
		r.connectOne(ctx, inst)
	}
}

func (r *Registry) connectOne(ctx context.Context, inst *Instance) {
	client, err := qbittorrent.New(inst.BaseURL, inst.Username, inst.Password, r.cfg.ConnectionTimeout)
	if err != nil {
		r.log.Error().Err(err).Str("instance", inst.Name).Msg("failed to build qbittorrent client")
		r.markDisconnected(inst)
		return
	}
	loginCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
	defer cancel()
	if err := client.Login(loginCtx); err != nil {
		r.log.Error().Err(err).Str("instance", inst.Name).Msg("failed to connect to instance")
		r.markDisconnected(inst)
		return
	}

	r.mu.Lock()
	inst.Client = client
	inst.Connected = true
	inst.Reconnecting = false
	inst.LastUpdate = time.Now()
	r.mu.Unlock()
	r.log.Info().Str("instance", inst.Name).Msg("connected to instance")
}

func (r *Registry) markDisconnected(inst *Instance) {
	r.mu.Lock()
	inst.Connected = false
	inst.Reconnecting = false
	inst.LastUpdate = time.Now()
	r.mu.Unlock()
}

// StatusTick refreshes metrics for every connected instance and runs
// announce supervision on each instance's snapshot. Per spec.md §5 the
// instance list is snapshotted under the mutex, then I/O happens
// without holding it, then results are published with a brief
// reacquire.
func (r *Registry) StatusTick(ctx context.Context) {
	r.mu.Lock()
	targets := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Connected {
			targets = append(targets, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range targets {
		r.refreshOne(ctx, inst)
	}
}

func (r *Registry) refreshOne(ctx context.Context, inst *Instance) {
	// Local copy of the client handle: the dispatch worker and a
	// concurrent reconnect could otherwise swap it out from under us.
	r.mu.Lock()
	client := inst.Client
	r.mu.Unlock()
	if client == nil {
		return
	}

	snap, err := client.SyncMaindata(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("instance", inst.Name).Msg("maindata fetch failed, retrying once")
		time.Sleep(5 * time.Second)
		snap, err = client.SyncMaindata(ctx)
	}
	if err != nil {
		r.log.Error().Err(err).Str("instance", inst.Name).Msg("maindata fetch failed twice, marking disconnected")
		r.markDisconnected(inst)
		return
	}

	r.mu.Lock()
	inst.UploadKbps = float64(snap.ServerState.UpInfoSpeed) / 1024
	inst.DownloadKbps = float64(snap.ServerState.DlInfoSpeed) / 1024
	inst.FreeSpaceBytes = snap.ServerState.FreeSpaceOnDisk
	inst.ActiveDownloads = snap.ActiveDownloads()
	inst.SuccessMetricsCount++
	inst.LastUpdate = time.Now()
	dueForProbe := inst.SuccessMetricsCount%r.cfg.TrafficProbeEveryNSnapshots == 0 && inst.TrafficCheckURL != ""
	trafficURL := inst.TrafficCheckURL
	r.mu.Unlock()

	if r.announcer != nil {
		r.announcer.Observe(ctx, inst.Name, client, snap.Torrents)
	}

	if dueForProbe {
		out, throttled, err := traffic.Probe(ctx, trafficURL)
		if err != nil {
			r.log.Warn().Err(err).Str("instance", inst.Name).Msg("traffic probe failed")
			out = 0
		} else if throttled {
			r.log.Info().Str("instance", inst.Name).Msg("instance reported throttled, excluding from dispatch until next probe")
		}
		r.mu.Lock()
		inst.TrafficOutBytes = out
		r.mu.Unlock()
	}
}

// CheckAndScheduleReconnects finds disconnected, non-reconnecting
// instances whose last attempt is old enough and launches a background
// reconnect task for each, without holding the mutex across the I/O.
func (r *Registry) CheckAndScheduleReconnects(ctx context.Context) {
	now := time.Now()
	var due []*Instance

	r.mu.Lock()
	for _, inst := range r.instances {
		if inst.Connected || inst.Reconnecting {
			continue
		}
		if now.Sub(inst.LastUpdate) >= r.cfg.ReconnectInterval {
			inst.Reconnecting = true
			inst.LastUpdate = now
			due = append(due, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range due {
		inst := inst
		go r.reconnect(ctx, inst)
	}
}

func (r *Registry) reconnect(ctx context.Context, inst *Instance) {
	r.log.Info().Str("instance", inst.Name).Msg("attempting reconnect")

	attempts := r.cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := qbittorrent.New(inst.BaseURL, inst.Username, inst.Password, r.cfg.ConnectionTimeout)
		if err == nil {
			loginCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectionTimeout)
			err = client.Login(loginCtx)
			cancel()
		}
		if err == nil {
			r.mu.Lock()
			inst.Client = client
			inst.Connected = true
			inst.Reconnecting = false
			inst.LastUpdate = time.Now()
			r.mu.Unlock()
			metrics.ReconnectAttempts.WithLabelValues(inst.Name, "success").Inc()
			r.log.Info().Str("instance", inst.Name).Int("attempt", attempt).Msg("reconnected")
			return
		}
		r.log.Warn().Err(err).Str("instance", inst.Name).Int("attempt", attempt).Int("of", attempts).Msg("reconnect attempt failed")
	}

	metrics.ReconnectAttempts.WithLabelValues(inst.Name, "exhausted").Inc()
	r.mu.Lock()
	inst.Connected = false
	inst.Reconnecting = false
	inst.LastUpdate = time.Now()
	r.mu.Unlock()
	r.log.Error().Str("instance", inst.Name).Msg("reconnect exhausted, next attempt after reconnect_interval")
}

// LogStatusSummary logs a one-line connected/disconnected summary,
// supplementing the status worker's loop body (original_source's
// _log_status_summary).
func (r *Registry) LogStatusSummary() {
	r.mu.Lock()
	total := len(r.instances)
	var connected int
	var disconnected []string
	for _, inst := range r.instances {
		if inst.Connected {
			connected++
		} else {
			disconnected = append(disconnected, inst.Name)
		}
	}
	r.mu.Unlock()

	metrics.InstancesConnected.Set(float64(connected))

	evt := r.log.Debug().Int("connected", connected).Int("total", total)
	if len(disconnected) > 0 {
		evt = evt.Strs("disconnected", disconnected)
	}
	evt.Msg("instance status summary")
}

// ResetRoundCounters zeroes NewTasksThisRound on every instance, called
// once after a full dispatch pass per spec.md §4.2 step 3.
func (r *Registry) ResetRoundCounters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		inst.NewTasksThisRound = 0
	}
}

// WithInstance runs fn with exclusive access to the named instance,
// used by the dispatch scheduler to claim a placement atomically
// (bump NewTasksThisRound/TotalAddedTasks) without a separate lookup
// race.
func (r *Registry) WithInstance(name string, fn func(*Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.Name == name {
			fn(inst)
			return true
		}
	}
	return false
}

// ClientFor returns the current client handle for an instance by name,
// or nil if disconnected. The handle must only be used for the
// duration of one call — a concurrent reconnect can swap it.
func (r *Registry) ClientFor(name string) *qbittorrent.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.Name == name {
			if !inst.Connected {
				return nil
			}
			return inst.Client
		}
	}
	return nil
}

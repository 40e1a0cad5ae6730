// Package registry owns the fleet of qBittorrent instances: their
// connectivity, per-instance counters and disk/traffic budgets, and the
// non-blocking reconnect machinery.
package registry

import (
	"time"

	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
)

// Instance is one qBittorrent daemon and its mutable runtime state.
// Fields after Name/BaseURL/Credentials/Reserved*/TrafficLimit*/
// TrafficCheckURL are written by the status worker or a reconnect task,
// except NewTasksThisRound and TotalAddedTasks, which the dispatch
// worker updates after each placement and pass; the dispatch worker
// only reads the rest.
type Instance struct {
	Name     string
	BaseURL  string
	Username string
	Password string

	ReservedSpaceBytes int64
	TrafficLimitBytes  int64
	TrafficCheckURL    string

	Client       *qbittorrent.Client
	Connected    bool
	Reconnecting bool

	UploadKbps      float64
	DownloadKbps    float64
	ActiveDownloads int
	FreeSpaceBytes  int64

	TrafficOutBytes int64

	NewTasksThisRound   int
	TotalAddedTasks     int64
	SuccessMetricsCount int64

	LastUpdate time.Time
}

// Snapshot is an immutable, point-in-time copy of an Instance's fields
// relevant to dispatch and display. It intentionally omits Client so
// callers cannot stash a handle past a reconnect swap.
type Snapshot struct {
	Name                string
	BaseURL             string
	ReservedSpaceBytes  int64
	TrafficLimitBytes   int64
	TrafficCheckURL     string
	Connected           bool
	Reconnecting        bool
	UploadKbps          float64
	DownloadKbps        float64
	ActiveDownloads     int
	FreeSpaceBytes      int64
	TrafficOutBytes     int64
	NewTasksThisRound   int
	TotalAddedTasks     int64
	SuccessMetricsCount int64
	LastUpdate          time.Time
}

func (i *Instance) snapshot() Snapshot {
	return Snapshot{
		Name:                i.Name,
		BaseURL:             i.BaseURL,
		ReservedSpaceBytes:  i.ReservedSpaceBytes,
		TrafficLimitBytes:   i.TrafficLimitBytes,
		TrafficCheckURL:     i.TrafficCheckURL,
		Connected:           i.Connected,
		Reconnecting:        i.Reconnecting,
		UploadKbps:          i.UploadKbps,
		DownloadKbps:        i.DownloadKbps,
		ActiveDownloads:     i.ActiveDownloads,
		FreeSpaceBytes:      i.FreeSpaceBytes,
		TrafficOutBytes:     i.TrafficOutBytes,
		NewTasksThisRound:   i.NewTasksThisRound,
		TotalAddedTasks:     i.TotalAddedTasks,
		SuccessMetricsCount: i.SuccessMetricsCount,
		LastUpdate:          i.LastUpdate,
	}
}

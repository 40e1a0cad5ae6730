// Package config loads and validates the JSON configuration file via
// viper, the way the teacher (Edholm-qbit-service) drives every
// setting through viper getters, generalized here into a typed struct.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SortKey is the tagged enum for the dispatch scheduler's primary
// ordering key, represented as a type rather than dispatched on the
// raw config string at selection time (see spec.md §9 "Dynamic sort key").
type SortKey int

const (
	SortByUploadSpeed SortKey = iota
	SortByDownloadSpeed
	SortByActiveDownloads
)

func (k SortKey) String() string {
	switch k {
	case SortByDownloadSpeed:
		return "download_speed"
	case SortByActiveDownloads:
		return "active_downloads"
	default:
		return "upload_speed"
	}
}

func parseSortKey(raw string) (SortKey, bool) {
	switch raw {
	case "upload_speed", "":
		return SortByUploadSpeed, true
	case "download_speed":
		return SortByDownloadSpeed, true
	case "active_downloads":
		return SortByActiveDownloads, true
	default:
		return SortByUploadSpeed, false
	}
}

// InstanceConfig describes one qBittorrent instance entry.
type InstanceConfig struct {
	Name             string `mapstructure:"name"`
	URL              string `mapstructure:"url"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	TrafficCheckURL  string `mapstructure:"traffic_check_url"`
	TrafficLimitMiB  int64  `mapstructure:"traffic_limit"`
	ReservedSpaceMiB int64  `mapstructure:"reserved_space"`
}

// Config is the fully parsed, validated application configuration.
type Config struct {
	QBittorrentInstances []InstanceConfig `mapstructure:"qbittorrent_instances"`

	MaxNewTasksPerInstance int    `mapstructure:"max_new_tasks_per_instance"`
	PrimarySortKeyRaw      string `mapstructure:"primary_sort_key"`
	PrimarySortKey         SortKey

	FastAnnounceIntervalSeconds float64 `mapstructure:"fast_announce_interval"`
	MaxAnnounceRetries          int     `mapstructure:"max_announce_retries"`

	ReconnectIntervalSeconds int `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts     int `mapstructure:"max_reconnect_attempts"`
	ConnectionTimeoutSeconds int `mapstructure:"connection_timeout"`

	DebugAddStopped bool `mapstructure:"debug_add_stopped"`

	WebhookPort int    `mapstructure:"webhook_port"`
	WebhookPath string `mapstructure:"webhook_path"`
	LogDir      string `mapstructure:"log_dir"`

	TorrentWatchDir      string `mapstructure:"torrent_watch_dir"`
	TorrentMaxAgeMinutes int    `mapstructure:"torrent_max_age_minutes"`

	// SortKeyFallbackWarning is set by Load when primary_sort_key was
	// unrecognized and the upload_speed default was substituted.
	SortKeyFallbackWarning string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("primary_sort_key", "upload_speed")
	v.SetDefault("fast_announce_interval", 3)
	v.SetDefault("max_announce_retries", 12)
	v.SetDefault("reconnect_interval", 180)
	v.SetDefault("max_reconnect_attempts", 1)
	v.SetDefault("connection_timeout", 10)
	v.SetDefault("debug_add_stopped", false)
	v.SetDefault("webhook_port", 5000)
	v.SetDefault("webhook_path", "/webhook")
	v.SetDefault("torrent_max_age_minutes", 30)
}

// Load reads and validates the JSON config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	warning, err := cfg.validate()
	if err != nil {
		return nil, err
	}
	cfg.SortKeyFallbackWarning = warning
	return &cfg, nil
}

func (c *Config) validate() (string, error) {
	if len(c.QBittorrentInstances) == 0 {
		return "", fmt.Errorf("config: qbittorrent_instances must not be empty")
	}
	for i, inst := range c.QBittorrentInstances {
		if strings.TrimSpace(inst.Name) == "" {
			return "", fmt.Errorf("config: qbittorrent_instances[%d]: name is required", i)
		}
		if strings.TrimSpace(inst.URL) == "" {
			return "", fmt.Errorf("config: qbittorrent_instances[%d]: url is required", i)
		}
	}
	if c.MaxNewTasksPerInstance <= 0 {
		return "", fmt.Errorf("config: max_new_tasks_per_instance must be > 0")
	}

	var warning string
	if key, ok := parseSortKey(c.PrimarySortKeyRaw); ok {
		c.PrimarySortKey = key
	} else {
		c.PrimarySortKey = SortByUploadSpeed
		warning = fmt.Sprintf("unrecognized primary_sort_key %q, falling back to upload_speed", c.PrimarySortKeyRaw)
	}

	if c.FastAnnounceIntervalSeconds < 2 {
		c.FastAnnounceIntervalSeconds = 2
	} else if c.FastAnnounceIntervalSeconds > 10 {
		c.FastAnnounceIntervalSeconds = 10
	}

	return warning, nil
}

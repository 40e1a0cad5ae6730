package balancer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwell/qbit-loadbalancer/internal/config"
)

func TestNewWiresComponentsWithoutNetworkCalls(t *testing.T) {
	cfg := &config.Config{
		QBittorrentInstances: []config.InstanceConfig{
			{Name: "a", URL: "http://a.invalid:8080", ReservedSpaceMiB: 10, TrafficLimitMiB: 100},
		},
		MaxNewTasksPerInstance:      1,
		PrimarySortKey:              config.SortByUploadSpeed,
		FastAnnounceIntervalSeconds: 3,
		MaxAnnounceRetries:          12,
		ReconnectIntervalSeconds:    180,
		MaxReconnectAttempts:        1,
		ConnectionTimeoutSeconds:    10,
		WebhookPort:                 5000,
		WebhookPath:                 "/webhook",
	}

	b := New(cfg, zerolog.Nop())
	require.NotNil(t, b)
	assert.NotNil(t, b.registry)
	assert.NotNil(t, b.scheduler)
	assert.NotNil(t, b.webhook)
	assert.Nil(t, b.watcher, "no watch dir configured means no file watcher")
}

func TestNewConstructsWatcherWhenWatchDirSet(t *testing.T) {
	cfg := &config.Config{
		QBittorrentInstances: []config.InstanceConfig{
			{Name: "a", URL: "http://a.invalid:8080"},
		},
		MaxNewTasksPerInstance:      1,
		FastAnnounceIntervalSeconds: 3,
		WebhookPort:                 5000,
		WebhookPath:                 "/webhook",
		TorrentWatchDir:             t.TempDir(),
		TorrentMaxAgeMinutes:        30,
	}

	b := New(cfg, zerolog.Nop())
	assert.NotNil(t, b.watcher)
}

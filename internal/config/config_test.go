package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"qbittorrent_instances": [{"name": "a", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 2
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SortByUploadSpeed, cfg.PrimarySortKey)
	assert.Equal(t, 3.0, cfg.FastAnnounceIntervalSeconds)
	assert.Equal(t, 12, cfg.MaxAnnounceRetries)
	assert.Equal(t, 180, cfg.ReconnectIntervalSeconds)
	assert.Equal(t, 1, cfg.MaxReconnectAttempts)
	assert.Equal(t, 10, cfg.ConnectionTimeoutSeconds)
	assert.False(t, cfg.DebugAddStopped)
	assert.Equal(t, 5000, cfg.WebhookPort)
	assert.Equal(t, "/webhook", cfg.WebhookPath)
	assert.Equal(t, 30, cfg.TorrentMaxAgeMinutes)
	assert.Empty(t, cfg.SortKeyFallbackWarning)
}

func TestLoadUnrecognizedSortKeyFallsBackWithWarning(t *testing.T) {
	path := writeConfig(t, `{
		"qbittorrent_instances": [{"name": "a", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 2,
		"primary_sort_key": "banana_count"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, SortByUploadSpeed, cfg.PrimarySortKey)
	assert.NotEmpty(t, cfg.SortKeyFallbackWarning)
}

func TestLoadRejectsEmptyInstances(t *testing.T) {
	path := writeConfig(t, `{"qbittorrent_instances": [], "max_new_tasks_per_instance": 1}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingInstanceFields(t *testing.T) {
	path := writeConfig(t, `{
		"qbittorrent_instances": [{"name": "", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 1
	}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNonPositiveMaxNewTasks(t *testing.T) {
	path := writeConfig(t, `{
		"qbittorrent_instances": [{"name": "a", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 0
	}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadClampsFastAnnounceInterval(t *testing.T) {
	path := writeConfig(t, `{
		"qbittorrent_instances": [{"name": "a", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 1,
		"fast_announce_interval": 99
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.FastAnnounceIntervalSeconds)

	path = writeConfig(t, `{
		"qbittorrent_instances": [{"name": "a", "url": "http://a:8080"}],
		"max_new_tasks_per_instance": 1,
		"fast_announce_interval": 0.5
	}`)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.FastAnnounceIntervalSeconds)
}

func TestSortKeyString(t *testing.T) {
	assert.Equal(t, "upload_speed", SortByUploadSpeed.String())
	assert.Equal(t, "download_speed", SortByDownloadSpeed.String())
	assert.Equal(t, "active_downloads", SortByActiveDownloads.String())
}

package announce

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwell/qbit-loadbalancer/internal/qbittorrent"
)

type fakeTrackerClient struct {
	trackers        []qbittorrent.TrackerRecord
	trackersErr     error
	reannounceCalls []string
	reannounceErr   error
}

func (f *fakeTrackerClient) TorrentsReannounce(_ context.Context, hash string) error {
	f.reannounceCalls = append(f.reannounceCalls, hash)
	return f.reannounceErr
}

func (f *fakeTrackerClient) TorrentsTrackers(_ context.Context, _ string) ([]qbittorrent.TrackerRecord, error) {
	return f.trackers, f.trackersErr
}

func newTestSupervisor(now time.Time) *Supervisor {
	s := New(Config{FastAnnounceInterval: 3 * time.Second}, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

// Scenario 5 from spec.md §8: fast_announce_interval=3 → first=20,
// second=40. The 20th observation of an incomplete torrent forces a
// reannounce regardless of tracker state.
func TestForcedReannounceOnTwentiethObservation(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	client := &fakeTrackerClient{}

	torrent := qbittorrent.TorrentRecord{
		Name:     "incomplete",
		AddedOn:  now.Add(-10 * time.Second).Unix(),
		Progress: 0.5,
	}

	for i := 0; i < 19; i++ {
		s.observeOne(context.Background(), "inst", client, "hash1", torrent, now)
	}
	assert.Empty(t, client.reannounceCalls, "no reannounce expected before the 20th observation")

	s.observeOne(context.Background(), "inst", client, "hash1", torrent, now)
	require.Len(t, client.reannounceCalls, 1)
	assert.Equal(t, "hash1", client.reannounceCalls[0])
}

// Scenario 6 from spec.md §8: a completed torrent older than 60s is
// evicted and does not reappear in the counter map.
func TestEvictionOfCompletedAgedTorrent(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	client := &fakeTrackerClient{}

	torrent := qbittorrent.TorrentRecord{
		Name:     "done",
		AddedOn:  now.Add(-61 * time.Second).Unix(),
		Progress: 1.0,
	}

	// Seed a counter entry as if it had been observed while incomplete.
	s.counter["hash2"] = 5

	s.observeOne(context.Background(), "inst", client, "hash2", torrent, now)

	s.mu.Lock()
	_, exists := s.counter["hash2"]
	s.mu.Unlock()
	assert.False(t, exists, "completed torrent older than 60s must be evicted")
	assert.Empty(t, client.reannounceCalls)

	// Observed again: still absent, since it's past the eviction rule.
	s.observeOne(context.Background(), "inst", client, "hash2", torrent, now)
	s.mu.Lock()
	_, exists = s.counter["hash2"]
	s.mu.Unlock()
	assert.False(t, exists)
}

func TestEvictionOfTooYoungTorrent(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	client := &fakeTrackerClient{}

	torrent := qbittorrent.TorrentRecord{AddedOn: now.Add(-1 * time.Second).Unix(), Progress: 0.1}
	s.observeOne(context.Background(), "inst", client, "hash3", torrent, now)

	s.mu.Lock()
	_, exists := s.counter["hash3"]
	s.mu.Unlock()
	assert.False(t, exists, "a torrent younger than 2s is not yet under supervision")
}

func TestEvictionPastHardBound(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	client := &fakeTrackerClient{}

	torrent := qbittorrent.TorrentRecord{AddedOn: now.Add(-131 * time.Second).Unix(), Progress: 0.3}
	s.counter["hash4"] = 3
	s.observeOne(context.Background(), "inst", client, "hash4", torrent, now)

	s.mu.Lock()
	_, exists := s.counter["hash4"]
	s.mu.Unlock()
	assert.False(t, exists, "age beyond the 130s hard bound evicts regardless of completion")
}

func TestThresholdStopsFurtherReannounces(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	s.cfg.MaxAnnounceRetries = 3
	client := &fakeTrackerClient{
		trackers: []qbittorrent.TrackerRecord{
			{URL: "https://tracker.example/announce", Status: qbittorrent.TrackerNotWorking, Msg: "unregistered torrent"},
		},
	}

	torrent := qbittorrent.TorrentRecord{AddedOn: now.Add(-10 * time.Second).Unix(), Progress: 0.1}

	for i := 0; i < 5; i++ {
		s.observeOne(context.Background(), "inst", client, "hash5", torrent, now)
	}

	s.mu.Lock()
	attempt := s.counter["hash5"]
	s.mu.Unlock()
	assert.GreaterOrEqual(t, attempt, 3)
	// Once attempt >= MaxAnnounceRetries, no more conditional reannounces fire.
	callsAtThreshold := len(client.reannounceCalls)
	s.observeOne(context.Background(), "inst", client, "hash5", torrent, now)
	assert.Equal(t, callsAtThreshold, len(client.reannounceCalls))
}

func TestConditionalReannounceOnErrorKeyword(t *testing.T) {
	now := time.Now()
	s := newTestSupervisor(now)
	client := &fakeTrackerClient{
		trackers: []qbittorrent.TrackerRecord{
			{URL: "https://tracker.example/announce", Status: qbittorrent.TrackerWorking, Msg: "torrent not registered"},
		},
	}

	torrent := qbittorrent.TorrentRecord{AddedOn: now.Add(-10 * time.Second).Unix(), Progress: 0.9, NumLeechs: 10}
	s.observeOne(context.Background(), "inst", client, "hash6", torrent, now)

	require.Len(t, client.reannounceCalls, 1)
}

func TestRelevantTrackersDropsPseudoAndNonHTTP(t *testing.T) {
	trackers := []qbittorrent.TrackerRecord{
		{URL: "dht"},
		{URL: "pex"},
		{URL: "lsd"},
		{URL: "udp://tracker.example:80/announce"},
		{URL: "https://tracker.example/announce"},
	}
	relevant := relevantTrackers(trackers)
	require.Len(t, relevant, 1)
	assert.Equal(t, "https://tracker.example/announce", relevant[0].URL)
}

func TestConditionalReasonsPeerStarved(t *testing.T) {
	trackers := []qbittorrent.TrackerRecord{
		{URL: "https://tracker.example/announce", Status: qbittorrent.TrackerWorking, Msg: ""},
	}
	torrent := qbittorrent.TorrentRecord{Progress: 0.5, NumLeechs: 1}
	reasons := conditionalReasons(trackers, torrent)
	assert.Contains(t, reasons, "peer-starved")
}

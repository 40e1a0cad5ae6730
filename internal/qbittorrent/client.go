// Package qbittorrent is a thin adapter over the documented qBittorrent
// Web API. It exposes exactly the operations the dispatch core needs:
// login, a single maindata snapshot, add-by-URL, reannounce and
// tracker listing.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// LoginError reports a failed qBittorrent authentication attempt.
type LoginError struct {
	Cause string
}

func (e *LoginError) Error() string { return e.Cause }

// APIError reports a non-2xx response from the qBittorrent Web API.
type APIError struct {
	Op     string
	Status string
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: %s", e.Op, e.Status) }

// Tracker status values, as returned by /api/v2/torrents/trackers.
const (
	TrackerDisabled     = 0
	TrackerNotContacted = 1
	TrackerWorking      = 2
	TrackerUpdating     = 3
	TrackerNotWorking   = 4
)

// TorrentRecord is a single torrent entry inside a maindata snapshot.
type TorrentRecord struct {
	Name      string  `json:"name"`
	AddedOn   int64   `json:"added_on"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	NumLeechs int     `json:"num_leechs"`
}

// ServerState carries the subset of sync/maindata's server_state block
// the dispatch core uses to update instance metrics.
type ServerState struct {
	UpInfoSpeed     int64 `json:"up_info_speed"`
	DlInfoSpeed     int64 `json:"dl_info_speed"`
	FreeSpaceOnDisk int64 `json:"free_space_on_disk"`
}

// MaindataSnapshot is the response of /api/v2/sync/maindata, trimmed to
// the fields the supervisor consumes.
type MaindataSnapshot struct {
	ServerState ServerState              `json:"server_state"`
	Torrents    map[string]TorrentRecord `json:"torrents"`
}

// TrackerRecord is a single entry returned by /api/v2/torrents/trackers.
type TrackerRecord struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// Client is a single qBittorrent instance connection. It is not safe
// for concurrent login, but concurrent reads (Maindata, Trackers) are
// fine once logged in, since the underlying http.Client and cookie jar
// are safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// New creates a Client for one qBittorrent instance. Login is not
// performed until Login is called explicitly.
func New(baseURL, username, password string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent: create cookie jar: %w", err)
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}

// Login authenticates against /api/v2/auth/login. On success the
// session cookie is stored in the client's cookie jar and reused by
// subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	values := url.Values{}
	values.Set("username", c.username)
	values.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v2/auth/login"), strings.NewReader(values.Encode()))
	if err != nil {
		return fmt.Errorf("qbittorrent: build login request: %w", err)
	}
	req.Header.Set("Referer", c.baseURL)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qbittorrent: login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &LoginError{Cause: "non-ok status on login: " + resp.Status}
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "Fails") {
		return &LoginError{Cause: "bad credentials"}
	}
	return nil
}

// SyncMaindata fetches /api/v2/sync/maindata with rid=0, a full
// snapshot rather than an incremental diff — the supervisor only needs
// point-in-time metrics, not the wire protocol's delta semantics.
func (c *Client) SyncMaindata(ctx context.Context) (*MaindataSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v2/sync/maindata?rid=0"), nil)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent: build maindata request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent: maindata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "sync/maindata", Status: resp.Status}
	}

	var snap MaindataSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("qbittorrent: decode maindata: %w", err)
	}
	return &snap, nil
}

// AddTorrentParams carries the optional fields for TorrentsAdd.
type AddTorrentParams struct {
	URL         string
	Category    string
	StartPaused bool
}

// TorrentsAdd calls /api/v2/torrents/add with a single source URL.
// Success is signaled by a response body beginning with the literal
// "Ok", per the documented Web API contract.
func (c *Client) TorrentsAdd(ctx context.Context, params AddTorrentParams) (bool, error) {
	values := url.Values{}
	values.Set("urls", params.URL)
	if params.Category != "" {
		values.Set("category", params.Category)
	}
	if params.StartPaused {
		values.Set("is_stopped", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v2/torrents/add"), strings.NewReader(values.Encode()))
	if err != nil {
		return false, fmt.Errorf("qbittorrent: build add request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("qbittorrent: add torrent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &APIError{Op: "torrents/add", Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("qbittorrent: read add response: %w", err)
	}
	return strings.HasPrefix(string(body), "Ok"), nil
}

// TorrentsReannounce calls /api/v2/torrents/reannounce for one hash.
func (c *Client) TorrentsReannounce(ctx context.Context, hash string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v2/torrents/reannounce?hashes="+url.QueryEscape(hash)), nil)
	if err != nil {
		return fmt.Errorf("qbittorrent: build reannounce request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qbittorrent: reannounce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{Op: "torrents/reannounce", Status: resp.Status}
	}
	return nil
}

// TorrentsTrackers calls /api/v2/torrents/trackers for one hash.
func (c *Client) TorrentsTrackers(ctx context.Context, hash string) ([]TrackerRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v2/torrents/trackers?hash="+url.QueryEscape(hash)), nil)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent: build trackers request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qbittorrent: trackers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Op: "torrents/trackers", Status: resp.Status}
	}

	var trackers []TrackerRecord
	if err := json.NewDecoder(resp.Body).Decode(&trackers); err != nil {
		return nil, fmt.Errorf("qbittorrent: decode trackers: %w", err)
	}
	return trackers, nil
}

// ActiveDownloads returns the number of torrents in the snapshot whose
// state is "downloading".
func (s *MaindataSnapshot) ActiveDownloads() int {
	n := 0
	for _, t := range s.Torrents {
		if t.State == "downloading" {
			n++
		}
	}
	return n
}

// FormatHash normalizes a qBittorrent info-hash for map keys: lower
// case, trimmed. qBittorrent itself is case-insensitive about hashes
// but always reports them lower case.
func FormatHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// MiBToBytes converts a config value expressed in MiB to bytes.
func MiBToBytes(mib int64) int64 {
	return mib * 1024 * 1024
}

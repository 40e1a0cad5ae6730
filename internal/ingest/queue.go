// Package ingest is the deduplicated FIFO of pending torrents shared by
// the webhook and file-watch front-ends.
package ingest

import (
	"fmt"
	"sync"
)

// Torrent is one entry in the pending queue.
type Torrent struct {
	DownloadURL string
	ReleaseName string
	Category    string
}

// Queue is an append-mostly, mutex-protected FIFO deduplicated by
// DownloadURL. It is never persisted; a restart drops pending entries.
type Queue struct {
	mu      sync.Mutex
	pending []Torrent
	index   map[string]struct{}
}

func New() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Enqueue adds a torrent to the back of the queue. It rejects empty
// url/name and silently drops duplicates of an already-pending URL.
func (q *Queue) Enqueue(downloadURL, releaseName, category string) error {
	if downloadURL == "" {
		return fmt.Errorf("ingest: download_url is required")
	}
	if releaseName == "" {
		return fmt.Errorf("ingest: release_name is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[downloadURL]; exists {
		return nil
	}
	q.index[downloadURL] = struct{}{}
	q.pending = append(q.pending, Torrent{
		DownloadURL: downloadURL,
		ReleaseName: releaseName,
		Category:    category,
	})
	return nil
}

// Snapshot returns a copy of the queue contents in FIFO order.
func (q *Queue) Snapshot() []Torrent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Torrent, len(q.pending))
	copy(out, q.pending)
	return out
}

// Remove deletes the entry for downloadURL, if present. Used by the
// dispatch scheduler once a torrent has been successfully handed to an
// instance.
func (q *Queue) Remove(downloadURL string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.index[downloadURL]; !exists {
		return
	}
	delete(q.index, downloadURL)
	for i, t := range q.pending {
		if t.DownloadURL == downloadURL {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
